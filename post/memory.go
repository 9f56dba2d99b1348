package post

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for local runs and tests.
// It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	opts Options
	byID map[string]DriverPost
	now  func() time.Time
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts: opts,
		byID: make(map[string]DriverPost),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(_ context.Context, p *DriverPost) (string, error) {
	if err := p.prepare(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[p.ID]; ok {
		return "", fmt.Errorf("%w: post %s already exists", ErrConflict, p.ID)
	}
	if m.opts.OneOpenPostPerDriver {
		for _, existing := range m.byID {
			if existing.DriverID == p.DriverID && existing.Status == StatusOpen {
				return "", fmt.Errorf("%w: driver %s already has an open post", ErrConflict, p.DriverID)
			}
		}
	}
	p.CreatedAt = m.now()
	m.byID[p.ID] = p.clone()
	return p.ID, nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (DriverPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return DriverPost{}, ErrNotFound
	}
	return p.clone(), nil
}

func (m *MemoryStore) GetByDriverID(_ context.Context, driverID string) ([]DriverPost, error) {
	return m.find(Where(DriverIs(driverID)), Page{}), nil
}

func (m *MemoryStore) GetByUserID(_ context.Context, userID string) ([]DriverPost, error) {
	return m.find(Where(UserIs(userID)), Page{}), nil
}

func (m *MemoryStore) ListOpen(_ context.Context) ([]DriverPost, error) {
	return m.find(Where(StatusIn(StatusOpen)), Page{}), nil
}

func (m *MemoryStore) ListAll(_ context.Context) ([]DriverPost, error) {
	return m.find(Filter{}, Page{}), nil
}

func (m *MemoryStore) Search(_ context.Context, q SearchQuery) ([]DriverPost, error) {
	f, err := q.Filter()
	if err != nil {
		return nil, err
	}
	return m.find(f, Page{}), nil
}

func (m *MemoryStore) SearchByDestinationName(_ context.Context, name string, partial bool, page Page) ([]DriverPost, error) {
	f, err := destinationNameFilter(name, partial)
	if err != nil {
		return nil, err
	}
	return m.find(f, page), nil
}

func (m *MemoryStore) find(f Filter, page Page) []DriverPost {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DriverPost, 0)
	for _, p := range m.byID {
		if f.Match(p) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page.apply(out)
}

func (m *MemoryStore) Request(_ context.Context, id, clientID string) (DriverPost, error) {
	if clientID == "" {
		return DriverPost{}, fmt.Errorf("%w: client_id is required", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return DriverPost{}, ErrNotFound
	}
	if p.Status != StatusOpen {
		return DriverPost{}, fmt.Errorf("%w: post %s is no longer open", ErrInvalidState, id)
	}
	p.Status = StatusMatched
	p.ClientID = clientID
	m.byID[id] = p
	return p.clone(), nil
}

func (m *MemoryStore) Patch(_ context.Context, id string, patch Patch) (DriverPost, error) {
	if err := patch.validate(); err != nil {
		return DriverPost{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return DriverPost{}, ErrNotFound
	}
	if patch.Status != nil && !p.Status.CanMoveTo(*patch.Status) {
		return DriverPost{}, fmt.Errorf("%w: post %s cannot move back to %s", ErrInvalidState, id, *patch.Status)
	}
	patch.apply(&p)
	m.byID[id] = p
	return p.clone(), nil
}

func (m *MemoryStore) AttachImage(_ context.Context, id, imageURL string) (DriverPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return DriverPost{}, ErrNotFound
	}
	p.ImageURL = &imageURL
	m.byID[id] = p
	return p.clone(), nil
}

func (m *MemoryStore) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *MemoryStore) DeleteAll(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.byID))
	m.byID = make(map[string]DriverPost)
	return n, nil
}
