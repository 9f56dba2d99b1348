package post

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxImageSize is the exclusive upper bound on an uploaded image.
const MaxImageSize = 5 << 20

var allowedImageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
}

// ErrCacheMiss is returned by a Cache that holds no entry for an id.
var ErrCacheMiss = errors.New("post not cached")

// Cache keeps recently read posts out of the database.
//
// A fill is guarded by a version token: Version is read before the store,
// and Set must drop the entry when Delete or Flush ran since then, so a slow
// reader never puts back a post that a write has already replaced.
type Cache interface {
	Get(ctx context.Context, id string) (DriverPost, error)
	Version(ctx context.Context, id string) (string, error)
	Set(ctx context.Context, p DriverPost, version string) error
	Delete(ctx context.Context, id string) error
	Flush(ctx context.Context) error
}

// Publisher announces post lifecycle changes.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// ImageStore stores image bytes and returns the public URL of the object.
type ImageStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type EventType string

const (
	EventCreated       EventType = "post.created"
	EventMatched       EventType = "post.matched"
	EventUpdated       EventType = "post.updated"
	EventImageAttached EventType = "post.image_attached"
	EventDeleted       EventType = "post.deleted"
	EventPurged        EventType = "posts.purged"
)

type Event struct {
	Type     EventType `json:"type"`
	PostID   string    `json:"post_id,omitempty"`
	DriverID string    `json:"driver_id,omitempty"`
	ClientID string    `json:"client_id,omitempty"`
	Status   Status    `json:"status,omitempty"`
	Count    int64     `json:"count,omitempty"`
	At       time.Time `json:"at"`
}

// Service fronts a Store with caching, events, image uploads and metrics.
type Service struct {
	store   Store
	cache   Cache
	events  Publisher
	images  ImageStore
	metrics *Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Service)

func WithCache(c Cache) Option { return func(s *Service) { s.cache = c } }

func WithPublisher(p Publisher) Option { return func(s *Service) { s.events = p } }

func WithImageStore(i ImageStore) Option { return func(s *Service) { s.images = i } }

func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("post"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "post."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) Create(ctx context.Context, p *DriverPost) (id string, err error) {
	ctx, span := s.span(ctx, "create", attribute.String("driver_id", p.DriverID))
	defer func() { endSpan(span, err) }()

	id, err = s.store.Create(ctx, p)
	if err != nil {
		return "", err
	}
	s.metrics.created()
	s.publish(ctx, Event{Type: EventCreated, PostID: id, DriverID: p.DriverID, Status: p.Status})
	return id, nil
}

// GetByID reads through the cache when one is configured.
func (s *Service) GetByID(ctx context.Context, id string) (p DriverPost, err error) {
	ctx, span := s.span(ctx, "get", attribute.String("post_id", id))
	defer func() { endSpan(span, err) }()

	fill := false
	var version string
	if s.cache != nil {
		p, err := s.cache.Get(ctx, id)
		if err == nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return p, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.WarnContext(ctx, "post cache read failed", "post_id", id, "error", err)
		}
		// The token must be taken before the store read.
		if version, err = s.cache.Version(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "post cache version read failed", "post_id", id, "error", err)
		} else {
			fill = true
		}
	}

	p, err = s.store.GetByID(ctx, id)
	if err != nil {
		return DriverPost{}, err
	}
	if fill {
		if err := s.cache.Set(ctx, p, version); err != nil {
			s.logger.WarnContext(ctx, "post cache write failed", "post_id", id, "error", err)
		}
	}
	return p, nil
}

func (s *Service) GetByDriverID(ctx context.Context, driverID string) ([]DriverPost, error) {
	return s.store.GetByDriverID(ctx, driverID)
}

func (s *Service) GetByUserID(ctx context.Context, userID string) ([]DriverPost, error) {
	return s.store.GetByUserID(ctx, userID)
}

func (s *Service) ListOpen(ctx context.Context) ([]DriverPost, error) {
	return s.store.ListOpen(ctx)
}

func (s *Service) ListAll(ctx context.Context) ([]DriverPost, error) {
	return s.store.ListAll(ctx)
}

func (s *Service) Search(ctx context.Context, q SearchQuery) (posts []DriverPost, err error) {
	ctx, span := s.span(ctx, "search",
		attribute.String("start_point", q.StartPoint),
		attribute.String("end_point", q.EndPoint),
		attribute.Bool("partial", q.Partial))
	defer func() { endSpan(span, err) }()

	posts, err = s.store.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	s.metrics.searched(len(posts))
	return posts, nil
}

func (s *Service) SearchByDestinationName(ctx context.Context, name string, partial bool, page Page) (posts []DriverPost, err error) {
	ctx, span := s.span(ctx, "search_by_destination", attribute.String("name", name))
	defer func() { endSpan(span, err) }()

	posts, err = s.store.SearchByDestinationName(ctx, name, partial, page)
	if err != nil {
		return nil, err
	}
	s.metrics.searched(len(posts))
	return posts, nil
}

// Request claims an open post for clientID.
func (s *Service) Request(ctx context.Context, id, clientID string) (p DriverPost, err error) {
	ctx, span := s.span(ctx, "request", attribute.String("post_id", id), attribute.String("client_id", clientID))
	defer func() { endSpan(span, err) }()

	p, err = s.store.Request(ctx, id, clientID)
	s.metrics.requested(err)
	if err != nil {
		return DriverPost{}, err
	}
	s.invalidate(ctx, id)
	s.publish(ctx, Event{Type: EventMatched, PostID: id, DriverID: p.DriverID, ClientID: clientID, Status: p.Status})
	return p, nil
}

func (s *Service) Patch(ctx context.Context, id string, patch Patch) (p DriverPost, err error) {
	ctx, span := s.span(ctx, "patch", attribute.String("post_id", id))
	defer func() { endSpan(span, err) }()

	p, err = s.store.Patch(ctx, id, patch)
	if err != nil {
		return DriverPost{}, err
	}
	if !patch.Empty() {
		s.invalidate(ctx, id)
		s.publish(ctx, Event{Type: EventUpdated, PostID: id, DriverID: p.DriverID, ClientID: p.ClientID, Status: p.Status})
	}
	return p, nil
}

func (s *Service) AttachImage(ctx context.Context, id, imageURL string) (p DriverPost, err error) {
	ctx, span := s.span(ctx, "attach_image", attribute.String("post_id", id))
	defer func() { endSpan(span, err) }()

	p, err = s.store.AttachImage(ctx, id, imageURL)
	if err != nil {
		return DriverPost{}, err
	}
	s.invalidate(ctx, id)
	s.publish(ctx, Event{Type: EventImageAttached, PostID: id, DriverID: p.DriverID})
	return p, nil
}

// UploadImage validates an image, stores it and attaches its URL to the post.
func (s *Service) UploadImage(ctx context.Context, id string, data []byte) (p DriverPost, err error) {
	ctx, span := s.span(ctx, "upload_image", attribute.String("post_id", id), attribute.Int("size", len(data)))
	defer func() { endSpan(span, err) }()

	if s.images == nil {
		return DriverPost{}, ErrUploadsDisabled
	}
	if len(data) == 0 || len(data) >= MaxImageSize {
		return DriverPost{}, fmt.Errorf("%w: image must be larger than 0 bytes and smaller than 5MB", ErrInvalidArgument)
	}
	mtype := mimetype.Detect(data)
	ext, ok := allowedImageTypes[mtype.String()]
	if !ok {
		return DriverPost{}, fmt.Errorf("%w: unsupported image type %s, only jpeg and png are accepted", ErrInvalidArgument, mtype.String())
	}

	// Check the post before spending an upload on it.
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return DriverPost{}, err
	}

	url, err := s.images.Put(ctx, imageKey(id, ext), mtype.String(), data)
	if err != nil {
		return DriverPost{}, fmt.Errorf("%w: upload image: %v", ErrInternal, err)
	}
	p, err = s.AttachImage(ctx, id, url)
	if err != nil {
		return DriverPost{}, err
	}
	s.metrics.imageUploaded()
	return p, nil
}

func imageKey(postID, ext string) string {
	suffix := uuid.New()
	return fmt.Sprintf("posts/%s/%s%s", postID, hex.EncodeToString(suffix[:8]), ext)
}

func (s *Service) DeleteByID(ctx context.Context, id string) (err error) {
	ctx, span := s.span(ctx, "delete", attribute.String("post_id", id))
	defer func() { endSpan(span, err) }()

	if err := s.store.DeleteByID(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	s.publish(ctx, Event{Type: EventDeleted, PostID: id})
	return nil
}

// DeleteAll removes every post. Authorization happens at the HTTP boundary.
func (s *Service) DeleteAll(ctx context.Context) (n int64, err error) {
	ctx, span := s.span(ctx, "delete_all")
	defer func() { endSpan(span, err) }()

	n, err = s.store.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		if err := s.cache.Flush(ctx); err != nil {
			s.logger.WarnContext(ctx, "post cache flush failed", "error", err)
		}
	}
	s.publish(ctx, Event{Type: EventPurged, Count: n})
	return n, nil
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "post cache invalidation failed", "post_id", id, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, e Event) {
	if s.events == nil {
		return
	}
	e.At = s.now()
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "post event publish failed", "type", e.Type, "post_id", e.PostID, "error", err)
	}
}
