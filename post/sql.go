package post

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const defaultQueryTimeout = 5 * time.Second

type Repository struct {
	db      *sqlx.DB
	opts    Options
	timeout time.Duration
}

// NewRepository returns a Postgres-backed Store. A zero timeout selects the default.
func NewRepository(db *sqlx.DB, opts Options, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Repository{db: db, opts: opts, timeout: timeout}
}

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// Create inserts a post and returns its id.
func (r *Repository) Create(ctx context.Context, p *DriverPost) (string, error) {
	if err := p.prepare(); err != nil {
		return "", err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", storageError("begin create", err)
	}
	defer tx.Rollback()

	if r.opts.OneOpenPostPerDriver {
		// Serialize creates per driver so two concurrent inserts cannot both pass the check.
		if _, err := tx.ExecContext(ctx, lockDriverQuery, p.DriverID); err != nil {
			return "", storageError("lock driver", err)
		}
		var open int
		if err := tx.GetContext(ctx, &open, countOpenByDriverQuery, p.DriverID); err != nil {
			return "", storageError("count open posts", err)
		}
		if open > 0 {
			return "", fmt.Errorf("%w: driver %s already has an open post", ErrConflict, p.DriverID)
		}
	}

	err = tx.GetContext(ctx, p, createPostQuery,
		p.ID, p.DriverID, p.ClientID, p.VehicleInfo, string(p.Status),
		p.StartPoint, p.Destination, p.MeetPoint, p.DepartureTime,
		p.Notes, p.Description, p.Helmet, p.Contact, p.Leave, p.ImageURL)
	if err != nil {
		return "", storageError("insert post", err)
	}
	if err := tx.Commit(); err != nil {
		return "", storageError("commit create", err)
	}
	return p.ID, nil
}

const lockDriverQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`

const countOpenByDriverQuery = `SELECT count(*) FROM driver_posts WHERE driver_id = $1 AND status = 'open'`

const createPostQuery = `
INSERT INTO driver_posts (id, driver_id, client_id, vehicle_info, status,
    start_point, destination, meet_point, departure_time,
    notes, description, helmet, contact, leave, image_url, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
RETURNING *
`

// GetByID fetches a single post.
func (r *Repository) GetByID(ctx context.Context, id string) (DriverPost, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var p DriverPost
	err := r.db.GetContext(ctx, &p, getByIDQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return DriverPost{}, ErrNotFound
	}
	if err != nil {
		return DriverPost{}, storageError("get post", err)
	}
	return p, nil
}

const getByIDQuery = `SELECT * FROM driver_posts WHERE id = $1`

func (r *Repository) GetByDriverID(ctx context.Context, driverID string) ([]DriverPost, error) {
	return r.find(ctx, Where(DriverIs(driverID)), Page{})
}

func (r *Repository) GetByUserID(ctx context.Context, userID string) ([]DriverPost, error) {
	return r.find(ctx, Where(UserIs(userID)), Page{})
}

func (r *Repository) ListOpen(ctx context.Context) ([]DriverPost, error) {
	return r.find(ctx, Where(StatusIn(StatusOpen)), Page{})
}

func (r *Repository) ListAll(ctx context.Context) ([]DriverPost, error) {
	return r.find(ctx, Filter{}, Page{})
}

// Search finds open posts by start point, end point and departure window.
func (r *Repository) Search(ctx context.Context, q SearchQuery) ([]DriverPost, error) {
	f, err := q.Filter()
	if err != nil {
		return nil, err
	}
	return r.find(ctx, f, Page{})
}

func (r *Repository) SearchByDestinationName(ctx context.Context, name string, partial bool, page Page) ([]DriverPost, error) {
	f, err := destinationNameFilter(name, partial)
	if err != nil {
		return nil, err
	}
	return r.find(ctx, f, page)
}

// find runs a filtered listing ordered by id.
func (r *Repository) find(ctx context.Context, f Filter, page Page) ([]DriverPost, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	where, args := f.SQL(nil)
	var b strings.Builder
	b.WriteString("SELECT * FROM driver_posts ")
	b.WriteString(where)
	b.WriteString(" ORDER BY id ASC")
	if page.Limit > 0 {
		args = append(args, page.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}

	posts := []DriverPost{}
	if err := r.db.SelectContext(ctx, &posts, b.String(), args...); err != nil {
		return nil, storageError("list posts", err)
	}
	return posts, nil
}

// Request claims an open post for a rider. The status check and the write
// happen in one statement, so of two concurrent claims only one can win.
func (r *Repository) Request(ctx context.Context, id, clientID string) (DriverPost, error) {
	if clientID == "" {
		return DriverPost{}, fmt.Errorf("%w: client_id is required", ErrInvalidArgument)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var p DriverPost
	err := r.db.GetContext(ctx, &p, requestPostQuery, id, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return DriverPost{}, r.missOrState(ctx, id, "post %s is no longer open")
	}
	if err != nil {
		return DriverPost{}, storageError("request post", err)
	}
	return p, nil
}

const requestPostQuery = `
UPDATE driver_posts SET status = 'matched', client_id = $2
WHERE id = $1 AND status = 'open'
RETURNING *
`

// missOrState tells a missing row apart from one whose status blocked the write.
func (r *Repository) missOrState(ctx context.Context, id, format string) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, existsQuery, id); err != nil {
		return storageError("check post", err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: "+format, ErrInvalidState, id)
}

const existsQuery = `SELECT EXISTS (SELECT 1 FROM driver_posts WHERE id = $1)`

// Patch applies only the fields set on patch.
func (r *Repository) Patch(ctx context.Context, id string, patch Patch) (DriverPost, error) {
	if err := patch.validate(); err != nil {
		return DriverPost{}, err
	}
	if patch.Empty() {
		return r.GetByID(ctx, id)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var args []any
	sets := make([]string, 0, len(patch.assignments()))
	for _, a := range patch.assignments() {
		args = append(args, a.value)
		sets = append(sets, fmt.Sprintf("%s = $%d", a.column, len(args)))
	}
	f := Where(idClause(id))
	if patch.Status != nil {
		f = f.And(StatusIn(sourcesOf(*patch.Status)...))
	}
	where, args := f.SQL(args)
	query := "UPDATE driver_posts SET " + strings.Join(sets, ", ") + " " + where + " RETURNING *"

	var p DriverPost
	err := r.db.GetContext(ctx, &p, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return DriverPost{}, r.missOrState(ctx, id, "post %s cannot move back to "+string(derefStatus(patch.Status)))
	}
	if err != nil {
		return DriverPost{}, storageError("patch post", err)
	}
	return p, nil
}

func derefStatus(s *Status) Status {
	if s == nil {
		return ""
	}
	return *s
}

type idClause string

func (c idClause) SQL(bind func(any) string) string { return "id = " + bind(string(c)) }

func (c idClause) Match(p DriverPost) bool { return p.ID == string(c) }

// AttachImage records the public URL of an uploaded image.
func (r *Repository) AttachImage(ctx context.Context, id, imageURL string) (DriverPost, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var p DriverPost
	err := r.db.GetContext(ctx, &p, attachImageQuery, id, imageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return DriverPost{}, ErrNotFound
	}
	if err != nil {
		return DriverPost{}, storageError("attach image", err)
	}
	return p, nil
}

const attachImageQuery = `UPDATE driver_posts SET image_url = $2 WHERE id = $1 RETURNING *`

func (r *Repository) DeleteByID(ctx context.Context, id string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, deleteByIDQuery, id)
	if err != nil {
		return storageError("delete post", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("delete post", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const deleteByIDQuery = `DELETE FROM driver_posts WHERE id = $1`

// DeleteAll removes every post and reports how many were removed.
func (r *Repository) DeleteAll(ctx context.Context) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, deleteAllQuery)
	if err != nil {
		return 0, storageError("delete all posts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageError("delete all posts", err)
	}
	return n, nil
}

const deleteAllQuery = `DELETE FROM driver_posts`
