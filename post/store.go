package post

import "context"

// Store persists driver posts. Repository and MemoryStore implement it.
type Store interface {
	Create(ctx context.Context, p *DriverPost) (string, error)
	GetByID(ctx context.Context, id string) (DriverPost, error)
	GetByDriverID(ctx context.Context, driverID string) ([]DriverPost, error)
	GetByUserID(ctx context.Context, userID string) ([]DriverPost, error)
	ListOpen(ctx context.Context) ([]DriverPost, error)
	ListAll(ctx context.Context) ([]DriverPost, error)
	Search(ctx context.Context, q SearchQuery) ([]DriverPost, error)
	SearchByDestinationName(ctx context.Context, name string, partial bool, page Page) ([]DriverPost, error)
	Request(ctx context.Context, id, clientID string) (DriverPost, error)
	Patch(ctx context.Context, id string, patch Patch) (DriverPost, error)
	AttachImage(ctx context.Context, id, imageURL string) (DriverPost, error)
	DeleteByID(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) (int64, error)
}

// Options tune store behaviour shared by every implementation.
type Options struct {
	// OneOpenPostPerDriver rejects a create while the driver still has an open post.
	OneOpenPostPerDriver bool
}
