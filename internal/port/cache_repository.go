package port

import "context"

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes a key so a failed request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error

	// SetStock mirrors the committed quantity of an item, ignoring writes older than the stored sequence
	SetStock(ctx context.Context, itemID string, quantity, sequence int64) error

	// GetStock reads the mirrored quantity, ok is false when the item is not cached
	GetStock(ctx context.Context, itemID string) (quantity int64, ok bool, err error)
}
