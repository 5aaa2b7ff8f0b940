package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/pharmacy-ledger/internal/core/domain"
)

// ErrOptimisticLock is returned by Commit when an item's version moved since it was read.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

type LedgerRepository interface {
	// CreateItem inserts a new item together with its optional opening entry
	CreateItem(ctx context.Context, item domain.StockItem, opening *domain.LedgerEntry) error

	// GetItem retrieves an item by ID, nil if it does not exist
	GetItem(ctx context.Context, itemID string) (*domain.StockItem, error)

	// ListItems returns every item ordered by ID
	ListItems(ctx context.Context) ([]domain.StockItem, error)

	// LowStockItems returns items whose quantity is at or below their reorder level, ordered by ID
	LowStockItems(ctx context.Context) ([]domain.StockItem, error)

	// ExpiringItems returns items with an expiry date in [from, to], soonest first
	ExpiringItems(ctx context.Context, from, to time.Time) ([]domain.StockItem, error)

	// Commit applies all changes and appends their entries atomically,
	// failing with ErrOptimisticLock if any expected version is stale
	Commit(ctx context.Context, changes []domain.ItemCommit) error

	// ListEntries returns a page of an item's history in ascending sequence order
	ListEntries(ctx context.Context, query domain.EntryQuery) ([]domain.LedgerEntry, error)

	Ping(ctx context.Context) error
	Close() error
}
