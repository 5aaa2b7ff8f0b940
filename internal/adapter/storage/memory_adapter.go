package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/pharmacy-ledger/internal/core/domain"
	"github.com/rl1809/pharmacy-ledger/internal/port"
)

// MemoryAdapter keeps items and their journals in process memory. A single
// mutex makes every Commit atomic with respect to readers.
type MemoryAdapter struct {
	mu      sync.RWMutex
	items   map[string]domain.StockItem
	entries map[string][]domain.LedgerEntry
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		items:   make(map[string]domain.StockItem),
		entries: make(map[string][]domain.LedgerEntry),
	}
}

func (m *MemoryAdapter) CreateItem(ctx context.Context, item domain.StockItem, opening *domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; ok {
		return domain.ErrItemExists
	}
	m.items[item.ID] = item
	if opening != nil {
		m.entries[item.ID] = append(m.entries[item.ID], *opening)
	}
	return nil
}

func (m *MemoryAdapter) GetItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[itemID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (m *MemoryAdapter) ListItems(ctx context.Context) ([]domain.StockItem, error) {
	return m.filterItems(func(domain.StockItem) bool { return true }), nil
}

func (m *MemoryAdapter) LowStockItems(ctx context.Context) ([]domain.StockItem, error) {
	return m.filterItems(domain.StockItem.IsLowStock), nil
}

func (m *MemoryAdapter) ExpiringItems(ctx context.Context, from, to time.Time) ([]domain.StockItem, error) {
	items := m.filterItems(func(item domain.StockItem) bool {
		return !item.ExpiryDate.IsZero() && !item.ExpiryDate.Before(from) && !item.ExpiryDate.After(to)
	})
	sort.SliceStable(items, func(i, j int) bool { return items[i].ExpiryDate.Before(items[j].ExpiryDate) })
	return items, nil
}

func (m *MemoryAdapter) filterItems(keep func(domain.StockItem) bool) []domain.StockItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.StockItem, 0, len(m.items))
	for _, item := range m.items {
		if keep(item) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryAdapter) Commit(ctx context.Context, changes []domain.ItemCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// validate against a working copy first so a failure leaves nothing behind
	staged := make(map[string]domain.StockItem, len(changes))
	for _, c := range changes {
		item, ok := staged[c.Entry.ItemID]
		if !ok {
			item, ok = m.items[c.Entry.ItemID]
			if !ok {
				return domain.ErrItemNotFound
			}
		}
		if item.Version != c.ExpectedVersion {
			return port.ErrOptimisticLock
		}
		item.QuantityOnHand = c.Entry.NewQuantity
		item.Version = c.Entry.Sequence
		item.LastEntryAt = c.Entry.CreatedAt
		item.UpdatedAt = c.Entry.CreatedAt
		staged[c.Entry.ItemID] = item
	}

	for id, item := range staged {
		m.items[id] = item
	}
	for _, c := range changes {
		m.entries[c.Entry.ItemID] = append(m.entries[c.Entry.ItemID], c.Entry)
	}
	return nil
}

func (m *MemoryAdapter) ListEntries(ctx context.Context, query domain.EntryQuery) ([]domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.LedgerEntry
	for _, e := range m.entries[query.ItemID] {
		if !query.Matches(e) {
			continue
		}
		out = append(out, e)
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryAdapter) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryAdapter) Close() error {
	return nil
}

var _ port.LedgerRepository = (*MemoryAdapter)(nil)
