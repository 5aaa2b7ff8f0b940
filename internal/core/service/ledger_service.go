package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/pharmacy-ledger/internal/core/domain"
	"github.com/rl1809/pharmacy-ledger/internal/port"
)

type LedgerConfig struct {
	MaxRetries      int
	RetryBackoff    time.Duration
	HistoryPageSize int
	QueueSize       int
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		MaxRetries:      5,
		RetryBackoff:    10 * time.Millisecond,
		HistoryPageSize: 256,
		QueueSize:       1024,
	}
}

// LedgerService is the only writer of item quantities and ledger entries.
type LedgerService struct {
	repo   port.LedgerRepository
	logger *zap.Logger
	cfg    LedgerConfig
	locks  *itemLocks
	now    func() time.Time

	closeMu       sync.RWMutex
	closed        bool
	notifications chan domain.Notification
}

func NewLedgerService(repo port.LedgerRepository, logger *zap.Logger, cfg LedgerConfig) *LedgerService {
	defaults := DefaultLedgerConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = defaults.HistoryPageSize
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LedgerService{
		repo:          repo,
		logger:        logger,
		cfg:           cfg,
		locks:         newItemLocks(),
		now:           time.Now,
		notifications: make(chan domain.Notification, cfg.QueueSize),
	}
}

// ApplyChange applies a single quantity change and returns the recorded entry.
func (s *LedgerService) ApplyChange(ctx context.Context, change domain.StockChange) (domain.LedgerEntry, error) {
	entries, err := s.ApplyBatch(ctx, []domain.StockChange{change})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return entries[0], nil
}

// ApplyBatch commits every change or none of them. Changes are applied in
// order, so an item listed twice sees the result of its earlier line.
func (s *LedgerService) ApplyBatch(ctx context.Context, changes []domain.StockChange) ([]domain.LedgerEntry, error) {
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: batch is empty", domain.ErrInvalidArgument)
	}

	itemIDs := make([]string, 0, len(changes))
	for i, c := range changes {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
		itemIDs = append(itemIDs, c.ItemID)
	}

	unlock := s.locks.lock(itemIDs)
	defer unlock()

	for attempt := 0; ; attempt++ {
		plan, err := s.prepare(ctx, itemIDs, changes)
		if err != nil {
			return nil, err
		}

		err = s.repo.Commit(ctx, plan.commits)
		if err == nil {
			s.publish(plan)
			s.logger.Info("ledger batch committed",
				zap.Int("entries", len(plan.commits)),
				zap.Int("attempt", attempt+1))
			return plan.entries(), nil
		}
		if !errors.Is(err, port.ErrOptimisticLock) {
			return nil, fmt.Errorf("commit ledger entries: %w", err)
		}
		if attempt >= s.cfg.MaxRetries {
			s.logger.Warn("ledger commit retries exhausted",
				zap.Strings("item_ids", uniqueSorted(itemIDs)),
				zap.Int("attempts", attempt+1))
			return nil, fmt.Errorf("%w: gave up after %d attempts", domain.ErrConflict, attempt+1)
		}

		s.logger.Debug("ledger commit conflict, retrying", zap.Int("attempt", attempt+1))
		if err := sleepCtx(ctx, s.cfg.RetryBackoff*time.Duration(attempt+1)); err != nil {
			return nil, err
		}
	}
}

type commitPlan struct {
	commits []domain.ItemCommit
	alerts  map[string]*domain.LowStockAlert
}

func (p commitPlan) entries() []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, len(p.commits))
	for i, c := range p.commits {
		out[i] = c.Entry
	}
	return out
}

// prepare reads the current state of every involved item and computes the
// entries the batch would produce. It never writes.
func (s *LedgerService) prepare(ctx context.Context, itemIDs []string, changes []domain.StockChange) (commitPlan, error) {
	items := make(map[string]*domain.StockItem, len(itemIDs))
	opening := make(map[string]int64, len(itemIDs))
	for _, id := range uniqueSorted(itemIDs) {
		item, err := s.repo.GetItem(ctx, id)
		if err != nil {
			return commitPlan{}, fmt.Errorf("load item %s: %w", id, err)
		}
		if item == nil {
			return commitPlan{}, fmt.Errorf("%w: %s", domain.ErrItemNotFound, id)
		}
		items[id] = item
		opening[id] = item.QuantityOnHand
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	plan := commitPlan{
		commits: make([]domain.ItemCommit, 0, len(changes)),
		alerts:  make(map[string]*domain.LowStockAlert),
	}

	for _, c := range changes {
		item := items[c.ItemID]
		prev := item.QuantityOnHand
		if c.QuantityChange > 0 && prev > math.MaxInt64-c.QuantityChange {
			return commitPlan{}, fmt.Errorf("%w: quantity of %s would overflow", domain.ErrInvalidArgument, c.ItemID)
		}
		next := prev + c.QuantityChange
		if next < 0 {
			return commitPlan{}, &domain.InsufficientStockError{
				ItemID:    c.ItemID,
				Available: prev,
				Requested: -c.QuantityChange,
			}
		}

		createdAt := now
		if !createdAt.After(item.LastEntryAt) {
			createdAt = item.LastEntryAt.Add(time.Microsecond)
		}

		id, err := uuid.NewV7()
		if err != nil {
			return commitPlan{}, fmt.Errorf("generate entry id: %w", err)
		}

		entry := domain.LedgerEntry{
			ID:               id.String(),
			ItemID:           c.ItemID,
			Kind:             c.Kind,
			QuantityChange:   c.QuantityChange,
			PreviousQuantity: prev,
			NewQuantity:      next,
			ReferenceID:      c.ReferenceID,
			ActorID:          c.ActorID,
			Notes:            c.Notes,
			Sequence:         item.Version + 1,
			CreatedAt:        createdAt,
		}
		plan.commits = append(plan.commits, domain.ItemCommit{
			ExpectedVersion: item.Version,
			Entry:           entry,
		})

		item.QuantityOnHand = next
		item.Version = entry.Sequence
		item.LastEntryAt = createdAt
	}

	for id, item := range items {
		if opening[id] > item.ReorderLevel && item.IsLowStock() {
			plan.alerts[id] = &domain.LowStockAlert{
				ItemID:       id,
				Quantity:     item.QuantityOnHand,
				ReorderLevel: item.ReorderLevel,
				AlertedAt:    now,
			}
		}
	}

	return plan, nil
}

// publish queues post-commit notifications. The alert for an item rides on
// its last entry of the batch.
func (s *LedgerService) publish(plan commitPlan) {
	last := make(map[string]int, len(plan.alerts))
	for i, c := range plan.commits {
		last[c.Entry.ItemID] = i
	}
	for i, c := range plan.commits {
		n := domain.Notification{Entry: c.Entry}
		if last[c.Entry.ItemID] == i {
			n.LowStock = plan.alerts[c.Entry.ItemID]
		}
		if n.LowStock != nil {
			s.logger.Warn("item reached reorder level",
				zap.String("item_id", n.LowStock.ItemID),
				zap.Int64("quantity", n.LowStock.Quantity),
				zap.Int64("reorder_level", n.LowStock.ReorderLevel))
		}
		s.enqueue(n)
	}
}

func (s *LedgerService) enqueue(n domain.Notification) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		return
	}
	select {
	case s.notifications <- n:
	default:
		s.logger.Warn("notification queue full, dropping",
			zap.String("entry_id", n.Entry.ID),
			zap.String("item_id", n.Entry.ItemID))
	}
}

// Notifications exposes committed entries for asynchronous fan-out.
func (s *LedgerService) Notifications() <-chan domain.Notification {
	return s.notifications
}

func (s *LedgerService) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.notifications)
	}
}

func (s *LedgerService) CurrentQuantity(ctx context.Context, itemID string) (int64, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	return item.QuantityOnHand, nil
}

// History yields the item's entries in application order, optionally bounded
// to [from, to). The sequence is bounded by the item's version when iteration
// starts, and can be ranged over again to replay it.
func (s *LedgerService) History(ctx context.Context, itemID string, from, to time.Time) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		item, err := s.GetItem(ctx, itemID)
		if err != nil {
			yield(domain.LedgerEntry{}, err)
			return
		}

		var after int64
		for after < item.Version {
			page, err := s.repo.ListEntries(ctx, domain.EntryQuery{
				ItemID:        itemID,
				From:          from,
				To:            to,
				AfterSequence: after,
				Limit:         s.cfg.HistoryPageSize,
			})
			if err != nil {
				yield(domain.LedgerEntry{}, fmt.Errorf("list entries for %s: %w", itemID, err))
				return
			}
			for _, e := range page {
				if e.Sequence > item.Version {
					return
				}
				if !yield(e, nil) {
					return
				}
				after = e.Sequence
			}
			if len(page) < s.cfg.HistoryPageSize {
				return
			}
		}
	}
}

// LowStockItems returns the sorted ids of items at or below their reorder level.
func (s *LedgerService) LowStockItems(ctx context.Context) ([]string, error) {
	items, err := s.repo.LowStockItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list low stock items: %w", err)
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids, nil
}

// RegisterItem adds an item to the catalog. A non-zero initial quantity is
// recorded as an adjustment entry in the same commit.
func (s *LedgerService) RegisterItem(ctx context.Context, in domain.NewItem) (domain.StockItem, error) {
	if err := in.Validate(); err != nil {
		return domain.StockItem{}, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	item := domain.StockItem{
		ID:           in.ID,
		Name:         in.Name,
		UnitPrice:    in.UnitPrice,
		ReorderLevel: in.ReorderLevel,
		BatchNumber:  in.BatchNumber,
		ExpiryDate:   in.ExpiryDate.UTC().Truncate(time.Microsecond),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var opening *domain.LedgerEntry
	if in.InitialQuantity > 0 {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.StockItem{}, fmt.Errorf("generate entry id: %w", err)
		}
		opening = &domain.LedgerEntry{
			ID:             id.String(),
			ItemID:         in.ID,
			Kind:           domain.EntryKindAdjustment,
			QuantityChange: in.InitialQuantity,
			NewQuantity:    in.InitialQuantity,
			ActorID:        in.ActorID,
			Notes:          "opening balance",
			Sequence:       1,
			CreatedAt:      now,
		}
		item.QuantityOnHand = in.InitialQuantity
		item.Version = 1
		item.LastEntryAt = now
	}

	unlock := s.locks.lock([]string{in.ID})
	defer unlock()

	if err := s.repo.CreateItem(ctx, item, opening); err != nil {
		if errors.Is(err, domain.ErrItemExists) {
			return domain.StockItem{}, fmt.Errorf("%w: %s", domain.ErrItemExists, in.ID)
		}
		return domain.StockItem{}, fmt.Errorf("create item: %w", err)
	}

	s.logger.Info("stock item registered",
		zap.String("item_id", item.ID),
		zap.Int64("quantity", item.QuantityOnHand),
		zap.Int64("reorder_level", item.ReorderLevel))

	if opening != nil {
		s.enqueue(domain.Notification{Entry: *opening})
	}
	return item, nil
}

func (s *LedgerService) GetItem(ctx context.Context, itemID string) (domain.StockItem, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return domain.StockItem{}, fmt.Errorf("load item %s: %w", itemID, err)
	}
	if item == nil {
		return domain.StockItem{}, fmt.Errorf("%w: %s", domain.ErrItemNotFound, itemID)
	}
	return *item, nil
}

func (s *LedgerService) ListItems(ctx context.Context) ([]domain.StockItem, error) {
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// ExpiringItems returns items whose expiry date falls within [from, to], soonest first.
func (s *LedgerService) ExpiringItems(ctx context.Context, from, to time.Time) ([]domain.StockItem, error) {
	items, err := s.repo.ExpiringItems(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list expiring items: %w", err)
	}
	return items, nil
}

// Ping checks that the backing repository is reachable.
func (s *LedgerService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
