package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pharmacy-ledger/internal/core/domain"
	"github.com/rl1809/pharmacy-ledger/internal/port"
)

func getMySQLDB(t *testing.T) *sqlx.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/pharmacy"
	}

	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	return db
}

func TestMemoryAdapter(t *testing.T) {
	testLedgerRepository(t, func(t *testing.T) port.LedgerRepository {
		return NewMemoryAdapter()
	})
}

func TestSQLAdapter_SQLite(t *testing.T) {
	testLedgerRepository(t, func(t *testing.T) port.LedgerRepository {
		repo, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { repo.Close() })
		return repo
	})
}

func TestSQLAdapter_MySQL(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	require.NoError(t, Migrate(context.Background(), db))
	testLedgerRepository(t, func(t *testing.T) port.LedgerRepository {
		return NewSQLAdapter(db)
	})
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "")
	assert.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	repo, err := Open(context.Background(), DriverMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryAdapter{}, repo)
	assert.NoError(t, repo.Ping(context.Background()))
}

var epoch = time.Date(2026, 1, 12, 9, 30, 0, 0, time.UTC)

func entryFor(item domain.StockItem, change int64, at time.Time) domain.ItemCommit {
	return domain.ItemCommit{
		ExpectedVersion: item.Version,
		Entry: domain.LedgerEntry{
			ID:               uuid.NewString(),
			ItemID:           item.ID,
			Kind:             domain.EntryKindAdjustment,
			QuantityChange:   change,
			PreviousQuantity: item.QuantityOnHand,
			NewQuantity:      item.QuantityOnHand + change,
			ActorID:          "tester",
			Sequence:         item.Version + 1,
			CreatedAt:        at,
		},
	}
}

// applied returns item as it looks after c was committed.
func applied(item domain.StockItem, c domain.ItemCommit) domain.StockItem {
	item.QuantityOnHand = c.Entry.NewQuantity
	item.Version = c.Entry.Sequence
	item.LastEntryAt = c.Entry.CreatedAt
	item.UpdatedAt = c.Entry.CreatedAt
	return item
}

func testLedgerRepository(t *testing.T, newRepo func(t *testing.T) port.LedgerRepository) {
	ctx := context.Background()

	// ids are unique per run so shared databases can be reused
	newID := func(name string) string { return name + "-" + uuid.NewString()[:8] }

	newItem := func(id string, reorder int64) domain.StockItem {
		return domain.StockItem{
			ID:           id,
			Name:         "Metformin 500mg",
			UnitPrice:    decimal.RequireFromString("3.75"),
			ReorderLevel: reorder,
			CreatedAt:    epoch,
			UpdatedAt:    epoch,
		}
	}

	t.Run("create and get item", func(t *testing.T) {
		repo := newRepo(t)
		item := newItem(newID("create"), 5)

		require.NoError(t, repo.CreateItem(ctx, item, nil))

		got, err := repo.GetItem(ctx, item.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, item.ID, got.ID)
		assert.Equal(t, item.Name, got.Name)
		assert.True(t, item.UnitPrice.Equal(got.UnitPrice))
		assert.Equal(t, int64(0), got.Version)
		assert.True(t, got.LastEntryAt.IsZero())
		assert.True(t, epoch.Equal(got.CreatedAt))

		missing, err := repo.GetItem(ctx, newID("missing"))
		require.NoError(t, err)
		assert.Nil(t, missing)

		err = repo.CreateItem(ctx, item, nil)
		assert.ErrorIs(t, err, domain.ErrItemExists)
	})

	t.Run("expiring items", func(t *testing.T) {
		repo := newRepo(t)
		ids := make(map[string]bool)
		create := func(name string, expiry time.Time) string {
			item := newItem(newID(name), 0)
			item.BatchNumber = "LOT-" + name
			item.ExpiryDate = expiry
			require.NoError(t, repo.CreateItem(ctx, item, nil))
			ids[item.ID] = true
			return item.ID
		}
		create("past", epoch.Add(-time.Hour))
		late := create("late", epoch.AddDate(0, 0, 20))
		early := create("early", epoch.AddDate(0, 0, 3))
		create("beyond", epoch.AddDate(0, 0, 31))
		create("none", time.Time{})

		got, err := repo.ExpiringItems(ctx, epoch, epoch.AddDate(0, 0, 30))
		require.NoError(t, err)

		var mine []domain.StockItem
		for _, item := range got {
			if ids[item.ID] {
				mine = append(mine, item)
			}
		}
		require.Len(t, mine, 2)
		assert.Equal(t, early, mine[0].ID)
		assert.Equal(t, "LOT-early", mine[0].BatchNumber)
		assert.True(t, epoch.AddDate(0, 0, 3).Equal(mine[0].ExpiryDate))
		assert.Equal(t, late, mine[1].ID)
	})

	t.Run("create item with opening entry", func(t *testing.T) {
		repo := newRepo(t)
		item := newItem(newID("opening"), 5)
		opening := entryFor(item, 12, epoch)
		item = applied(item, opening)

		require.NoError(t, repo.CreateItem(ctx, item, &opening.Entry))

		entries, err := repo.ListEntries(ctx, domain.EntryQuery{ItemID: item.ID})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, opening.Entry.ID, entries[0].ID)
		assert.Equal(t, int64(12), entries[0].NewQuantity)
		assert.True(t, epoch.Equal(entries[0].CreatedAt))
	})

	t.Run("commit updates item and appends entries", func(t *testing.T) {
		repo := newRepo(t)
		item := newItem(newID("commit"), 5)
		require.NoError(t, repo.CreateItem(ctx, item, nil))

		first := entryFor(item, 20, epoch.Add(time.Minute))
		item = applied(item, first)
		second := entryFor(item, -8, epoch.Add(2*time.Minute))

		require.NoError(t, repo.Commit(ctx, []domain.ItemCommit{first, second}))

		got, err := repo.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(12), got.QuantityOnHand)
		assert.Equal(t, int64(2), got.Version)
		assert.True(t, second.Entry.CreatedAt.Equal(got.LastEntryAt))

		entries, err := repo.ListEntries(ctx, domain.EntryQuery{ItemID: item.ID})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, first.Entry.ID, entries[0].ID)
		assert.Equal(t, second.Entry.ID, entries[1].ID)
		assert.Equal(t, domain.EntryKindAdjustment, entries[1].Kind)
		assert.Equal(t, int64(20), entries[1].PreviousQuantity)
	})

	t.Run("stale version rolls back whole commit", func(t *testing.T) {
		repo := newRepo(t)
		a := newItem(newID("stale-a"), 0)
		b := newItem(newID("stale-b"), 0)
		require.NoError(t, repo.CreateItem(ctx, a, nil))
		require.NoError(t, repo.CreateItem(ctx, b, nil))

		bump := entryFor(b, 5, epoch.Add(time.Minute))
		require.NoError(t, repo.Commit(ctx, []domain.ItemCommit{bump}))

		// b is still at version 0 from the caller's point of view
		err := repo.Commit(ctx, []domain.ItemCommit{
			entryFor(a, 3, epoch.Add(2*time.Minute)),
			entryFor(b, 3, epoch.Add(2*time.Minute)),
		})
		assert.ErrorIs(t, err, port.ErrOptimisticLock)

		got, err := repo.GetItem(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.QuantityOnHand)
		assert.Equal(t, int64(0), got.Version)

		entries, err := repo.ListEntries(ctx, domain.EntryQuery{ItemID: a.ID})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("list entries pages and bounds", func(t *testing.T) {
		repo := newRepo(t)
		item := newItem(newID("pages"), 0)
		require.NoError(t, repo.CreateItem(ctx, item, nil))

		for i := 0; i < 6; i++ {
			c := entryFor(item, 1, epoch.Add(time.Duration(i)*time.Hour))
			require.NoError(t, repo.Commit(ctx, []domain.ItemCommit{c}))
			item = applied(item, c)
		}

		page, err := repo.ListEntries(ctx, domain.EntryQuery{ItemID: item.ID, Limit: 4})
		require.NoError(t, err)
		require.Len(t, page, 4)
		assert.Equal(t, int64(4), page[3].Sequence)

		page, err = repo.ListEntries(ctx, domain.EntryQuery{ItemID: item.ID, AfterSequence: 4, Limit: 4})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, int64(5), page[0].Sequence)

		bounded, err := repo.ListEntries(ctx, domain.EntryQuery{
			ItemID: item.ID,
			From:   epoch.Add(time.Hour),
			To:     epoch.Add(3 * time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, bounded, 2)
		assert.Equal(t, int64(2), bounded[0].Sequence)
		assert.Equal(t, int64(3), bounded[1].Sequence)
	})

	t.Run("low stock items", func(t *testing.T) {
		repo := newRepo(t)
		low := newItem(newID("low"), 10)
		ok := newItem(newID("ok"), 1)
		require.NoError(t, repo.CreateItem(ctx, low, nil))
		require.NoError(t, repo.CreateItem(ctx, ok, nil))
		require.NoError(t, repo.Commit(ctx, []domain.ItemCommit{
			entryFor(low, 10, epoch.Add(time.Minute)),
			entryFor(ok, 2, epoch.Add(time.Minute)),
		}))

		items, err := repo.LowStockItems(ctx)
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, it := range items {
			ids[it.ID] = true
		}
		assert.True(t, ids[low.ID], "quantity equal to reorder level is low stock")
		assert.False(t, ids[ok.ID])

		all, err := repo.ListItems(ctx)
		require.NoError(t, err)
		for i := 1; i < len(all); i++ {
			assert.Less(t, all[i-1].ID, all[i].ID)
		}
	})

	t.Run("ping", func(t *testing.T) {
		repo := newRepo(t)
		assert.NoError(t, repo.Ping(ctx))
	})
}
