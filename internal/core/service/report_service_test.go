package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pharmacy-ledger/internal/adapter/storage"
	"github.com/rl1809/pharmacy-ledger/internal/core/domain"
)

func TestMovements(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, storage.NewMemoryAdapter())
	reports := NewReportService(ledger)

	base := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	ledger.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Hour) }

	registerItem(t, ledger, "item-1", 30, 5) // 09:00 -> 30
	for _, c := range []domain.StockChange{
		change("item-1", domain.EntryKindSale, -10, "S1"),     // 10:00 -> 20
		change("item-1", domain.EntryKindPurchase, 25, "PO1"), // 11:00 -> 45
		change("item-1", domain.EntryKindSale, -5, "S2"),      // 12:00 -> 40
		change("item-1", domain.EntryKindReturn, 1, "R1"),     // 13:00 -> 41
	} {
		_, err := ledger.ApplyChange(ctx, c)
		require.NoError(t, err)
	}

	t.Run("window", func(t *testing.T) {
		report, err := reports.Movements(ctx, "item-1", base.Add(2*time.Hour), base.Add(5*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, report.Entries)
		assert.Equal(t, int64(30), report.OpeningQuantity)
		assert.Equal(t, int64(40), report.ClosingQuantity)
		assert.Equal(t, int64(10), report.NetChange)
		assert.Equal(t, int64(-15), report.ByKind["sale"])
		assert.Equal(t, int64(25), report.ByKind["purchase"])
	})

	t.Run("unbounded", func(t *testing.T) {
		report, err := reports.Movements(ctx, "item-1", time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 5, report.Entries)
		assert.Equal(t, int64(0), report.OpeningQuantity)
		assert.Equal(t, int64(41), report.ClosingQuantity)
		assert.Equal(t, report.ClosingQuantity-report.OpeningQuantity, report.NetChange)
	})

	t.Run("quiet window", func(t *testing.T) {
		report, err := reports.Movements(ctx, "item-1", base.Add(6*time.Hour), base.Add(7*time.Hour))
		require.NoError(t, err)
		assert.Zero(t, report.Entries)
		assert.Equal(t, int64(41), report.OpeningQuantity)
		assert.Equal(t, int64(41), report.ClosingQuantity)
	})

	t.Run("before first entry", func(t *testing.T) {
		report, err := reports.Movements(ctx, "item-1", base.Add(-time.Hour), base)
		require.NoError(t, err)
		assert.Zero(t, report.Entries)
		assert.Zero(t, report.ClosingQuantity)
	})

	t.Run("unknown item", func(t *testing.T) {
		_, err := reports.Movements(ctx, "ghost", time.Time{}, time.Time{})
		assert.ErrorIs(t, err, domain.ErrItemNotFound)
	})
}

func TestValuation(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, storage.NewMemoryAdapter())
	reports := NewReportService(ledger)

	for _, item := range []domain.NewItem{
		{ID: "b-insulin", Name: "Insulin glargine", UnitPrice: decimal.RequireFromString("31.40"), ReorderLevel: 5, InitialQuantity: 3, ActorID: "setup"},
		{ID: "a-aspirin", Name: "Aspirin 81mg", UnitPrice: decimal.RequireFromString("0.15"), ReorderLevel: 100, InitialQuantity: 400, ActorID: "setup"},
	} {
		_, err := ledger.RegisterItem(ctx, item)
		require.NoError(t, err)
	}

	report, err := reports.Valuation(ctx)
	require.NoError(t, err)
	require.Len(t, report.Lines, 2)

	assert.Equal(t, "a-aspirin", report.Lines[0].ItemID)
	assert.True(t, report.Lines[0].Value.Equal(decimal.RequireFromString("60")))
	assert.False(t, report.Lines[0].LowStock)

	assert.True(t, report.Lines[1].Value.Equal(decimal.RequireFromString("94.20")))
	assert.True(t, report.Lines[1].LowStock)

	assert.Equal(t, "154.20", report.Total.StringFixed(2))
}

func TestSalesReports(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, storage.NewMemoryAdapter())
	reports := NewReportService(ledger)

	var clock time.Time
	ledger.now = func() time.Time { return clock }
	at := func(s string) {
		var err error
		clock, err = time.Parse(time.RFC3339, s)
		require.NoError(t, err)
	}

	at("2026-05-04T08:00:00Z")
	for _, item := range []domain.NewItem{
		{ID: "a-aspirin", Name: "Aspirin 81mg", UnitPrice: decimal.RequireFromString("0.15"), InitialQuantity: 400, ActorID: "setup"},
		{ID: "b-insulin", Name: "Insulin glargine", UnitPrice: decimal.RequireFromString("31.40"), InitialQuantity: 10, ActorID: "setup"},
	} {
		_, err := ledger.RegisterItem(ctx, item)
		require.NoError(t, err)
	}

	at("2026-05-04T09:00:00Z")
	_, err := ledger.ApplyBatch(ctx, []domain.StockChange{
		change("a-aspirin", domain.EntryKindSale, -10, "S1"),
		change("b-insulin", domain.EntryKindSale, -2, "S1"),
	})
	require.NoError(t, err)

	for _, step := range []struct {
		at string
		c  domain.StockChange
	}{
		{"2026-05-04T15:00:00Z", change("a-aspirin", domain.EntryKindSale, -20, "S2")},
		{"2026-05-04T16:00:00Z", change("a-aspirin", domain.EntryKindPurchase, 50, "PO1")},
		{"2026-05-05T10:00:00Z", change("b-insulin", domain.EntryKindSale, -1, "")},
		{"2026-06-01T00:00:00Z", change("a-aspirin", domain.EntryKindSale, -4, "S4")},
	} {
		at(step.at)
		_, err := ledger.ApplyChange(ctx, step.c)
		require.NoError(t, err)
	}

	t.Run("daily", func(t *testing.T) {
		report, err := reports.DailySales(ctx, time.Date(2026, 5, 4, 23, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, "67.30", report.TotalSales.StringFixed(2))
		assert.Equal(t, int64(32), report.TotalQuantity)
		assert.Equal(t, 2, report.TotalTransactions)
		assert.Equal(t, "33.65", report.AverageSale.StringFixed(2))

		require.Len(t, report.Items, 2)
		assert.Equal(t, "a-aspirin", report.Items[0].ItemID)
		assert.Equal(t, int64(30), report.Items[0].Quantity)
		assert.Equal(t, "4.50", report.Items[0].Revenue.StringFixed(2))
		assert.Equal(t, "62.80", report.Items[1].Revenue.StringFixed(2))

		require.Len(t, report.Days, 1)
		assert.Equal(t, "2026-05-04", report.Days[0].Date)
		assert.Equal(t, 2, report.Days[0].Transactions)
	})

	t.Run("monthly", func(t *testing.T) {
		report, err := reports.MonthlySales(ctx, 2026, time.May)
		require.NoError(t, err)
		assert.Equal(t, "98.70", report.TotalSales.StringFixed(2))
		assert.Equal(t, 3, report.TotalTransactions)
		assert.Equal(t, "32.90", report.AverageSale.StringFixed(2))
		assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), report.To)

		require.Len(t, report.Days, 2)
		assert.Equal(t, "2026-05-05", report.Days[1].Date)
		assert.Equal(t, int64(1), report.Days[1].Quantity)
		assert.Equal(t, 1, report.Days[1].Transactions)
	})

	t.Run("month boundary", func(t *testing.T) {
		report, err := reports.MonthlySales(ctx, 2026, time.June)
		require.NoError(t, err)
		assert.Equal(t, "0.60", report.TotalSales.StringFixed(2))
		assert.Equal(t, 1, report.TotalTransactions)
	})

	t.Run("no sales", func(t *testing.T) {
		report, err := reports.MonthlySales(ctx, 2026, time.April)
		require.NoError(t, err)
		assert.True(t, report.TotalSales.IsZero())
		assert.True(t, report.AverageSale.IsZero())
		assert.Empty(t, report.Items)
		assert.Empty(t, report.Days)
	})

	t.Run("invalid month", func(t *testing.T) {
		_, err := reports.MonthlySales(ctx, 2026, 13)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})
}

func TestExpiringSoon(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, storage.NewMemoryAdapter())
	reports := NewReportService(ledger)

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	reports.now = func() time.Time { return now }

	for _, item := range []domain.NewItem{
		{ID: "expired", ExpiryDate: now.Add(-24 * time.Hour)},
		{ID: "in-30", BatchNumber: "B-30", ExpiryDate: now.AddDate(0, 0, 30)},
		{ID: "in-10", BatchNumber: "B-10", ExpiryDate: now.AddDate(0, 0, 10)},
		{ID: "in-45", ExpiryDate: now.AddDate(0, 0, 45)},
		{ID: "no-expiry"},
	} {
		_, err := ledger.RegisterItem(ctx, item)
		require.NoError(t, err)
	}

	lines, err := reports.ExpiringSoon(ctx, 30)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "in-10", lines[0].ItemID)
	assert.Equal(t, "B-10", lines[0].BatchNumber)
	assert.Equal(t, 10, lines[0].DaysLeft)
	assert.Equal(t, "in-30", lines[1].ItemID)
	assert.Equal(t, 30, lines[1].DaysLeft)

	lines, err = reports.ExpiringSoon(ctx, 60)
	require.NoError(t, err)
	assert.Len(t, lines, 3)

	_, err = reports.ExpiringSoon(ctx, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
