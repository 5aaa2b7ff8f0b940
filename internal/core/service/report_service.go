package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/pharmacy-ledger/internal/core/domain"
)

type MovementReport struct {
	ItemID          string           `json:"item_id"`
	From            time.Time        `json:"from"`
	To              time.Time        `json:"to"`
	OpeningQuantity int64            `json:"opening_quantity"`
	ClosingQuantity int64            `json:"closing_quantity"`
	NetChange       int64            `json:"net_change"`
	Entries         int              `json:"entries"`
	ByKind          map[string]int64 `json:"by_kind"`
}

type ValuationLine struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Value     decimal.Decimal `json:"value"`
	LowStock  bool            `json:"low_stock"`
}

type ValuationReport struct {
	Lines []ValuationLine `json:"lines"`
	Total decimal.Decimal `json:"total"`
}

type SalesItemLine struct {
	ItemID   string          `json:"item_id"`
	Name     string          `json:"name"`
	Quantity int64           `json:"quantity"`
	Revenue  decimal.Decimal `json:"revenue"`
}

type SalesDayLine struct {
	Date         string          `json:"date"`
	Quantity     int64           `json:"quantity"`
	Revenue      decimal.Decimal `json:"revenue"`
	Transactions int             `json:"transactions"`
}

// SalesReport totals sale entries recorded within [From, To). Entries that
// share a reference id count as one transaction.
type SalesReport struct {
	From              time.Time       `json:"from"`
	To                time.Time       `json:"to"`
	TotalSales        decimal.Decimal `json:"total_sales"`
	TotalQuantity     int64           `json:"total_quantity"`
	TotalTransactions int             `json:"total_transactions"`
	AverageSale       decimal.Decimal `json:"average_sale"`
	Items             []SalesItemLine `json:"items"`
	Days              []SalesDayLine  `json:"days"`
}

type ExpiringLine struct {
	ItemID         string    `json:"item_id"`
	Name           string    `json:"name"`
	BatchNumber    string    `json:"batch_number,omitempty"`
	ExpiryDate     time.Time `json:"expiry_date"`
	DaysLeft       int       `json:"days_left"`
	QuantityOnHand int64     `json:"quantity_on_hand"`
}

// ReportService is a read-only view over the ledger.
type ReportService struct {
	ledger *LedgerService
	now    func() time.Time
}

func NewReportService(ledger *LedgerService) *ReportService {
	return &ReportService{ledger: ledger, now: time.Now}
}

// Movements summarizes an item's history within [from, to).
func (r *ReportService) Movements(ctx context.Context, itemID string, from, to time.Time) (MovementReport, error) {
	report := MovementReport{
		ItemID: itemID,
		From:   from,
		To:     to,
		ByKind: make(map[string]int64),
	}

	first := true
	for e, err := range r.ledger.History(ctx, itemID, from, to) {
		if err != nil {
			return MovementReport{}, err
		}
		if first {
			report.OpeningQuantity = e.PreviousQuantity
			first = false
		}
		report.ClosingQuantity = e.NewQuantity
		report.NetChange += e.QuantityChange
		report.ByKind[string(e.Kind)] += e.QuantityChange
		report.Entries++
	}

	if first {
		// no movement in range, the level is whatever it was when the window opened
		qty, err := r.quantityBefore(ctx, itemID, from)
		if err != nil {
			return MovementReport{}, err
		}
		report.OpeningQuantity = qty
		report.ClosingQuantity = qty
	}
	return report, nil
}

func (r *ReportService) quantityBefore(ctx context.Context, itemID string, at time.Time) (int64, error) {
	if at.IsZero() {
		return 0, nil
	}
	var qty int64
	for e, err := range r.ledger.History(ctx, itemID, time.Time{}, at) {
		if err != nil {
			return 0, err
		}
		qty = e.NewQuantity
	}
	return qty, nil
}

func (r *ReportService) Valuation(ctx context.Context) (ValuationReport, error) {
	items, err := r.ledger.ListItems(ctx)
	if err != nil {
		return ValuationReport{}, err
	}

	report := ValuationReport{
		Lines: make([]ValuationLine, 0, len(items)),
		Total: decimal.Zero,
	}
	for _, item := range items {
		value := item.UnitPrice.Mul(decimal.NewFromInt(item.QuantityOnHand))
		report.Lines = append(report.Lines, ValuationLine{
			ItemID:    item.ID,
			Name:      item.Name,
			Quantity:  item.QuantityOnHand,
			UnitPrice: item.UnitPrice,
			Value:     value,
			LowStock:  item.IsLowStock(),
		})
		report.Total = report.Total.Add(value)
	}
	return report, nil
}

// DailySales reports sales on the UTC calendar day containing day.
func (r *ReportService) DailySales(ctx context.Context, day time.Time) (SalesReport, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return r.sales(ctx, start, start.AddDate(0, 0, 1))
}

// MonthlySales reports sales in the given UTC calendar month.
func (r *ReportService) MonthlySales(ctx context.Context, year int, month time.Month) (SalesReport, error) {
	if month < time.January || month > time.December {
		return SalesReport{}, fmt.Errorf("%w: month must be between 1 and 12", domain.ErrInvalidArgument)
	}
	if year < 1 || year > 9999 {
		return SalesReport{}, fmt.Errorf("%w: year out of range", domain.ErrInvalidArgument)
	}
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return r.sales(ctx, start, start.AddDate(0, 1, 0))
}

func (r *ReportService) sales(ctx context.Context, from, to time.Time) (SalesReport, error) {
	items, err := r.ledger.ListItems(ctx)
	if err != nil {
		return SalesReport{}, err
	}

	report := SalesReport{
		From:        from,
		To:          to,
		TotalSales:  decimal.Zero,
		AverageSale: decimal.Zero,
		Items:       []SalesItemLine{},
		Days:        []SalesDayLine{},
	}
	transactions := make(map[string]struct{})
	days := make(map[string]*SalesDayLine)
	dayTransactions := make(map[string]map[string]struct{})

	for _, item := range items {
		line := SalesItemLine{ItemID: item.ID, Name: item.Name, Revenue: decimal.Zero}
		for e, err := range r.ledger.History(ctx, item.ID, from, to) {
			if err != nil {
				return SalesReport{}, err
			}
			if e.Kind != domain.EntryKindSale {
				continue
			}

			qty := -e.QuantityChange
			revenue := item.UnitPrice.Mul(decimal.NewFromInt(qty))
			line.Quantity += qty
			line.Revenue = line.Revenue.Add(revenue)

			txn := e.ReferenceID
			if txn == "" {
				txn = e.ID
			}
			transactions[txn] = struct{}{}

			date := e.CreatedAt.UTC().Format(time.DateOnly)
			d, ok := days[date]
			if !ok {
				d = &SalesDayLine{Date: date, Revenue: decimal.Zero}
				days[date] = d
				dayTransactions[date] = make(map[string]struct{})
			}
			d.Quantity += qty
			d.Revenue = d.Revenue.Add(revenue)
			dayTransactions[date][txn] = struct{}{}
		}

		if line.Quantity == 0 {
			continue
		}
		report.Items = append(report.Items, line)
		report.TotalQuantity += line.Quantity
		report.TotalSales = report.TotalSales.Add(line.Revenue)
	}

	for date, d := range days {
		d.Transactions = len(dayTransactions[date])
		report.Days = append(report.Days, *d)
	}
	sort.Slice(report.Days, func(i, j int) bool { return report.Days[i].Date < report.Days[j].Date })

	report.TotalTransactions = len(transactions)
	if report.TotalTransactions > 0 {
		report.AverageSale = report.TotalSales.Div(decimal.NewFromInt(int64(report.TotalTransactions))).Round(2)
	}
	return report, nil
}

// ExpiringSoon lists items that have not expired yet but will within the next days.
func (r *ReportService) ExpiringSoon(ctx context.Context, days int) ([]ExpiringLine, error) {
	if days < 0 {
		return nil, fmt.Errorf("%w: days must not be negative", domain.ErrInvalidArgument)
	}
	now := r.now().UTC()
	items, err := r.ledger.ExpiringItems(ctx, now, now.AddDate(0, 0, days))
	if err != nil {
		return nil, err
	}

	lines := make([]ExpiringLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, ExpiringLine{
			ItemID:         item.ID,
			Name:           item.Name,
			BatchNumber:    item.BatchNumber,
			ExpiryDate:     item.ExpiryDate,
			DaysLeft:       int(item.ExpiryDate.Sub(now) / (24 * time.Hour)),
			QuantityOnHand: item.QuantityOnHand,
		})
	}
	return lines, nil
}
