package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"

	"github.com/rl1809/pharmacy-ledger/internal/core/domain"
	"github.com/rl1809/pharmacy-ledger/internal/port"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLAdapter stores items and ledger entries in MySQL, PostgreSQL or SQLite.
// Timestamps are kept as unix microseconds so every driver orders them alike.
type SQLAdapter struct {
	db *sqlx.DB
}

func NewSQLAdapter(db *sqlx.DB) *SQLAdapter {
	return &SQLAdapter{db: db}
}

type itemRow struct {
	ID             string          `db:"id"`
	Name           string          `db:"name"`
	UnitPrice      decimal.Decimal `db:"unit_price"`
	QuantityOnHand int64           `db:"quantity_on_hand"`
	ReorderLevel   int64           `db:"reorder_level"`
	Version        int64           `db:"version"`
	BatchNumber    string          `db:"batch_number"`
	ExpiryDateUS   int64           `db:"expiry_date_us"`
	LastEntryAtUS  int64           `db:"last_entry_at_us"`
	CreatedAtUS    int64           `db:"created_at_us"`
	UpdatedAtUS    int64           `db:"updated_at_us"`
}

func newItemRow(item domain.StockItem) itemRow {
	return itemRow{
		ID:             item.ID,
		Name:           item.Name,
		UnitPrice:      item.UnitPrice,
		QuantityOnHand: item.QuantityOnHand,
		ReorderLevel:   item.ReorderLevel,
		Version:        item.Version,
		BatchNumber:    item.BatchNumber,
		ExpiryDateUS:   toMicros(item.ExpiryDate),
		LastEntryAtUS:  toMicros(item.LastEntryAt),
		CreatedAtUS:    toMicros(item.CreatedAt),
		UpdatedAtUS:    toMicros(item.UpdatedAt),
	}
}

func (r itemRow) toDomain() domain.StockItem {
	return domain.StockItem{
		ID:             r.ID,
		Name:           r.Name,
		UnitPrice:      r.UnitPrice,
		QuantityOnHand: r.QuantityOnHand,
		ReorderLevel:   r.ReorderLevel,
		Version:        r.Version,
		BatchNumber:    r.BatchNumber,
		ExpiryDate:     fromMicros(r.ExpiryDateUS),
		LastEntryAt:    fromMicros(r.LastEntryAtUS),
		CreatedAt:      fromMicros(r.CreatedAtUS),
		UpdatedAt:      fromMicros(r.UpdatedAtUS),
	}
}

type entryRow struct {
	ID               string `db:"id"`
	ItemID           string `db:"item_id"`
	Kind             string `db:"kind"`
	QuantityChange   int64  `db:"quantity_change"`
	PreviousQuantity int64  `db:"previous_quantity"`
	NewQuantity      int64  `db:"new_quantity"`
	ReferenceID      string `db:"reference_id"`
	ActorID          string `db:"actor_id"`
	Notes            string `db:"notes"`
	Sequence         int64  `db:"sequence"`
	CreatedAtUS      int64  `db:"created_at_us"`
}

func newEntryRow(e domain.LedgerEntry) entryRow {
	return entryRow{
		ID:               e.ID,
		ItemID:           e.ItemID,
		Kind:             string(e.Kind),
		QuantityChange:   e.QuantityChange,
		PreviousQuantity: e.PreviousQuantity,
		NewQuantity:      e.NewQuantity,
		ReferenceID:      e.ReferenceID,
		ActorID:          e.ActorID,
		Notes:            e.Notes,
		Sequence:         e.Sequence,
		CreatedAtUS:      toMicros(e.CreatedAt),
	}
}

func (r entryRow) toDomain() domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:               r.ID,
		ItemID:           r.ItemID,
		Kind:             domain.EntryKind(r.Kind),
		QuantityChange:   r.QuantityChange,
		PreviousQuantity: r.PreviousQuantity,
		NewQuantity:      r.NewQuantity,
		ReferenceID:      r.ReferenceID,
		ActorID:          r.ActorID,
		Notes:            r.Notes,
		Sequence:         r.Sequence,
		CreatedAt:        fromMicros(r.CreatedAtUS),
	}
}

const (
	itemColumns  = `id, name, unit_price, quantity_on_hand, reorder_level, version, batch_number, expiry_date_us, last_entry_at_us, created_at_us, updated_at_us`
	entryColumns = `id, item_id, kind, quantity_change, previous_quantity, new_quantity, reference_id, actor_id, notes, sequence, created_at_us`

	insertItemSQL = `INSERT INTO stock_items (` + itemColumns + `)
		VALUES (:id, :name, :unit_price, :quantity_on_hand, :reorder_level, :version, :batch_number, :expiry_date_us, :last_entry_at_us, :created_at_us, :updated_at_us)`

	insertEntrySQL = `INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (:id, :item_id, :kind, :quantity_change, :previous_quantity, :new_quantity, :reference_id, :actor_id, :notes, :sequence, :created_at_us)`
)

func (a *SQLAdapter) CreateItem(ctx context.Context, item domain.StockItem, opening *domain.LedgerEntry) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, insertItemSQL, newItemRow(item)); err != nil {
		if isDuplicateKey(err) {
			return domain.ErrItemExists
		}
		return fmt.Errorf("insert item: %w", err)
	}

	if opening != nil {
		if _, err := tx.NamedExecContext(ctx, insertEntrySQL, newEntryRow(*opening)); err != nil {
			return fmt.Errorf("insert opening entry: %w", err)
		}
	}

	return tx.Commit()
}

func (a *SQLAdapter) GetItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	var row itemRow
	err := a.db.GetContext(ctx, &row, a.db.Rebind(`SELECT `+itemColumns+` FROM stock_items WHERE id = ?`), itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}

	item := row.toDomain()
	return &item, nil
}

func (a *SQLAdapter) ListItems(ctx context.Context) ([]domain.StockItem, error) {
	return a.selectItems(ctx, `SELECT `+itemColumns+` FROM stock_items ORDER BY id`)
}

func (a *SQLAdapter) LowStockItems(ctx context.Context) ([]domain.StockItem, error) {
	return a.selectItems(ctx, `SELECT `+itemColumns+` FROM stock_items WHERE quantity_on_hand <= reorder_level ORDER BY id`)
}

func (a *SQLAdapter) ExpiringItems(ctx context.Context, from, to time.Time) ([]domain.StockItem, error) {
	return a.selectItems(ctx, a.db.Rebind(`SELECT `+itemColumns+` FROM stock_items
		WHERE expiry_date_us <> 0 AND expiry_date_us >= ? AND expiry_date_us <= ?
		ORDER BY expiry_date_us, id`), toMicros(from), toMicros(to))
}

func (a *SQLAdapter) selectItems(ctx context.Context, query string, args ...any) ([]domain.StockItem, error) {
	var rows []itemRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}

	items := make([]domain.StockItem, len(rows))
	for i, r := range rows {
		items[i] = r.toDomain()
	}
	return items, nil
}

func (a *SQLAdapter) Commit(ctx context.Context, changes []domain.ItemCommit) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	update := a.db.Rebind(`
		UPDATE stock_items
		SET quantity_on_hand = ?, version = ?, last_entry_at_us = ?, updated_at_us = ?
		WHERE id = ? AND version = ?`)

	for _, c := range changes {
		at := toMicros(c.Entry.CreatedAt)
		result, err := tx.ExecContext(ctx, update,
			c.Entry.NewQuantity, c.Entry.Sequence, at, at,
			c.Entry.ItemID, c.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update item %s: %w", c.Entry.ItemID, err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			return port.ErrOptimisticLock
		}

		if _, err := tx.NamedExecContext(ctx, insertEntrySQL, newEntryRow(c.Entry)); err != nil {
			// a concurrent writer took this sequence number
			if isDuplicateKey(err) {
				return port.ErrOptimisticLock
			}
			return fmt.Errorf("insert entry: %w", err)
		}
	}

	return tx.Commit()
}

func (a *SQLAdapter) ListEntries(ctx context.Context, query domain.EntryQuery) ([]domain.LedgerEntry, error) {
	var (
		where = []string{"item_id = ?", "sequence > ?"}
		args  = []any{query.ItemID, query.AfterSequence}
	)
	if !query.From.IsZero() {
		where = append(where, "created_at_us >= ?")
		args = append(args, toMicros(query.From))
	}
	if !query.To.IsZero() {
		where = append(where, "created_at_us < ?")
		args = append(args, toMicros(query.To))
	}

	stmt := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` + strings.Join(where, " AND ") + ` ORDER BY sequence`
	if query.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", query.Limit)
	}

	var rows []entryRow
	if err := a.db.SelectContext(ctx, &rows, a.db.Rebind(stmt), args...); err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}

	entries := make([]domain.LedgerEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.toDomain()
	}
	return entries, nil
}

func (a *SQLAdapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *SQLAdapter) Close() error {
	return a.db.Close()
}

func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// SQLITE_CONSTRAINT and its PRIMARYKEY/UNIQUE extended codes
		switch liteErr.Code() {
		case 19, 1555, 2067:
			return true
		}
	}
	return false
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

var _ port.LedgerRepository = (*SQLAdapter)(nil)
