package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schemas = map[string][]string{
	"mysql": {
		`CREATE TABLE IF NOT EXISTS stock_items (
            id VARCHAR(64) NOT NULL PRIMARY KEY,
            name VARCHAR(200) NOT NULL DEFAULT '',
            unit_price DECIMAL(12,2) NOT NULL DEFAULT 0,
            quantity_on_hand BIGINT NOT NULL DEFAULT 0,
            reorder_level BIGINT NOT NULL DEFAULT 0,
            version BIGINT NOT NULL DEFAULT 0,
            batch_number VARCHAR(50) NOT NULL DEFAULT '',
            expiry_date_us BIGINT NOT NULL DEFAULT 0,
            last_entry_at_us BIGINT NOT NULL DEFAULT 0,
            created_at_us BIGINT NOT NULL,
            updated_at_us BIGINT NOT NULL,
            CHECK (quantity_on_hand >= 0),
            KEY idx_items_expiry (expiry_date_us)
        )`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
            id CHAR(36) NOT NULL PRIMARY KEY,
            item_id VARCHAR(64) NOT NULL,
            kind VARCHAR(16) NOT NULL,
            quantity_change BIGINT NOT NULL,
            previous_quantity BIGINT NOT NULL,
            new_quantity BIGINT NOT NULL,
            reference_id VARCHAR(128) NOT NULL DEFAULT '',
            actor_id VARCHAR(128) NOT NULL,
            notes TEXT,
            sequence BIGINT NOT NULL,
            created_at_us BIGINT NOT NULL,
            UNIQUE KEY uq_ledger_item_sequence (item_id, sequence),
            KEY idx_ledger_item_created (item_id, created_at_us),
            FOREIGN KEY (item_id) REFERENCES stock_items(id)
        )`,
	},
	"postgres": {
		`CREATE TABLE IF NOT EXISTS stock_items (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            unit_price NUMERIC(12,2) NOT NULL DEFAULT 0,
            quantity_on_hand BIGINT NOT NULL DEFAULT 0 CHECK (quantity_on_hand >= 0),
            reorder_level BIGINT NOT NULL DEFAULT 0,
            version BIGINT NOT NULL DEFAULT 0,
            batch_number VARCHAR(50) NOT NULL DEFAULT '',
            expiry_date_us BIGINT NOT NULL DEFAULT 0,
            last_entry_at_us BIGINT NOT NULL DEFAULT 0,
            created_at_us BIGINT NOT NULL,
            updated_at_us BIGINT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
            id UUID PRIMARY KEY,
            item_id TEXT NOT NULL REFERENCES stock_items(id),
            kind TEXT NOT NULL,
            quantity_change BIGINT NOT NULL,
            previous_quantity BIGINT NOT NULL,
            new_quantity BIGINT NOT NULL,
            reference_id TEXT NOT NULL DEFAULT '',
            actor_id TEXT NOT NULL,
            notes TEXT NOT NULL DEFAULT '',
            sequence BIGINT NOT NULL,
            created_at_us BIGINT NOT NULL,
            UNIQUE (item_id, sequence)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_item_created ON ledger_entries (item_id, created_at_us)`,
	},
	"sqlite": {
		`CREATE TABLE IF NOT EXISTS stock_items (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            unit_price TEXT NOT NULL DEFAULT '0',
            quantity_on_hand INTEGER NOT NULL DEFAULT 0 CHECK (quantity_on_hand >= 0),
            reorder_level INTEGER NOT NULL DEFAULT 0,
            version INTEGER NOT NULL DEFAULT 0,
            batch_number TEXT NOT NULL DEFAULT '',
            expiry_date_us INTEGER NOT NULL DEFAULT 0,
            last_entry_at_us INTEGER NOT NULL DEFAULT 0,
            created_at_us INTEGER NOT NULL,
            updated_at_us INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
            id TEXT PRIMARY KEY,
            item_id TEXT NOT NULL REFERENCES stock_items(id),
            kind TEXT NOT NULL,
            quantity_change INTEGER NOT NULL,
            previous_quantity INTEGER NOT NULL,
            new_quantity INTEGER NOT NULL,
            reference_id TEXT NOT NULL DEFAULT '',
            actor_id TEXT NOT NULL,
            notes TEXT NOT NULL DEFAULT '',
            sequence INTEGER NOT NULL,
            created_at_us INTEGER NOT NULL,
            UNIQUE (item_id, sequence)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_item_created ON ledger_entries (item_id, created_at_us)`,
	},
}

// Migrate creates the ledger schema for the connection's driver.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	stmts, ok := schemas[db.DriverName()]
	if !ok {
		return fmt.Errorf("no schema for driver %q", db.DriverName())
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
