package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockItem is a trackable medication SKU. QuantityOnHand is only ever changed
// by committing ledger entries.
type StockItem struct {
	ID             string
	Name           string
	UnitPrice      decimal.Decimal
	QuantityOnHand int64
	ReorderLevel   int64
	Version        int64 // optimistic locking, equals the sequence of the last entry
	BatchNumber    string
	ExpiryDate     time.Time // zero when the item does not expire
	LastEntryAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (i StockItem) IsLowStock() bool {
	return i.QuantityOnHand <= i.ReorderLevel
}

func (i StockItem) IsExpired(now time.Time) bool {
	return !i.ExpiryDate.IsZero() && i.ExpiryDate.Before(now)
}

// ExpiresWithin reports whether the item has not expired yet but will by now+window.
func (i StockItem) ExpiresWithin(now time.Time, window time.Duration) bool {
	if i.ExpiryDate.IsZero() || i.ExpiryDate.Before(now) {
		return false
	}
	return !i.ExpiryDate.After(now.Add(window))
}

// NewItem is the catalog input for registering a stock item.
type NewItem struct {
	ID              string
	Name            string
	UnitPrice       decimal.Decimal
	ReorderLevel    int64
	InitialQuantity int64
	ActorID         string
	BatchNumber     string
	ExpiryDate      time.Time
}

func (n NewItem) Validate() error {
	switch {
	case n.ID == "":
		return invalid("item id is required")
	case n.ReorderLevel < 0:
		return invalid("reorder level must not be negative")
	case n.InitialQuantity < 0:
		return invalid("initial quantity must not be negative")
	case n.UnitPrice.IsNegative():
		return invalid("unit price must not be negative")
	case len(n.BatchNumber) > 50:
		return invalid("batch number must be at most 50 characters")
	case n.InitialQuantity > 0 && n.ActorID == "":
		return invalid("actor id is required to record an opening balance")
	}
	return nil
}
