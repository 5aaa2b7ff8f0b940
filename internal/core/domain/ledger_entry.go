package domain

import (
	"fmt"
	"math"
	"time"
)

type EntryKind string

const (
	EntryKindPurchase   EntryKind = "purchase"
	EntryKindSale       EntryKind = "sale"
	EntryKindAdjustment EntryKind = "adjustment"
	EntryKindReturn     EntryKind = "return"
)

func (k EntryKind) Valid() bool {
	switch k {
	case EntryKindPurchase, EntryKindSale, EntryKindAdjustment, EntryKindReturn:
		return true
	}
	return false
}

func ParseEntryKind(s string) (EntryKind, error) {
	k := EntryKind(s)
	if !k.Valid() {
		return "", invalid(fmt.Sprintf("unknown entry kind %q", s))
	}
	return k, nil
}

// LedgerEntry is an immutable record of one quantity change.
type LedgerEntry struct {
	ID               string
	ItemID           string
	Kind             EntryKind
	QuantityChange   int64
	PreviousQuantity int64
	NewQuantity      int64
	ReferenceID      string
	ActorID          string
	Notes            string
	Sequence         int64 // 1-based position in the item's history
	CreatedAt        time.Time
}

// Consistent reports whether the entry's snapshot fields agree with its change.
func (e LedgerEntry) Consistent() bool {
	return e.NewQuantity == e.PreviousQuantity+e.QuantityChange && e.NewQuantity >= 0
}

// StockChange is a request to move an item's quantity.
type StockChange struct {
	ItemID         string
	Kind           EntryKind
	QuantityChange int64
	ReferenceID    string
	ActorID        string
	Notes          string
}

func (c StockChange) Validate() error {
	switch {
	case c.ItemID == "":
		return invalid("item id is required")
	case !c.Kind.Valid():
		return invalid(fmt.Sprintf("unknown entry kind %q", c.Kind))
	case c.QuantityChange == 0:
		return invalid("quantity change must not be zero")
	case c.QuantityChange == math.MinInt64:
		return invalid("quantity change out of range")
	case c.ActorID == "":
		return invalid("actor id is required")
	}
	return nil
}

// ItemCommit pairs an entry with the item version it was computed against.
type ItemCommit struct {
	ExpectedVersion int64
	Entry           LedgerEntry
}

// EntryQuery selects a page of one item's history. From is inclusive, To is
// exclusive; zero values leave the bound open.
type EntryQuery struct {
	ItemID        string
	From          time.Time
	To            time.Time
	AfterSequence int64
	Limit         int
}

func (q EntryQuery) Matches(e LedgerEntry) bool {
	if e.ItemID != q.ItemID || e.Sequence <= q.AfterSequence {
		return false
	}
	if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.CreatedAt.Before(q.To) {
		return false
	}
	return true
}
