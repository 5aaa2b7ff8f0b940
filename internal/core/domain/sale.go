package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SaleLine struct {
	ItemID   string
	Quantity int64
}

type SaleLineReceipt struct {
	ItemID    string
	Name      string
	Quantity  int64
	UnitPrice decimal.Decimal
	Total     decimal.Decimal
}

// Sale is the receipt of a completed sale. It only exists once every line's
// stock deduction has been committed.
type Sale struct {
	ID        string
	RequestID string
	ActorID   string
	Lines     []SaleLineReceipt
	Subtotal  decimal.Decimal
	Entries   []LedgerEntry
	CreatedAt time.Time
}

type RestockLine struct {
	ItemID   string
	Quantity int64
}

type Restock struct {
	ReferenceID string
	Kind        EntryKind
	ActorID     string
	Entries     []LedgerEntry
}
