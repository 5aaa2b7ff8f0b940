package domain

import "time"

const (
	TopicEntryRecorded = "ledger.entry_recorded"
	TopicLowStock      = "ledger.low_stock"
)

type EntryRecorded struct {
	EntryID          string    `json:"entry_id"`
	ItemID           string    `json:"item_id"`
	Kind             EntryKind `json:"kind"`
	QuantityChange   int64     `json:"quantity_change"`
	PreviousQuantity int64     `json:"previous_quantity"`
	NewQuantity      int64     `json:"new_quantity"`
	ReferenceID      string    `json:"reference_id,omitempty"`
	ActorID          string    `json:"actor_id"`
	Sequence         int64     `json:"sequence"`
	OccurredAt       time.Time `json:"occurred_at"`
}

func NewEntryRecorded(e LedgerEntry) EntryRecorded {
	return EntryRecorded{
		EntryID:          e.ID,
		ItemID:           e.ItemID,
		Kind:             e.Kind,
		QuantityChange:   e.QuantityChange,
		PreviousQuantity: e.PreviousQuantity,
		NewQuantity:      e.NewQuantity,
		ReferenceID:      e.ReferenceID,
		ActorID:          e.ActorID,
		Sequence:         e.Sequence,
		OccurredAt:       e.CreatedAt,
	}
}

// LowStockAlert is raised when a change moves an item from above its reorder
// level to at or below it.
type LowStockAlert struct {
	ItemID       string    `json:"item_id"`
	Quantity     int64     `json:"quantity"`
	ReorderLevel int64     `json:"reorder_level"`
	AlertedAt    time.Time `json:"alerted_at"`
}

// Notification is queued after a commit for asynchronous fan-out.
type Notification struct {
	Entry    LedgerEntry
	LowStock *LowStockAlert
}
