/*
entry.go - Ledger entries and invoices

PURPOSE:
  LedgerEntry is the unit of financial truth. Everything downstream
  (balances, invoices, cap accounting) is derived from the ordered
  entry sequence of an account.

ADDITIVE VS RESET:
  An additive entry adds its amount to the running balance. A
  non-additive entry is a statement/reset entry: its amount REPLACES
  the running balance, redefining the baseline going forward. Resets
  come from imported bank statement balances.

INVOICE LIFECYCLE:
  draft -> sent -> paid | cancelled
  Entries bound to a non-draft invoice are immutable and undeletable.
  Entries must never be attached to a cancelled invoice, and belong to
  at most one non-cancelled invoice.

SEE ALSO:
  - balance.go: running balance semantics
  - invoice.go: entry selection when cutting an invoice
  - store.go: persistence contracts enforcing the invariants above
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// LedgerEntry records one financial fact against an account.
//
// INVARIANTS:
//   - Amount is quantized to 2 decimals before persistence.
//   - An invisible entry must carry zero amount.
//   - Once bound to a non-draft invoice, amount is immutable and the
//     entry cannot be deleted.
type LedgerEntry struct {
	ID          EntryID
	AccountID   AccountID
	Date        time.Time
	Description string
	Amount      decimal.Decimal
	Additive    bool

	// EventID links the entry to its originating event, if any.
	EventID EventID

	// LedgerAccount maps the entry to the external accounting system
	// (income account code).
	LedgerAccount string

	// Tags carry free-text markers. Cap accounting uses "cap:<id>".
	Tags []string

	// Visible entries contribute to balances and invoices. Invisible
	// entries are display-only and must carry zero amount.
	Visible bool

	// Seq is the insertion order, assigned by the store. It breaks
	// date ties so that balance replay is deterministic.
	Seq int64

	CreatedAt time.Time
}

// HasTag reports whether the entry carries the given tag.
func (e *LedgerEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends a tag if not already present. Tags are unique per entry.
func (e *LedgerEntry) AddTag(tag string) {
	if !e.HasTag(tag) {
		e.Tags = append(e.Tags, tag)
	}
}

// CapTag is the tag format used by price-cap accounting.
func CapTag(capID string) string { return "cap:" + capID }

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Invoice owns a set of ledger entry associations. Its total is the
// quantized sum of associated entries, always derived, never stored.
type Invoice struct {
	ID        InvoiceID
	Number    string
	AccountID AccountID
	CreatedAt time.Time
	DueDate   time.Time
	SentAt    *time.Time
	Status    InvoiceStatus
	Notes     string

	// EntryIDs is the many-to-many association, ordered by entry date.
	EntryIDs []EntryID
}

// CanSend reports whether the invoice is ready for dispatch: draft
// status, at least one entry, and a due date.
func (inv *Invoice) CanSend() bool {
	return inv.Status == InvoiceDraft && len(inv.EntryIDs) > 0 && !inv.DueDate.IsZero()
}

// MarkSent transitions draft -> sent.
func (inv *Invoice) MarkSent(at time.Time) error {
	if !inv.CanSend() {
		return fmt.Errorf("invoice %s: %w", inv.Number, ErrInvalidTransition)
	}
	inv.Status = InvoiceSent
	inv.SentAt = &at
	return nil
}

// MarkPaid transitions sent -> paid. Performed by external
// reconciliation, never by the engine itself.
func (inv *Invoice) MarkPaid() error {
	if inv.Status != InvoiceSent {
		return fmt.Errorf("invoice %s: %w", inv.Number, ErrInvalidTransition)
	}
	inv.Status = InvoicePaid
	return nil
}

// MarkCancelled transitions draft/sent -> cancelled.
func (inv *Invoice) MarkCancelled() error {
	if inv.Status == InvoicePaid || inv.Status == InvoiceCancelled {
		return fmt.Errorf("invoice %s: %w", inv.Number, ErrInvalidTransition)
	}
	inv.Status = InvoiceCancelled
	return nil
}

// IsOverdue reports whether an unsettled invoice is past its due date.
func (inv *Invoice) IsOverdue(now time.Time) bool {
	return !inv.DueDate.IsZero() &&
		inv.Status != InvoicePaid && inv.Status != InvoiceCancelled &&
		now.After(inv.DueDate)
}

// TotalOf returns the quantized sum of the given entries. Used for the
// derived invoice total.
func TotalOf(entries []*LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return Quantize(total)
}
