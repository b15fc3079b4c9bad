/*
Package billing provides the core flight billing engine.

PURPOSE:
  This package contains the domain types and algorithms that turn dated
  operations events (flights, bank charges) into financial ledger
  entries, accumulate those entries into running account balances, and
  select the correct entry subset when cutting an invoice.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed identifiers for accounts, events, entries and invoices
  - Quantize: the single money-rounding rule of the system
  - Account: the owner of an ordered ledger entry sequence

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never floating point
  2. Derived state: balances are always recomputed from entries
  3. Type safety: strong ID types prevent mixing account/event/entry ids
  4. Closed variant sets: filters and rules are fixed, known vocabularies

SEE ALSO:
  - filter.go: event predicates
  - rule.go: pricing rules and combinators
  - engine.go: batch orchestration
  - balance.go: running balance calculation
  - invoice.go: invoice assembly
*/
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EventID string
type EntryID string
type InvoiceID string

// NewEntryID returns a fresh ledger entry identifier.
func NewEntryID() EntryID { return EntryID(uuid.NewString()) }

// NewEventID returns a fresh event identifier.
func NewEventID() EventID { return EventID(uuid.NewString()) }

// NewInvoiceID returns a fresh invoice identifier.
func NewInvoiceID() InvoiceID { return InvoiceID(uuid.NewString()) }

// =============================================================================
// MONEY
// =============================================================================

// Quantize rounds a monetary amount to exactly 2 fractional digits,
// half-up. Every amount is quantized before persistence; balance and
// invoice totals are quantized after summation.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// minutesPerHour is the divisor for hourly pricing (price * minutes / 60).
var minutesPerHour = decimal.NewFromInt(60)

// =============================================================================
// TIME
// =============================================================================

// DayOf truncates a timestamp to its calendar day in UTC.
// Event dates are compared at day granularity throughout the engine.
func DayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// ACCOUNT - Owner of a ledger entry sequence
// =============================================================================

// Account is identified by an external reference id (the member
// reference used on bank transfers). Balance is derived from entries,
// never stored.
type Account struct {
	ID        AccountID
	Name      string
	CreatedAt time.Time
}
