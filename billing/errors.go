/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.

ERROR CATEGORIES:
  1. Skippable - expected per-event outcomes; logged, batch continues
  2. Recoverable-per-item - bad input data; counted as failed, batch
     continues unless strict mode is requested
  3. Fatal/invariant - the accounting logic itself is inconsistent;
     the current atomic unit aborts with no partial commit, and the
     error names the account/invoice/entry implicated

USAGE:
  if errors.Is(err, billing.ErrBalanceMismatch) { ... }

  var mismatch *billing.BalanceMismatchError
  if errors.As(err, &mismatch) { ... mismatch.AccountID ... }
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoAccount is returned when an event has no owning account.
	ErrNoAccount = errors.New("event has no account")

	// ErrEntryInvoiced is returned on attempts to delete an entry bound
	// to any invoice, or to mutate the amount of an entry bound to a
	// non-draft invoice.
	ErrEntryInvoiced = errors.New("entry is bound to an invoice")

	// ErrCancelledInvoice is returned on attempts to attach an entry to
	// a cancelled invoice.
	ErrCancelledInvoice = errors.New("cannot attach entry to cancelled invoice")

	// ErrEntryAlreadyInvoiced is returned on attempts to attach an entry
	// that already belongs to another non-cancelled invoice.
	ErrEntryAlreadyInvoiced = errors.New("entry already belongs to a non-cancelled invoice")

	// ErrInvalidTransition is returned on illegal invoice status moves.
	ErrInvalidTransition = errors.New("invalid invoice status transition")

	// ErrBalanceMismatch is the fatal consistency fault: an assembled
	// invoice total does not reproduce the computed account balance.
	ErrBalanceMismatch = errors.New("invoice total does not match account balance")

	// ErrInvisibleAmount is the data-integrity fault: an invisible
	// entry carries a non-zero amount.
	ErrInvisibleAmount = errors.New("invisible entry with non-zero amount")

	// ErrNoInvoiceableEntries is the fault raised when an account has an
	// outstanding balance but the selection produced no entries.
	ErrNoInvoiceableEntries = errors.New("outstanding balance but no entries to invoice")

	// ErrAccountNotFound, ErrEventNotFound, ErrEntryNotFound and
	// ErrInvoiceNotFound are returned by stores on missing records.
	ErrAccountNotFound = errors.New("account not found")
	ErrEventNotFound   = errors.New("event not found")
	ErrEntryNotFound   = errors.New("entry not found")
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry the implicated identifiers
// =============================================================================

// BalanceMismatchError reports the fatal invoice-total/balance
// inconsistency with the identifiers needed to investigate it.
type BalanceMismatchError struct {
	AccountID     AccountID
	InvoiceNumber string
	InvoiceTotal  decimal.Decimal
	Balance       decimal.Decimal
}

func (e *BalanceMismatchError) Error() string {
	return fmt.Sprintf("invoice %s total %s does not match balance %s for account %s",
		e.InvoiceNumber, e.InvoiceTotal.StringFixed(2), e.Balance.StringFixed(2), e.AccountID)
}

func (e *BalanceMismatchError) Unwrap() error { return ErrBalanceMismatch }

// InvisibleEntryError reports an invisible entry carrying a non-zero
// amount, which would silently corrupt invoice totals.
type InvisibleEntryError struct {
	AccountID AccountID
	EntryID   EntryID
	Amount    decimal.Decimal
}

func (e *InvisibleEntryError) Error() string {
	return fmt.Sprintf("invisible entry %s on account %s carries non-zero amount %s",
		e.EntryID, e.AccountID, e.Amount.StringFixed(2))
}

func (e *InvisibleEntryError) Unwrap() error { return ErrInvisibleAmount }

// NoEntriesError reports an account whose balance is outstanding but
// whose selection walk yielded nothing to invoice.
type NoEntriesError struct {
	AccountID AccountID
	Balance   decimal.Decimal
}

func (e *NoEntriesError) Error() string {
	return fmt.Sprintf("account %s has outstanding balance %s but no entries to invoice",
		e.AccountID, e.Balance.StringFixed(2))
}

func (e *NoEntriesError) Unwrap() error { return ErrNoInvoiceableEntries }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsFatal reports whether the error indicates an accounting-logic
// inconsistency that must abort the current atomic unit.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBalanceMismatch) ||
		errors.Is(err, ErrInvisibleAmount) ||
		errors.Is(err, ErrNoInvoiceableEntries) ||
		errors.Is(err, ErrEntryInvoiced) ||
		errors.Is(err, ErrCancelledInvoice) ||
		errors.Is(err, ErrEntryAlreadyInvoiced)
}

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrInvoiceNotFound)
}
