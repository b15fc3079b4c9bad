/*
store.go - Persistence contracts for the billing engine

PURPOSE:
  Defines the interface between the engine and its storage adapter.
  The core does not pick a persistence technology; it states the
  contracts the adapter must honor. Implementations exist for memory
  (billing/store) and SQLite (store/sqlite).

CONTRACTS THE STORE ENFORCES:
  - Amounts are quantized to 2 decimals on write.
  - Entries bound to a non-draft invoice cannot have their amount
    mutated; entries bound to any invoice cannot be deleted.
  - Entries cannot be attached to a cancelled invoice, and belong to
    at most one non-cancelled invoice.
  - CapTotal is an indexed aggregate over the tag index, not a scan of
    all entries.

UNIT OF WORK:
  WithTx executes a function against a transactional store view. An
  error return rolls back every write made inside. Dry-run processing
  is a deliberate rollback: identical computation, discarded writes.

SEE ALSO:
  - billing/store/memory.go: in-memory implementation
  - store/sqlite/sqlite.go: production implementation
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE STORE - The narrow surface rules evaluate against
// =============================================================================

// RuleStore is the slice of the store visible during rule evaluation.
// CappedRule reads the accumulator and writes the tagged entry through
// it inside the active unit of work, so two entries for the same cap
// are never evaluated against a stale accumulator snapshot.
type RuleStore interface {
	// PutEntry inserts or updates an entry by id. Amount is quantized
	// on write. Invoice-binding immutability is enforced here.
	PutEntry(ctx context.Context, e *LedgerEntry) error

	// CapTotal returns the accumulated amount of entries tagged with
	// the given tag for the account within the calendar year.
	CapTotal(ctx context.Context, accountID AccountID, tag string, year int) (decimal.Decimal, error)
}

// =============================================================================
// STORE - Full adapter surface
// =============================================================================

type Store interface {
	RuleStore

	// Entries
	Entry(ctx context.Context, id EntryID) (*LedgerEntry, error)
	DeleteEntry(ctx context.Context, id EntryID) error
	// EntriesByAccount returns entries ordered by date, ties broken by
	// insertion order. This ordering is the balance replay order.
	EntriesByAccount(ctx context.Context, accountID AccountID) ([]*LedgerEntry, error)
	EntriesByEvent(ctx context.Context, eventID EventID) ([]*LedgerEntry, error)
	EventHasEntries(ctx context.Context, eventID EventID) (bool, error)

	// Accounts
	PutAccount(ctx context.Context, a *Account) error
	Account(ctx context.Context, id AccountID) (*Account, error)
	Accounts(ctx context.Context) ([]*Account, error)

	// Events
	PutEvent(ctx context.Context, ev *Event) error
	Event(ctx context.Context, id EventID) (*Event, error)
	// UnbilledEvents returns events not yet linked to any ledger entry,
	// in stable (account, date, id) order.
	UnbilledEvents(ctx context.Context) ([]*Event, error)
	SetRefundEntry(ctx context.Context, eventID EventID, entryID EntryID) error

	// Invoices
	PutInvoice(ctx context.Context, inv *Invoice) error
	Invoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	InvoicesByAccount(ctx context.Context, accountID AccountID) ([]*Invoice, error)
	// AttachEntry associates an entry with an invoice. Rejected for
	// cancelled invoices and for entries already on another
	// non-cancelled invoice.
	AttachEntry(ctx context.Context, invoiceID InvoiceID, entryID EntryID) error
	SetInvoiceStatus(ctx context.Context, id InvoiceID, status InvoiceStatus) error
	// DeleteDraftInvoices removes draft invoices, dissociating (not
	// deleting) their entries. Returns the number removed.
	DeleteDraftInvoices(ctx context.Context) (int, error)
}

// TxStore adds unit-of-work support.
type TxStore interface {
	Store

	// WithTx executes fn against a transactional view. If fn returns an
	// error, every write inside is rolled back and the error returned.
	WithTx(ctx context.Context, fn func(Store) error) error
}
