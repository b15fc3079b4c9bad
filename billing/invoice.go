/*
invoice.go - Invoice assembly

PURPOSE:
  Selects the minimal trailing entry set whose sum reproduces an
  account's balance, and binds it to a draft invoice.

SELECTION WALK:
  The running-balance series is walked backward from the most recent
  entry. The walk stops when a step's post-apply balance is exactly
  zero (that entry is excluded - everything before it has already
  netted out), or when a non-additive reset entry is collected (the
  reset already represents the net effect of everything before it, so
  earlier entries must never be pulled into a later invoice). Credit
  balances extend the walk one extra zero-crossing: the extra segment
  nets to zero, so the invoice total is unchanged but the reader can
  see how the credit arose.

CONSISTENCY:
  After assembly the invoice's derived total must equal the balance
  computed independently by the balance calculator. A mismatch means
  the accounting logic itself is inconsistent; the run aborts rather
  than emitting a wrong invoice.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// =============================================================================
// INVOICE ASSEMBLER
// =============================================================================

// DefaultDueDays is the payment term applied to new invoices.
const DefaultDueDays = 14

// InvoiceAssembler builds invoices covering outstanding balances.
type InvoiceAssembler struct {
	store   TxStore
	dueDays int
	now     func() time.Time
}

func NewInvoiceAssembler(store TxStore) *InvoiceAssembler {
	return &InvoiceAssembler{store: store, dueDays: DefaultDueDays, now: time.Now}
}

// WithDueDays overrides the payment term.
func (a *InvoiceAssembler) WithDueDays(days int) *InvoiceAssembler {
	a.dueDays = days
	return a
}

// WithClock overrides the time source, primarily for tests.
func (a *InvoiceAssembler) WithClock(now func() time.Time) *InvoiceAssembler {
	a.now = now
	return a
}

// newRunID returns a short identifier shared by all invoices of one
// generation run, so a run can be recognized in invoice numbers.
func newRunID() string {
	return uuid.NewString()[:4]
}

// AssembleOptions control an invoice-generation run.
type AssembleOptions struct {
	// AccountIDs restricts the run; empty means every account.
	AccountIDs []AccountID

	// IncludeCredit also assembles informational invoices for accounts
	// in credit (negative balance). Default: positive balances only.
	IncludeCredit bool

	// DeleteDrafts removes existing draft invoices before the run.
	DeleteDrafts bool

	// DryRun computes and verifies everything, then discards writes.
	DryRun bool
}

// AssembleResult summarizes one run.
type AssembleResult struct {
	Invoices []*Invoice
	Total    decimal.Decimal
	DryRun   bool
}

// =============================================================================
// SELECTION
// =============================================================================

// SelectEntries walks the running-balance series backward and returns
// the entries to invoice, in chronological order. balance is the
// account's independently computed current balance.
//
// Invisible entries are excluded from the result; an invisible entry
// carrying a non-zero amount is a data-integrity fault that aborts
// selection.
func SelectEntries(accountID AccountID, points []BalancePoint, balance decimal.Decimal) ([]*LedgerEntry, error) {
	// Credit balances get one extra zero-crossing of context; the
	// extra segment nets to zero and leaves the total intact.
	stops := 1
	if balance.IsNegative() {
		stops = 2
	}

	var selected []*LedgerEntry
	for i := len(points) - 1; i >= 0; i-- {
		p := points[i]

		if p.Balance.IsZero() {
			stops--
			if stops == 0 {
				break
			}
		}

		entry := p.Entry
		if !entry.Visible {
			if !entry.Amount.IsZero() {
				return nil, &InvisibleEntryError{
					AccountID: accountID,
					EntryID:   entry.ID,
					Amount:    entry.Amount,
				}
			}
		} else {
			selected = append(selected, entry)
		}

		if !entry.Additive {
			// Reset entries close the walk: everything earlier is
			// already represented by the reset amount.
			break
		}
	}

	// Selected was collected newest-first; restore chronological order.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected, nil
}

// =============================================================================
// ASSEMBLY
// =============================================================================

// AssembleAll generates draft invoices for every account with an
// outstanding balance, as one atomic run. Any fatal inconsistency
// aborts and rolls back the entire run.
func (a *InvoiceAssembler) AssembleAll(ctx context.Context, opts AssembleOptions) (*AssembleResult, error) {
	runID := newRunID()
	log.Info().Str("run", runID).Bool("dry_run", opts.DryRun).Msg("generating invoices")

	result := &AssembleResult{DryRun: opts.DryRun, Total: decimal.Zero}

	err := a.store.WithTx(ctx, func(s Store) error {
		if opts.DeleteDrafts {
			n, err := s.DeleteDraftInvoices(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("deleted", n).Msg("deleted existing draft invoices")
		}

		accountIDs := opts.AccountIDs
		if len(accountIDs) == 0 {
			accounts, err := s.Accounts(ctx)
			if err != nil {
				return err
			}
			for _, acc := range accounts {
				accountIDs = append(accountIDs, acc.ID)
			}
		}

		calc := &BalanceCalculator{Store: s}
		for _, accountID := range accountIDs {
			points, balance, err := calc.Compute(ctx, accountID, nil)
			if err != nil {
				return err
			}
			if balance.IsZero() {
				continue
			}
			if balance.IsNegative() && !opts.IncludeCredit {
				continue
			}

			inv, err := a.assembleAccount(ctx, s, accountID, runID, points, balance)
			if err != nil {
				return err
			}
			result.Invoices = append(result.Invoices, inv)
			result.Total = result.Total.Add(balance)
		}

		if opts.DryRun {
			return errRollback
		}
		return nil
	})
	if err != nil && !errors.Is(err, errRollback) {
		return nil, err
	}

	log.Info().
		Int("invoices", len(result.Invoices)).
		Str("total", result.Total.StringFixed(2)).
		Msg("invoice run complete")
	return result, nil
}

// assembleAccount builds and verifies one invoice inside the active
// unit of work.
func (a *InvoiceAssembler) assembleAccount(ctx context.Context, s Store, accountID AccountID, runID string, points []BalancePoint, balance decimal.Decimal) (*Invoice, error) {
	selected, err := SelectEntries(accountID, points, balance)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, &NoEntriesError{AccountID: accountID, Balance: balance}
	}

	now := a.now()
	inv := &Invoice{
		ID:        NewInvoiceID(),
		Number:    fmt.Sprintf("INV-%s-%s-%s", now.Format("20060102"), accountID, runID),
		AccountID: accountID,
		CreatedAt: now,
		DueDate:   now.AddDate(0, 0, a.dueDays),
		Status:    InvoiceDraft,
	}
	if err := s.PutInvoice(ctx, inv); err != nil {
		return nil, err
	}
	for _, entry := range selected {
		if err := s.AttachEntry(ctx, inv.ID, entry.ID); err != nil {
			return nil, err
		}
		inv.EntryIDs = append(inv.EntryIDs, entry.ID)
	}

	// The derived total must reproduce the balance computed by the
	// balance calculator; anything else is a bug in the accounting
	// logic, not bad input.
	total := TotalOf(selected)
	if !total.Equal(balance) {
		return nil, &BalanceMismatchError{
			AccountID:     accountID,
			InvoiceNumber: inv.Number,
			InvoiceTotal:  total,
			Balance:       balance,
		}
	}

	log.Debug().
		Str("invoice", inv.Number).
		Str("account", string(accountID)).
		Int("entries", len(selected)).
		Msg("created invoice")
	return inv, nil
}
