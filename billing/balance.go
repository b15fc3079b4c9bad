/*
balance.go - Running balance calculation

PURPOSE:
  Computes the running-balance time series and current balance of an
  account from its ordered entry sequence. This is the read path every
  other component trusts: invoices, overdue reporting and summary
  totals all derive from this replay.

RESET SEMANTICS:
  Additive entries add their amount to the running total. A
  non-additive (reset/statement) entry REPLACES the running total with
  its own amount: it does not add to history, it redefines the
  baseline going forward.

SEE ALSO:
  - invoice.go: walks the series backward to select invoice entries
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RUNNING BALANCE
// =============================================================================

// BalancePoint records the running balance immediately after applying
// one entry.
type BalancePoint struct {
	Date    time.Time
	Balance decimal.Decimal
	Entry   *LedgerEntry
}

// ComputeRunning replays entries (already ordered by date, then
// insertion) into the running-balance series and the final balance.
// The final balance is quantized to 2 decimals, half-up; zero when
// there are no entries.
func ComputeRunning(entries []*LedgerEntry) ([]BalancePoint, decimal.Decimal) {
	points := make([]BalancePoint, 0, len(entries))
	running := decimal.Zero

	for _, e := range entries {
		if e.Additive {
			running = running.Add(e.Amount)
		} else {
			running = e.Amount
		}
		points = append(points, BalancePoint{Date: e.Date, Balance: running, Entry: e})
	}

	return points, Quantize(running)
}

// =============================================================================
// BALANCE CALCULATOR - Store-backed read path
// =============================================================================

// BalanceCalculator answers balance queries against a store.
type BalanceCalculator struct {
	Store Store
}

// Compute returns the running-balance series and current balance for
// an account. With until set, only entries dated on or before it are
// replayed.
func (bc *BalanceCalculator) Compute(ctx context.Context, accountID AccountID, until *time.Time) ([]BalancePoint, decimal.Decimal, error) {
	entries, err := bc.Store.EntriesByAccount(ctx, accountID)
	if err != nil {
		return nil, decimal.Zero, err
	}

	if until != nil {
		limit := DayOf(*until)
		filtered := entries[:0]
		for _, e := range entries {
			if !DayOf(e.Date).After(limit) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	points, balance := ComputeRunning(entries)
	return points, balance, nil
}

// Balance returns the account's current balance.
func (bc *BalanceCalculator) Balance(ctx context.Context, accountID AccountID) (decimal.Decimal, error) {
	_, balance, err := bc.Compute(ctx, accountID, nil)
	return balance, err
}

// OverdueSince returns the date debt began: the date of the first
// entry whose post-apply balance was positive. Nil when the current
// balance is zero or negative.
func (bc *BalanceCalculator) OverdueSince(ctx context.Context, accountID AccountID) (*time.Time, error) {
	points, balance, err := bc.Compute(ctx, accountID, nil)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 || !balance.IsPositive() {
		return nil, nil
	}

	for _, p := range points {
		if p.Balance.IsPositive() {
			d := p.Date
			return &d, nil
		}
	}

	// Unreachable: the final point carries the positive balance.
	d := points[0].Date
	return &d, nil
}

// DaysOverdue returns the number of days the account has carried a
// positive balance, or nil when not overdue.
func (bc *BalanceCalculator) DaysOverdue(ctx context.Context, accountID AccountID, now time.Time) (*int, error) {
	since, err := bc.OverdueSince(ctx, accountID)
	if err != nil || since == nil {
		return nil, err
	}
	days := int(DayOf(now).Sub(DayOf(*since)).Hours() / 24)
	return &days, nil
}

// =============================================================================
// SUMMARY
// =============================================================================

// BalanceSummary aggregates balances across all accounts.
type BalanceSummary struct {
	Accounts        int
	TotalBalance    decimal.Decimal
	TotalReceivable decimal.Decimal // sum of positive balances (owed to the club)
	TotalCredit     decimal.Decimal // sum of negative balances (owed to members)
}

// Summary computes balance totals over every account in the store.
func (bc *BalanceCalculator) Summary(ctx context.Context) (BalanceSummary, error) {
	accounts, err := bc.Store.Accounts(ctx)
	if err != nil {
		return BalanceSummary{}, err
	}

	summary := BalanceSummary{
		TotalBalance:    decimal.Zero,
		TotalReceivable: decimal.Zero,
		TotalCredit:     decimal.Zero,
	}
	for _, a := range accounts {
		balance, err := bc.Balance(ctx, a.ID)
		if err != nil {
			return BalanceSummary{}, err
		}
		summary.Accounts++
		summary.TotalBalance = summary.TotalBalance.Add(balance)
		if balance.IsPositive() {
			summary.TotalReceivable = summary.TotalReceivable.Add(balance)
		} else {
			summary.TotalCredit = summary.TotalCredit.Add(balance)
		}
	}
	return summary, nil
}
