/*
engine.go - Batch orchestration of rule evaluation

PURPOSE:
  Drives the configured rule tree across batches of events inside one
  failure-atomic unit of work, and creates compensating refund entries
  for mis-billed events.

PROCESSING MODEL:
  Single-threaded batch execution. Events are sorted by (account,
  date, id) before evaluation; the price-cap accumulator is stateful
  and order-dependent, so this fixed order is what makes batch output
  reproducible. All entries for one (account, cap) pair flow through
  the single batch goroutine, which is the required single logical
  writer.

ERROR POLICY:
  - Skippable: excluded or already-billed events; logged, continue.
  - Recoverable-per-item: one event failed to evaluate; logged and
    counted, continue - unless strict mode, which aborts the batch.
  - Fatal: invariant violations always abort and roll back the batch.

DRY RUN:
  Runs the identical computation, then rolls the unit of work back.
  Numbers are unchanged; persistence is the only difference.

SEE ALSO:
  - rule.go: the rule variants the engine drives
  - store.go: WithTx unit-of-work contract
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// errRollback aborts a unit of work on purpose after a dry run.
var errRollback = errors.New("dry run rollback")

// =============================================================================
// ENGINE
// =============================================================================

// Engine evaluates the configured rule tree over events. The rule tree
// and exclusion list are injected at construction and treated as
// read-only afterwards.
type Engine struct {
	store    TxStore
	rules    []Rule
	excluded map[string]bool
	now      func() time.Time
}

// NewEngine builds an engine from a storage adapter, the ordered rule
// tree (the concrete price list) and the no-invoicing exclusion list.
func NewEngine(store TxStore, rules []Rule, excludedRefs []string) *Engine {
	excluded := make(map[string]bool, len(excludedRefs))
	for _, ref := range excludedRefs {
		excluded[ref] = true
	}
	return &Engine{
		store:    store,
		rules:    rules,
		excluded: excluded,
		now:      time.Now,
	}
}

// WithClock overrides the time source, primarily for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ProcessOptions control batch behavior.
type ProcessOptions struct {
	// DryRun computes everything, then discards all writes.
	DryRun bool

	// Strict aborts the whole batch on the first per-item failure
	// instead of counting it and continuing.
	Strict bool
}

// BatchResult summarizes one processing run.
type BatchResult struct {
	Processed int
	Skipped   int
	Failed    int
	DryRun    bool

	// EntriesByAccount groups produced entries by owning account.
	EntriesByAccount map[AccountID][]*LedgerEntry
}

// =============================================================================
// EVENT PROCESSING
// =============================================================================

// ProcessEvent evaluates every top-level rule against one event inside
// the given unit of work, persisting produced entries. Returns nil
// entries for skipped events.
//
// Idempotence guard: an event that already has linked entries is
// skipped with a warning rather than billed twice.
func (e *Engine) ProcessEvent(ctx context.Context, uow Store, ev *Event) ([]*LedgerEntry, error) {
	if e.excluded[ev.ReferenceID] {
		log.Debug().
			Stringer("event", ev).
			Str("reference", ev.ReferenceID).
			Msg("skipping event on no-invoicing list")
		return nil, nil
	}

	billed, err := uow.EventHasEntries(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	if billed {
		log.Warn().Stringer("event", ev).Msg("event already has entries, skipping")
		return nil, nil
	}

	var produced []*LedgerEntry
	for _, rule := range e.rules {
		entries, err := rule.Evaluate(ctx, uow, ev)
		if err != nil {
			return nil, fmt.Errorf("evaluating event %s: %w", ev.ID, err)
		}
		for _, entry := range entries {
			if err := uow.PutEntry(ctx, entry); err != nil {
				return nil, err
			}
		}
		produced = append(produced, entries...)
	}

	if len(produced) == 0 {
		log.Warn().Stringer("event", ev).Msg("no entries were generated for event")
	}
	return produced, nil
}

// ProcessEvents applies ProcessEvent to each event in stable (account,
// date, id) order as one failure-atomic unit: any unhandled error
// discards all entries produced so far in the batch.
func (e *Engine) ProcessEvents(ctx context.Context, events []*Event, opts ProcessOptions) (*BatchResult, error) {
	sorted := make([]*Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.ID < b.ID
	})

	log.Info().Int("events", len(sorted)).Bool("dry_run", opts.DryRun).Msg("processing events")

	result := &BatchResult{
		DryRun:           opts.DryRun,
		EntriesByAccount: make(map[AccountID][]*LedgerEntry),
	}

	err := e.store.WithTx(ctx, func(s Store) error {
		for _, ev := range sorted {
			entries, err := e.ProcessEvent(ctx, s, ev)
			if err != nil {
				if opts.Strict || IsFatal(err) {
					return err
				}
				log.Warn().Err(err).Stringer("event", ev).Msg("event failed, continuing")
				result.Failed++
				continue
			}
			if len(entries) == 0 {
				result.Skipped++
				continue
			}
			result.Processed++
			result.EntriesByAccount[ev.AccountID] = append(result.EntriesByAccount[ev.AccountID], entries...)
		}
		if opts.DryRun {
			return errRollback
		}
		return nil
	})
	if err != nil && !errors.Is(err, errRollback) {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// REFUNDS
// =============================================================================

// RefundEvent creates one compensating entry negating the net charges
// of an event, and links it as the event's refund entry. Refunding an
// already-refunded event, or an event without charges, is a no-op.
func (e *Engine) RefundEvent(ctx context.Context, eventID EventID) (*LedgerEntry, error) {
	var refund *LedgerEntry

	err := e.store.WithTx(ctx, func(s Store) error {
		ev, err := s.Event(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.HasBeenRefunded() {
			log.Warn().Stringer("event", ev).Msg("event has already been refunded")
			return nil
		}

		entries, err := s.EntriesByEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		total := decimal.Zero
		for _, entry := range entries {
			if entry.Additive {
				total = total.Add(entry.Amount)
			}
		}
		if total.IsZero() {
			log.Warn().Stringer("event", ev).Msg("no charges found to refund")
			return nil
		}

		refund = &LedgerEntry{
			ID:          NewEntryID(),
			AccountID:   ev.AccountID,
			Date:        DayOf(e.now()),
			Description: fmt.Sprintf("Correction: refund of %s", ev),
			Amount:      total.Neg(),
			Additive:    true,
			Visible:     true,
			EventID:     ev.ID,
		}
		if err := s.PutEntry(ctx, refund); err != nil {
			return err
		}
		if err := s.SetRefundEntry(ctx, ev.ID, refund.ID); err != nil {
			return err
		}

		log.Info().
			Stringer("event", ev).
			Str("amount", refund.Amount.StringFixed(2)).
			Msg("created refund entry")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}
