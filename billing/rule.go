/*
rule.go - Pricing rules and combinators

PURPOSE:
  Rules turn one event into zero or more ledger entries. An empty
  result means "not applicable", never an error. The variant set is
  closed and known:

    FlightRule          leaf pricing rule for flights
    AllRules            apply every inner rule, concatenate results
    FirstRule           apply inner rules in order, first hit wins
    MinimumDurationRule transient duration floor for short flights
    CappedRule          per-account, per-year price ceiling

CAP STATEFULNESS:
  CappedRule reads the accumulated total of entries tagged cap:<id>
  for the entry's account within the entry's calendar year, then
  writes the new tagged entry through the same unit of work. The cap
  is therefore order-dependent: batches must evaluate entries in a
  fixed chronological order, and all entries for one (account, cap)
  pair must flow through a single logical writer. The engine's sorted,
  single-threaded batch loop provides both.

SEE ALSO:
  - engine.go: drives rules over event batches
  - factory: builds rule trees from the price-list document
*/
package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE - Closed-variant evaluation interface
// =============================================================================

// Rule evaluates an event into ledger entries. Implementations receive
// the active unit of work so cap accounting can read-then-write inside
// the same transaction.
type Rule interface {
	Evaluate(ctx context.Context, uow RuleStore, ev *Event) ([]*LedgerEntry, error)
}

// PricingFunc computes a price from an event.
type PricingFunc func(ev *Event) decimal.Decimal

// HourlyPricing prices a flight at rate per hour: rate * minutes / 60,
// in fixed-point arithmetic throughout.
func HourlyPricing(rate decimal.Decimal) PricingFunc {
	return func(ev *Event) decimal.Decimal {
		return rate.Mul(ev.Duration).Div(minutesPerHour)
	}
}

// FixedPricing prices every matching flight at a flat amount.
func FixedPricing(amount decimal.Decimal) PricingFunc {
	return func(*Event) decimal.Decimal { return amount }
}

// =============================================================================
// FLIGHT RULE - Leaf pricing rule
// =============================================================================

// DefaultFlightTemplate is the fallback description template.
const DefaultFlightTemplate = "Flight, {registration}, {duration} min"

// FlightRule produces one entry from a flight event that passes all
// its filters. Non-flight events never match.
type FlightRule struct {
	pricing       PricingFunc
	ledgerAccount string
	filters       []Filter
	template      string
}

// NewFlightRule prices matching flights at an hourly rate.
func NewFlightRule(hourlyRate decimal.Decimal, ledgerAccount string, filters []Filter, template string) *FlightRule {
	return NewFlightRuleFunc(HourlyPricing(hourlyRate), ledgerAccount, filters, template)
}

// NewFlightRuleFunc prices matching flights with a custom pricing
// function.
func NewFlightRuleFunc(pricing PricingFunc, ledgerAccount string, filters []Filter, template string) *FlightRule {
	if template == "" {
		template = DefaultFlightTemplate
	}
	return &FlightRule{
		pricing:       pricing,
		ledgerAccount: ledgerAccount,
		filters:       filters,
		template:      template,
	}
}

func (r *FlightRule) Evaluate(_ context.Context, _ RuleStore, ev *Event) ([]*LedgerEntry, error) {
	if ev.Kind != EventFlight {
		return nil, nil
	}

	if failed, ok := MatchAll(r.filters, ev); !ok {
		log.Debug().
			Stringer("event", ev).
			Str("filter", failed.String()).
			Msg("flight rule filter failed")
		return nil, nil
	}

	if ev.AccountID == "" {
		log.Warn().Stringer("event", ev).Msg("event has no account set")
		return nil, nil
	}

	entry := &LedgerEntry{
		ID:            NewEntryID(),
		AccountID:     ev.AccountID,
		Date:          ev.Date,
		Description:   ExpandTemplate(r.template, ev),
		Amount:        r.pricing(ev),
		Additive:      true,
		Visible:       true,
		EventID:       ev.ID,
		LedgerAccount: r.ledgerAccount,
	}
	return []*LedgerEntry{entry}, nil
}

// ExpandTemplate fills a description template with event attributes.
// Duration is rounded to a whole number of minutes for display.
func ExpandTemplate(template string, ev *Event) string {
	return strings.NewReplacer(
		"{registration}", ev.Aircraft,
		"{aircraft}", ev.Aircraft,
		"{duration}", ev.Duration.Round(0).String(),
		"{purpose}", ev.Purpose,
		"{captain}", ev.Captain,
		"{surcharge_reason}", ev.SurchargeReason,
		"{date}", ev.Date.Format("2006-01-02"),
	).Replace(template)
}

// =============================================================================
// COMBINATORS
// =============================================================================

// AllRules applies every inner rule and concatenates the entries. The
// inner rules are independent; none sees the others' output.
type AllRules struct {
	rules []Rule
}

func NewAllRules(rules ...Rule) *AllRules { return &AllRules{rules: rules} }

func (r *AllRules) Evaluate(ctx context.Context, uow RuleStore, ev *Event) ([]*LedgerEntry, error) {
	var out []*LedgerEntry
	for _, inner := range r.rules {
		entries, err := inner.Evaluate(ctx, uow, ev)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			log.Debug().
				Stringer("event", ev).
				Int("entries", len(entries)).
				Msg("rule produced entries")
		}
		out = append(out, entries...)
	}
	return out, nil
}

// FirstRule applies inner rules in declared order and returns the
// entries from the first rule that produced a non-empty result.
type FirstRule struct {
	rules []Rule
}

func NewFirstRule(rules ...Rule) *FirstRule { return &FirstRule{rules: rules} }

func (r *FirstRule) Evaluate(ctx context.Context, uow RuleStore, ev *Event) ([]*LedgerEntry, error) {
	for _, inner := range r.rules {
		entries, err := inner.Evaluate(ctx, uow, ev)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}
	}
	return nil, nil
}

// =============================================================================
// MINIMUM DURATION
// =============================================================================

// MinimumDurationRule bills short flights as if they lasted at least
// the floor duration. The override is transient: the original duration
// is restored unconditionally, including when the wrapped rule panics.
type MinimumDurationRule struct {
	inner           Rule
	aircraftFilters []Filter
	minDuration     decimal.Decimal
	noticeText      string
}

func NewMinimumDurationRule(inner Rule, aircraftFilters []Filter, minDurationMinutes int64, noticeText string) *MinimumDurationRule {
	return &MinimumDurationRule{
		inner:           inner,
		aircraftFilters: aircraftFilters,
		minDuration:     decimal.NewFromInt(minDurationMinutes),
		noticeText:      noticeText,
	}
}

func (r *MinimumDurationRule) Evaluate(ctx context.Context, uow RuleStore, ev *Event) ([]*LedgerEntry, error) {
	if ev.Kind != EventFlight {
		return r.inner.Evaluate(ctx, uow, ev)
	}

	applies := MatchAny(r.aircraftFilters, ev) && ev.Duration.LessThan(r.minDuration)
	if applies {
		orig := ev.Duration
		ev.Duration = r.minDuration
		defer func() { ev.Duration = orig }()
	}

	entries, err := r.inner.Evaluate(ctx, uow, ev)
	if err != nil {
		return nil, err
	}

	if applies && r.noticeText != "" {
		for _, e := range entries {
			e.Description += " " + r.noticeText
		}
	}
	return entries, nil
}

// =============================================================================
// PRICE CAP
// =============================================================================

// DefaultCapNote is the note appended to capped entry descriptions.
const DefaultCapNote = "capped at yearly maximum"

// CappedRule limits the cumulative amount billed under one cap id per
// account and calendar year. Candidate entries from the wrapped rule
// are clipped, zeroed or dropped against the accumulated total, then
// tagged and persisted so the next evaluation in the same year sees
// them in the accumulator.
type CappedRule struct {
	capID       string
	capPrice    decimal.Decimal
	inner       Rule
	dropOverCap bool
	note        string
}

// NewCappedRule builds a cap wrapper. dropOverCap selects whether
// entries arriving after the cap is reached are dropped entirely or
// kept with a zero amount and a cap note.
func NewCappedRule(capID string, capPrice decimal.Decimal, inner Rule, dropOverCap bool) *CappedRule {
	return &CappedRule{
		capID:       capID,
		capPrice:    capPrice,
		inner:       inner,
		dropOverCap: dropOverCap,
		note:        fmt.Sprintf("%s (%s)", DefaultCapNote, capPrice.StringFixed(2)),
	}
}

// WithNote overrides the cap note text. The cap price is appended.
func (r *CappedRule) WithNote(note string) *CappedRule {
	r.note = fmt.Sprintf("%s (%s)", note, r.capPrice.StringFixed(2))
	return r
}

func (r *CappedRule) Evaluate(ctx context.Context, uow RuleStore, ev *Event) ([]*LedgerEntry, error) {
	candidates, err := r.inner.Evaluate(ctx, uow, ev)
	if err != nil {
		return nil, err
	}

	tag := CapTag(r.capID)
	var out []*LedgerEntry
	for _, entry := range candidates {
		accumulated, err := uow.CapTotal(ctx, entry.AccountID, tag, entry.Date.UTC().Year())
		if err != nil {
			return nil, err
		}

		switch {
		case accumulated.GreaterThanOrEqual(r.capPrice):
			if r.dropOverCap {
				log.Debug().
					Str("entry", entry.Description).
					Str("amount", entry.Amount.StringFixed(2)).
					Str("cap", r.capPrice.StringFixed(2)).
					Msg("dropping entry, cap already reached")
				continue
			}
			log.Debug().
				Str("entry", entry.Description).
				Msg("zeroing entry amount, cap already reached")
			entry.Amount = decimal.Zero
			entry.Description += ", " + r.note

		case accumulated.Add(entry.Amount).GreaterThan(r.capPrice):
			entry.Amount = r.capPrice.Sub(accumulated)
			entry.Description += ", " + r.note
		}

		// Tag and persist now so the next candidate, even within this
		// same event, reads an up-to-date accumulator.
		entry.AddTag(tag)
		if err := uow.PutEntry(ctx, entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
