/*
filter.go - Event predicates for rule matching

PURPOSE:
  Filters are pure boolean predicates over events with a human-readable
  rendering for debugging. Rules AND their filter list (short-circuit
  on first failure); OrFilter provides disjunction; NegationFilter
  inverts.

COMPOSITION:
  Filter lists are plain []Filter slices; appending slices is the
  conjunction idiom used by rule configurations:

    youthTow := append(append([]billing.Filter{}, towPlane...), youth...)

  OrFilter accepts groups of filters and flattens one level; a
  single-element group holding an existing OrFilter is merged into the
  parent rather than nested, so disjunctions never stack.

SEE ALSO:
  - rule.go: FlightRule evaluates its filter list as a conjunction
  - factory: builds filter vocabularies from the rule-set document
*/
package billing

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// FILTER - Pure predicate over an event
// =============================================================================

// Filter is a boolean predicate over an event. Implementations must be
// pure: no mutation, no persistence access.
type Filter interface {
	Match(ev *Event) bool

	// String renders the filter for debug logging.
	String() string
}

// MatchAll evaluates a conjunction, short-circuiting on the first
// failing filter, which is returned for debug logging.
func MatchAll(filters []Filter, ev *Event) (Filter, bool) {
	for _, f := range filters {
		if !f.Match(ev) {
			return f, false
		}
	}
	return nil, true
}

// MatchAny evaluates a disjunction over a filter list.
func MatchAny(filters []Filter, ev *Event) bool {
	for _, f := range filters {
		if f.Match(ev) {
			return true
		}
	}
	return false
}

// =============================================================================
// KIND AND ATTRIBUTE FILTERS
// =============================================================================

// FlightKindFilter matches events of the priced kind.
type FlightKindFilter struct{}

func (FlightKindFilter) Match(ev *Event) bool { return ev.Kind == EventFlight }
func (FlightKindFilter) String() string       { return "FlightKind" }

// AircraftFilter matches flights flown on one of the given registrations.
type AircraftFilter struct {
	registrations map[string]bool
}

func NewAircraftFilter(registrations ...string) *AircraftFilter {
	set := make(map[string]bool, len(registrations))
	for _, r := range registrations {
		set[strings.ToUpper(r)] = true
	}
	return &AircraftFilter{registrations: set}
}

func (f *AircraftFilter) Match(ev *Event) bool {
	return f.registrations[strings.ToUpper(ev.Aircraft)]
}

func (f *AircraftFilter) String() string {
	return fmt.Sprintf("Aircraft(%s)", strings.Join(f.sorted(), ","))
}

func (f *AircraftFilter) sorted() []string {
	regs := make([]string, 0, len(f.registrations))
	for r := range f.registrations {
		regs = append(regs, r)
	}
	sort.Strings(regs)
	return regs
}

// PurposeFilter matches flights with one of the given purpose codes.
type PurposeFilter struct {
	purposes map[string]bool
}

func NewPurposeFilter(purposes ...string) *PurposeFilter {
	set := make(map[string]bool, len(purposes))
	for _, p := range purposes {
		set[p] = true
	}
	return &PurposeFilter{purposes: set}
}

func (f *PurposeFilter) Match(ev *Event) bool { return f.purposes[ev.Purpose] }

func (f *PurposeFilter) String() string {
	codes := make([]string, 0, len(f.purposes))
	for p := range f.purposes {
		codes = append(codes, p)
	}
	sort.Strings(codes)
	return fmt.Sprintf("Purpose(%s)", strings.Join(codes, ","))
}

// PeriodFilter matches events dated within a closed period.
type PeriodFilter struct {
	Period Period
}

func (f *PeriodFilter) Match(ev *Event) bool { return f.Period.Contains(ev.Date) }
func (f *PeriodFilter) String() string       { return "Period" + f.Period.String() }

// SurchargeFilter matches events carrying a surcharge reason, which
// indicates an invoicing surcharge line should be added.
type SurchargeFilter struct{}

func (SurchargeFilter) Match(ev *Event) bool { return ev.SurchargeReason != "" }
func (SurchargeFilter) String() string       { return "Surcharge" }

// TransferTowFilter matches transfer-tow flights.
type TransferTowFilter struct{}

func (TransferTowFilter) Match(ev *Event) bool { return ev.TransferTow }
func (TransferTowFilter) String() string       { return "TransferTow" }

// PositiveAmountFilter matches charge events with amount >= 0.
type PositiveAmountFilter struct{}

func (PositiveAmountFilter) Match(ev *Event) bool {
	return ev.Kind == EventCharge && !ev.Amount.IsNegative()
}
func (PositiveAmountFilter) String() string { return "PositiveAmount" }

// NegativeAmountFilter matches charge events with amount < 0.
type NegativeAmountFilter struct{}

func (NegativeAmountFilter) Match(ev *Event) bool {
	return ev.Kind == EventCharge && ev.Amount.IsNegative()
}
func (NegativeAmountFilter) String() string { return "NegativeAmount" }

// =============================================================================
// MEMBERSHIP AND AGE FILTERS
// =============================================================================

// MemberListFilter matches events by account reference id, in either
// whitelist mode (account must be in the list) or blacklist mode
// (account must not be).
type MemberListFilter struct {
	ids       map[AccountID]bool
	whitelist bool
}

func NewMemberListFilter(ids []AccountID, whitelist bool) *MemberListFilter {
	set := make(map[AccountID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return &MemberListFilter{ids: set, whitelist: whitelist}
}

func (f *MemberListFilter) Match(ev *Event) bool {
	if f.whitelist {
		return f.ids[ev.AccountID]
	}
	return !f.ids[ev.AccountID]
}

func (f *MemberListFilter) String() string {
	mode := "whitelist"
	if !f.whitelist {
		mode = "blacklist"
	}
	return fmt.Sprintf("MemberList(%s,%d members)", mode, len(f.ids))
}

// BirthDateFilter matches events where the pilot's age at the event
// date is at most MaxAge years.
//
// Age is day-count based: (event date - birth date) / 365.25 years.
// The alternative calendar-year subtraction gives different answers
// near birthdays; this filter uses the day-count definition only.
type BirthDateFilter struct {
	BirthDates map[AccountID]time.Time
	MaxAge     int
}

func (f *BirthDateFilter) Match(ev *Event) bool {
	birth, ok := f.BirthDates[ev.AccountID]
	if !ok || birth.IsZero() {
		return false
	}
	days := DayOf(ev.Date).Sub(DayOf(birth)).Hours() / 24
	return days/365.25 <= float64(f.MaxAge)
}

func (f *BirthDateFilter) String() string {
	return fmt.Sprintf("BirthDate(max_age=%d)", f.MaxAge)
}

// =============================================================================
// COMBINATORS
// =============================================================================

// NegationFilter inverts the wrapped filter.
type NegationFilter struct {
	Inner Filter
}

func (f *NegationFilter) Match(ev *Event) bool { return !f.Inner.Match(ev) }
func (f *NegationFilter) String() string       { return fmt.Sprintf("NOT(%s)", f.Inner) }

// OrFilter matches if any member matches.
type OrFilter struct {
	filters []Filter
}

// NewOrFilter builds a disjunction from filter groups, flattening one
// level: every filter of every group becomes a direct member. A
// single-element group holding an existing OrFilter is merged rather
// than nested, avoiding disjunction-of-disjunction structures.
func NewOrFilter(groups ...[]Filter) *OrFilter {
	or := &OrFilter{}
	for _, group := range groups {
		if len(group) == 1 {
			if inner, ok := group[0].(*OrFilter); ok {
				or.filters = append(or.filters, inner.filters...)
				continue
			}
		}
		or.filters = append(or.filters, group...)
	}
	return or
}

func (f *OrFilter) Match(ev *Event) bool { return MatchAny(f.filters, ev) }

// Filters exposes the flattened member list.
func (f *OrFilter) Filters() []Filter { return f.filters }

func (f *OrFilter) String() string {
	parts := make([]string, len(f.filters))
	for i, m := range f.filters {
		parts[i] = m.String()
	}
	return fmt.Sprintf("OR(%s)", strings.Join(parts, ","))
}
