/*
Package factory provides JSON to Go rule-tree conversion.

PURPOSE:
  Converts a JSON price-list document into billing.Rule trees. This
  enables pricing configuration without code changes - the treasurer
  can adjust rates, caps and discounts in JSON, and the factory builds
  the proper rule objects.

WHY JSON?
  - Non-developers can modify the price list
  - Version control for yearly price-list revisions
  - The same document drives the CLI and tests

JSON SCHEMA (rule node):
  {"type": "first", "rules": [...]}
  {"type": "all", "rules": [...]}
  {"type": "flight", "hourly_rate": "122", "ledger_account": "3130",
   "template": "Flight, TOW, {duration} min", "filters": [...]}
  {"type": "flight", "fixed_price": "6", ...}
  {"type": "minimum_duration", "rule": {...}, "aircraft_filters": [...],
   "min_duration_min": 15, "notice": "(minimum billing 15 min)"}
  {"type": "capped", "cap_id": "glider_cap_2024", "cap_price": "1250",
   "drop_over_cap": false, "rule": {...}}

JSON SCHEMA (filter node):
  {"type": "aircraft", "registrations": ["OH-TOW"]}
  {"type": "purpose", "codes": ["KOU"]}
  {"type": "period", "start": "2024-01-01", "end": "2024-12-31"}
  {"type": "or", "filters": [...]}
  {"type": "not", "filter": {...}}
  {"type": "age_max", "max_age": 25}
  {"type": "member_list", "list": "course_members", "whitelist": true}
  {"type": "surcharge"} / {"type": "transfer_tow"} / {"type": "flight"}
  {"type": "positive_amount"} / {"type": "negative_amount"}

CONTEXT:
  Some filters need data that lives outside the document: member birth
  dates for age discounts and named member lists for course discounts.
  Callers supply those through RuleContext.

USAGE:
  f := factory.NewRuleFactory(factory.RuleContext{
      BirthDates:  birthDates,
      MemberLists: map[string][]billing.AccountID{"course_members": ids},
  })
  rules, err := f.ParseRules(jsonDoc)

SEE ALSO:
  - billing/rule.go: the rule variants built here
  - billing/filter.go: the filter variants built here
  - sample.go: a complete price-list document
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// DocumentJSON is the top-level price-list document.
type DocumentJSON struct {
	Name  string     `json:"name,omitempty"`
	Year  int        `json:"year,omitempty"`
	Rules []RuleJSON `json:"rules"`
}

// RuleJSON is one node of a rule tree.
type RuleJSON struct {
	Type string `json:"type"`

	// first / all
	Rules []RuleJSON `json:"rules,omitempty"`

	// flight
	HourlyRate    *decimal.Decimal `json:"hourly_rate,omitempty"`
	FixedPrice    *decimal.Decimal `json:"fixed_price,omitempty"`
	LedgerAccount string           `json:"ledger_account,omitempty"`
	Template      string           `json:"template,omitempty"`
	Filters       []FilterJSON     `json:"filters,omitempty"`

	// minimum_duration / capped wrap one inner rule
	Rule *RuleJSON `json:"rule,omitempty"`

	// minimum_duration
	AircraftFilters []FilterJSON `json:"aircraft_filters,omitempty"`
	MinDurationMin  int64        `json:"min_duration_min,omitempty"`
	Notice          string       `json:"notice,omitempty"`

	// capped
	CapID       string           `json:"cap_id,omitempty"`
	CapPrice    *decimal.Decimal `json:"cap_price,omitempty"`
	DropOverCap bool             `json:"drop_over_cap,omitempty"`
	CapNote     string           `json:"cap_note,omitempty"`
}

// FilterJSON is one node of a filter tree.
type FilterJSON struct {
	Type string `json:"type"`

	Registrations []string `json:"registrations,omitempty"` // aircraft
	Codes         []string `json:"codes,omitempty"`          // purpose
	Start         string   `json:"start,omitempty"`          // period, YYYY-MM-DD
	End           string   `json:"end,omitempty"`            // period, YYYY-MM-DD
	MaxAge        int      `json:"max_age,omitempty"`        // age_max
	List          string   `json:"list,omitempty"`           // member_list name
	Whitelist     *bool    `json:"whitelist,omitempty"`      // member_list, default true
	Filters       []FilterJSON `json:"filters,omitempty"`    // or
	Filter        *FilterJSON  `json:"filter,omitempty"`     // not
}

// ContextJSON is the JSON representation of member data referenced by
// the price list:
//
//	{
//	  "birth_dates": {"ACC-1": "1999-05-01"},
//	  "member_lists": {"course_members": ["ACC-2", "ACC-3"]}
//	}
type ContextJSON struct {
	BirthDates  map[string]string   `json:"birth_dates,omitempty"`
	MemberLists map[string][]string `json:"member_lists,omitempty"`
}

// ParseContext parses a member-data document into a RuleContext.
func ParseContext(jsonStr string) (RuleContext, error) {
	var cj ContextJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return RuleContext{}, fmt.Errorf("failed to parse member data JSON: %w", err)
	}

	ctx := RuleContext{
		BirthDates:  make(map[billing.AccountID]time.Time, len(cj.BirthDates)),
		MemberLists: make(map[string][]billing.AccountID, len(cj.MemberLists)),
	}
	for id, date := range cj.BirthDates {
		t, err := time.Parse("2006-01-02", date)
		if err != nil {
			return RuleContext{}, fmt.Errorf("birth date for %s: %w", id, err)
		}
		ctx.BirthDates[billing.AccountID(id)] = t
	}
	for name, ids := range cj.MemberLists {
		list := make([]billing.AccountID, 0, len(ids))
		for _, id := range ids {
			list = append(list, billing.AccountID(id))
		}
		ctx.MemberLists[name] = list
	}
	return ctx, nil
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleContext carries member data the price-list document refers to
// but does not contain.
type RuleContext struct {
	// BirthDates backs age_max filters.
	BirthDates map[billing.AccountID]time.Time

	// MemberLists backs member_list filters, keyed by list name.
	MemberLists map[string][]billing.AccountID
}

// RuleFactory converts JSON price lists to rule trees.
type RuleFactory struct {
	ctx RuleContext
}

func NewRuleFactory(ctx RuleContext) *RuleFactory {
	return &RuleFactory{ctx: ctx}
}

// ParseRules parses a JSON document into the rule set it describes.
func (f *RuleFactory) ParseRules(jsonStr string) ([]billing.Rule, error) {
	var doc DocumentJSON
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse price list JSON: %w", err)
	}
	return f.FromJSON(doc)
}

// FromJSON converts a parsed document into rules.
func (f *RuleFactory) FromJSON(doc DocumentJSON) ([]billing.Rule, error) {
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("price list contains no rules")
	}
	rules := make([]billing.Rule, 0, len(doc.Rules))
	for i, rj := range doc.Rules {
		rule, err := f.buildRule(rj)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (f *RuleFactory) buildRule(rj RuleJSON) (billing.Rule, error) {
	switch rj.Type {
	case "flight":
		return f.buildFlightRule(rj)

	case "first", "all":
		if len(rj.Rules) == 0 {
			return nil, fmt.Errorf("%q rule has no inner rules", rj.Type)
		}
		inner := make([]billing.Rule, 0, len(rj.Rules))
		for i, child := range rj.Rules {
			rule, err := f.buildRule(child)
			if err != nil {
				return nil, fmt.Errorf("inner rule %d: %w", i, err)
			}
			inner = append(inner, rule)
		}
		if rj.Type == "first" {
			return billing.NewFirstRule(inner...), nil
		}
		return billing.NewAllRules(inner...), nil

	case "minimum_duration":
		if rj.Rule == nil {
			return nil, fmt.Errorf("minimum_duration rule has no inner rule")
		}
		if rj.MinDurationMin <= 0 {
			return nil, fmt.Errorf("minimum_duration rule needs min_duration_min > 0")
		}
		inner, err := f.buildRule(*rj.Rule)
		if err != nil {
			return nil, err
		}
		aircraft, err := f.buildFilters(rj.AircraftFilters)
		if err != nil {
			return nil, err
		}
		return billing.NewMinimumDurationRule(inner, aircraft, rj.MinDurationMin, rj.Notice), nil

	case "capped":
		if rj.Rule == nil {
			return nil, fmt.Errorf("capped rule has no inner rule")
		}
		if rj.CapID == "" {
			return nil, fmt.Errorf("capped rule needs a cap_id")
		}
		if rj.CapPrice == nil || !rj.CapPrice.IsPositive() {
			return nil, fmt.Errorf("capped rule %q needs a positive cap_price", rj.CapID)
		}
		inner, err := f.buildRule(*rj.Rule)
		if err != nil {
			return nil, err
		}
		capped := billing.NewCappedRule(rj.CapID, *rj.CapPrice, inner, rj.DropOverCap)
		if rj.CapNote != "" {
			capped = capped.WithNote(rj.CapNote)
		}
		return capped, nil

	default:
		return nil, fmt.Errorf("unknown rule type %q", rj.Type)
	}
}

func (f *RuleFactory) buildFlightRule(rj RuleJSON) (billing.Rule, error) {
	filters, err := f.buildFilters(rj.Filters)
	if err != nil {
		return nil, err
	}

	switch {
	case rj.HourlyRate != nil && rj.FixedPrice != nil:
		return nil, fmt.Errorf("flight rule has both hourly_rate and fixed_price")
	case rj.HourlyRate != nil:
		return billing.NewFlightRule(*rj.HourlyRate, rj.LedgerAccount, filters, rj.Template), nil
	case rj.FixedPrice != nil:
		return billing.NewFlightRuleFunc(billing.FixedPricing(*rj.FixedPrice), rj.LedgerAccount, filters, rj.Template), nil
	default:
		return nil, fmt.Errorf("flight rule needs hourly_rate or fixed_price")
	}
}

func (f *RuleFactory) buildFilters(fjs []FilterJSON) ([]billing.Filter, error) {
	filters := make([]billing.Filter, 0, len(fjs))
	for i, fj := range fjs {
		filter, err := f.buildFilter(fj)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		filters = append(filters, filter)
	}
	return filters, nil
}

func (f *RuleFactory) buildFilter(fj FilterJSON) (billing.Filter, error) {
	switch fj.Type {
	case "aircraft":
		if len(fj.Registrations) == 0 {
			return nil, fmt.Errorf("aircraft filter has no registrations")
		}
		return billing.NewAircraftFilter(fj.Registrations...), nil

	case "purpose":
		if len(fj.Codes) == 0 {
			return nil, fmt.Errorf("purpose filter has no codes")
		}
		return billing.NewPurposeFilter(fj.Codes...), nil

	case "period":
		start, err := time.Parse("2006-01-02", fj.Start)
		if err != nil {
			return nil, fmt.Errorf("period filter start: %w", err)
		}
		end, err := time.Parse("2006-01-02", fj.End)
		if err != nil {
			return nil, fmt.Errorf("period filter end: %w", err)
		}
		return &billing.PeriodFilter{Period: billing.NewPeriod(start, end)}, nil

	case "or":
		if len(fj.Filters) == 0 {
			return nil, fmt.Errorf("or filter has no members")
		}
		members, err := f.buildFilters(fj.Filters)
		if err != nil {
			return nil, err
		}
		return billing.NewOrFilter(members), nil

	case "not":
		if fj.Filter == nil {
			return nil, fmt.Errorf("not filter has no inner filter")
		}
		inner, err := f.buildFilter(*fj.Filter)
		if err != nil {
			return nil, err
		}
		return &billing.NegationFilter{Inner: inner}, nil

	case "age_max":
		if fj.MaxAge <= 0 {
			return nil, fmt.Errorf("age_max filter needs max_age > 0")
		}
		return &billing.BirthDateFilter{BirthDates: f.ctx.BirthDates, MaxAge: fj.MaxAge}, nil

	case "member_list":
		if fj.List == "" {
			return nil, fmt.Errorf("member_list filter has no list name")
		}
		ids, ok := f.ctx.MemberLists[fj.List]
		if !ok {
			return nil, fmt.Errorf("member list %q is not defined in the rule context", fj.List)
		}
		whitelist := true
		if fj.Whitelist != nil {
			whitelist = *fj.Whitelist
		}
		return billing.NewMemberListFilter(ids, whitelist), nil

	case "flight":
		return billing.FlightKindFilter{}, nil
	case "surcharge":
		return billing.SurchargeFilter{}, nil
	case "transfer_tow":
		return billing.TransferTowFilter{}, nil
	case "positive_amount":
		return billing.PositiveAmountFilter{}, nil
	case "negative_amount":
		return billing.NegativeAmountFilter{}, nil

	default:
		return nil, fmt.Errorf("unknown filter type %q", fj.Type)
	}
}
