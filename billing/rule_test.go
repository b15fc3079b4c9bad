package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// FLIGHT RULE
// =============================================================================

func TestFlightRule_HourlyPricing(t *testing.T) {
	// GIVEN: A tow rule at 122/hour for OH-952
	// WHEN: A 30 minute flight is evaluated
	// THEN: One entry at exactly half the hourly rate

	rule := billing.NewFlightRule(
		decimal.RequireFromString("122"),
		"3130",
		[]billing.Filter{billing.NewAircraftFilter("OH-952")},
		"Tow flight, {registration}, {duration} min",
	)

	ev := flightEvent("m-1", "OH-952", july15, 30)
	entries, err := rule.Evaluate(context.Background(), nil, ev)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.True(t, entry.Amount.Equal(decimal.RequireFromString("61")),
		"got %s", entry.Amount)
	assert.Equal(t, "Tow flight, OH-952, 30 min", entry.Description)
	assert.Equal(t, "3130", entry.LedgerAccount)
	assert.Equal(t, billing.AccountID("m-1"), entry.AccountID)
	assert.Equal(t, ev.ID, entry.EventID)
	assert.True(t, entry.Additive)
	assert.True(t, entry.Visible)
}

func TestFlightRule_FilterMiss_ProducesNothing(t *testing.T) {
	rule := billing.NewFlightRule(
		decimal.RequireFromString("122"),
		"3130",
		[]billing.Filter{billing.NewAircraftFilter("OH-952")},
		"",
	)

	entries, err := rule.Evaluate(context.Background(), nil, flightEvent("m-1", "OH-883", july15, 30))
	require.NoError(t, err)
	assert.Empty(t, entries, "non-matching aircraft should produce no entries")

	entries, err = rule.Evaluate(context.Background(), nil, chargeEvent("m-1", july15, "6.00"))
	require.NoError(t, err)
	assert.Empty(t, entries, "charge events never match flight rules")
}

func TestFlightRule_NoAccount_Skipped(t *testing.T) {
	rule := billing.NewFlightRule(decimal.RequireFromString("122"), "3130", nil, "")

	ev := flightEvent("", "OH-952", july15, 30)
	entries, err := rule.Evaluate(context.Background(), nil, ev)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFlightRule_FixedPricing(t *testing.T) {
	rule := billing.NewFlightRuleFunc(
		billing.FixedPricing(decimal.RequireFromString("6")),
		"3470",
		[]billing.Filter{billing.NewPurposeFilter("KOU")},
		"Instruction fee, {date}",
	)

	ev := flightEvent("m-1", "OH-883", july15, 95)
	ev.Purpose = "KOU"

	entries, err := rule.Evaluate(context.Background(), nil, ev)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("6")))
	assert.Equal(t, "Instruction fee, 2025-07-15", entries[0].Description)
}

// =============================================================================
// COMBINATORS
// =============================================================================

func TestFirstRule_FirstHitWins(t *testing.T) {
	// GIVEN: Youth price before normal price for the same aircraft
	// WHEN: A youth pilot flies
	// THEN: Only the youth entry is produced

	birth := time.Date(2005, time.March, 1, 0, 0, 0, 0, time.UTC)
	youth := &billing.BirthDateFilter{
		BirthDates: map[billing.AccountID]time.Time{"m-youth": birth},
		MaxAge:     25,
	}
	oh883 := billing.NewAircraftFilter("OH-883")

	rule := billing.NewFirstRule(
		billing.NewFlightRule(decimal.RequireFromString("27"), "3220",
			[]billing.Filter{oh883, youth}, "Youth flight"),
		billing.NewFlightRule(decimal.RequireFromString("36"), "3220",
			[]billing.Filter{oh883}, "Normal flight"),
	)

	entries, err := rule.Evaluate(context.Background(), nil, flightEvent("m-youth", "OH-883", july15, 60))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Youth flight", entries[0].Description)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("27")))

	entries, err = rule.Evaluate(context.Background(), nil, flightEvent("m-adult", "OH-883", july15, 60))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Normal flight", entries[0].Description)
}

func TestAllRules_Concatenates(t *testing.T) {
	// GIVEN: A flight price rule plus an instruction fee rule
	// WHEN: An instruction flight is evaluated
	// THEN: Both entries are produced

	rule := billing.NewAllRules(
		billing.NewFlightRule(decimal.RequireFromString("36"), "3220",
			[]billing.Filter{billing.NewAircraftFilter("OH-883")}, "Flight"),
		billing.NewFlightRuleFunc(billing.FixedPricing(decimal.RequireFromString("6")), "3470",
			[]billing.Filter{billing.NewPurposeFilter("KOU")}, "Instruction fee"),
	)

	ev := flightEvent("m-1", "OH-883", july15, 60)
	ev.Purpose = "KOU"

	entries, err := rule.Evaluate(context.Background(), nil, ev)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Flight", entries[0].Description)
	assert.Equal(t, "Instruction fee", entries[1].Description)
}

// =============================================================================
// MINIMUM DURATION
// =============================================================================

func TestMinimumDurationRule_FloorsAndRestores(t *testing.T) {
	// GIVEN: A 15 minute minimum on tow flights
	// WHEN: A 10 minute tow is billed
	// THEN: Priced as 15 minutes, notice appended, event duration restored

	tow := []billing.Filter{billing.NewAircraftFilter("OH-952")}
	inner := billing.NewFlightRule(decimal.RequireFromString("122"), "3130", tow, "Tow")
	rule := billing.NewMinimumDurationRule(inner, tow, 15, "(minimum billing 15 min)")

	ev := flightEvent("m-1", "OH-952", july15, 10)
	entries, err := rule.Evaluate(context.Background(), nil, ev)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// 122 * 15 / 60 = 30.5
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("30.5")),
		"got %s", entries[0].Amount)
	assert.Equal(t, "Tow (minimum billing 15 min)", entries[0].Description)
	assert.True(t, ev.Duration.Equal(decimal.NewFromInt(10)),
		"event duration must be restored after evaluation")
}

func TestMinimumDurationRule_LongFlightUntouched(t *testing.T) {
	tow := []billing.Filter{billing.NewAircraftFilter("OH-952")}
	inner := billing.NewFlightRule(decimal.RequireFromString("122"), "3130", tow, "Tow")
	rule := billing.NewMinimumDurationRule(inner, tow, 15, "(minimum billing 15 min)")

	ev := flightEvent("m-1", "OH-952", july15, 30)
	entries, err := rule.Evaluate(context.Background(), nil, ev)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("61")))
	assert.Equal(t, "Tow", entries[0].Description, "no notice for flights over the floor")
}

// =============================================================================
// PRICE CAP
// =============================================================================

func capFixture(t *testing.T, dropOverCap bool) (*billing.CappedRule, billing.Store) {
	t.Helper()

	inner := billing.NewFlightRuleFunc(
		func(ev *billing.Event) decimal.Decimal { return ev.Amount },
		"3010", nil, "Equipment fee",
	)
	rule := billing.NewCappedRule("equipment_2025", decimal.RequireFromString("90"), inner, dropOverCap)
	return rule, store.NewMemory()
}

// cappedFlight abuses the charge Amount field as a handle to drive a
// specific candidate price through the cap.
func cappedFlight(account string, amount string) *billing.Event {
	ev := flightEvent(account, "OH-883", july15, 60)
	ev.Amount = decimal.RequireFromString(amount)
	return ev
}

func TestCappedRule_ClipsAtBoundary(t *testing.T) {
	// GIVEN: A 90 cap with 60 already accumulated
	// WHEN: A 50 candidate crosses the boundary
	// THEN: It is clipped to 30 and annotated

	rule, mem := capFixture(t, true)
	ctx := context.Background()

	first, err := rule.Evaluate(ctx, mem, cappedFlight("m-1", "60"))
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.True(t, first[0].Amount.Equal(decimal.RequireFromString("60")))
	assert.True(t, first[0].HasTag(billing.CapTag("equipment_2025")))

	second, err := rule.Evaluate(ctx, mem, cappedFlight("m-1", "50"))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].Amount.Equal(decimal.RequireFromString("30")),
		"got %s", second[0].Amount)
	assert.Contains(t, second[0].Description, billing.DefaultCapNote)
}

func TestCappedRule_OverCap_Dropped(t *testing.T) {
	rule, mem := capFixture(t, true)
	ctx := context.Background()

	_, err := rule.Evaluate(ctx, mem, cappedFlight("m-1", "90"))
	require.NoError(t, err)

	entries, err := rule.Evaluate(ctx, mem, cappedFlight("m-1", "10"))
	require.NoError(t, err)
	assert.Empty(t, entries, "entries past the cap are dropped in drop mode")
}

func TestCappedRule_OverCap_ZeroedWithNote(t *testing.T) {
	rule, mem := capFixture(t, false)
	rule = rule.WithNote("equipment fee capped")
	ctx := context.Background()

	_, err := rule.Evaluate(ctx, mem, cappedFlight("m-1", "90"))
	require.NoError(t, err)

	entries, err := rule.Evaluate(ctx, mem, cappedFlight("m-1", "10"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.IsZero())
	assert.Contains(t, entries[0].Description, "equipment fee capped (90.00)")
}

func TestCappedRule_IndependentPerAccount(t *testing.T) {
	// GIVEN: One account has exhausted the cap
	// WHEN: Another account's flight is evaluated
	// THEN: The other account's accumulator is untouched

	rule, mem := capFixture(t, true)
	ctx := context.Background()

	_, err := rule.Evaluate(ctx, mem, cappedFlight("m-1", "90"))
	require.NoError(t, err)

	entries, err := rule.Evaluate(ctx, mem, cappedFlight("m-2", "10"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("10")))
}

// =============================================================================
// TEMPLATE EXPANSION
// =============================================================================

func TestExpandTemplate(t *testing.T) {
	ev := flightEvent("m-1", "OH-883", july15, 95)
	ev.Purpose = "KOU"
	ev.Captain = "Virtanen"

	got := billing.ExpandTemplate("{registration} {duration}min {purpose} {captain} {date}", ev)
	assert.Equal(t, "OH-883 95min KOU Virtanen 2025-07-15", got)
}
