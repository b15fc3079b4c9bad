package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func day(d int) time.Time {
	return time.Date(2025, time.June, d, 0, 0, 0, 0, time.UTC)
}

func testEntry(id string, account string, date time.Time, amount string) *billing.LedgerEntry {
	return &billing.LedgerEntry{
		ID:          billing.EntryID(id),
		AccountID:   billing.AccountID(account),
		Date:        date,
		Description: "entry " + id,
		Amount:      decimal.RequireFromString(amount),
		Additive:    true,
		Visible:     true,
	}
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestSQLite_AccountRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutAccount(ctx, &billing.Account{ID: "m-1", Name: "Virtanen"}))

	acc, err := st.Account(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "Virtanen", acc.Name)

	_, err = st.Account(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)
}

func TestSQLite_EventRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ev := &billing.Event{
		ID:        "ev-1",
		Kind:      billing.EventFlight,
		AccountID: "m-1",
		Date:      day(1),
		Aircraft:  "OH-883",
		Duration:  decimal.RequireFromString("47.5"),
		Purpose:   "KOU",
		Captain:   "Virtanen",
	}
	require.NoError(t, st.PutEvent(ctx, ev))

	stored, err := st.Event(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, billing.EventFlight, stored.Kind)
	assert.Equal(t, "OH-883", stored.Aircraft)
	assert.True(t, stored.Duration.Equal(decimal.RequireFromString("47.5")),
		"fractional minutes survive the round trip, got %s", stored.Duration)
	assert.True(t, stored.Date.Equal(day(1)))
}

func TestSQLite_EntryRoundTrip_WithTags(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e := testEntry("e-1", "m-1", day(1), "30.50")
	e.LedgerAccount = "3220"
	e.EventID = "ev-1"
	e.AddTag(billing.CapTag("glider"))
	require.NoError(t, st.PutEntry(ctx, e))

	stored, err := st.Entry(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "30.50", stored.Amount.StringFixed(2))
	assert.Equal(t, "3220", stored.LedgerAccount)
	assert.Equal(t, billing.EventID("ev-1"), stored.EventID)
	assert.True(t, stored.HasTag(billing.CapTag("glider")))
	assert.True(t, stored.Additive)
	assert.True(t, stored.Visible)
}

func TestSQLite_EntriesByAccount_Ordering(t *testing.T) {
	// GIVEN: Entries inserted out of date order, two sharing a date
	// WHEN: The ledger is read
	// THEN: Date first, then insertion order

	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutEntry(ctx, testEntry("e-late", "m-1", day(9), "10")))
	require.NoError(t, st.PutEntry(ctx, testEntry("e-first", "m-1", day(2), "20")))
	require.NoError(t, st.PutEntry(ctx, testEntry("e-second", "m-1", day(2), "30")))

	entries, err := st.EntriesByAccount(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, billing.EntryID("e-first"), entries[0].ID)
	assert.Equal(t, billing.EntryID("e-second"), entries[1].ID)
	assert.Equal(t, billing.EntryID("e-late"), entries[2].ID)
}

func TestSQLite_EntriesByAccount_MixedZoneDatesOrderChronologically(t *testing.T) {
	// GIVEN: Two entries whose dates carry different zone offsets, the
	//        later-looking local time being the earlier instant
	// WHEN: The ledger is read
	// THEN: Entries come back in instant order, not string order

	st := newTestStore(t)
	ctx := context.Background()

	eet := time.FixedZone("EET", 3*60*60)
	early := time.Date(2025, time.January, 1, 0, 30, 0, 0, eet) // 2024-12-31T21:30Z
	late := time.Date(2024, time.December, 31, 22, 0, 0, 0, time.UTC)

	require.NoError(t, st.PutEntry(ctx, testEntry("e-late", "m-1", late, "10")))
	require.NoError(t, st.PutEntry(ctx, testEntry("e-early", "m-1", early, "20")))

	entries, err := st.EntriesByAccount(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, billing.EntryID("e-early"), entries[0].ID)
	assert.Equal(t, billing.EntryID("e-late"), entries[1].ID)
	assert.True(t, entries[0].Date.Equal(early), "the instant survives the round trip")
}

// =============================================================================
// CAP ACCOUNTING
// =============================================================================

func TestSQLite_CapTotal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tag := billing.CapTag("equipment")

	tagged := func(id string, date time.Time, amount string) *billing.LedgerEntry {
		e := testEntry(id, "m-1", date, amount)
		e.AddTag(tag)
		return e
	}

	require.NoError(t, st.PutEntry(ctx, tagged("e-1", day(1), "40")))
	require.NoError(t, st.PutEntry(ctx, tagged("e-2", day(2), "20.25")))
	require.NoError(t, st.PutEntry(ctx, testEntry("e-untagged", "m-1", day(3), "100")))
	require.NoError(t, st.PutEntry(ctx, tagged("e-last-year",
		time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC), "100")))

	total, err := st.CapTotal(ctx, "m-1", tag, 2025)
	require.NoError(t, err)
	assert.Equal(t, "60.25", total.StringFixed(2))

	empty, err := st.CapTotal(ctx, "m-2", tag, 2025)
	require.NoError(t, err)
	assert.True(t, empty.IsZero(), "accounts without tagged entries accumulate nothing")
}

// =============================================================================
// INVOICES
// =============================================================================

func TestSQLite_InvoiceLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "30")))
	inv := &billing.Invoice{
		ID:        "inv-1",
		Number:    "INV-20250601-m-1-ab12",
		AccountID: "m-1",
		CreatedAt: day(5),
		DueDate:   day(19),
		Status:    billing.InvoiceDraft,
	}
	require.NoError(t, st.PutInvoice(ctx, inv))
	require.NoError(t, st.AttachEntry(ctx, "inv-1", "e-1"))

	// Attached entries are frozen against amount changes once sent
	require.NoError(t, st.SetInvoiceStatus(ctx, "inv-1", billing.InvoiceSent))
	err := st.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "99"))
	assert.ErrorIs(t, err, billing.ErrEntryInvoiced)

	require.NoError(t, st.SetInvoiceStatus(ctx, "inv-1", billing.InvoicePaid))

	stored, err := st.Invoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, stored.Status)
	assert.NotNil(t, stored.SentAt)
	require.Len(t, stored.EntryIDs, 1)
	assert.Equal(t, billing.EntryID("e-1"), stored.EntryIDs[0])
}

func TestSQLite_AttachEntry_DoubleBillingRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "30")))
	require.NoError(t, st.PutInvoice(ctx, &billing.Invoice{
		ID: "inv-1", Number: "INV-1", AccountID: "m-1", DueDate: day(19), Status: billing.InvoiceDraft,
	}))
	require.NoError(t, st.PutInvoice(ctx, &billing.Invoice{
		ID: "inv-2", Number: "INV-2", AccountID: "m-1", DueDate: day(19), Status: billing.InvoiceDraft,
	}))

	require.NoError(t, st.AttachEntry(ctx, "inv-1", "e-1"))
	require.NoError(t, st.AttachEntry(ctx, "inv-1", "e-1"), "same invoice attach is idempotent")
	assert.ErrorIs(t, st.AttachEntry(ctx, "inv-2", "e-1"), billing.ErrEntryAlreadyInvoiced)
}

func TestSQLite_DeleteDraftInvoices(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "30")))
	require.NoError(t, st.PutInvoice(ctx, &billing.Invoice{
		ID: "inv-draft", Number: "INV-1", AccountID: "m-1", DueDate: day(19), Status: billing.InvoiceDraft,
	}))
	require.NoError(t, st.AttachEntry(ctx, "inv-draft", "e-1"))

	n, err := st.DeleteDraftInvoices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.Invoice(ctx, "inv-draft")
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)

	// The released entry is attachable again
	require.NoError(t, st.PutInvoice(ctx, &billing.Invoice{
		ID: "inv-new", Number: "INV-2", AccountID: "m-1", DueDate: day(19), Status: billing.InvoiceDraft,
	}))
	assert.NoError(t, st.AttachEntry(ctx, "inv-new", "e-1"))
}

// =============================================================================
// EVENTS
// =============================================================================

func TestSQLite_UnbilledEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutEvent(ctx, &billing.Event{
		ID: "ev-billed", Kind: billing.EventFlight, AccountID: "m-1", Date: day(1),
	}))
	require.NoError(t, st.PutEvent(ctx, &billing.Event{
		ID: "ev-open", Kind: billing.EventFlight, AccountID: "m-1", Date: day(2),
	}))

	e := testEntry("e-1", "m-1", day(1), "10")
	e.EventID = "ev-billed"
	require.NoError(t, st.PutEntry(ctx, e))

	events, err := st.UnbilledEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, billing.EventID("ev-open"), events[0].ID)
}

func TestSQLite_SetRefundEntry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutEvent(ctx, &billing.Event{
		ID: "ev-1", Kind: billing.EventFlight, AccountID: "m-1", Date: day(1),
	}))
	require.NoError(t, st.PutEntry(ctx, testEntry("e-refund", "m-1", day(2), "-30")))
	require.NoError(t, st.SetRefundEntry(ctx, "ev-1", "e-refund"))

	ev, err := st.Event(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, ev.HasBeenRefunded())
	assert.Equal(t, billing.EntryID("e-refund"), ev.RefundEntryID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_WithTx_RollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(s billing.Store) error {
		if err := s.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := st.EntriesByAccount(ctx, "m-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_WithTx_ReadsSeeUncommittedWrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tag := billing.CapTag("equipment")

	err := st.WithTx(ctx, func(s billing.Store) error {
		e := testEntry("e-1", "m-1", day(1), "40")
		e.AddTag(tag)
		if err := s.PutEntry(ctx, e); err != nil {
			return err
		}
		total, err := s.CapTotal(ctx, "m-1", tag, 2025)
		if err != nil {
			return err
		}
		assert.Equal(t, "40.00", total.StringFixed(2))
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_Reset(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10")))
	require.NoError(t, st.Reset(ctx))

	entries, err := st.EntriesByAccount(ctx, "m-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
