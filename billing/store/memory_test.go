package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

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

func draftInvoice(id string, account string, entries ...billing.EntryID) *billing.Invoice {
	return &billing.Invoice{
		ID:        billing.InvoiceID(id),
		Number:    "INV-" + id,
		AccountID: billing.AccountID(account),
		DueDate:   day(28),
		Status:    billing.InvoiceDraft,
		EntryIDs:  entries,
	}
}

// =============================================================================
// ENTRY ORDERING
// =============================================================================

func TestMemory_EntriesByAccount_DateThenInsertionOrder(t *testing.T) {
	// GIVEN: Entries inserted out of date order, two sharing a date
	// WHEN: The account ledger is read
	// THEN: Date order first, insertion order breaks the tie

	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.PutEntry(ctx, testEntry("e-late", "m-1", day(5), "10")))
	require.NoError(t, mem.PutEntry(ctx, testEntry("e-first", "m-1", day(2), "20")))
	require.NoError(t, mem.PutEntry(ctx, testEntry("e-second", "m-1", day(2), "30")))

	entries, err := mem.EntriesByAccount(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, billing.EntryID("e-first"), entries[0].ID)
	assert.Equal(t, billing.EntryID("e-second"), entries[1].ID)
	assert.Equal(t, billing.EntryID("e-late"), entries[2].ID)
}

func TestMemory_PutEntry_QuantizesAmount(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	e := testEntry("e-1", "m-1", day(1), "0")
	e.Amount = decimal.RequireFromString("50.8333333")
	require.NoError(t, mem.PutEntry(ctx, e))

	stored, err := mem.Entry(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "50.83", stored.Amount.StringFixed(2))
}

func TestMemory_PutEntry_UpdatePreservesInsertionOrder(t *testing.T) {
	// GIVEN: Two same-day entries
	// WHEN: The first one's description is updated
	// THEN: It keeps its position in the ledger

	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10")))
	require.NoError(t, mem.PutEntry(ctx, testEntry("e-2", "m-1", day(1), "20")))

	updated := testEntry("e-1", "m-1", day(1), "15")
	updated.Description = "corrected"
	require.NoError(t, mem.PutEntry(ctx, updated))

	entries, err := mem.EntriesByAccount(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, billing.EntryID("e-1"), entries[0].ID)
	assert.Equal(t, "corrected", entries[0].Description)
}

func TestMemory_StoredEntriesAreIsolatedCopies(t *testing.T) {
	// GIVEN: An entry stored, then mutated by the caller
	// WHEN: The entry is read back
	// THEN: The caller's mutation is not visible

	mem := store.NewMemory()
	ctx := context.Background()

	e := testEntry("e-1", "m-1", day(1), "10")
	require.NoError(t, mem.PutEntry(ctx, e))
	e.Description = "mutated after store"

	stored, err := mem.Entry(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "entry e-1", stored.Description)
}

// =============================================================================
// INVOICE BINDING GUARDS
// =============================================================================

func bindEntryToInvoice(t *testing.T, mem *store.Memory, entryID, invoiceID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.PutInvoice(ctx, draftInvoice(invoiceID, "m-1")))
	require.NoError(t, mem.AttachEntry(ctx, billing.InvoiceID(invoiceID), billing.EntryID(entryID)))
}

func TestMemory_DeleteEntry_BlockedWhenInvoiced(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10")))
	bindEntryToInvoice(t, mem, "e-1", "inv-1")

	err := mem.DeleteEntry(ctx, "e-1")
	assert.ErrorIs(t, err, billing.ErrEntryInvoiced)

	// Unbound entries delete fine
	require.NoError(t, mem.PutEntry(ctx, testEntry("e-2", "m-1", day(2), "10")))
	assert.NoError(t, mem.DeleteEntry(ctx, "e-2"))
}

func TestMemory_PutEntry_AmountFrozenOnceSent(t *testing.T) {
	// GIVEN: An entry on a sent invoice
	// WHEN: Its amount is changed
	// THEN: The write is rejected; a description-only update passes

	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10")))
	bindEntryToInvoice(t, mem, "e-1", "inv-1")
	require.NoError(t, mem.SetInvoiceStatus(ctx, "inv-1", billing.InvoiceSent))

	err := mem.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "99"))
	assert.ErrorIs(t, err, billing.ErrEntryInvoiced)

	sameAmount := testEntry("e-1", "m-1", day(1), "10")
	sameAmount.Description = "clarified"
	assert.NoError(t, mem.PutEntry(ctx, sameAmount))
}

func TestMemory_PutEntry_AmountMutableWhileDraft(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10")))
	bindEntryToInvoice(t, mem, "e-1", "inv-1")

	assert.NoError(t, mem.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "99")))
}

// =============================================================================
// ATTACHMENT GUARDS
// =============================================================================

func TestMemory_AttachEntry_Guards(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10")))
	require.NoError(t, mem.PutInvoice(ctx, draftInvoice("inv-1", "m-1")))

	// Missing records
	assert.ErrorIs(t, mem.AttachEntry(ctx, "inv-missing", "e-1"), billing.ErrInvoiceNotFound)
	assert.ErrorIs(t, mem.AttachEntry(ctx, "inv-1", "e-missing"), billing.ErrEntryNotFound)

	// First attach succeeds and is idempotent
	require.NoError(t, mem.AttachEntry(ctx, "inv-1", "e-1"))
	require.NoError(t, mem.AttachEntry(ctx, "inv-1", "e-1"))
	inv, err := mem.Invoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Len(t, inv.EntryIDs, 1)

	// Double-billing across invoices is rejected
	require.NoError(t, mem.PutInvoice(ctx, draftInvoice("inv-2", "m-1")))
	assert.ErrorIs(t, mem.AttachEntry(ctx, "inv-2", "e-1"), billing.ErrEntryAlreadyInvoiced)
}

func TestMemory_AttachEntry_CancelledInvoiceRejected(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10")))
	require.NoError(t, mem.PutInvoice(ctx, draftInvoice("inv-1", "m-1")))
	require.NoError(t, mem.SetInvoiceStatus(ctx, "inv-1", billing.InvoiceCancelled))

	assert.ErrorIs(t, mem.AttachEntry(ctx, "inv-1", "e-1"), billing.ErrCancelledInvoice)
}

func TestMemory_AttachEntry_ReusableAfterCancellation(t *testing.T) {
	// GIVEN: An entry on a cancelled invoice
	// WHEN: A new invoice claims it
	// THEN: The claim succeeds; cancellation releases the entry

	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10")))
	bindEntryToInvoice(t, mem, "e-1", "inv-1")
	require.NoError(t, mem.SetInvoiceStatus(ctx, "inv-1", billing.InvoiceCancelled))

	require.NoError(t, mem.PutInvoice(ctx, draftInvoice("inv-2", "m-1")))
	assert.NoError(t, mem.AttachEntry(ctx, "inv-2", "e-1"))
}

// =============================================================================
// INVOICE STATUS
// =============================================================================

func TestMemory_SetInvoiceStatus_Transitions(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10")))
	bindEntryToInvoice(t, mem, "e-1", "inv-1")

	// draft -> paid is illegal, draft -> sent -> paid is the happy path
	assert.ErrorIs(t, mem.SetInvoiceStatus(ctx, "inv-1", billing.InvoicePaid), billing.ErrInvalidTransition)
	require.NoError(t, mem.SetInvoiceStatus(ctx, "inv-1", billing.InvoiceSent))
	require.NoError(t, mem.SetInvoiceStatus(ctx, "inv-1", billing.InvoicePaid))

	inv, err := mem.Invoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, inv.Status)
	assert.NotNil(t, inv.SentAt)
}

func TestMemory_DeleteDraftInvoices_ReleasesEntries(t *testing.T) {
	// GIVEN: A draft and a sent invoice
	// WHEN: Drafts are deleted
	// THEN: Only the draft goes, its entry becomes attachable again

	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, mem.PutEntry(ctx, testEntry("e-draft", "m-1", day(1), "10")))
	require.NoError(t, mem.PutEntry(ctx, testEntry("e-sent", "m-1", day(2), "20")))
	bindEntryToInvoice(t, mem, "e-draft", "inv-draft")
	bindEntryToInvoice(t, mem, "e-sent", "inv-sent")
	require.NoError(t, mem.SetInvoiceStatus(ctx, "inv-sent", billing.InvoiceSent))

	n, err := mem.DeleteDraftInvoices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = mem.Invoice(ctx, "inv-draft")
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
	_, err = mem.Invoice(ctx, "inv-sent")
	assert.NoError(t, err)

	require.NoError(t, mem.PutInvoice(ctx, draftInvoice("inv-new", "m-1")))
	assert.NoError(t, mem.AttachEntry(ctx, "inv-new", "e-draft"))
}

// =============================================================================
// CAP ACCOUNTING
// =============================================================================

func TestMemory_CapTotal_ScopedByTagAccountAndYear(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	tag := billing.CapTag("equipment")

	tagged := func(id, account string, date time.Time, amount string) *billing.LedgerEntry {
		e := testEntry(id, account, date, amount)
		e.AddTag(tag)
		return e
	}

	require.NoError(t, mem.PutEntry(ctx, tagged("e-1", "m-1", day(1), "40")))
	require.NoError(t, mem.PutEntry(ctx, tagged("e-2", "m-1", day(2), "20")))
	// Different tag, account and year must all stay out of the total
	require.NoError(t, mem.PutEntry(ctx, testEntry("e-other-tag", "m-1", day(3), "100")))
	require.NoError(t, mem.PutEntry(ctx, tagged("e-other-account", "m-2", day(3), "100")))
	require.NoError(t, mem.PutEntry(ctx, tagged("e-last-year", "m-1",
		time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC), "100")))

	total, err := mem.CapTotal(ctx, "m-1", tag, 2025)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("60")), "got %s", total)

	lastYear, err := mem.CapTotal(ctx, "m-1", tag, 2024)
	require.NoError(t, err)
	assert.True(t, lastYear.Equal(decimal.RequireFromString("100")))
}

func TestMemory_CapTotal_YearBucketsByUTC(t *testing.T) {
	// GIVEN: A tagged entry dated in the first local hours of the new
	//        year, which is still the old year in UTC
	// WHEN: Cap totals are read for both years
	// THEN: The entry counts toward the UTC year

	mem := store.NewMemory()
	ctx := context.Background()
	tag := billing.CapTag("equipment")

	eet := time.FixedZone("EET", 3*60*60)
	e := testEntry("e-1", "m-1", time.Date(2025, time.January, 1, 0, 30, 0, 0, eet), "40")
	e.AddTag(tag)
	require.NoError(t, mem.PutEntry(ctx, e))

	total2024, err := mem.CapTotal(ctx, "m-1", tag, 2024)
	require.NoError(t, err)
	assert.True(t, total2024.Equal(decimal.RequireFromString("40")), "got %s", total2024)

	total2025, err := mem.CapTotal(ctx, "m-1", tag, 2025)
	require.NoError(t, err)
	assert.True(t, total2025.IsZero())
}

func TestMemory_CapTotal_FollowsEntryUpdates(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	tag := billing.CapTag("equipment")

	e := testEntry("e-1", "m-1", day(1), "40")
	e.AddTag(tag)
	require.NoError(t, mem.PutEntry(ctx, e))

	// Re-store without the tag: the accumulator must forget it
	require.NoError(t, mem.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "40")))

	total, err := mem.CapTotal(ctx, "m-1", tag, 2025)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

// =============================================================================
// EVENTS
// =============================================================================

func TestMemory_UnbilledEvents(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	billed := &billing.Event{ID: "ev-billed", Kind: billing.EventFlight, AccountID: "m-1", Date: day(1)}
	open := &billing.Event{ID: "ev-open", Kind: billing.EventFlight, AccountID: "m-1", Date: day(2)}
	require.NoError(t, mem.PutEvent(ctx, billed))
	require.NoError(t, mem.PutEvent(ctx, open))

	e := testEntry("e-1", "m-1", day(1), "10")
	e.EventID = "ev-billed"
	require.NoError(t, mem.PutEntry(ctx, e))

	events, err := mem.UnbilledEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, billing.EventID("ev-open"), events[0].ID)

	has, err := mem.EventHasEntries(ctx, "ev-billed")
	require.NoError(t, err)
	assert.True(t, has)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestTxMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A unit of work that writes then fails
	// WHEN: WithTx returns the error
	// THEN: Nothing the unit wrote is visible

	mem := store.NewTxMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := mem.WithTx(ctx, func(s billing.Store) error {
		if err := s.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := mem.EntriesByAccount(ctx, "m-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTxMemory_WithTx_CommitsOnSuccess(t *testing.T) {
	mem := store.NewTxMemory()
	ctx := context.Background()

	err := mem.WithTx(ctx, func(s billing.Store) error {
		return s.PutEntry(ctx, testEntry("e-1", "m-1", day(1), "10"))
	})
	require.NoError(t, err)

	entries, err := mem.EntriesByAccount(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTxMemory_WithTx_ReadsSeeUncommittedWrites(t *testing.T) {
	// Cap accounting depends on read-your-writes inside a unit of work

	mem := store.NewTxMemory()
	ctx := context.Background()
	tag := billing.CapTag("equipment")

	err := mem.WithTx(ctx, func(s billing.Store) error {
		e := testEntry("e-1", "m-1", day(1), "40")
		e.AddTag(tag)
		if err := s.PutEntry(ctx, e); err != nil {
			return err
		}
		total, err := s.CapTotal(ctx, "m-1", tag, 2025)
		if err != nil {
			return err
		}
		assert.True(t, total.Equal(decimal.RequireFromString("40")))
		return nil
	})
	require.NoError(t, err)
}
