// Package store provides the in-memory billing.TxStore implementation
// (for testing/dev). The production implementation lives in store/sqlite.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	accounts map[billing.AccountID]*billing.Account
	events   map[billing.EventID]*billing.Event
	entries  map[billing.EntryID]*billing.LedgerEntry
	invoices map[billing.InvoiceID]*billing.Invoice

	// byAccount holds entry ids sorted by (date, seq); this is the
	// balance replay order.
	byAccount map[billing.AccountID][]billing.EntryID

	// capIndex mirrors entry tags of the form "cap:<id>" so that cap
	// accumulators sum an indexed set, not the whole ledger.
	capIndex map[capKey]map[billing.EntryID]bool

	// entryInvoices records every invoice an entry has been attached
	// to, including cancelled ones.
	entryInvoices map[billing.EntryID][]billing.InvoiceID

	seq int64
}

type capKey struct {
	AccountID billing.AccountID
	Tag       string
	Year      int
}

func NewMemory() *Memory {
	return &Memory{
		accounts:      make(map[billing.AccountID]*billing.Account),
		events:        make(map[billing.EventID]*billing.Event),
		entries:       make(map[billing.EntryID]*billing.LedgerEntry),
		invoices:      make(map[billing.InvoiceID]*billing.Invoice),
		byAccount:     make(map[billing.AccountID][]billing.EntryID),
		capIndex:      make(map[capKey]map[billing.EntryID]bool),
		entryInvoices: make(map[billing.EntryID][]billing.InvoiceID),
	}
}

// =============================================================================
// ENTRIES
// =============================================================================

func (m *Memory) PutEntry(_ context.Context, e *billing.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putEntryLocked(e)
}

func (m *Memory) putEntryLocked(e *billing.LedgerEntry) error {
	if e.ID == "" {
		return fmt.Errorf("entry has no id")
	}
	stored := cloneEntry(e)
	stored.Amount = billing.Quantize(stored.Amount)

	if prev, ok := m.entries[e.ID]; ok {
		if !prev.Amount.Equal(stored.Amount) && m.amountFrozenLocked(e.ID) {
			return fmt.Errorf("entry %s: %w", e.ID, billing.ErrEntryInvoiced)
		}
		stored.Seq = prev.Seq
		stored.CreatedAt = prev.CreatedAt
		m.removeFromIndexesLocked(prev)
	} else {
		m.seq++
		stored.Seq = m.seq
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now()
		}
	}

	m.entries[stored.ID] = stored
	m.insertOrderedLocked(stored)
	for _, tag := range stored.Tags {
		k := capKey{AccountID: stored.AccountID, Tag: tag, Year: stored.Date.UTC().Year()}
		if m.capIndex[k] == nil {
			m.capIndex[k] = make(map[billing.EntryID]bool)
		}
		m.capIndex[k][stored.ID] = true
	}

	// Write back the assigned order so callers see it.
	e.Seq = stored.Seq
	e.Amount = stored.Amount
	return nil
}

// amountFrozenLocked reports whether the entry is bound to a non-draft,
// non-cancelled invoice, which freezes its amount.
func (m *Memory) amountFrozenLocked(id billing.EntryID) bool {
	for _, invID := range m.entryInvoices[id] {
		inv := m.invoices[invID]
		if inv == nil {
			continue
		}
		if inv.Status == billing.InvoiceSent || inv.Status == billing.InvoicePaid {
			return true
		}
	}
	return false
}

func (m *Memory) insertOrderedLocked(e *billing.LedgerEntry) {
	ids := m.byAccount[e.AccountID]
	i := sort.Search(len(ids), func(i int) bool {
		other := m.entries[ids[i]]
		if !other.Date.Equal(e.Date) {
			return other.Date.After(e.Date)
		}
		return other.Seq > e.Seq
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = e.ID
	m.byAccount[e.AccountID] = ids
}

func (m *Memory) removeFromIndexesLocked(e *billing.LedgerEntry) {
	ids := m.byAccount[e.AccountID]
	for i, id := range ids {
		if id == e.ID {
			m.byAccount[e.AccountID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	for _, tag := range e.Tags {
		k := capKey{AccountID: e.AccountID, Tag: tag, Year: e.Date.UTC().Year()}
		delete(m.capIndex[k], e.ID)
	}
}

func (m *Memory) Entry(_ context.Context, id billing.EntryID) (*billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entryLocked(id)
}

func (m *Memory) entryLocked(id billing.EntryID) (*billing.LedgerEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, billing.ErrEntryNotFound)
	}
	return cloneEntry(e), nil
}

func (m *Memory) DeleteEntry(_ context.Context, id billing.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteEntryLocked(id)
}

func (m *Memory) deleteEntryLocked(id billing.EntryID) error {
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("entry %s: %w", id, billing.ErrEntryNotFound)
	}
	if len(m.entryInvoices[id]) > 0 {
		return fmt.Errorf("entry %s: %w", id, billing.ErrEntryInvoiced)
	}
	m.removeFromIndexesLocked(e)
	delete(m.entries, id)
	return nil
}

func (m *Memory) EntriesByAccount(_ context.Context, accountID billing.AccountID) ([]*billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesByAccountLocked(accountID)
}

func (m *Memory) entriesByAccountLocked(accountID billing.AccountID) ([]*billing.LedgerEntry, error) {
	ids := m.byAccount[accountID]
	result := make([]*billing.LedgerEntry, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneEntry(m.entries[id]))
	}
	return result, nil
}

func (m *Memory) EntriesByEvent(_ context.Context, eventID billing.EventID) ([]*billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesByEventLocked(eventID)
}

func (m *Memory) entriesByEventLocked(eventID billing.EventID) ([]*billing.LedgerEntry, error) {
	var result []*billing.LedgerEntry
	for _, e := range m.entries {
		if e.EventID == eventID {
			result = append(result, cloneEntry(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

func (m *Memory) EventHasEntries(_ context.Context, eventID billing.EventID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventHasEntriesLocked(eventID)
}

func (m *Memory) eventHasEntriesLocked(eventID billing.EventID) (bool, error) {
	for _, e := range m.entries {
		if e.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CapTotal(_ context.Context, accountID billing.AccountID, tag string, year int) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capTotalLocked(accountID, tag, year)
}

func (m *Memory) capTotalLocked(accountID billing.AccountID, tag string, year int) (decimal.Decimal, error) {
	total := decimal.Zero
	for id := range m.capIndex[capKey{AccountID: accountID, Tag: tag, Year: year}] {
		total = total.Add(m.entries[id].Amount)
	}
	return total, nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) PutAccount(_ context.Context, a *billing.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putAccountLocked(a)
}

func (m *Memory) putAccountLocked(a *billing.Account) error {
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.accounts[a.ID] = &cp
	return nil
}

func (m *Memory) Account(_ context.Context, id billing.AccountID) (*billing.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountLocked(id)
}

func (m *Memory) accountLocked(id billing.AccountID) (*billing.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, billing.ErrAccountNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) Accounts(_ context.Context) ([]*billing.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountsLocked()
}

func (m *Memory) accountsLocked() ([]*billing.Account, error) {
	result := make([]*billing.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (m *Memory) PutEvent(_ context.Context, ev *billing.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putEventLocked(ev)
}

func (m *Memory) putEventLocked(ev *billing.Event) error {
	cp := *ev
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.events[ev.ID] = &cp
	return nil
}

func (m *Memory) Event(_ context.Context, id billing.EventID) (*billing.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventLocked(id)
}

func (m *Memory) eventLocked(id billing.EventID) (*billing.Event, error) {
	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, billing.ErrEventNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) UnbilledEvents(_ context.Context) ([]*billing.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unbilledEventsLocked()
}

func (m *Memory) unbilledEventsLocked() ([]*billing.Event, error) {
	billed := make(map[billing.EventID]bool)
	for _, e := range m.entries {
		if e.EventID != "" {
			billed[e.EventID] = true
		}
	}
	var result []*billing.Event
	for _, ev := range m.events {
		if !billed[ev.ID] {
			cp := *ev
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.ID < b.ID
	})
	return result, nil
}

func (m *Memory) SetRefundEntry(_ context.Context, eventID billing.EventID, entryID billing.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setRefundEntryLocked(eventID, entryID)
}

func (m *Memory) setRefundEntryLocked(eventID billing.EventID, entryID billing.EntryID) error {
	ev, ok := m.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, billing.ErrEventNotFound)
	}
	ev.RefundEntryID = entryID
	return nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (m *Memory) PutInvoice(_ context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putInvoiceLocked(inv)
}

func (m *Memory) putInvoiceLocked(inv *billing.Invoice) error {
	m.invoices[inv.ID] = cloneInvoice(inv)
	return nil
}

func (m *Memory) Invoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.invoiceLocked(id)
}

func (m *Memory) invoiceLocked(id billing.InvoiceID) (*billing.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, billing.ErrInvoiceNotFound)
	}
	return cloneInvoice(inv), nil
}

func (m *Memory) InvoicesByAccount(_ context.Context, accountID billing.AccountID) ([]*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.invoicesByAccountLocked(accountID)
}

func (m *Memory) invoicesByAccountLocked(accountID billing.AccountID) ([]*billing.Invoice, error) {
	var result []*billing.Invoice
	for _, inv := range m.invoices {
		if inv.AccountID == accountID {
			result = append(result, cloneInvoice(inv))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Number < result[j].Number
	})
	return result, nil
}

func (m *Memory) AttachEntry(_ context.Context, invoiceID billing.InvoiceID, entryID billing.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attachEntryLocked(invoiceID, entryID)
}

func (m *Memory) attachEntryLocked(invoiceID billing.InvoiceID, entryID billing.EntryID) error {
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return fmt.Errorf("invoice %s: %w", invoiceID, billing.ErrInvoiceNotFound)
	}
	if inv.Status == billing.InvoiceCancelled {
		return fmt.Errorf("invoice %s: %w", inv.Number, billing.ErrCancelledInvoice)
	}
	if _, ok := m.entries[entryID]; !ok {
		return fmt.Errorf("entry %s: %w", entryID, billing.ErrEntryNotFound)
	}
	for _, otherID := range m.entryInvoices[entryID] {
		if otherID == invoiceID {
			return nil
		}
		other := m.invoices[otherID]
		if other != nil && other.Status != billing.InvoiceCancelled {
			return fmt.Errorf("entry %s: %w", entryID, billing.ErrEntryAlreadyInvoiced)
		}
	}
	inv.EntryIDs = append(inv.EntryIDs, entryID)
	m.entryInvoices[entryID] = append(m.entryInvoices[entryID], invoiceID)
	return nil
}

func (m *Memory) SetInvoiceStatus(_ context.Context, id billing.InvoiceID, status billing.InvoiceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setInvoiceStatusLocked(id, status)
}

func (m *Memory) setInvoiceStatusLocked(id billing.InvoiceID, status billing.InvoiceStatus) error {
	inv, ok := m.invoices[id]
	if !ok {
		return fmt.Errorf("invoice %s: %w", id, billing.ErrInvoiceNotFound)
	}
	switch status {
	case billing.InvoiceSent:
		return inv.MarkSent(time.Now())
	case billing.InvoicePaid:
		return inv.MarkPaid()
	case billing.InvoiceCancelled:
		return inv.MarkCancelled()
	default:
		return fmt.Errorf("invoice %s to %s: %w", inv.Number, status, billing.ErrInvalidTransition)
	}
}

func (m *Memory) DeleteDraftInvoices(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteDraftInvoicesLocked()
}

func (m *Memory) deleteDraftInvoicesLocked() (int, error) {
	n := 0
	for id, inv := range m.invoices {
		if inv.Status != billing.InvoiceDraft {
			continue
		}
		for _, entryID := range inv.EntryIDs {
			refs := m.entryInvoices[entryID]
			for i, ref := range refs {
				if ref == id {
					refs = append(refs[:i], refs[i+1:]...)
					break
				}
			}
			if len(refs) == 0 {
				delete(m.entryInvoices, entryID)
			} else {
				m.entryInvoices[entryID] = refs
			}
		}
		delete(m.invoices, id)
		n++
	}
	return n, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with unit-of-work support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction. For the memory store this
// is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}
	if err := fn(view); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts      map[billing.AccountID]*billing.Account
	events        map[billing.EventID]*billing.Event
	entries       map[billing.EntryID]*billing.LedgerEntry
	invoices      map[billing.InvoiceID]*billing.Invoice
	byAccount     map[billing.AccountID][]billing.EntryID
	capIndex      map[capKey]map[billing.EntryID]bool
	entryInvoices map[billing.EntryID][]billing.InvoiceID
	seq           int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:      make(map[billing.AccountID]*billing.Account, len(tm.accounts)),
		events:        make(map[billing.EventID]*billing.Event, len(tm.events)),
		entries:       make(map[billing.EntryID]*billing.LedgerEntry, len(tm.entries)),
		invoices:      make(map[billing.InvoiceID]*billing.Invoice, len(tm.invoices)),
		byAccount:     make(map[billing.AccountID][]billing.EntryID, len(tm.byAccount)),
		capIndex:      make(map[capKey]map[billing.EntryID]bool, len(tm.capIndex)),
		entryInvoices: make(map[billing.EntryID][]billing.InvoiceID, len(tm.entryInvoices)),
		seq:           tm.seq,
	}
	for k, v := range tm.accounts {
		cp := *v
		s.accounts[k] = &cp
	}
	for k, v := range tm.events {
		cp := *v
		s.events[k] = &cp
	}
	for k, v := range tm.entries {
		s.entries[k] = cloneEntry(v)
	}
	for k, v := range tm.invoices {
		s.invoices[k] = cloneInvoice(v)
	}
	for k, v := range tm.byAccount {
		s.byAccount[k] = append([]billing.EntryID(nil), v...)
	}
	for k, v := range tm.capIndex {
		set := make(map[billing.EntryID]bool, len(v))
		for id := range v {
			set[id] = true
		}
		s.capIndex[k] = set
	}
	for k, v := range tm.entryInvoices {
		s.entryInvoices[k] = append([]billing.InvoiceID(nil), v...)
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.accounts = s.accounts
	tm.events = s.events
	tm.entries = s.entries
	tm.invoices = s.invoices
	tm.byAccount = s.byAccount
	tm.capIndex = s.capIndex
	tm.entryInvoices = s.entryInvoices
	tm.seq = s.seq
}

// txMemoryView is the store handed to WithTx callbacks. The parent's
// lock is already held, so it delegates to the locked internals.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) PutEntry(_ context.Context, e *billing.LedgerEntry) error {
	return tv.parent.putEntryLocked(e)
}

func (tv *txMemoryView) Entry(_ context.Context, id billing.EntryID) (*billing.LedgerEntry, error) {
	return tv.parent.entryLocked(id)
}

func (tv *txMemoryView) DeleteEntry(_ context.Context, id billing.EntryID) error {
	return tv.parent.deleteEntryLocked(id)
}

func (tv *txMemoryView) EntriesByAccount(_ context.Context, accountID billing.AccountID) ([]*billing.LedgerEntry, error) {
	return tv.parent.entriesByAccountLocked(accountID)
}

func (tv *txMemoryView) EntriesByEvent(_ context.Context, eventID billing.EventID) ([]*billing.LedgerEntry, error) {
	return tv.parent.entriesByEventLocked(eventID)
}

func (tv *txMemoryView) EventHasEntries(_ context.Context, eventID billing.EventID) (bool, error) {
	return tv.parent.eventHasEntriesLocked(eventID)
}

func (tv *txMemoryView) CapTotal(_ context.Context, accountID billing.AccountID, tag string, year int) (decimal.Decimal, error) {
	return tv.parent.capTotalLocked(accountID, tag, year)
}

func (tv *txMemoryView) PutAccount(_ context.Context, a *billing.Account) error {
	return tv.parent.putAccountLocked(a)
}

func (tv *txMemoryView) Account(_ context.Context, id billing.AccountID) (*billing.Account, error) {
	return tv.parent.accountLocked(id)
}

func (tv *txMemoryView) Accounts(_ context.Context) ([]*billing.Account, error) {
	return tv.parent.accountsLocked()
}

func (tv *txMemoryView) PutEvent(_ context.Context, ev *billing.Event) error {
	return tv.parent.putEventLocked(ev)
}

func (tv *txMemoryView) Event(_ context.Context, id billing.EventID) (*billing.Event, error) {
	return tv.parent.eventLocked(id)
}

func (tv *txMemoryView) UnbilledEvents(_ context.Context) ([]*billing.Event, error) {
	return tv.parent.unbilledEventsLocked()
}

func (tv *txMemoryView) SetRefundEntry(_ context.Context, eventID billing.EventID, entryID billing.EntryID) error {
	return tv.parent.setRefundEntryLocked(eventID, entryID)
}

func (tv *txMemoryView) PutInvoice(_ context.Context, inv *billing.Invoice) error {
	return tv.parent.putInvoiceLocked(inv)
}

func (tv *txMemoryView) Invoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return tv.parent.invoiceLocked(id)
}

func (tv *txMemoryView) InvoicesByAccount(_ context.Context, accountID billing.AccountID) ([]*billing.Invoice, error) {
	return tv.parent.invoicesByAccountLocked(accountID)
}

func (tv *txMemoryView) AttachEntry(_ context.Context, invoiceID billing.InvoiceID, entryID billing.EntryID) error {
	return tv.parent.attachEntryLocked(invoiceID, entryID)
}

func (tv *txMemoryView) SetInvoiceStatus(_ context.Context, id billing.InvoiceID, status billing.InvoiceStatus) error {
	return tv.parent.setInvoiceStatusLocked(id, status)
}

func (tv *txMemoryView) DeleteDraftInvoices(_ context.Context) (int, error) {
	return tv.parent.deleteDraftInvoicesLocked()
}

// =============================================================================
// CLONING - Stored records never alias caller-held pointers
// =============================================================================

func cloneEntry(e *billing.LedgerEntry) *billing.LedgerEntry {
	cp := *e
	cp.Tags = append([]string(nil), e.Tags...)
	return &cp
}

func cloneInvoice(inv *billing.Invoice) *billing.Invoice {
	cp := *inv
	cp.EntryIDs = append([]billing.EntryID(nil), inv.EntryIDs...)
	if inv.SentAt != nil {
		at := *inv.SentAt
		cp.SentAt = &at
	}
	return &cp
}
