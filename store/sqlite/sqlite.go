/*
Package sqlite provides the SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Production persistence for the billing engine. The in-memory store
  (billing/store) mirrors the same contracts for tests.

MONEY REPRESENTATION:
  Monetary amounts are stored as INTEGER cents, never REAL. SUM() over
  integer cents is exact, which matters for cap accumulators and
  balance checks. Conversion is decimal <-> cents at the boundary.

KEY TABLES:
  accounts:        Billable members/accounts
  events:          Imported operations events (flights, charges)
  entries:         The ledger; ordered by (date, rowid) per account
  entry_tags:      Tag index; cap accounting queries "cap:<id>" tags
  invoices:        Invoice headers; totals are always derived
  invoice_entries: Invoice-to-entry associations (incl. cancelled)

INDEXES:
  - idx_entries_account_date: balance replay (hot path)
  - idx_entries_event: event idempotence checks
  - idx_entry_tags_value: cap accumulator lookups

CONCURRENCY:
  Uses sync.RWMutex for thread-safety plus WAL mode. WithTx wraps a
  database transaction; the callback's store view writes through the
  same *sql.Tx, so a rule's cap accumulator reads see entries written
  earlier in the same unit of work.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal().Err(err).Msg("open store")
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: interface definitions and contracts
  - billing/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		reference_id TEXT,
		account_id TEXT,
		date TEXT NOT NULL,
		aircraft TEXT,
		duration_min TEXT NOT NULL DEFAULT '0',
		purpose TEXT,
		transfer_tow BOOLEAN DEFAULT FALSE,
		surcharge_reason TEXT,
		captain TEXT,
		passengers TEXT,
		notes TEXT,
		amount_cents INTEGER NOT NULL DEFAULT 0,
		refund_entry_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_account_date
		ON events(account_id, date);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		date TEXT NOT NULL,
		description TEXT,
		amount_cents INTEGER NOT NULL,
		additive BOOLEAN NOT NULL DEFAULT TRUE,
		event_id TEXT,
		ledger_account TEXT,
		visible BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- Balance replay (hot path): per-account entries in ledger order
	CREATE INDEX IF NOT EXISTS idx_entries_account_date
		ON entries(account_id, date);
	CREATE INDEX IF NOT EXISTS idx_entries_event
		ON entries(event_id) WHERE event_id IS NOT NULL AND event_id != '';

	CREATE TABLE IF NOT EXISTS entry_tags (
		entry_id TEXT NOT NULL,
		value TEXT NOT NULL,
		UNIQUE(entry_id, value)
	);

	-- Cap accumulator lookups sum over (account, tag, year)
	CREATE INDEX IF NOT EXISTS idx_entry_tags_value
		ON entry_tags(value);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		account_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		due_date TEXT,
		sent_at TEXT,
		status TEXT NOT NULL DEFAULT 'draft',
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_account
		ON invoices(account_id);
	CREATE INDEX IF NOT EXISTS idx_invoices_status
		ON invoices(status);

	CREATE TABLE IF NOT EXISTS invoice_entries (
		invoice_id TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		UNIQUE(invoice_id, entry_id)
	);

	CREATE INDEX IF NOT EXISTS idx_invoice_entries_entry
		ON invoice_entries(entry_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx, so every query runs
// unchanged inside or outside a unit of work.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries carries the actual SQL against a dbtx.
type queries struct {
	db dbtx
}

// =============================================================================
// ENTRIES
// =============================================================================

func (s *Store) PutEntry(ctx context.Context, e *billing.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.putEntry(ctx, e)
}

func (q queries) putEntry(ctx context.Context, e *billing.LedgerEntry) error {
	if e.ID == "" {
		return fmt.Errorf("entry has no id")
	}
	e.Amount = billing.Quantize(e.Amount)
	cents := toCents(e.Amount)

	var prevCents int64
	err := q.db.QueryRowContext(ctx,
		"SELECT amount_cents FROM entries WHERE id = ?", e.ID,
	).Scan(&prevCents)
	switch {
	case err == sql.ErrNoRows:
		// insert below
	case err != nil:
		return fmt.Errorf("failed to read entry: %w", err)
	default:
		if prevCents != cents {
			frozen, err := q.amountFrozen(ctx, e.ID)
			if err != nil {
				return err
			}
			if frozen {
				return fmt.Errorf("entry %s: %w", e.ID, billing.ErrEntryInvoiced)
			}
		}
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO entries
		(id, account_id, date, description, amount_cents, additive, event_id, ledger_account, visible, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			date = excluded.date,
			description = excluded.description,
			amount_cents = excluded.amount_cents,
			additive = excluded.additive,
			event_id = excluded.event_id,
			ledger_account = excluded.ledger_account,
			visible = excluded.visible
	`,
		e.ID, e.AccountID, e.Date.UTC().Format(time.RFC3339), e.Description,
		cents, e.Additive, string(e.EventID), e.LedgerAccount, e.Visible,
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to put entry: %w", err)
	}

	if _, err := q.db.ExecContext(ctx, "DELETE FROM entry_tags WHERE entry_id = ?", e.ID); err != nil {
		return fmt.Errorf("failed to reset entry tags: %w", err)
	}
	for _, tag := range e.Tags {
		if _, err := q.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO entry_tags (entry_id, value) VALUES (?, ?)", e.ID, tag,
		); err != nil {
			return fmt.Errorf("failed to tag entry: %w", err)
		}
	}

	return q.db.QueryRowContext(ctx,
		"SELECT rowid FROM entries WHERE id = ?", e.ID,
	).Scan(&e.Seq)
}

// amountFrozen reports whether the entry is bound to a sent or paid
// invoice, which freezes its amount.
func (q queries) amountFrozen(ctx context.Context, id billing.EntryID) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM invoice_entries ie
		JOIN invoices i ON i.id = ie.invoice_id
		WHERE ie.entry_id = ? AND i.status IN ('sent', 'paid')
	`, id).Scan(&count)
	return count > 0, err
}

const entryColumns = `e.id, e.account_id, e.date, e.description, e.amount_cents,
	e.additive, e.event_id, e.ledger_account, e.visible, e.rowid, e.created_at`

func (s *Store) Entry(ctx context.Context, id billing.EntryID) (*billing.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.entry(ctx, id)
}

func (q queries) entry(ctx context.Context, id billing.EntryID) (*billing.LedgerEntry, error) {
	entries, err := q.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM entries e WHERE e.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("entry %s: %w", id, billing.ErrEntryNotFound)
	}
	return entries[0], nil
}

func (s *Store) DeleteEntry(ctx context.Context, id billing.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.deleteEntry(ctx, id)
}

func (q queries) deleteEntry(ctx context.Context, id billing.EntryID) error {
	var bound int
	if err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM invoice_entries WHERE entry_id = ?", id,
	).Scan(&bound); err != nil {
		return err
	}
	if bound > 0 {
		return fmt.Errorf("entry %s: %w", id, billing.ErrEntryInvoiced)
	}

	res, err := q.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("entry %s: %w", id, billing.ErrEntryNotFound)
	}
	_, err = q.db.ExecContext(ctx, "DELETE FROM entry_tags WHERE entry_id = ?", id)
	return err
}

func (s *Store) EntriesByAccount(ctx context.Context, accountID billing.AccountID) ([]*billing.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.entriesByAccount(ctx, accountID)
}

func (q queries) entriesByAccount(ctx context.Context, accountID billing.AccountID) ([]*billing.LedgerEntry, error) {
	// (date, rowid) is the balance replay order.
	return q.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM entries e
		WHERE e.account_id = ?
		ORDER BY e.date ASC, e.rowid ASC
	`, accountID)
}

func (s *Store) EntriesByEvent(ctx context.Context, eventID billing.EventID) ([]*billing.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.entriesByEvent(ctx, eventID)
}

func (q queries) entriesByEvent(ctx context.Context, eventID billing.EventID) ([]*billing.LedgerEntry, error) {
	return q.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM entries e
		WHERE e.event_id = ?
		ORDER BY e.date ASC, e.rowid ASC
	`, eventID)
}

func (s *Store) EventHasEntries(ctx context.Context, eventID billing.EventID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.eventHasEntries(ctx, eventID)
}

func (q queries) eventHasEntries(ctx context.Context, eventID billing.EventID) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE event_id = ?", eventID,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) CapTotal(ctx context.Context, accountID billing.AccountID, tag string, year int) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.capTotal(ctx, accountID, tag, year)
}

func (q queries) capTotal(ctx context.Context, accountID billing.AccountID, tag string, year int) (decimal.Decimal, error) {
	// Dates are RFC3339 text, so the leading 4 bytes are the year.
	var cents sql.NullInt64
	err := q.db.QueryRowContext(ctx, `
		SELECT SUM(e.amount_cents)
		FROM entries e
		JOIN entry_tags t ON t.entry_id = e.id
		WHERE e.account_id = ? AND t.value = ? AND substr(e.date, 1, 4) = ?
	`, accountID, tag, fmt.Sprintf("%04d", year)).Scan(&cents)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum cap total: %w", err)
	}
	return fromCents(cents.Int64), nil
}

func (q queries) queryEntries(ctx context.Context, query string, args ...any) ([]*billing.LedgerEntry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []*billing.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, e := range entries {
		if err := q.loadTags(ctx, e); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (*billing.LedgerEntry, error) {
	var (
		e           billing.LedgerEntry
		date        string
		cents       int64
		eventID     sql.NullString
		description sql.NullString
		ledgerAcct  sql.NullString
		createdAt   string
	)
	err := rows.Scan(
		&e.ID, &e.AccountID, &date, &description, &cents,
		&e.Additive, &eventID, &ledgerAcct, &e.Visible, &e.Seq, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.Date, _ = time.Parse(time.RFC3339, date)
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.Amount = fromCents(cents)
	e.Description = description.String
	e.EventID = billing.EventID(eventID.String)
	e.LedgerAccount = ledgerAcct.String
	return &e, nil
}

func (q queries) loadTags(ctx context.Context, e *billing.LedgerEntry) error {
	rows, err := q.db.QueryContext(ctx,
		"SELECT value FROM entry_tags WHERE entry_id = ? ORDER BY value", e.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return err
		}
		e.Tags = append(e.Tags, tag)
	}
	return rows.Err()
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) PutAccount(ctx context.Context, a *billing.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.putAccount(ctx, a)
}

func (q queries) putAccount(ctx context.Context, a *billing.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, a.ID, a.Name, a.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) Account(ctx context.Context, id billing.AccountID) (*billing.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.account(ctx, id)
}

func (q queries) account(ctx context.Context, id billing.AccountID) (*billing.Account, error) {
	var a billing.Account
	var createdAt string
	err := q.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM accounts WHERE id = ?", id,
	).Scan(&a.ID, &a.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", id, billing.ErrAccountNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

func (s *Store) Accounts(ctx context.Context) ([]*billing.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.listAccounts(ctx)
}

func (q queries) listAccounts(ctx context.Context) ([]*billing.Account, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, name, created_at FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*billing.Account
	for rows.Next() {
		var a billing.Account
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Name, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

// =============================================================================
// EVENTS
// =============================================================================

const eventColumns = `id, kind, reference_id, account_id, date, aircraft, duration_min,
	purpose, transfer_tow, surcharge_reason, captain, passengers, notes,
	amount_cents, refund_entry_id, created_at`

func (s *Store) PutEvent(ctx context.Context, ev *billing.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.putEvent(ctx, ev)
}

func (q queries) putEvent(ctx context.Context, ev *billing.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO events
		(`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			reference_id = excluded.reference_id,
			account_id = excluded.account_id,
			date = excluded.date,
			aircraft = excluded.aircraft,
			duration_min = excluded.duration_min,
			purpose = excluded.purpose,
			transfer_tow = excluded.transfer_tow,
			surcharge_reason = excluded.surcharge_reason,
			captain = excluded.captain,
			passengers = excluded.passengers,
			notes = excluded.notes,
			amount_cents = excluded.amount_cents,
			refund_entry_id = excluded.refund_entry_id
	`,
		ev.ID, ev.Kind, ev.ReferenceID, string(ev.AccountID),
		ev.Date.UTC().Format(time.RFC3339), ev.Aircraft, ev.Duration.String(),
		ev.Purpose, ev.TransferTow, ev.SurchargeReason, ev.Captain,
		ev.Passengers, ev.Notes, toCents(ev.Amount), string(ev.RefundEntryID),
		ev.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to put event: %w", err)
	}
	return nil
}

func (s *Store) Event(ctx context.Context, id billing.EventID) (*billing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.event(ctx, id)
}

func (q queries) event(ctx context.Context, id billing.EventID) (*billing.Event, error) {
	events, err := q.queryEvents(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("event %s: %w", id, billing.ErrEventNotFound)
	}
	return events[0], nil
}

func (s *Store) UnbilledEvents(ctx context.Context) ([]*billing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.unbilledEvents(ctx)
}

func (q queries) unbilledEvents(ctx context.Context) ([]*billing.Event, error) {
	return q.queryEvents(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE id NOT IN (SELECT event_id FROM entries WHERE event_id != '')
		ORDER BY account_id ASC, date ASC, id ASC
	`)
}

func (s *Store) SetRefundEntry(ctx context.Context, eventID billing.EventID, entryID billing.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.setRefundEntry(ctx, eventID, entryID)
}

func (q queries) setRefundEntry(ctx context.Context, eventID billing.EventID, entryID billing.EntryID) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE events SET refund_entry_id = ? WHERE id = ?", string(entryID), eventID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("event %s: %w", eventID, billing.ErrEventNotFound)
	}
	return nil
}

func (q queries) queryEvents(ctx context.Context, query string, args ...any) ([]*billing.Event, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*billing.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*billing.Event, error) {
	var (
		ev          billing.Event
		date        string
		duration    string
		cents       int64
		refID       sql.NullString
		accountID   sql.NullString
		aircraft    sql.NullString
		purpose     sql.NullString
		surcharge   sql.NullString
		captain     sql.NullString
		passengers  sql.NullString
		notes       sql.NullString
		refundEntry sql.NullString
		createdAt   string
	)
	err := rows.Scan(
		&ev.ID, &ev.Kind, &refID, &accountID, &date, &aircraft, &duration,
		&purpose, &ev.TransferTow, &surcharge, &captain, &passengers, &notes,
		&cents, &refundEntry, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	ev.Date, _ = time.Parse(time.RFC3339, date)
	ev.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	ev.Duration, err = decimal.NewFromString(duration)
	if err != nil {
		return nil, fmt.Errorf("failed to parse event duration %q: %w", duration, err)
	}
	ev.Amount = fromCents(cents)
	ev.ReferenceID = refID.String
	ev.AccountID = billing.AccountID(accountID.String)
	ev.Aircraft = aircraft.String
	ev.Purpose = purpose.String
	ev.SurchargeReason = surcharge.String
	ev.Captain = captain.String
	ev.Passengers = passengers.String
	ev.Notes = notes.String
	ev.RefundEntryID = billing.EntryID(refundEntry.String)
	return &ev, nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (s *Store) PutInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.putInvoice(ctx, inv)
}

func (q queries) putInvoice(ctx context.Context, inv *billing.Invoice) error {
	var sentAt *string
	if inv.SentAt != nil {
		t := inv.SentAt.UTC().Format(time.RFC3339)
		sentAt = &t
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO invoices (id, number, account_id, created_at, due_date, sent_at, status, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			due_date = excluded.due_date,
			sent_at = excluded.sent_at,
			status = excluded.status,
			notes = excluded.notes
	`,
		inv.ID, inv.Number, inv.AccountID,
		inv.CreatedAt.UTC().Format(time.RFC3339),
		inv.DueDate.UTC().Format(time.RFC3339),
		sentAt, inv.Status, inv.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to put invoice: %w", err)
	}
	return nil
}

func (s *Store) Invoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.invoice(ctx, id)
}

func (q queries) invoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	invoices, err := q.queryInvoices(ctx, `
		SELECT id, number, account_id, created_at, due_date, sent_at, status, notes
		FROM invoices WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, fmt.Errorf("invoice %s: %w", id, billing.ErrInvoiceNotFound)
	}
	return invoices[0], nil
}

func (s *Store) InvoicesByAccount(ctx context.Context, accountID billing.AccountID) ([]*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.invoicesByAccount(ctx, accountID)
}

func (q queries) invoicesByAccount(ctx context.Context, accountID billing.AccountID) ([]*billing.Invoice, error) {
	return q.queryInvoices(ctx, `
		SELECT id, number, account_id, created_at, due_date, sent_at, status, notes
		FROM invoices
		WHERE account_id = ?
		ORDER BY created_at ASC, number ASC
	`, accountID)
}

func (s *Store) AttachEntry(ctx context.Context, invoiceID billing.InvoiceID, entryID billing.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.attachEntry(ctx, invoiceID, entryID)
}

func (q queries) attachEntry(ctx context.Context, invoiceID billing.InvoiceID, entryID billing.EntryID) error {
	var status, number string
	err := q.db.QueryRowContext(ctx,
		"SELECT status, number FROM invoices WHERE id = ?", invoiceID,
	).Scan(&status, &number)
	if err == sql.ErrNoRows {
		return fmt.Errorf("invoice %s: %w", invoiceID, billing.ErrInvoiceNotFound)
	}
	if err != nil {
		return err
	}
	if billing.InvoiceStatus(status) == billing.InvoiceCancelled {
		return fmt.Errorf("invoice %s: %w", number, billing.ErrCancelledInvoice)
	}

	var exists int
	if err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE id = ?", entryID,
	).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("entry %s: %w", entryID, billing.ErrEntryNotFound)
	}

	var other int
	if err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM invoice_entries ie
		JOIN invoices i ON i.id = ie.invoice_id
		WHERE ie.entry_id = ? AND ie.invoice_id != ? AND i.status != 'cancelled'
	`, entryID, invoiceID).Scan(&other); err != nil {
		return err
	}
	if other > 0 {
		return fmt.Errorf("entry %s: %w", entryID, billing.ErrEntryAlreadyInvoiced)
	}

	_, err = q.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO invoice_entries (invoice_id, entry_id) VALUES (?, ?)",
		invoiceID, entryID)
	return err
}

func (s *Store) SetInvoiceStatus(ctx context.Context, id billing.InvoiceID, status billing.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.setInvoiceStatus(ctx, id, status)
}

func (q queries) setInvoiceStatus(ctx context.Context, id billing.InvoiceID, status billing.InvoiceStatus) error {
	inv, err := q.invoice(ctx, id)
	if err != nil {
		return err
	}
	switch status {
	case billing.InvoiceSent:
		err = inv.MarkSent(time.Now())
	case billing.InvoicePaid:
		err = inv.MarkPaid()
	case billing.InvoiceCancelled:
		err = inv.MarkCancelled()
	default:
		err = fmt.Errorf("invoice %s to %s: %w", inv.Number, status, billing.ErrInvalidTransition)
	}
	if err != nil {
		return err
	}
	return q.putInvoice(ctx, inv)
}

func (s *Store) DeleteDraftInvoices(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.deleteDraftInvoices(ctx)
}

func (q queries) deleteDraftInvoices(ctx context.Context) (int, error) {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM invoice_entries
		WHERE invoice_id IN (SELECT id FROM invoices WHERE status = 'draft')
	`)
	if err != nil {
		return 0, err
	}
	res, err := q.db.ExecContext(ctx, "DELETE FROM invoices WHERE status = 'draft'")
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q queries) queryInvoices(ctx context.Context, query string, args ...any) ([]*billing.Invoice, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*billing.Invoice
	for rows.Next() {
		var inv billing.Invoice
		var createdAt, dueDate string
		var sentAt, notes sql.NullString
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.AccountID,
			&createdAt, &dueDate, &sentAt, &inv.Status, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		inv.DueDate, _ = time.Parse(time.RFC3339, dueDate)
		inv.Notes = notes.String
		if sentAt.Valid {
			t, _ := time.Parse(time.RFC3339, sentAt.String)
			inv.SentAt = &t
		}
		invoices = append(invoices, &inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, inv := range invoices {
		if err := q.loadInvoiceEntries(ctx, inv); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

func (q queries) loadInvoiceEntries(ctx context.Context, inv *billing.Invoice) error {
	rows, err := q.db.QueryContext(ctx, `
		SELECT ie.entry_id
		FROM invoice_entries ie
		JOIN entries e ON e.id = ie.entry_id
		WHERE ie.invoice_id = ?
		ORDER BY e.date ASC, e.rowid ASC
	`, inv.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id billing.EntryID
		if err := rows.Scan(&id); err != nil {
			return err
		}
		inv.EntryIDs = append(inv.EntryIDs, id)
	}
	return rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: queries{sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the view handed to WithTx callbacks; everything runs
// through the same *sql.Tx.
type txStore struct {
	q queries
}

func (ts *txStore) PutEntry(ctx context.Context, e *billing.LedgerEntry) error {
	return ts.q.putEntry(ctx, e)
}

func (ts *txStore) Entry(ctx context.Context, id billing.EntryID) (*billing.LedgerEntry, error) {
	return ts.q.entry(ctx, id)
}

func (ts *txStore) DeleteEntry(ctx context.Context, id billing.EntryID) error {
	return ts.q.deleteEntry(ctx, id)
}

func (ts *txStore) EntriesByAccount(ctx context.Context, accountID billing.AccountID) ([]*billing.LedgerEntry, error) {
	return ts.q.entriesByAccount(ctx, accountID)
}

func (ts *txStore) EntriesByEvent(ctx context.Context, eventID billing.EventID) ([]*billing.LedgerEntry, error) {
	return ts.q.entriesByEvent(ctx, eventID)
}

func (ts *txStore) EventHasEntries(ctx context.Context, eventID billing.EventID) (bool, error) {
	return ts.q.eventHasEntries(ctx, eventID)
}

func (ts *txStore) CapTotal(ctx context.Context, accountID billing.AccountID, tag string, year int) (decimal.Decimal, error) {
	return ts.q.capTotal(ctx, accountID, tag, year)
}

func (ts *txStore) PutAccount(ctx context.Context, a *billing.Account) error {
	return ts.q.putAccount(ctx, a)
}

func (ts *txStore) Account(ctx context.Context, id billing.AccountID) (*billing.Account, error) {
	return ts.q.account(ctx, id)
}

func (ts *txStore) Accounts(ctx context.Context) ([]*billing.Account, error) {
	return ts.q.listAccounts(ctx)
}

func (ts *txStore) PutEvent(ctx context.Context, ev *billing.Event) error {
	return ts.q.putEvent(ctx, ev)
}

func (ts *txStore) Event(ctx context.Context, id billing.EventID) (*billing.Event, error) {
	return ts.q.event(ctx, id)
}

func (ts *txStore) UnbilledEvents(ctx context.Context) ([]*billing.Event, error) {
	return ts.q.unbilledEvents(ctx)
}

func (ts *txStore) SetRefundEntry(ctx context.Context, eventID billing.EventID, entryID billing.EntryID) error {
	return ts.q.setRefundEntry(ctx, eventID, entryID)
}

func (ts *txStore) PutInvoice(ctx context.Context, inv *billing.Invoice) error {
	return ts.q.putInvoice(ctx, inv)
}

func (ts *txStore) Invoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return ts.q.invoice(ctx, id)
}

func (ts *txStore) InvoicesByAccount(ctx context.Context, accountID billing.AccountID) ([]*billing.Invoice, error) {
	return ts.q.invoicesByAccount(ctx, accountID)
}

func (ts *txStore) AttachEntry(ctx context.Context, invoiceID billing.InvoiceID, entryID billing.EntryID) error {
	return ts.q.attachEntry(ctx, invoiceID, entryID)
}

func (ts *txStore) SetInvoiceStatus(ctx context.Context, id billing.InvoiceID, status billing.InvoiceStatus) error {
	return ts.q.setInvoiceStatus(ctx, id, status)
}

func (ts *txStore) DeleteDraftInvoices(ctx context.Context) (int, error) {
	return ts.q.deleteDraftInvoices(ctx)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"invoice_entries", "invoices", "entry_tags", "entries", "events", "accounts"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// toCents converts a quantized decimal amount to integer cents.
func toCents(d decimal.Decimal) int64 {
	return billing.Quantize(d).Shift(2).IntPart()
}

// fromCents converts integer cents back to a decimal amount.
func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
