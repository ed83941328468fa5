/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements dues.TxStore plus the CRUD the HTTP layer needs for residents,
  credentials (tags) and tag sales.

KEY TABLES:
  residents:            Households paying dues
  payments:             One row per (resident, month, category) top-up
  credentials:          Access tags, code unique, active flag
  resident_credentials: Many-to-many resident <-> tag
  tag_sales:            A tag can be sold once

MONEY:
  Amounts are stored as decimal TEXT and summed in Go with
  shopspring/decimal. SQLite REAL would reintroduce float drift.

ORDERING:
  period is "YYYY-MM" and collection_date is "YYYY-MM-DD", so string
  comparison is chronological. created_at uses a fixed-width layout for the
  same reason. PaymentsForPeriod orders by (collection_date, id).

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection.
  WithTx holds the write lock for the whole transaction; the transactional
  view never touches the mutex or the pool.

USAGE:
  store, err := sqlite.New("./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := dues.NewLedger(store, policy, logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - dues/store.go: Interface definitions
  - dues/store/memory.go: In-memory implementation for testing
  - records.go: Resident, credential and tag sale CRUD
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
)

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var (
	_ dues.TxStore = (*Store)(nil)
	_ dues.Store   = conn{}
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases live per connection, and SQLite has one writer.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
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

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS residents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		street TEXT NOT NULL,
		house_number INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_residents_street
		ON residents(street);

	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resident_id INTEGER NOT NULL REFERENCES residents(id) ON DELETE CASCADE,
		period TEXT NOT NULL,
		amount TEXT NOT NULL,
		category TEXT NOT NULL CHECK (category IN ('ordinario', 'extraordinario')),
		remaining_balance TEXT NOT NULL DEFAULT '0',
		collection_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Hot path: recalculation and "already paid" lookups
	CREATE INDEX IF NOT EXISTS idx_payments_resident_period
		ON payments(resident_id, period, collection_date, id);

	CREATE INDEX IF NOT EXISTS idx_payments_period
		ON payments(period);
	CREATE INDEX IF NOT EXISTS idx_payments_collection_date
		ON payments(collection_date);

	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS resident_credentials (
		resident_id INTEGER NOT NULL REFERENCES residents(id) ON DELETE CASCADE,
		credential_id INTEGER NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
		created_at TEXT NOT NULL,
		PRIMARY KEY (resident_id, credential_id)
	);

	CREATE INDEX IF NOT EXISTS idx_resident_credentials_credential
		ON resident_credentials(credential_id);

	CREATE TABLE IF NOT EXISTS tag_sales (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		credential_id INTEGER NOT NULL UNIQUE REFERENCES credentials(id) ON DELETE CASCADE,
		price TEXT NOT NULL,
		sold_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIER - Shared by the pooled store and the transactional view
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements dues.Store over any querier. It does no locking.
type conn struct {
	q   querier
	now func() time.Time
}

func (s *Store) conn() conn { return conn{q: s.db, now: s.now} }

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// PAYMENT STORE (dues.PaymentStore interface)
// =============================================================================

const paymentColumns = `p.id, p.resident_id, p.period, p.amount, p.category,
	p.remaining_balance, p.collection_date, p.created_at`

func (s *Store) CreatePayment(ctx context.Context, p *dues.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().CreatePayment(ctx, p)
}

func (s *Store) UpdatePayment(ctx context.Context, p dues.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().UpdatePayment(ctx, p)
}

func (s *Store) DeletePayment(ctx context.Context, id dues.PaymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().DeletePayment(ctx, id)
}

func (s *Store) GetPayment(ctx context.Context, id dues.PaymentID) (*dues.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetPayment(ctx, id)
}

func (s *Store) PaymentsForPeriod(ctx context.Context, residentID dues.ResidentID, period dues.Period) ([]dues.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().PaymentsForPeriod(ctx, residentID, period)
}

func (s *Store) QueryPayments(ctx context.Context, filter dues.PaymentFilter) ([]dues.PaymentView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().QueryPayments(ctx, filter)
}

func (c conn) CreatePayment(ctx context.Context, p *dues.Payment) error {
	createdAt := c.now().UTC()
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO payments
		(resident_id, period, amount, category, remaining_balance, collection_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		p.ResidentID,
		p.Period.String(),
		p.Amount.String(),
		string(p.Category),
		p.RemainingBalance.String(),
		p.CollectionDate.String(),
		formatTimestamp(createdAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return &dues.ValidationError{Field: "resident_id", Message: "resident does not exist"}
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read payment id: %w", err)
	}
	p.ID = dues.PaymentID(id)
	p.CreatedAt = createdAt
	return nil
}

func (c conn) UpdatePayment(ctx context.Context, p dues.Payment) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE payments SET
			resident_id = ?, period = ?, amount = ?, category = ?,
			remaining_balance = ?, collection_date = ?
		WHERE id = ?
	`,
		p.ResidentID,
		p.Period.String(),
		p.Amount.String(),
		string(p.Category),
		p.RemainingBalance.String(),
		p.CollectionDate.String(),
		p.ID,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return &dues.ValidationError{Field: "resident_id", Message: "resident does not exist"}
		}
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return requireAffected(res, "payment", p.ID)
}

func (c conn) DeletePayment(ctx context.Context, id dues.PaymentID) error {
	_, err := c.q.ExecContext(ctx, "DELETE FROM payments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	return nil
}

func (c conn) GetPayment(ctx context.Context, id dues.PaymentID) (*dues.Payment, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments p WHERE p.id = ?", id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c conn) PaymentsForPeriod(ctx context.Context, residentID dues.ResidentID, period dues.Period) ([]dues.Payment, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments p
		WHERE p.resident_id = ? AND p.period = ?
		ORDER BY p.collection_date ASC, p.id ASC
	`, residentID, period.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []dues.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (c conn) QueryPayments(ctx context.Context, f dues.PaymentFilter) ([]dues.PaymentView, error) {
	var (
		conds []string
		args  []any
	)
	if f.Year != 0 {
		conds = append(conds, "substr(p.collection_date, 1, 4) = ?")
		args = append(args, fmt.Sprintf("%04d", f.Year))
	}
	if f.Month != 0 {
		conds = append(conds, "substr(p.collection_date, 6, 2) = ?")
		args = append(args, fmt.Sprintf("%02d", f.Month))
	}
	if f.Period != nil {
		conds = append(conds, "p.period = ?")
		args = append(args, f.Period.String())
	}
	if f.ResidentID != 0 {
		conds = append(conds, "p.resident_id = ?")
		args = append(args, f.ResidentID)
	}
	if f.ResidentName != "" {
		conds = append(conds, "r.name = ?")
		args = append(args, f.ResidentName)
	}
	if f.Street != "" {
		conds = append(conds, "r.street = ?")
		args = append(args, f.Street)
	}
	if f.Category != "" {
		conds = append(conds, "p.category = ?")
		args = append(args, string(f.Category))
	}
	if f.CollectionDate != nil {
		conds = append(conds, "p.collection_date = ?")
		args = append(args, f.CollectionDate.String())
	}
	if f.AdvanceOnly {
		conds = append(conds, "p.period > ?")
		args = append(args, f.CurrentPeriod.String())
	}

	query := "SELECT " + paymentColumns + ", r.name, r.street, r.house_number " +
		"FROM payments p JOIN residents r ON r.id = p.resident_id"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	switch f.Order {
	case dues.OrderChronological:
		query += " ORDER BY p.collection_date ASC, p.id ASC"
	default:
		query += " ORDER BY p.period DESC, p.created_at DESC, p.id DESC"
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	views := []dues.PaymentView{}
	for rows.Next() {
		var v dues.PaymentView
		p, err := scanPayment(rows, &v.ResidentName, &v.Street, &v.HouseNumber)
		if err != nil {
			return nil, err
		}
		v.Payment = p
		views = append(views, v)
	}
	return views, rows.Err()
}

// scanPayment reads paymentColumns followed by any extra columns.
func scanPayment(sc scanner, extra ...any) (dues.Payment, error) {
	var (
		p                                                  dues.Payment
		period, amount, category, remaining, date, created string
	)
	dest := append([]any{&p.ID, &p.ResidentID, &period, &amount, &category,
		&remaining, &date, &created}, extra...)
	if err := sc.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}

	var err error
	if p.Period, err = dues.ParsePeriod(period); err != nil {
		return p, fmt.Errorf("payment %d: %w", p.ID, err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return p, fmt.Errorf("payment %d amount: %w", p.ID, err)
	}
	if p.RemainingBalance, err = decimal.NewFromString(remaining); err != nil {
		return p, fmt.Errorf("payment %d remaining balance: %w", p.ID, err)
	}
	if p.CollectionDate, err = dues.ParseDate(date); err != nil {
		return p, fmt.Errorf("payment %d: %w", p.ID, err)
	}
	p.Category = dues.Category(category)
	p.CreatedAt = parseTimestamp(created)
	return p, nil
}

// =============================================================================
// RESIDENT STORE (dues.ResidentStore interface)
// =============================================================================

const residentColumns = "id, name, street, house_number, created_at"

func (s *Store) GetResident(ctx context.Context, id dues.ResidentID) (*dues.Resident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetResident(ctx, id)
}

func (s *Store) ListResidents(ctx context.Context) ([]dues.Resident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().ListResidents(ctx)
}

func (c conn) GetResident(ctx context.Context, id dues.ResidentID) (*dues.Resident, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+residentColumns+" FROM residents WHERE id = ?", id)
	r, err := scanResident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c conn) ListResidents(ctx context.Context) ([]dues.Resident, error) {
	rows, err := c.q.QueryContext(ctx, "SELECT "+residentColumns+" FROM residents ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query residents: %w", err)
	}
	defer rows.Close()

	residents := []dues.Resident{}
	for rows.Next() {
		r, err := scanResident(rows)
		if err != nil {
			return nil, err
		}
		residents = append(residents, r)
	}
	return residents, rows.Err()
}

func scanResident(sc scanner) (dues.Resident, error) {
	var (
		r       dues.Resident
		created string
	)
	if err := sc.Scan(&r.ID, &r.Name, &r.Street, &r.HouseNumber, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan resident: %w", err)
	}
	r.CreatedAt = parseTimestamp(created)
	return r, nil
}

// =============================================================================
// CREDENTIAL STORE (dues.CredentialStore interface)
// =============================================================================

const credentialColumns = "c.id, c.code, c.active, c.created_at"

func (s *Store) CredentialsForResident(ctx context.Context, residentID dues.ResidentID) ([]dues.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().CredentialsForResident(ctx, residentID)
}

func (s *Store) SetResidentCredentialsActive(ctx context.Context, residentID dues.ResidentID, active bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().SetResidentCredentialsActive(ctx, residentID, active)
}

func (c conn) CredentialsForResident(ctx context.Context, residentID dues.ResidentID) ([]dues.Credential, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials c
		JOIN resident_credentials rc ON rc.credential_id = c.id
		WHERE rc.resident_id = ?
		ORDER BY c.id
	`, residentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []dues.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func (c conn) SetResidentCredentialsActive(ctx context.Context, residentID dues.ResidentID, active bool) (int, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE credentials SET active = ?
		WHERE id IN (SELECT credential_id FROM resident_credentials WHERE resident_id = ?)
	`, active, residentID)
	if err != nil {
		return 0, fmt.Errorf("failed to update credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanCredential(sc scanner, extra ...any) (dues.Credential, error) {
	var (
		cred    dues.Credential
		created string
	)
	dest := append([]any{&cred.ID, &cred.Code, &cred.Active, &created}, extra...)
	if err := sc.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cred, err
		}
		return cred, fmt.Errorf("failed to scan credential: %w", err)
	}
	cred.CreatedAt = parseTimestamp(created)
	return cred, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(dues.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(conn{q: tx, now: s.now}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func requireAffected(res sql.Result, resource string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &dues.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
