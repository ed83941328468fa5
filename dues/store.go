/*
store.go - Persistence interface for payments, residents and credentials

PURPOSE:
  Defines the interface between the dues engine and the database. The
  engine never talks SQL; it reads and writes plain records through Store.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  PaymentStore:    Payment rows (create, update, delete, per-period load, query)
  ResidentStore:   Resident lookup (CRUD lives on the concrete stores)
  CredentialStore: Tags linked to a resident and the bulk active update
  TxStore:         Runs a function against a transactional Store

ORDERING CONTRACT:
  PaymentsForPeriod MUST return rows ordered by collection date ascending,
  then ID ascending. Balance recalculation depends on this total order.

MISSING RECORDS:
  Get* methods return (nil, nil) when the record does not exist. The
  engine turns that into a NotFoundError or ValidationError as appropriate.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via database/sql
  - dues/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Runs allocation and cascades inside WithTx
  - query.go: PaymentFilter
*/
package dues

import "context"

// =============================================================================
// STORE - Interfaces the engine depends on
// =============================================================================

type PaymentStore interface {
	// CreatePayment inserts p and sets p.ID and p.CreatedAt.
	CreatePayment(ctx context.Context, p *Payment) error

	// UpdatePayment overwrites every field of the row with p.ID.
	UpdatePayment(ctx context.Context, p Payment) error

	// DeletePayment removes the row. Deleting a missing row is not an error.
	DeletePayment(ctx context.Context, id PaymentID) error

	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)

	// PaymentsForPeriod returns rows for (resident, period) ordered by
	// collection date, then ID.
	PaymentsForPeriod(ctx context.Context, residentID ResidentID, period Period) ([]Payment, error)

	// QueryPayments applies a read-only filter.
	QueryPayments(ctx context.Context, filter PaymentFilter) ([]PaymentView, error)
}

type ResidentStore interface {
	GetResident(ctx context.Context, id ResidentID) (*Resident, error)
	ListResidents(ctx context.Context) ([]Resident, error)
}

type CredentialStore interface {
	// CredentialsForResident returns every credential linked to the resident.
	CredentialsForResident(ctx context.Context, residentID ResidentID) ([]Credential, error)

	// SetResidentCredentialsActive sets Active on every credential linked to
	// the resident in one statement. Returns the number of credentials linked.
	SetResidentCredentialsActive(ctx context.Context, residentID ResidentID, active bool) (int, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	PaymentStore
	ResidentStore
	CredentialStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
