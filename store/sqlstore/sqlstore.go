/*
Package sqlstore provides a SQL-backed implementation of billing.TxGateway.

PURPOSE:
  Persists tenants, invoices, payments and the index adjustment audit
  trail. The same statements run on SQLite (development, tests, small
  installations) and PostgreSQL (production); only placeholders and the
  unique-violation check differ between the two dialects.

KEY TABLES:
  tenants:          Lease occupants and their recurring charges
  invoices:         One row per (tenant, year, month)
  payments:         Append-only bank receipts
  vpi_adjustments:  Append-only index adjustment audit
  rent_history:     Append-only rent change trail

INDEXES:
  - idx_invoices_period: UNIQUE (tenant_id, year, month), the one-invoice-
    per-period invariant. A concurrent generator run hits this index and
    receives billing.ErrDuplicateInvoice.
  - idx_invoices_scope_status: dunning and arrears scans
  - idx_payments_tenant_date: carry-forward payment sums

MONEY:
  Amounts are stored as decimal strings and parsed back into
  decimal.Decimal; no float ever touches a balance.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within one process. SQLite gets a
  single connection. PostgreSQL transactions run SERIALIZABLE so two
  processes escalating the same invoice cannot both win.

USAGE:
  store, err := sqlstore.New("./data/billing.db")          // SQLite
  store, err := sqlstore.NewPostgres(cfg.Postgres.DSN())  // PostgreSQL
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on open.

SEE ALSO:
  - billing/gateway.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/billing-engine/billing"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements billing.TxGateway.
type Store struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	q       *queries
}

// New opens a SQLite store. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" is per connection, and SQLite has a single writer anyway.
	db.SetMaxOpenConns(1)
	return open(db, dialectSQLite)
}

// NewPostgres opens a PostgreSQL store through the pgx driver.
func NewPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return open(db, dialectPostgres)
}

func open(db *sql.DB, d dialect) (*Store, error) {
	s := &Store{db: db, dialect: d}
	s.q = &queries{db: db, dialect: d}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		unit_id TEXT,
		usage_type TEXT,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		lease_start TEXT,
		lease_end TEXT,
		rent TEXT NOT NULL DEFAULT '0',
		opex TEXT NOT NULL DEFAULT '0',
		heating TEXT NOT NULL DEFAULT '0',
		index_baseline TEXT NOT NULL DEFAULT '0',
		last_index_adjustment TEXT,
		deleted_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tenants_scope ON tenants(scope_id, status)`,

	`CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		rent TEXT NOT NULL,
		opex TEXT NOT NULL,
		heating TEXT NOT NULL,
		rent_vat_rate TEXT NOT NULL,
		opex_vat_rate TEXT NOT NULL,
		heating_vat_rate TEXT NOT NULL,
		rent_vat TEXT NOT NULL,
		opex_vat TEXT NOT NULL,
		heating_vat TEXT NOT NULL,
		vat_total TEXT NOT NULL,
		cf_rent TEXT NOT NULL,
		cf_opex TEXT NOT NULL,
		cf_heating TEXT NOT NULL,
		cf_other TEXT NOT NULL,
		total TEXT NOT NULL,
		due_date TEXT NOT NULL,
		paid TEXT NOT NULL,
		dunning_level INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_reminder_at TEXT,
		last_dunning_at TEXT,
		created_at TEXT NOT NULL
	)`,
	// CRITICAL: one invoice per tenant and billing period.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_period ON invoices(tenant_id, year, month)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_scope_status ON invoices(scope_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_tenant_due ON invoices(tenant_id, due_date)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		booking_date TEXT NOT NULL,
		invoice_id TEXT,
		reference TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_tenant_date ON payments(tenant_id, booking_date)`,

	`CREATE TABLE IF NOT EXISTS vpi_adjustments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		base_index TEXT NOT NULL,
		current_index TEXT NOT NULL,
		old_rent TEXT NOT NULL,
		new_rent TEXT NOT NULL,
		pct_change TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		status TEXT NOT NULL,
		approved_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vpi_adjustments_tenant ON vpi_adjustments(tenant_id)`,

	`CREATE TABLE IF NOT EXISTS rent_history (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		old_rent TEXT NOT NULL,
		new_rent TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		adjustment_id TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rent_history_tenant ON rent_history(tenant_id, effective_date)`,
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// GATEWAY (billing.Gateway interface)
// =============================================================================

func (s *Store) ListActiveTenants(ctx context.Context, scope billing.ScopeID) ([]billing.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.listActiveTenants(ctx, scope)
}

func (s *Store) GetTenant(ctx context.Context, id billing.TenantID) (*billing.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.getTenant(ctx, id)
}

func (s *Store) UpdateTenant(ctx context.Context, id billing.TenantID, patch billing.TenantPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.updateTenant(ctx, id, patch)
}

func (s *Store) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.listInvoices(ctx, filter)
}

// UpsertInvoices inserts invoices atomically.
func (s *Store) UpsertInvoices(ctx context.Context, invoices []billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q *queries) error {
		return q.insertInvoices(ctx, invoices)
	})
}

func (s *Store) UpdateInvoice(ctx context.Context, id billing.InvoiceID, patch billing.InvoicePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.updateInvoice(ctx, id, patch)
}

func (s *Store) CreatePayment(ctx context.Context, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.insertPayment(ctx, p)
}

func (s *Store) ListPaymentsInRange(ctx context.Context, tenantID billing.TenantID, from, to billing.Date) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.listPaymentsInRange(ctx, tenantID, from, to)
}

func (s *Store) CreateAuditRecord(ctx context.Context, record billing.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.insertAuditRecord(ctx, record)
}

// =============================================================================
// SEEDING AND AUDIT READS
// =============================================================================

// SaveTenant inserts or replaces a tenant.
func (s *Store) SaveTenant(ctx context.Context, t billing.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.saveTenant(ctx, t)
}

// ListRentHistory returns a tenant's rent changes, oldest first.
func (s *Store) ListRentHistory(ctx context.Context, tenantID billing.TenantID) ([]billing.RentHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.listRentHistory(ctx, tenantID)
}

// =============================================================================
// TRANSACTIONAL GATEWAY (billing.TxGateway interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Gateway) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q *queries) error {
		return fn(&txStore{q: q})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*queries) error) error {
	var opts *sql.TxOptions
	if s.dialect == dialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	sqlTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore runs every call on the open transaction.
type txStore struct {
	q *queries
}

func (ts *txStore) ListActiveTenants(ctx context.Context, scope billing.ScopeID) ([]billing.Tenant, error) {
	return ts.q.listActiveTenants(ctx, scope)
}

func (ts *txStore) GetTenant(ctx context.Context, id billing.TenantID) (*billing.Tenant, error) {
	return ts.q.getTenant(ctx, id)
}

func (ts *txStore) UpdateTenant(ctx context.Context, id billing.TenantID, patch billing.TenantPatch) error {
	return ts.q.updateTenant(ctx, id, patch)
}

func (ts *txStore) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	return ts.q.listInvoices(ctx, filter)
}

func (ts *txStore) UpsertInvoices(ctx context.Context, invoices []billing.Invoice) error {
	return ts.q.insertInvoices(ctx, invoices)
}

func (ts *txStore) UpdateInvoice(ctx context.Context, id billing.InvoiceID, patch billing.InvoicePatch) error {
	return ts.q.updateInvoice(ctx, id, patch)
}

func (ts *txStore) CreatePayment(ctx context.Context, p billing.Payment) error {
	return ts.q.insertPayment(ctx, p)
}

func (ts *txStore) ListPaymentsInRange(ctx context.Context, tenantID billing.TenantID, from, to billing.Date) ([]billing.Payment, error) {
	return ts.q.listPaymentsInRange(ctx, tenantID, from, to)
}

func (ts *txStore) CreateAuditRecord(ctx context.Context, record billing.AuditRecord) error {
	return ts.q.insertAuditRecord(ctx, record)
}

var (
	_ billing.TxGateway = (*Store)(nil)
	_ billing.Gateway   = (*txStore)(nil)
)

// =============================================================================
// HELPERS
// =============================================================================

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
