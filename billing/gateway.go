/*
gateway.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the narrow interface between the billing algorithms and the
  database owned by the CRUD layer. The engine never manages its own
  cache; every read is assumed strongly consistent.

KEY INTERFACES:
  Gateway:   Tenants, invoices, payments and audit records
  TxGateway: Gateway plus per-call transactions
  Notifier:  Outgoing notifications (email dispatch is external)
  Locker:    Serializes concurrent runs for the same key

TRANSACTIONS:
  Dunning level bumps and their status change, payment application to one
  invoice, and an index adjustment with its audit records each run inside
  one WithTx call. Different invoices never share a transaction.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and development
  - store/sqlstore: SQLite and PostgreSQL

SEE ALSO:
  - types.go: Entity definitions
  - errors.go: ErrDuplicateInvoice, NotFoundError
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// GATEWAY - Persistence primitives
// =============================================================================

type Gateway interface {
	// ListActiveTenants returns the tenants with an active lease in scope.
	ListActiveTenants(ctx context.Context, scope ScopeID) ([]Tenant, error)

	// GetTenant returns a NotFoundError when the tenant does not exist.
	GetTenant(ctx context.Context, id TenantID) (*Tenant, error)

	UpdateTenant(ctx context.Context, id TenantID, patch TenantPatch) error

	// ListInvoices returns invoices ordered by due date, then ID.
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)

	// UpsertInvoices inserts invoices atomically. Returns ErrDuplicateInvoice
	// when any (tenant, year, month) already has an invoice.
	UpsertInvoices(ctx context.Context, invoices []Invoice) error

	// UpdateInvoice returns a NotFoundError for an unknown id.
	UpdateInvoice(ctx context.Context, id InvoiceID, patch InvoicePatch) error

	CreatePayment(ctx context.Context, p Payment) error

	// ListPaymentsInRange returns payments booked in [from, to].
	ListPaymentsInRange(ctx context.Context, tenantID TenantID, from, to Date) ([]Payment, error)

	CreateAuditRecord(ctx context.Context, record AuditRecord) error
}

// TxGateway wraps Gateway with transaction support.
type TxGateway interface {
	Gateway

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Gateway) error) error
}

// WithTx runs fn in a transaction when gw supports one, directly otherwise.
func WithTx(ctx context.Context, gw Gateway, fn func(Gateway) error) error {
	if tx, ok := gw.(TxGateway); ok {
		return tx.WithTx(ctx, fn)
	}
	return fn(gw)
}

// =============================================================================
// NOTIFIER - Outgoing notifications
// =============================================================================

type Notification struct {
	To       string
	Subject  string
	Body     string
	TenantID TenantID
	ScopeID  ScopeID
	Kind     string // "dunning", "vpi"
}

// Notifier dispatches notifications. From the engine's perspective the
// call is fire-and-forget: errors are counted, never propagated.
type Notifier interface {
	Send(ctx context.Context, n Notification) (id string, err error)
}

// =============================================================================
// LOCKER - Run serialization
// =============================================================================

// Locker acquires a named lock for ttl. ok is false when somebody else
// holds it. release must be called when ok is true.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// FindInvoice looks up one of a tenant's invoices by ID.
func FindInvoice(ctx context.Context, gw Gateway, tenantID TenantID, id InvoiceID) (*Invoice, error) {
	invoices, err := gw.ListInvoices(ctx, InvoiceFilter{TenantID: &tenantID})
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		if invoices[i].ID == id {
			return &invoices[i], nil
		}
	}
	return nil, &NotFoundError{Kind: "invoice", ID: string(id)}
}
