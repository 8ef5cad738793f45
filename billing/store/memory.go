// Package store provides an in-memory billing.Gateway.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY GATEWAY - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	tenants  map[billing.TenantID]billing.Tenant
	invoices map[billing.InvoiceID]billing.Invoice
	periods  map[periodKey]billing.InvoiceID
	payments []billing.Payment
	audit    []billing.AuditRecord
}

// periodKey enforces one invoice per (tenant, year, month).
type periodKey struct {
	TenantID billing.TenantID
	Year     int
	Month    int
}

func keyOf(inv billing.Invoice) periodKey {
	return periodKey{TenantID: inv.TenantID, Year: inv.Year, Month: int(inv.Month)}
}

func NewMemory() *Memory {
	return &Memory{
		tenants:  make(map[billing.TenantID]billing.Tenant),
		invoices: make(map[billing.InvoiceID]billing.Invoice),
		periods:  make(map[periodKey]billing.InvoiceID),
	}
}

// PutTenant inserts or replaces a tenant. The CRUD layer owns tenants; this
// exists for seeding.
func (m *Memory) PutTenant(t billing.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

// SaveTenant is PutTenant for callers holding a context.
func (m *Memory) SaveTenant(_ context.Context, t billing.Tenant) error {
	m.PutTenant(t)
	return nil
}

// ListRentHistory returns a tenant's rent changes in insertion order.
func (m *Memory) ListRentHistory(_ context.Context, tenantID billing.TenantID) ([]billing.RentHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []billing.RentHistoryEntry
	for _, r := range m.audit {
		if h, ok := r.(*billing.RentHistoryEntry); ok && h.TenantID == tenantID {
			entries = append(entries, *h)
		}
	}
	return entries, nil
}

// AuditRecords returns the audit trail in insertion order.
func (m *Memory) AuditRecords() []billing.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.AuditRecord(nil), m.audit...)
}

// Payments returns every recorded payment in insertion order.
func (m *Memory) Payments() []billing.Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.Payment(nil), m.payments...)
}

func (m *Memory) ListActiveTenants(_ context.Context, scope billing.ScopeID) ([]billing.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listActiveLocked(scope), nil
}

func (m *Memory) listActiveLocked(scope billing.ScopeID) []billing.Tenant {
	var result []billing.Tenant
	for _, t := range m.tenants {
		if t.ScopeID == scope && t.IsActive() {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) GetTenant(_ context.Context, id billing.TenantID) (*billing.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTenantLocked(id)
}

func (m *Memory) getTenantLocked(id billing.TenantID) (*billing.Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return nil, &billing.NotFoundError{Kind: "tenant", ID: string(id)}
	}
	return &t, nil
}

func (m *Memory) UpdateTenant(_ context.Context, id billing.TenantID, patch billing.TenantPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateTenantLocked(id, patch)
}

func (m *Memory) updateTenantLocked(id billing.TenantID, patch billing.TenantPatch) error {
	t, ok := m.tenants[id]
	if !ok {
		return &billing.NotFoundError{Kind: "tenant", ID: string(id)}
	}
	m.tenants[id] = patch.Apply(t)
	return nil
}

func (m *Memory) ListInvoices(_ context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listInvoicesLocked(filter), nil
}

func (m *Memory) listInvoicesLocked(filter billing.InvoiceFilter) []billing.Invoice {
	var result []billing.Invoice
	for _, inv := range m.invoices {
		if matches(filter, inv) {
			result = append(result, inv)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		return a.ID < b.ID
	})
	return result
}

func matches(f billing.InvoiceFilter, inv billing.Invoice) bool {
	if f.ScopeID != nil && inv.ScopeID != *f.ScopeID {
		return false
	}
	if f.TenantID != nil && inv.TenantID != *f.TenantID {
		return false
	}
	if len(f.TenantIDs) > 0 && !contains(f.TenantIDs, inv.TenantID) {
		return false
	}
	if f.Year != nil && inv.Year != *f.Year {
		return false
	}
	if f.Month != nil && inv.Month != *f.Month {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, inv.Status) {
		return false
	}
	return true
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// UpsertInvoices inserts invoices atomically.
func (m *Memory) UpsertInvoices(_ context.Context, invoices []billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(invoices)
}

func (m *Memory) upsertLocked(invoices []billing.Invoice) error {
	// Check all period keys first (atomic check)
	seen := make(map[periodKey]bool, len(invoices))
	for _, inv := range invoices {
		k := keyOf(inv)
		if _, exists := m.periods[k]; exists || seen[k] {
			return billing.ErrDuplicateInvoice
		}
		seen[k] = true
	}

	// Insert all (atomic write)
	for _, inv := range invoices {
		m.invoices[inv.ID] = inv
		m.periods[keyOf(inv)] = inv.ID
	}
	return nil
}

func (m *Memory) UpdateInvoice(_ context.Context, id billing.InvoiceID, patch billing.InvoicePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateInvoiceLocked(id, patch)
}

func (m *Memory) updateInvoiceLocked(id billing.InvoiceID, patch billing.InvoicePatch) error {
	inv, ok := m.invoices[id]
	if !ok {
		return &billing.NotFoundError{Kind: "invoice", ID: string(id)}
	}
	m.invoices[id] = patch.Apply(inv)
	return nil
}

func (m *Memory) CreatePayment(_ context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, p)
	return nil
}

func (m *Memory) ListPaymentsInRange(_ context.Context, tenantID billing.TenantID, from, to billing.Date) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paymentsInRangeLocked(tenantID, from, to), nil
}

func (m *Memory) paymentsInRangeLocked(tenantID billing.TenantID, from, to billing.Date) []billing.Payment {
	var result []billing.Payment
	for _, p := range m.payments {
		if p.TenantID == tenantID && from.BeforeOrEqual(p.BookingDate) && p.BookingDate.BeforeOrEqual(to) {
			result = append(result, p)
		}
	}
	return result
}

func (m *Memory) CreateAuditRecord(_ context.Context, record billing.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, record)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Gateway) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	tenants  map[billing.TenantID]billing.Tenant
	invoices map[billing.InvoiceID]billing.Invoice
	periods  map[periodKey]billing.InvoiceID
	payments []billing.Payment
	audit    []billing.AuditRecord
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		tenants:  make(map[billing.TenantID]billing.Tenant, len(m.tenants)),
		invoices: make(map[billing.InvoiceID]billing.Invoice, len(m.invoices)),
		periods:  make(map[periodKey]billing.InvoiceID, len(m.periods)),
		payments: append([]billing.Payment(nil), m.payments...),
		audit:    append([]billing.AuditRecord(nil), m.audit...),
	}
	for k, v := range m.tenants {
		s.tenants[k] = v
	}
	for k, v := range m.invoices {
		s.invoices[k] = v
	}
	for k, v := range m.periods {
		s.periods[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.tenants = s.tenants
	m.invoices = s.invoices
	m.periods = s.periods
	m.payments = s.payments
	m.audit = s.audit
}

// txView operates on the parent while its lock is held by WithTx.
type txView struct {
	parent *Memory
}

func (tv *txView) ListActiveTenants(_ context.Context, scope billing.ScopeID) ([]billing.Tenant, error) {
	return tv.parent.listActiveLocked(scope), nil
}

func (tv *txView) GetTenant(_ context.Context, id billing.TenantID) (*billing.Tenant, error) {
	return tv.parent.getTenantLocked(id)
}

func (tv *txView) UpdateTenant(_ context.Context, id billing.TenantID, patch billing.TenantPatch) error {
	return tv.parent.updateTenantLocked(id, patch)
}

func (tv *txView) ListInvoices(_ context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	return tv.parent.listInvoicesLocked(filter), nil
}

func (tv *txView) UpsertInvoices(_ context.Context, invoices []billing.Invoice) error {
	return tv.parent.upsertLocked(invoices)
}

func (tv *txView) UpdateInvoice(_ context.Context, id billing.InvoiceID, patch billing.InvoicePatch) error {
	return tv.parent.updateInvoiceLocked(id, patch)
}

func (tv *txView) CreatePayment(_ context.Context, p billing.Payment) error {
	tv.parent.payments = append(tv.parent.payments, p)
	return nil
}

func (tv *txView) ListPaymentsInRange(_ context.Context, tenantID billing.TenantID, from, to billing.Date) ([]billing.Payment, error) {
	return tv.parent.paymentsInRangeLocked(tenantID, from, to), nil
}

func (tv *txView) CreateAuditRecord(_ context.Context, record billing.AuditRecord) error {
	tv.parent.audit = append(tv.parent.audit, record)
	return nil
}

// =============================================================================
// LOCKER - Process-local run lock
// =============================================================================

// MemoryLocker is a billing.Locker for a single process. TTLs are ignored:
// the lock lives until released.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

var (
	_ billing.TxGateway = (*Memory)(nil)
	_ billing.Gateway   = (*txView)(nil)
	_ billing.Locker    = (*MemoryLocker)(nil)
)
