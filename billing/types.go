/*
Package billing provides the core types and shared algorithms of the
billing and arrears engine.

PURPOSE:
  This package contains the entity types (tenants, invoices, payments,
  index adjustments), the money and VAT helpers every other component
  uses, the persistence and notification gateway interfaces, and the
  error taxonomy. Algorithm packages (invoicing, payments, dunning,
  indexation) are built on top of it and never talk to a database
  directly.

KEY CONCEPTS IN THIS FILE (types.go):
  - Tenant: lease occupant of a unit with a recurring charge baseline
  - Invoice: one monthly bill per (tenant, year, month)
  - Payment: an immutable bank receipt
  - VpiAdjustment / RentHistoryEntry: immutable audit records

DESIGN PRINCIPLES:
  1. Precision: every monetary field is a decimal.Decimal
  2. Type Safety: distinct ID types for tenants, invoices, payments
  3. Explicit optionals: pointer fields for values that may be absent
  4. Boundary validation: records are validated where they leave the
     gateway, not deep inside an algorithm

SEE ALSO:
  - money.go: rounding and waterfall helpers
  - vat.go: VAT extraction and the rate table
  - gateway.go: persistence interface
  - errors.go: error taxonomy
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type InvoiceID string
type PaymentID string
type UnitID string
type ScopeID string

// =============================================================================
// TENANT
// =============================================================================

type LeaseStatus string

const (
	LeaseActive LeaseStatus = "active"
	LeaseEnded  LeaseStatus = "ended"
)

// UsageType is the usage classification of a unit. It decides the VAT
// rates applied to rent and operating costs.
type UsageType string

const (
	UsageResidential UsageType = "residential"
	UsageBusiness    UsageType = "business"
	UsageGarage      UsageType = "garage"
	UsageParking     UsageType = "parking"
	UsageStorage     UsageType = "storage"
)

type Unit struct {
	ID        UnitID
	UsageType UsageType
}

// Tenant is a lease occupant of a Unit.
//
// INVARIANT: at most one active tenant per unit at any time.
type Tenant struct {
	ID      TenantID
	ScopeID ScopeID
	Unit    *Unit // nil when the tenant is not attached to a unit
	Name    string
	Email   string

	Status     LeaseStatus
	LeaseStart Date
	LeaseEnd   *Date

	// Recurring charge baseline, gross amounts (VAT included).
	Rent    decimal.Decimal
	Opex    decimal.Decimal
	Heating decimal.Decimal

	IndexBaseline       decimal.Decimal
	LastIndexAdjustment *time.Time

	DeletedAt *time.Time
}

// IsActive reports whether the tenant holds an active, non-deleted lease.
func (t Tenant) IsActive() bool {
	return t.Status == LeaseActive && t.DeletedAt == nil
}

// UsageType returns the usage type of the tenant's unit, or "" when the
// tenant has no unit.
func (t Tenant) UsageType() UsageType {
	if t.Unit == nil {
		return ""
	}
	return t.Unit.UsageType
}

// Validate checks the fields the engine cannot work without. Missing
// charge amounts are not an error: they are zero.
func (t Tenant) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Message: "tenant id is required"}
	}
	if t.ScopeID == "" {
		return &ValidationError{RecordID: string(t.ID), Field: "scope_id", Message: "scope is required"}
	}
	charges := []struct {
		field string
		value decimal.Decimal
	}{{"rent", t.Rent}, {"opex", t.Opex}, {"heating", t.Heating}}
	for _, c := range charges {
		if c.value.IsNegative() {
			return &ValidationError{RecordID: string(t.ID), Field: c.field, Message: "charge must not be negative"}
		}
	}
	return nil
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	StatusOpen          InvoiceStatus = "open"
	StatusPartiallyPaid InvoiceStatus = "partially_paid"
	StatusPaid          InvoiceStatus = "paid"
	StatusOverdue       InvoiceStatus = "overdue"
)

// UnpaidStatuses are the statuses of invoices that still carry a balance.
var UnpaidStatuses = []InvoiceStatus{StatusOpen, StatusPartiallyPaid, StatusOverdue}

// CarryForward holds prior-year arrears added to an invoice. A negative
// Rent component is a credit.
type CarryForward struct {
	Rent    decimal.Decimal
	Opex    decimal.Decimal
	Heating decimal.Decimal
	Other   decimal.Decimal
}

func (c CarryForward) Total() decimal.Decimal {
	return c.Rent.Add(c.Opex).Add(c.Heating).Add(c.Other)
}

func (c CarryForward) IsZero() bool {
	return c.Rent.IsZero() && c.Opex.IsZero() && c.Heating.IsZero() && c.Other.IsZero()
}

// Invoice is the monthly bill of one tenant.
//
// INVARIANT: at most one invoice per (TenantID, Year, Month).
type Invoice struct {
	ID       InvoiceID
	TenantID TenantID
	ScopeID  ScopeID
	Year     int
	Month    time.Month

	// Charge components as billed this period, gross.
	Rent    decimal.Decimal
	Opex    decimal.Decimal
	Heating decimal.Decimal

	VATRates   VATRates
	RentVAT    decimal.Decimal
	OpexVAT    decimal.Decimal
	HeatingVAT decimal.Decimal
	VATTotal   decimal.Decimal

	CarryForward CarryForward

	Total   decimal.Decimal
	DueDate Date
	Paid    decimal.Decimal

	DunningLevel   int
	Status         InvoiceStatus
	LastReminderAt *time.Time
	LastDunningAt  *time.Time

	CreatedAt time.Time
}

// Outstanding is the unpaid part of the invoice total.
func (inv Invoice) Outstanding() decimal.Decimal {
	return inv.Total.Sub(inv.Paid)
}

// Period returns "YYYY-MM" for the billing period.
func (inv Invoice) Period() string {
	return fmt.Sprintf("%04d-%02d", inv.Year, int(inv.Month))
}

// InvoiceFilter selects invoices. Nil/empty fields do not filter.
type InvoiceFilter struct {
	ScopeID   *ScopeID
	TenantID  *TenantID
	TenantIDs []TenantID
	Year      *int
	Month     *time.Month
	Statuses  []InvoiceStatus
}

// InvoicePatch is a partial update of the mutable invoice fields.
type InvoicePatch struct {
	Paid           *decimal.Decimal
	Status         *InvoiceStatus
	DunningLevel   *int
	LastReminderAt *time.Time
	LastDunningAt  *time.Time
}

// Apply returns a copy of inv with the patch applied.
func (p InvoicePatch) Apply(inv Invoice) Invoice {
	if p.Paid != nil {
		inv.Paid = *p.Paid
	}
	if p.Status != nil {
		inv.Status = *p.Status
	}
	if p.DunningLevel != nil {
		inv.DunningLevel = *p.DunningLevel
	}
	if p.LastReminderAt != nil {
		t := *p.LastReminderAt
		inv.LastReminderAt = &t
	}
	if p.LastDunningAt != nil {
		t := *p.LastDunningAt
		inv.LastDunningAt = &t
	}
	return inv
}

// =============================================================================
// PAYMENT
// =============================================================================

// Payment is an incoming bank receipt. Immutable once created.
type Payment struct {
	ID          PaymentID
	TenantID    TenantID
	Amount      decimal.Decimal
	BookingDate Date
	InvoiceID   *InvoiceID
	Reference   string
	CreatedAt   time.Time
}

// =============================================================================
// TENANT PATCH
// =============================================================================

// TenantPatch is a partial update of the fields the engine may change.
type TenantPatch struct {
	Rent                *decimal.Decimal
	IndexBaseline       *decimal.Decimal
	LastIndexAdjustment *time.Time
}

func (p TenantPatch) Apply(t Tenant) Tenant {
	if p.Rent != nil {
		t.Rent = *p.Rent
	}
	if p.IndexBaseline != nil {
		t.IndexBaseline = *p.IndexBaseline
	}
	if p.LastIndexAdjustment != nil {
		ts := *p.LastIndexAdjustment
		t.LastIndexAdjustment = &ts
	}
	return t
}

// =============================================================================
// AUDIT RECORDS - Immutable, append-only
// =============================================================================

type AuditKind string

const (
	AuditVpiAdjustment AuditKind = "vpi_adjustment"
	AuditRentHistory   AuditKind = "rent_history"
)

// AuditRecord is implemented by *VpiAdjustment and *RentHistoryEntry.
type AuditRecord interface {
	AuditKind() AuditKind
}

type AdjustmentStatus string

const AdjustmentApplied AdjustmentStatus = "applied"

// VpiAdjustment records one index-based rent increase. Never mutated.
type VpiAdjustment struct {
	ID            string
	TenantID      TenantID
	BaseIndex     decimal.Decimal
	CurrentIndex  decimal.Decimal
	OldRent       decimal.Decimal
	NewRent       decimal.Decimal
	PctChange     decimal.Decimal // fraction, 0.05 = 5%
	EffectiveDate Date
	Status        AdjustmentStatus
	ApprovedBy    string
	CreatedAt     time.Time
}

func (*VpiAdjustment) AuditKind() AuditKind { return AuditVpiAdjustment }

// RentHistoryEntry traces a rent change back to its cause.
type RentHistoryEntry struct {
	ID            string
	TenantID      TenantID
	OldRent       decimal.Decimal
	NewRent       decimal.Decimal
	EffectiveDate Date
	Reason        string
	AdjustmentID  string
	CreatedAt     time.Time
}

func (*RentHistoryEntry) AuditKind() AuditKind { return AuditRentHistory }
