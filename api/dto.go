/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract: dates travel as
  "YYYY-MM-DD" strings and money as decimal strings.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Handlers parse dates and amounts; the engines validate the rest and
  answer with billing.ValidationError.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/indexation"
	"github.com/warp/billing-engine/payments"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type GenerateRequest struct {
	ScopeID string `json:"scope_id"`
	Year    int    `json:"year"`
	Month   int    `json:"month"`
}

type PaymentRequest struct {
	TenantID    string          `json:"tenant_id"`
	Amount      decimal.Decimal `json:"amount"`
	BookingDate string          `json:"booking_date"`
	InvoiceID   string          `json:"invoice_id,omitempty"`
	Reference   string          `json:"reference,omitempty"`
}

type DunningCheckRequest struct {
	ScopeID    string `json:"scope_id"`
	AsOf       string `json:"as_of,omitempty"`
	SendEmails bool   `json:"send_emails"`
	DryRun     bool   `json:"dry_run"`
	Export     bool   `json:"export"` // also store the run as a workbook
}

type VpiCheckRequest struct {
	ScopeID     string          `json:"scope_id"`
	IndexValue  decimal.Decimal `json:"index_value"`
	PublishedAt string          `json:"published_at"`
}

type VpiApplyRequest struct {
	TenantID      string          `json:"tenant_id"`
	IndexValue    decimal.Decimal `json:"index_value"`
	PublishedAt   string          `json:"published_at"`
	EffectiveDate string          `json:"effective_date,omitempty"`
	ApprovedBy    string          `json:"approved_by"`
}

// TenantRequest creates or replaces a tenant. The property back office
// owns tenants; this exists so a fresh database can be seeded.
type TenantRequest struct {
	ScopeID       string          `json:"scope_id"`
	UnitID        string          `json:"unit_id,omitempty"`
	UsageType     string          `json:"usage_type,omitempty"`
	Name          string          `json:"name"`
	Email         string          `json:"email"`
	Status        string          `json:"status"`
	LeaseStart    string          `json:"lease_start"`
	LeaseEnd      string          `json:"lease_end,omitempty"`
	Rent          decimal.Decimal `json:"rent"`
	Opex          decimal.Decimal `json:"opex"`
	Heating       decimal.Decimal `json:"heating"`
	IndexBaseline decimal.Decimal `json:"index_baseline"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
	ScopeID    string `json:"scope_id,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type TenantDTO struct {
	ID                  string          `json:"id"`
	ScopeID             string          `json:"scope_id"`
	UnitID              string          `json:"unit_id,omitempty"`
	UsageType           string          `json:"usage_type,omitempty"`
	Name                string          `json:"name"`
	Email               string          `json:"email"`
	Status              string          `json:"status"`
	LeaseStart          string          `json:"lease_start,omitempty"`
	LeaseEnd            string          `json:"lease_end,omitempty"`
	Rent                decimal.Decimal `json:"rent"`
	Opex                decimal.Decimal `json:"opex"`
	Heating             decimal.Decimal `json:"heating"`
	IndexBaseline       decimal.Decimal `json:"index_baseline"`
	LastIndexAdjustment *time.Time      `json:"last_index_adjustment,omitempty"`
}

type CarryForwardDTO struct {
	Rent    decimal.Decimal `json:"rent"`
	Opex    decimal.Decimal `json:"opex"`
	Heating decimal.Decimal `json:"heating"`
	Other   decimal.Decimal `json:"other"`
}

type InvoiceDTO struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	ScopeID      string          `json:"scope_id"`
	Period       string          `json:"period"`
	Rent         decimal.Decimal `json:"rent"`
	Opex         decimal.Decimal `json:"opex"`
	Heating      decimal.Decimal `json:"heating"`
	VATTotal     decimal.Decimal `json:"vat_total"`
	CarryForward CarryForwardDTO `json:"carry_forward"`
	Total        decimal.Decimal `json:"total"`
	Paid         decimal.Decimal `json:"paid"`
	Outstanding  decimal.Decimal `json:"outstanding"`
	DueDate      string          `json:"due_date"`
	DunningLevel int             `json:"dunning_level"`
	LevelName    string          `json:"level_name"`
	Status       string          `json:"status"`
}

type GenerateResponse struct {
	Period                  string           `json:"period"`
	Created                 int              `json:"created"`
	Skipped                 int              `json:"skipped"`
	CarryForwardsCalculated int              `json:"carry_forwards_calculated"`
	Failed                  billing.Failures `json:"failed"`
	Invoices                []InvoiceDTO     `json:"invoices"`
}

type PaymentDTO struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Amount      decimal.Decimal `json:"amount"`
	BookingDate string          `json:"booking_date"`
	InvoiceID   string          `json:"invoice_id,omitempty"`
	Reference   string          `json:"reference,omitempty"`
}

type PaymentResponse struct {
	Payment     PaymentDTO            `json:"payment"`
	Allocations []payments.Allocation `json:"allocations"`
	Unapplied   decimal.Decimal       `json:"unapplied"`
	Preview     bool                  `json:"preview"`
}

type VpiCheckResponse struct {
	IndexValue  decimal.Decimal       `json:"index_value"`
	PublishedAt string                `json:"published_at"`
	Checked     int                   `json:"checked"`
	Skipped     int                   `json:"skipped"`
	Proposals   []indexation.Proposal `json:"proposals"`
	Failed      billing.Failures      `json:"failed"`
}

type AdjustmentDTO struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	BaseIndex     decimal.Decimal `json:"base_index"`
	CurrentIndex  decimal.Decimal `json:"current_index"`
	OldRent       decimal.Decimal `json:"old_rent"`
	NewRent       decimal.Decimal `json:"new_rent"`
	PctChange     decimal.Decimal `json:"pct_change"`
	EffectiveDate string          `json:"effective_date"`
	Status        string          `json:"status"`
	ApprovedBy    string          `json:"approved_by,omitempty"`
}

type RentHistoryDTO struct {
	ID            string          `json:"id"`
	OldRent       decimal.Decimal `json:"old_rent"`
	NewRent       decimal.Decimal `json:"new_rent"`
	EffectiveDate string          `json:"effective_date"`
	Reason        string          `json:"reason"`
	AdjustmentID  string          `json:"adjustment_id,omitempty"`
}

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTenantDTO(t billing.Tenant) TenantDTO {
	dto := TenantDTO{
		ID:                  string(t.ID),
		ScopeID:             string(t.ScopeID),
		UsageType:           string(t.UsageType()),
		Name:                t.Name,
		Email:               t.Email,
		Status:              string(t.Status),
		Rent:                t.Rent,
		Opex:                t.Opex,
		Heating:             t.Heating,
		IndexBaseline:       t.IndexBaseline,
		LastIndexAdjustment: t.LastIndexAdjustment,
	}
	if t.Unit != nil {
		dto.UnitID = string(t.Unit.ID)
	}
	if !t.LeaseStart.IsZero() {
		dto.LeaseStart = t.LeaseStart.String()
	}
	if t.LeaseEnd != nil {
		dto.LeaseEnd = t.LeaseEnd.String()
	}
	return dto
}

func toInvoiceDTO(inv billing.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:       string(inv.ID),
		TenantID: string(inv.TenantID),
		ScopeID:  string(inv.ScopeID),
		Period:   inv.Period(),
		Rent:     inv.Rent,
		Opex:     inv.Opex,
		Heating:  inv.Heating,
		VATTotal: inv.VATTotal,
		CarryForward: CarryForwardDTO{
			Rent:    inv.CarryForward.Rent,
			Opex:    inv.CarryForward.Opex,
			Heating: inv.CarryForward.Heating,
			Other:   inv.CarryForward.Other,
		},
		Total:        inv.Total,
		Paid:         inv.Paid,
		Outstanding:  inv.Outstanding(),
		DueDate:      inv.DueDate.String(),
		DunningLevel: inv.DunningLevel,
		LevelName:    billing.LevelName(inv.DunningLevel),
		Status:       string(inv.Status),
	}
}

func toInvoiceDTOs(invoices []billing.Invoice) []InvoiceDTO {
	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	return dtos
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:          string(p.ID),
		TenantID:    string(p.TenantID),
		Amount:      p.Amount,
		BookingDate: p.BookingDate.String(),
		Reference:   p.Reference,
	}
	if p.InvoiceID != nil {
		dto.InvoiceID = string(*p.InvoiceID)
	}
	return dto
}

func toAdjustmentDTO(a *billing.VpiAdjustment) AdjustmentDTO {
	return AdjustmentDTO{
		ID:            a.ID,
		TenantID:      string(a.TenantID),
		BaseIndex:     a.BaseIndex,
		CurrentIndex:  a.CurrentIndex,
		OldRent:       a.OldRent,
		NewRent:       a.NewRent,
		PctChange:     a.PctChange,
		EffectiveDate: a.EffectiveDate.String(),
		Status:        string(a.Status),
		ApprovedBy:    a.ApprovedBy,
	}
}
