/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built data sets that populate a scope with realistic tenants,
	invoices and payments, so every engine has something to work on right
	after startup. Dates are relative to "today".

AVAILABLE SCENARIOS:

	arrears:   Three tenants with invoices 1-3 months overdue (dunning)
	year-end:  Prior-year shortfall and overpayment (January carry-forward)
	indexed:   Tenants with an index baseline of 100 (VPI check/apply)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "arrears", "scope_id": "demo"}

NOTE:

	Scenarios never delete data. Loading the same scenario twice into one
	scope fails with a duplicate invoice conflict.

SEE ALSO:
  - handlers.go: Engine endpoints
  - invoicing/generator.go: BuildInvoice
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/invoicing"
)

// DefaultScenarioScope is used when a load request names no scope.
const DefaultScenarioScope = "demo"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, h *Handler, scope billing.ScopeID) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "arrears",
			Name:        "Arrears",
			Description: "Invoices one to three months overdue, one partially paid",
		},
		load: loadArrearsScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "year-end",
			Name:        "Year-End Carry-Forward",
			Description: "Last year's shortfall and overpayment, ready for the January run",
		},
		load: loadYearEndScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "indexed",
			Name:        "Indexed Rents",
			Description: "Tenants with index baseline 100 for a VPI check",
		},
		load: loadIndexedScenario,
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario seeds a scope with a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	scope := billing.ScopeID(req.ScopeID)
	if scope == "" {
		scope = DefaultScenarioScope
	}

	for _, s := range scenarios {
		if s.ID != req.ScenarioID {
			continue
		}
		if err := s.load(r.Context(), h, scope); err != nil {
			h.writeEngineError(w, "Failed to load scenario", err)
			return
		}
		h.Logger.Info("scenario loaded", zap.String("scenario", s.ID), zap.String("scope_id", string(scope)))
		writeJSON(w, http.StatusOK, map[string]string{"scenario_id": s.ID, "scope_id": string(scope)})
		return
	}
	writeError(w, http.StatusNotFound, "Unknown scenario", &billing.NotFoundError{Kind: "scenario", ID: req.ScenarioID})
}

// =============================================================================
// LOADERS
// =============================================================================

func demoTenant(scope billing.ScopeID, id, unit string, usage billing.UsageType, name string, rent, opex, heating string) billing.Tenant {
	return billing.Tenant{
		ID:            billing.TenantID(fmt.Sprintf("%s-%s", scope, id)),
		ScopeID:       scope,
		Unit:          &billing.Unit{ID: billing.UnitID(fmt.Sprintf("%s-%s", scope, unit)), UsageType: usage},
		Name:          name,
		Email:         id + "@example.com",
		Status:        billing.LeaseActive,
		LeaseStart:    billing.NewDate(2021, time.March, 1),
		Rent:          decimal.RequireFromString(rent),
		Opex:          decimal.RequireFromString(opex),
		Heating:       decimal.RequireFromString(heating),
		IndexBaseline: decimal.NewFromInt(100),
	}
}

func (h *Handler) saveTenants(ctx context.Context, tenants ...billing.Tenant) error {
	for _, t := range tenants {
		if err := h.Store.SaveTenant(ctx, t); err != nil {
			return fmt.Errorf("save tenant %s: %w", t.ID, err)
		}
	}
	return nil
}

// demoInvoice builds the invoice the generator would have produced for
// period, with paid already booked against it.
func (h *Handler) demoInvoice(t billing.Tenant, period billing.BillingPeriod, paid decimal.Decimal) billing.Invoice {
	inv := invoicing.BuildInvoice(t, period, billing.CarryForward{}, h.Generator.VAT.Rates(t.UsageType()))
	inv.ID = billing.InvoiceID(fmt.Sprintf("%s-%04d-%02d", t.ID, period.Year, int(period.Month)))
	inv.CreatedAt = period.DueDate().AddDays(-4).Time
	inv.Paid = paid
	switch {
	case !paid.IsPositive():
	case paid.GreaterThanOrEqual(inv.Total):
		inv.Status = billing.StatusPaid
	default:
		inv.Status = billing.StatusPartiallyPaid
	}
	return inv
}

func monthsAgo(today billing.Date, n int) billing.BillingPeriod {
	d := billing.StartOfMonth(today.Year(), today.Month()).AddMonths(-n)
	return billing.BillingPeriod{Year: d.Year(), Month: d.Month()}
}

func loadArrearsScenario(ctx context.Context, h *Handler, scope billing.ScopeID) error {
	anna := demoTenant(scope, "anna", "top-1", billing.UsageResidential, "Anna Berger", "850.00", "140.00", "75.00")
	cafe := demoTenant(scope, "cafe", "shop-1", billing.UsageBusiness, "Café Central GmbH", "2400.00", "380.00", "210.00")
	garage := demoTenant(scope, "max", "garage-3", billing.UsageGarage, "Max Huber", "95.00", "12.00", "0")
	if err := h.saveTenants(ctx, anna, cafe, garage); err != nil {
		return err
	}

	today := h.Clock.Today()
	var invoices []billing.Invoice
	for n := 3; n >= 1; n-- {
		period := monthsAgo(today, n)
		invoices = append(invoices,
			h.demoInvoice(anna, period, decimal.Zero),
			h.demoInvoice(garage, period, decimal.NewFromInt(107)),
		)
	}
	invoices = append(invoices, h.demoInvoice(cafe, monthsAgo(today, 2), decimal.NewFromInt(1500)))
	return h.Store.UpsertInvoices(ctx, invoices)
}

func loadYearEndScenario(ctx context.Context, h *Handler, scope billing.ScopeID) error {
	lena := demoTenant(scope, "lena", "top-4", billing.UsageResidential, "Lena Wagner", "720.00", "110.00", "65.00")
	office := demoTenant(scope, "office", "office-2", billing.UsageBusiness, "Kanzlei Gruber", "1800.00", "260.00", "150.00")
	if err := h.saveTenants(ctx, lena, office); err != nil {
		return err
	}

	prior := h.Clock.Today().Year() - 1
	var invoices []billing.Invoice
	for _, month := range []time.Month{time.October, time.November, time.December} {
		period := billing.BillingPeriod{Year: prior, Month: month}
		lenaPaid := decimal.Zero
		if month == time.October {
			lenaPaid = decimal.RequireFromString("895.00")
		}
		invoices = append(invoices,
			h.demoInvoice(lena, period, lenaPaid),
			h.demoInvoice(office, period, decimal.RequireFromString("2210.00")),
		)
	}
	if err := h.Store.UpsertInvoices(ctx, invoices); err != nil {
		return err
	}

	// Lena pays one month of three; the office pays a little more than owed.
	receipts := []billing.Payment{
		{TenantID: lena.ID, Amount: decimal.RequireFromString("895.00"), BookingDate: billing.NewDate(prior, time.November, 3), Reference: "Miete Oktober"},
		{TenantID: office.ID, Amount: decimal.RequireFromString("6700.00"), BookingDate: billing.NewDate(prior, time.December, 2), Reference: "Q4"},
	}
	for i, p := range receipts {
		p.ID = billing.PaymentID(fmt.Sprintf("%s-%d-%d", scope, prior, i+1))
		p.CreatedAt = p.BookingDate.Time
		if err := h.Store.CreatePayment(ctx, p); err != nil {
			return fmt.Errorf("record payment %s: %w", p.ID, err)
		}
	}
	return nil
}

func loadIndexedScenario(ctx context.Context, h *Handler, scope billing.ScopeID) error {
	return h.saveTenants(ctx,
		demoTenant(scope, "eva", "top-7", billing.UsageResidential, "Eva Steiner", "812.34", "120.00", "80.00"),
		demoTenant(scope, "praxis", "shop-2", billing.UsageBusiness, "Praxis Dr. Koller", "1950.00", "240.00", "130.00"),
	)
}
