package invoicing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// INVOICE GENERATOR
// =============================================================================

// DefaultLockTTL bounds how long a crashed run can block its period.
const DefaultLockTTL = 10 * time.Minute

// Generator creates the invoices of one billing period for a scope.
//
// Generation is idempotent: tenants that already have an invoice for the
// period are skipped, and the gateway rejects a second invoice for the
// same (tenant, year, month).
type Generator struct {
	Gateway    billing.Gateway
	VAT        billing.VATTable
	Calculator *Calculator

	// Locker serializes runs per (scope, period). Optional.
	Locker  billing.Locker
	LockTTL time.Duration

	Clock  billing.Clock
	Logger *zap.Logger
	NewID  func() string
}

func NewGenerator(gw billing.Gateway, vat billing.VATTable, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		Gateway:    gw,
		VAT:        vat,
		Calculator: &Calculator{Gateway: gw},
		LockTTL:    DefaultLockTTL,
		Logger:     logger.With(zap.String("component", "invoicing")),
		NewID:      uuid.NewString,
	}
}

type GenerateRequest struct {
	ScopeID billing.ScopeID
	Year    int
	Month   time.Month
}

func (r GenerateRequest) Period() billing.BillingPeriod {
	return billing.BillingPeriod{Year: r.Year, Month: r.Month}
}

func (r GenerateRequest) Validate() error {
	if r.ScopeID == "" {
		return &billing.ValidationError{Field: "scope_id", Message: "scope is required"}
	}
	return r.Period().Validate()
}

type GenerateResult struct {
	Period                  string
	Created                 int
	Skipped                 int
	CarryForwardsCalculated int
	Failed                  billing.Failures
	Invoices                []billing.Invoice
}

// Generate runs one billing period. Per-tenant problems end up in
// Failed; only request validation, lock contention and gateway outages
// are returned as errors.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	period := req.Period()

	if g.Locker != nil {
		key := fmt.Sprintf("generate:%s:%s", req.ScopeID, period)
		release, ok, err := g.Locker.Acquire(ctx, key, g.LockTTL)
		if err != nil {
			return nil, &billing.ExternalDependencyError{Dependency: "locker", Err: err}
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", billing.ErrLocked, key)
		}
		defer release()
	}

	result := &GenerateResult{Period: period.String()}

	tenants, err := g.Gateway.ListActiveTenants(ctx, req.ScopeID)
	if err != nil {
		return nil, fmt.Errorf("list tenants for %s: %w", req.ScopeID, err)
	}

	candidates := g.eligible(tenants, result)
	if len(candidates) == 0 {
		g.logResult(req, result)
		return result, nil
	}

	// Step 1: Subtract tenants already invoiced for the period
	invoiced, err := g.invoicedTenants(ctx, period, candidates)
	if err != nil {
		return nil, err
	}
	var pending []billing.Tenant
	for _, t := range candidates {
		if invoiced[t.ID] {
			result.Skipped++
			continue
		}
		pending = append(pending, t)
	}

	// Step 2: Build invoices, with carry-forward on January runs
	now := g.Clock.Now()
	var batch []billing.Invoice
	for _, t := range pending {
		var cf billing.CarryForward
		if period.IsJanuary() {
			cf, err = g.Calculator.Calculate(ctx, t.ID, period.Year)
			if err != nil {
				g.fail(result, string(t.ID), err)
				continue
			}
			result.CarryForwardsCalculated++
		}
		inv := BuildInvoice(t, period, cf, g.VAT.Rates(t.UsageType()))
		inv.ID = billing.InvoiceID(g.NewID())
		inv.CreatedAt = now
		batch = append(batch, inv)
	}

	// Step 3: Persist
	if err := g.persist(ctx, batch, result); err != nil {
		return nil, err
	}

	g.logResult(req, result)
	return result, nil
}

// eligible drops inactive and invalid tenants and every tenant sharing a
// unit with another active tenant.
func (g *Generator) eligible(tenants []billing.Tenant, result *GenerateResult) []billing.Tenant {
	var valid []billing.Tenant
	byUnit := make(map[billing.UnitID][]billing.TenantID)
	for _, t := range tenants {
		if !t.IsActive() {
			continue
		}
		if err := t.Validate(); err != nil {
			g.fail(result, string(t.ID), err)
			continue
		}
		valid = append(valid, t)
		if t.Unit != nil && t.Unit.ID != "" {
			byUnit[t.Unit.ID] = append(byUnit[t.Unit.ID], t.ID)
		}
	}

	conflicted := make(map[billing.TenantID]bool)
	units := make([]billing.UnitID, 0, len(byUnit))
	for u := range byUnit {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	for _, u := range units {
		ids := byUnit[u]
		if len(ids) < 2 {
			continue
		}
		for _, id := range ids {
			conflicted[id] = true
			g.fail(result, string(id), &billing.InvariantViolationError{
				Invariant: "one_active_tenant_per_unit",
				RecordID:  string(id),
				Detail:    fmt.Sprintf("unit %s has %d active tenants", u, len(ids)),
			})
		}
	}

	var out []billing.Tenant
	for _, t := range valid {
		if !conflicted[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

func (g *Generator) invoicedTenants(ctx context.Context, period billing.BillingPeriod, tenants []billing.Tenant) (map[billing.TenantID]bool, error) {
	ids := make([]billing.TenantID, len(tenants))
	for i, t := range tenants {
		ids[i] = t.ID
	}
	year, month := period.Year, period.Month
	existing, err := g.Gateway.ListInvoices(ctx, billing.InvoiceFilter{TenantIDs: ids, Year: &year, Month: &month})
	if err != nil {
		return nil, fmt.Errorf("list invoices for %s: %w", period, err)
	}
	invoiced := make(map[billing.TenantID]bool, len(existing))
	for _, inv := range existing {
		invoiced[inv.TenantID] = true
	}
	return invoiced, nil
}

// persist bulk-inserts the batch. A duplicate means a concurrent writer
// got there first; retry one by one so the rest still land.
func (g *Generator) persist(ctx context.Context, batch []billing.Invoice, result *GenerateResult) error {
	if len(batch) == 0 {
		return nil
	}
	err := g.Gateway.UpsertInvoices(ctx, batch)
	if err == nil {
		result.Created = len(batch)
		result.Invoices = batch
		return nil
	}
	if !errors.Is(err, billing.ErrDuplicateInvoice) {
		return fmt.Errorf("insert invoices: %w", err)
	}

	g.Logger.Warn("bulk insert hit existing invoice, falling back to single inserts",
		zap.Int("batch", len(batch)))
	for _, inv := range batch {
		err := g.Gateway.UpsertInvoices(ctx, []billing.Invoice{inv})
		switch {
		case err == nil:
			result.Created++
			result.Invoices = append(result.Invoices, inv)
		case errors.Is(err, billing.ErrDuplicateInvoice):
			result.Skipped++
			g.fail(result, string(inv.TenantID), &billing.InvariantViolationError{
				Invariant: "one_invoice_per_period",
				RecordID:  string(inv.TenantID),
				Detail:    "invoice for " + inv.Period() + " already exists",
			})
		default:
			g.fail(result, string(inv.TenantID), err)
		}
	}
	return nil
}

func (g *Generator) fail(result *GenerateResult, recordID string, err error) {
	f := billing.NewFailure(recordID, err)
	result.Failed = append(result.Failed, f)
	g.Logger.Warn("tenant not invoiced",
		zap.String("tenant_id", recordID),
		zap.String("kind", string(f.Kind)),
		zap.Error(err))
}

func (g *Generator) logResult(req GenerateRequest, result *GenerateResult) {
	g.Logger.Info("period generated",
		zap.String("scope_id", string(req.ScopeID)),
		zap.String("period", result.Period),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
		zap.Int("carry_forwards", result.CarryForwardsCalculated),
		zap.Int("failed", len(result.Failed)))
}

// =============================================================================
// INVOICE CONSTRUCTION
// =============================================================================

// BuildInvoice computes an invoice from the tenant's charge baseline.
// Amounts are gross; VAT is extracted for disclosure and never added.
// ID and CreatedAt are left for the caller.
func BuildInvoice(t billing.Tenant, period billing.BillingPeriod, cf billing.CarryForward, rates billing.VATRates) billing.Invoice {
	rent := billing.RoundCents(t.Rent)
	opex := billing.RoundCents(t.Opex)
	heating := billing.RoundCents(t.Heating)

	rentVAT := billing.RoundCents(billing.VATFromGross(rent, rates.Rent))
	opexVAT := billing.RoundCents(billing.VATFromGross(opex, rates.Opex))
	heatingVAT := billing.RoundCents(billing.VATFromGross(heating, rates.Heating))

	return billing.Invoice{
		TenantID:     t.ID,
		ScopeID:      t.ScopeID,
		Year:         period.Year,
		Month:        period.Month,
		Rent:         rent,
		Opex:         opex,
		Heating:      heating,
		VATRates:     rates,
		RentVAT:      rentVAT,
		OpexVAT:      opexVAT,
		HeatingVAT:   heatingVAT,
		VATTotal:     billing.Sum(rentVAT, opexVAT, heatingVAT),
		CarryForward: cf,
		Total:        billing.Sum(rent, opex, heating, cf.Total()),
		DueDate:      period.DueDate(),
		Paid:         decimal.Zero,
		DunningLevel: billing.LevelOpen,
		Status:       billing.StatusOpen,
	}
}
