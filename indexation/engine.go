/*
Package indexation links rents to the consumer price index (VPI).

PURPOSE:
  Detects tenants whose rent may be raised because the published index
  moved past a threshold since their baseline, and applies an increase
  once an operator confirms it.

TWO OPERATIONS:
  Detect: read-only. Returns proposals, never writes.
  Apply:  the only mutating path. Re-checks eligibility, then in one
          transaction writes a VpiAdjustment, a RentHistoryEntry and the
          tenant's new rent, baseline and last-adjustment timestamp.

ELIGIBILITY:
  pct = (current - baseline) / baseline
  pct < threshold                         → not eligible
  last adjustment in the same publication
  period as the index value               → not eligible
  otherwise newRent = round(rent × (1 + pct))

SEE ALSO:
  - billing/period.go: Cadence.PeriodFor
  - factory/jurisdiction.go: threshold and cadence from JSON
*/
package indexation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	Threshold decimal.Decimal // fraction, 0.05 = 5%
	Cadence   billing.Cadence
}

// DefaultConfig is a 5% threshold on a monthly published index.
func DefaultConfig() Config {
	return Config{Threshold: decimal.New(5, -2), Cadence: billing.CadenceMonthly}
}

// =============================================================================
// TYPES
// =============================================================================

// IndexValue is one published index figure.
type IndexValue struct {
	Value       decimal.Decimal
	PublishedAt billing.Date
}

func (v IndexValue) Validate() error {
	if !v.Value.IsPositive() {
		return &billing.ValidationError{Field: "index_value", Message: "index value must be positive"}
	}
	if v.PublishedAt.IsZero() {
		return &billing.ValidationError{Field: "published_at", Message: "publication date is required"}
	}
	return nil
}

// Proposal is a rent increase Detect found.
type Proposal struct {
	TenantID     billing.TenantID `json:"tenant_id"`
	TenantName   string           `json:"tenant_name"`
	BaseIndex    decimal.Decimal  `json:"base_index"`
	CurrentIndex decimal.Decimal  `json:"current_index"`
	PctChange    decimal.Decimal  `json:"pct_change"`
	OldRent      decimal.Decimal  `json:"old_rent"`
	NewRent      decimal.Decimal  `json:"new_rent"`
}

func (p Proposal) Increase() decimal.Decimal { return p.NewRent.Sub(p.OldRent) }

type DetectResult struct {
	Index     IndexValue
	Checked   int
	Skipped   int
	Proposals []Proposal
	Failed    billing.Failures
}

type ApplyRequest struct {
	TenantID      billing.TenantID
	Index         IndexValue
	EffectiveDate billing.Date // zero means today
	ApprovedBy    string
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Gateway  billing.Gateway
	Config   Config
	Notifier billing.Notifier // optional, informs the tenant after Apply
	Clock    billing.Clock
	Logger   *zap.Logger
	NewID    func() string
}

func NewEngine(gw billing.Gateway, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Gateway: gw,
		Config:  cfg,
		Logger:  logger.With(zap.String("component", "indexation")),
		NewID:   uuid.NewString,
	}
}

// Evaluate checks one tenant against an index value. A tenant without a
// usable baseline is a validation error. Pure.
func (e *Engine) Evaluate(t billing.Tenant, index IndexValue) (Proposal, bool, error) {
	if !t.IndexBaseline.IsPositive() {
		return Proposal{}, false, &billing.ValidationError{
			RecordID: string(t.ID), Field: "index_baseline", Message: "no baseline index value",
		}
	}

	pct := index.Value.Sub(t.IndexBaseline).Div(t.IndexBaseline)
	if pct.LessThan(e.Config.Threshold) {
		return Proposal{}, false, nil
	}
	if t.LastIndexAdjustment != nil {
		published := e.Config.Cadence.PeriodFor(index.PublishedAt)
		if published.Contains(billing.DateOf(*t.LastIndexAdjustment)) {
			return Proposal{}, false, nil
		}
	}

	return Proposal{
		TenantID:     t.ID,
		TenantName:   t.Name,
		BaseIndex:    t.IndexBaseline,
		CurrentIndex: index.Value,
		PctChange:    pct,
		OldRent:      t.Rent,
		NewRent:      billing.RoundCents(t.Rent.Mul(decimal.NewFromInt(1).Add(pct))),
	}, true, nil
}

// Detect lists the rent increases the index value justifies. Read-only.
func (e *Engine) Detect(ctx context.Context, scope billing.ScopeID, index IndexValue) (*DetectResult, error) {
	if scope == "" {
		return nil, &billing.ValidationError{Field: "scope_id", Message: "scope is required"}
	}
	if err := index.Validate(); err != nil {
		return nil, err
	}

	tenants, err := e.Gateway.ListActiveTenants(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list tenants for %s: %w", scope, err)
	}

	result := &DetectResult{Index: index, Proposals: []Proposal{}}
	for _, t := range tenants {
		if !t.IsActive() {
			continue
		}
		result.Checked++
		p, ok, err := e.Evaluate(t, index)
		switch {
		case err != nil:
			result.Failed = append(result.Failed, billing.NewFailure(string(t.ID), err))
		case !ok:
			result.Skipped++
		default:
			result.Proposals = append(result.Proposals, p)
		}
	}

	e.Logger.Info("index check finished",
		zap.String("scope_id", string(scope)),
		zap.String("index_value", index.Value.String()),
		zap.String("published_at", index.PublishedAt.String()),
		zap.Int("checked", result.Checked),
		zap.Int("proposals", len(result.Proposals)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// Apply performs one operator-confirmed rent adjustment. Returns
// ErrNotEligible when Detect would not propose it.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (*billing.VpiAdjustment, error) {
	if req.TenantID == "" {
		return nil, &billing.ValidationError{Field: "tenant_id", Message: "tenant is required"}
	}
	if err := req.Index.Validate(); err != nil {
		return nil, err
	}
	effective := req.EffectiveDate
	if effective.IsZero() {
		effective = e.Clock.Today()
	}

	var adj *billing.VpiAdjustment
	var tenant billing.Tenant
	err := billing.WithTx(ctx, e.Gateway, func(tx billing.Gateway) error {
		t, err := tx.GetTenant(ctx, req.TenantID)
		if err != nil {
			return err
		}
		if !t.IsActive() {
			return fmt.Errorf("%w: tenant %s has no active lease", billing.ErrNotEligible, t.ID)
		}
		p, ok, err := e.Evaluate(*t, req.Index)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: tenant %s at index %s", billing.ErrNotEligible, t.ID, req.Index.Value)
		}

		now := e.Clock.Now()
		adj = &billing.VpiAdjustment{
			ID:            e.NewID(),
			TenantID:      t.ID,
			BaseIndex:     p.BaseIndex,
			CurrentIndex:  p.CurrentIndex,
			OldRent:       p.OldRent,
			NewRent:       p.NewRent,
			PctChange:     p.PctChange,
			EffectiveDate: effective,
			Status:        billing.AdjustmentApplied,
			ApprovedBy:    req.ApprovedBy,
			CreatedAt:     now,
		}
		history := &billing.RentHistoryEntry{
			ID:            e.NewID(),
			TenantID:      t.ID,
			OldRent:       p.OldRent,
			NewRent:       p.NewRent,
			EffectiveDate: effective,
			Reason:        fmt.Sprintf("VPI adjustment %s -> %s (%s%%)", p.BaseIndex, p.CurrentIndex, p.PctChange.Shift(2).StringFixed(2)),
			AdjustmentID:  adj.ID,
			CreatedAt:     now,
		}
		if err := tx.CreateAuditRecord(ctx, adj); err != nil {
			return err
		}
		if err := tx.CreateAuditRecord(ctx, history); err != nil {
			return err
		}
		tenant = *t
		return tx.UpdateTenant(ctx, t.ID, billing.TenantPatch{
			Rent:                &p.NewRent,
			IndexBaseline:       &p.CurrentIndex,
			LastIndexAdjustment: &now,
		})
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("rent adjusted",
		zap.String("tenant_id", string(adj.TenantID)),
		zap.String("old_rent", adj.OldRent.StringFixed(2)),
		zap.String("new_rent", adj.NewRent.StringFixed(2)),
		zap.String("effective", adj.EffectiveDate.String()),
		zap.String("approved_by", adj.ApprovedBy))

	e.notify(ctx, tenant, adj)
	return adj, nil
}

func (e *Engine) notify(ctx context.Context, t billing.Tenant, adj *billing.VpiAdjustment) {
	if e.Notifier == nil || t.Email == "" {
		return
	}
	_, err := e.Notifier.Send(ctx, billing.Notification{
		To:       t.Email,
		Subject:  "Rent adjustment effective " + adj.EffectiveDate.String(),
		Body:     fmt.Sprintf("Dear %s,\n\nyour rent changes from %s EUR to %s EUR as of %s following the consumer price index.\n", t.Name, adj.OldRent.StringFixed(2), adj.NewRent.StringFixed(2), adj.EffectiveDate),
		TenantID: t.ID,
		ScopeID:  t.ScopeID,
		Kind:     "vpi",
	})
	if err != nil {
		e.Logger.Warn("rent adjustment notice not sent", zap.String("tenant_id", string(t.ID)), zap.Error(err))
	}
}
