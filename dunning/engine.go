/*
Package dunning escalates overdue invoices through the collections levels.

STATE MACHINE (per invoice):
  0 open → 1 reminder → 2 first notice → 3 final notice

  Levels only ever increase. An invoice that becomes paid leaves the
  unpaid statuses and is no longer checked; its level stays for history.

ESCALATION:
  d = as-of date - due date (days overdue), outstanding = total - paid
  For every unpaid invoice with d > 0 and outstanding > 0:
    target = highest schedule level with threshold <= d
    target > current → escalate:
        interest = outstanding × rate × d/365 (0 while d <= grace days)
        total due = outstanding + fee + interest
        persist level, status overdue and timestamps in one transaction
    otherwise → nothing (re-running the same day is a no-op)

NOTIFICATIONS:
  Sent after the level is persisted, only when requested. A failed send
  is logged and counted; it never rolls back the escalation and never
  stops the batch.

SEE ALSO:
  - billing/dunning.go: DunningSchedule, TargetLevel, Interest
*/
package dunning

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Gateway  billing.Gateway
	Schedule billing.DunningSchedule
	Notifier billing.Notifier // optional
	Clock    billing.Clock
	Logger   *zap.Logger
}

func NewEngine(gw billing.Gateway, schedule billing.DunningSchedule, notifier billing.Notifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Gateway:  gw,
		Schedule: schedule,
		Notifier: notifier,
		Logger:   logger.With(zap.String("component", "dunning")),
	}
}

type CheckRequest struct {
	ScopeID    billing.ScopeID
	AsOf       billing.Date // zero means today
	SendEmails bool
	DryRun     bool // compute actions without persisting or notifying
}

// Action is one escalation, proposed or applied.
type Action struct {
	InvoiceID   billing.InvoiceID `json:"invoice_id"`
	TenantID    billing.TenantID  `json:"tenant_id"`
	Period      string            `json:"period"`
	DaysOverdue int               `json:"days_overdue"`
	FromLevel   int               `json:"from_level"`
	ToLevel     int               `json:"to_level"`
	LevelName   string            `json:"level_name"`
	Principal   decimal.Decimal   `json:"principal"`
	Fee         decimal.Decimal   `json:"fee"`
	Interest    decimal.Decimal   `json:"interest"`
	TotalDue    decimal.Decimal   `json:"total_due"`
	Applied     bool              `json:"applied"`

	NotificationID string `json:"notification_id,omitempty"`
}

type CheckResult struct {
	AsOf         string           `json:"as_of"`
	Checked      int              `json:"checked"`
	Escalated    int              `json:"escalated"`
	EmailsSent   int              `json:"emails_sent"`
	EmailsFailed int              `json:"emails_failed"`
	Actions      []Action         `json:"actions"`
	Failed       billing.Failures `json:"failed"`
}

// Evaluate decides whether inv escalates on asOf. ok is false when it
// does not. Pure.
func (e *Engine) Evaluate(inv billing.Invoice, asOf billing.Date) (Action, bool) {
	days := billing.DaysBetween(inv.DueDate, asOf)
	outstanding := inv.Outstanding()
	if days <= 0 || !outstanding.IsPositive() {
		return Action{}, false
	}

	target := e.Schedule.TargetLevel(days)
	if target.Level <= inv.DunningLevel {
		return Action{}, false
	}

	principal := billing.RoundCents(outstanding)
	fee := billing.RoundCents(target.Fee)
	interest := e.Schedule.Interest(principal, target, days)
	return Action{
		InvoiceID:   inv.ID,
		TenantID:    inv.TenantID,
		Period:      inv.Period(),
		DaysOverdue: days,
		FromLevel:   inv.DunningLevel,
		ToLevel:     target.Level,
		LevelName:   billing.LevelName(target.Level),
		Principal:   principal,
		Fee:         fee,
		Interest:    interest,
		TotalDue:    billing.Sum(principal, fee, interest),
	}, true
}

// Check runs one escalation pass over a scope.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	if req.ScopeID == "" {
		return nil, &billing.ValidationError{Field: "scope_id", Message: "scope is required"}
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = e.Clock.Today()
	}
	result := &CheckResult{AsOf: asOf.String(), Actions: []Action{}}

	invoices, err := e.Gateway.ListInvoices(ctx, billing.InvoiceFilter{
		ScopeID:  &req.ScopeID,
		Statuses: billing.UnpaidStatuses,
	})
	if err != nil {
		return nil, fmt.Errorf("list unpaid invoices for %s: %w", req.ScopeID, err)
	}

	for _, inv := range invoices {
		if billing.DaysBetween(inv.DueDate, asOf) > 0 && inv.Outstanding().IsPositive() {
			result.Checked++
		}
		action, ok := e.Evaluate(inv, asOf)
		if !ok {
			continue
		}
		if req.DryRun {
			result.Actions = append(result.Actions, action)
			continue
		}

		applied, err := e.escalate(ctx, inv, asOf)
		if err != nil {
			e.fail(result, string(inv.ID), err)
			continue
		}
		if !applied {
			// Escalated concurrently since we listed it.
			continue
		}
		action.Applied = true
		result.Escalated++

		if req.SendEmails && e.Notifier != nil {
			id, err := e.notify(ctx, action)
			if err != nil {
				result.EmailsFailed++
				e.Logger.Warn("dunning notice not sent",
					zap.String("invoice_id", string(inv.ID)),
					zap.String("tenant_id", string(inv.TenantID)),
					zap.Int("level", action.ToLevel),
					zap.Error(err))
			} else {
				result.EmailsSent++
				action.NotificationID = id
			}
		}
		result.Actions = append(result.Actions, action)
	}

	e.Logger.Info("dunning check finished",
		zap.String("scope_id", string(req.ScopeID)),
		zap.String("as_of", result.AsOf),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("checked", result.Checked),
		zap.Int("escalated", result.Escalated),
		zap.Int("emails_sent", result.EmailsSent),
		zap.Int("emails_failed", result.EmailsFailed),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// escalate re-evaluates the invoice inside a transaction and persists
// level, status and timestamps together.
func (e *Engine) escalate(ctx context.Context, inv billing.Invoice, asOf billing.Date) (bool, error) {
	applied := false
	err := billing.WithTx(ctx, e.Gateway, func(tx billing.Gateway) error {
		current, err := billing.FindInvoice(ctx, tx, inv.TenantID, inv.ID)
		if err != nil {
			return err
		}
		action, ok := e.Evaluate(*current, asOf)
		if !ok {
			return nil
		}

		now := e.Clock.Now()
		level := action.ToLevel
		status := billing.StatusOverdue
		patch := billing.InvoicePatch{
			DunningLevel:  &level,
			Status:        &status,
			LastDunningAt: &now,
		}
		if level == billing.LevelReminder {
			patch.LastReminderAt = &now
		}
		if err := tx.UpdateInvoice(ctx, inv.ID, patch); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (e *Engine) notify(ctx context.Context, a Action) (string, error) {
	tenant, err := e.Gateway.GetTenant(ctx, a.TenantID)
	if err != nil {
		return "", err
	}
	if tenant.Email == "" {
		return "", &billing.ValidationError{RecordID: string(a.TenantID), Field: "email", Message: "no email address"}
	}
	id, err := e.Notifier.Send(ctx, Notice(*tenant, a))
	if err != nil {
		return "", &billing.ExternalDependencyError{Dependency: "notifier", Err: err}
	}
	return id, nil
}

func (e *Engine) fail(result *CheckResult, recordID string, err error) {
	f := billing.NewFailure(recordID, err)
	result.Failed = append(result.Failed, f)
	e.Logger.Warn("invoice not escalated",
		zap.String("invoice_id", recordID),
		zap.String("kind", string(f.Kind)),
		zap.Error(err))
}

// =============================================================================
// NOTICE TEXT
// =============================================================================

var subjects = map[int]string{
	billing.LevelReminder:    "Payment reminder",
	billing.LevelFirstNotice: "First dunning notice",
	billing.LevelFinalNotice: "Final dunning notice",
}

// Notice renders the notification for an escalation.
func Notice(t billing.Tenant, a Action) billing.Notification {
	subject := subjects[a.ToLevel]
	if subject == "" {
		subject = "Outstanding balance"
	}
	body := fmt.Sprintf(
		"Dear %s,\n\nyour invoice for %s is %d days overdue.\n\n"+
			"Outstanding:   %s EUR\nDunning fee:   %s EUR\nInterest:      %s EUR\nTotal due:     %s EUR\n",
		t.Name, a.Period, a.DaysOverdue,
		a.Principal.StringFixed(2), a.Fee.StringFixed(2), a.Interest.StringFixed(2), a.TotalDue.StringFixed(2))
	return billing.Notification{
		To:       t.Email,
		Subject:  fmt.Sprintf("%s: invoice %s", subject, a.Period),
		Body:     body,
		TenantID: t.ID,
		ScopeID:  t.ScopeID,
		Kind:     "dunning",
	}
}
