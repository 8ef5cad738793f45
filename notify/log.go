/*
Package notify delivers billing notifications.

IMPLEMENTATIONS (all satisfy billing.Notifier):
  Log     writes the notification to the structured log. Default in dev.
  Outbox  pushes the notification as JSON onto a Redis list. The external
          mailer pops it and sends the email.
  Hub     pushes the notification over websocket to back-office sessions
          of the same manager scope.
  Multi   sends through a primary and mirrors to the others.

Only the primary of a Multi decides success. A mirror that fails is logged
and ignored, so a closed browser tab never counts as a failed email.
*/
package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// Log is a Notifier that only logs.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.With(zap.String("component", "notify.log"))}
}

func (l *Log) Send(_ context.Context, n billing.Notification) (string, error) {
	id := uuid.NewString()
	l.logger.Info("notification",
		zap.String("id", id),
		zap.String("kind", n.Kind),
		zap.String("to", n.To),
		zap.String("tenant_id", string(n.TenantID)),
		zap.String("subject", n.Subject))
	return id, nil
}

var _ billing.Notifier = (*Log)(nil)
