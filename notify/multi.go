package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// Multi sends through Primary and copies to Mirrors.
type Multi struct {
	Primary billing.Notifier
	Mirrors []billing.Notifier
	Logger  *zap.Logger
}

func NewMulti(logger *zap.Logger, primary billing.Notifier, mirrors ...billing.Notifier) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{Primary: primary, Mirrors: mirrors, Logger: logger.With(zap.String("component", "notify.multi"))}
}

func (m *Multi) Send(ctx context.Context, n billing.Notification) (string, error) {
	id, err := m.Primary.Send(ctx, n)
	if err != nil {
		return "", err
	}
	for _, mirror := range m.Mirrors {
		if _, merr := mirror.Send(ctx, n); merr != nil {
			m.Logger.Warn("mirror notification failed",
				zap.String("kind", n.Kind),
				zap.String("tenant_id", string(n.TenantID)),
				zap.Error(merr))
		}
	}
	return id, nil
}

var _ billing.Notifier = (*Multi)(nil)
