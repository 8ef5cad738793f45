package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/billing-engine/billing"
)

// DefaultOutboxKey is the list the mailer consumes.
const DefaultOutboxKey = "mail:outbox"

// Pusher is the part of the Redis client the outbox needs.
type Pusher interface {
	LPush(ctx context.Context, key string, values ...any) error
}

// OutboxMessage is the JSON document written to the list.
type OutboxMessage struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	TenantID string    `json:"tenant_id,omitempty"`
	ScopeID  string    `json:"scope_id,omitempty"`
	QueuedAt time.Time `json:"queued_at"`
}

type Outbox struct {
	Pusher Pusher
	Key    string
	Now    func() time.Time
}

func NewOutbox(p Pusher) *Outbox {
	return &Outbox{Pusher: p, Key: DefaultOutboxKey, Now: time.Now}
}

func (o *Outbox) Send(ctx context.Context, n billing.Notification) (string, error) {
	if n.To == "" {
		return "", &billing.ValidationError{RecordID: string(n.TenantID), Field: "to", Message: "recipient is required"}
	}
	msg := OutboxMessage{
		ID:       uuid.NewString(),
		Kind:     n.Kind,
		To:       n.To,
		Subject:  n.Subject,
		Body:     n.Body,
		TenantID: string(n.TenantID),
		ScopeID:  string(n.ScopeID),
		QueuedAt: o.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode outbox message: %w", err)
	}
	if err := o.Pusher.LPush(ctx, o.Key, string(payload)); err != nil {
		return "", fmt.Errorf("push to %s: %w", o.Key, err)
	}
	return msg.ID, nil
}

var _ billing.Notifier = (*Outbox)(nil)
