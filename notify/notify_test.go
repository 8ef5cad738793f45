package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/notify"
)

type fakePusher struct {
	key    string
	values []any
	err    error
}

func (p *fakePusher) LPush(_ context.Context, key string, values ...any) error {
	if p.err != nil {
		return p.err
	}
	p.key = key
	p.values = append(p.values, values...)
	return nil
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Send(context.Context, billing.Notification) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "stub-id", nil
}

var notice = billing.Notification{
	To:       "t1@example.com",
	Subject:  "Payment reminder: invoice 2025-02",
	Body:     "Dear Tenant",
	TenantID: "t1",
	ScopeID:  "mgr-1",
	Kind:     "dunning",
}

func TestOutbox_PushesJSON(t *testing.T) {
	p := &fakePusher{}
	o := notify.NewOutbox(p)
	o.Now = func() time.Time { return time.Date(2025, time.February, 24, 8, 0, 0, 0, time.UTC) }

	id, err := o.Send(context.Background(), notice)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, notify.DefaultOutboxKey, p.key)
	require.Len(t, p.values, 1)

	var msg notify.OutboxMessage
	require.NoError(t, json.Unmarshal([]byte(p.values[0].(string)), &msg))
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "t1@example.com", msg.To)
	assert.Equal(t, "dunning", msg.Kind)
	assert.Equal(t, "mgr-1", msg.ScopeID)
}

func TestOutbox_Errors(t *testing.T) {
	o := notify.NewOutbox(&fakePusher{err: errors.New("connection refused")})

	_, err := o.Send(context.Background(), notice)
	assert.ErrorContains(t, err, "connection refused")

	noRecipient := notice
	noRecipient.To = ""
	_, err = o.Send(context.Background(), noRecipient)
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestMulti_OnlyPrimaryDecides(t *testing.T) {
	// GIVEN: A working primary and a failing mirror
	// WHEN: Sending
	// THEN: The send succeeds with the primary's ID

	primary := &stubNotifier{}
	mirror := &stubNotifier{err: errors.New("no session")}
	m := notify.NewMulti(nil, primary, mirror)

	id, err := m.Send(context.Background(), notice)
	require.NoError(t, err)
	assert.Equal(t, "stub-id", id)
	assert.Equal(t, 1, mirror.calls)

	// A failing primary fails the send and skips mirrors.
	primary.err = errors.New("smtp down")
	_, err = m.Send(context.Background(), notice)
	assert.Error(t, err)
	assert.Equal(t, 1, mirror.calls)
}

func TestLog_ReturnsID(t *testing.T) {
	id, err := notify.NewLog(nil).Send(context.Background(), notice)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func dialHub(t *testing.T, hub *notify.Hub, scope billing.ScopeID) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r, scope)
	}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Connections(scope) == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func TestHub_DeliversToScope(t *testing.T) {
	// GIVEN: Sessions for two scopes
	// WHEN: A notification for mgr-1 is sent
	// THEN: Only the mgr-1 session receives it

	hub := notify.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	mine := dialHub(t, hub, "mgr-1")
	other := dialHub(t, hub, "mgr-2")

	id, err := hub.Send(ctx, notice)
	require.NoError(t, err)

	var got notify.Message
	require.NoError(t, mine.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, mine.ReadJSON(&got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "notification.dunning", got.Type)
	assert.Equal(t, "scope#mgr-1", got.Channel)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	assert.Error(t, other.ReadJSON(&got), "mgr-2 receives nothing")
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub := notify.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub, "mgr-1")
	conn.Close()

	assert.Eventually(t, func() bool { return hub.Connections("mgr-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_RequiresScope(t *testing.T) {
	n := notice
	n.ScopeID = ""
	_, err := notify.NewHub(nil).Send(context.Background(), n)
	assert.ErrorIs(t, err, billing.ErrValidation)
}
