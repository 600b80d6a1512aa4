package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/cover"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/config"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
)

func withAuth(d *Deps) {
	d.Config.Auth.JWTSecret = testSecret
}

func bearer(t *testing.T, secret string, ttl time.Duration) http.Header {
	t.Helper()
	token, err := MintToken(secret, "homeassistant", ttl)
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestAuth_DisabledAllowsAll(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodGet, "/api/v1/covers", nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAuth_RequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, withAuth)

	rec := env.do(t, http.MethodGet, "/api/v1/covers", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("WWW-Authenticate header missing")
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/covers", bearer(t, testSecret, time.Hour)); rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rec.Code)
	}

	// Health stays open for probes.
	if rec := env.do(t, http.MethodGet, "/api/v1/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	env := newTestEnv(t, withAuth)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "someone-else"}).
		SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	tests := map[string]http.Header{
		"wrong secret": bearer(t, "another-secret-that-is-long-enough-1234", time.Hour),
		"expired":      {"Authorization": {"Bearer " + expiredToken}},
		"wrong issuer": {"Authorization": {"Bearer " + wrongIssuer}},
		"not bearer":   {"Authorization": {"Basic YWRtaW46YWRtaW4="}},
		"empty bearer": {"Authorization": {"Bearer "}},
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			if rec := env.do(t, http.MethodGet, "/api/v1/covers", header); rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestMintToken(t *testing.T) {
	if _, err := MintToken("", "x", time.Hour); err == nil {
		t.Error("MintToken(empty secret) expected error")
	}

	env := newTestEnv(t, withAuth)
	token, err := MintToken(testSecret, "cli", 0)
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}
	subject, err := env.srv.verifyToken(token)
	if err != nil || subject != "cli" {
		t.Errorf("verifyToken() = %q, %v", subject, err)
	}
}

func TestTicketStore(t *testing.T) {
	ts := newTicketStore()
	ticket := ts.issue()

	if !ts.redeem(ticket) {
		t.Fatal("first redeem should succeed")
	}
	if ts.redeem(ticket) {
		t.Error("second redeem should fail")
	}

	expired := ts.issue()
	ts.mu.Lock()
	ts.tickets[expired] = time.Now().Add(-time.Second)
	ts.mu.Unlock()
	ts.clean()
	if ts.redeem(expired) {
		t.Error("expired ticket should not redeem")
	}
}

// startWS serves env over a real listener and returns its ws:// base URL.
func startWS(t *testing.T, env *testEnv) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.srv.hub.Run(ctx)

	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
}

func dialWS(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // Test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, channels ...string) {
	t.Helper()
	if err := conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "sub", Payload: WSSubscribePayload{Channels: channels}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypeResponse || msg.ID != "sub" {
		t.Fatalf("subscribe response = %+v", msg)
	}
}

func TestWebSocket_BroadcastsSubscribedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, startWS(t, env), nil)
	subscribe(t, conn, ChannelCoverStateChanged, ChannelConnectionChanged)

	// Not subscribed; must not arrive.
	env.srv.SensorRemoved("temp")

	env.srv.CoverTransition(cover.Transition{Motor: "door", From: cover.StateClosed, To: cover.StateOpening, Intent: cover.IntentOpen, CommandID: "c1"})
	msg := readMessage(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelCoverStateChanged {
		t.Fatalf("event = %+v", msg)
	}
	payload := msg.Payload.(map[string]any)
	if payload["motor"] != "door" || payload["to"] != "opening" || payload["command_id"] != "c1" {
		t.Errorf("payload = %v", payload)
	}

	env.srv.ConnectionChanged(connection.Event{State: connection.StateBackoff, Kind: connection.KindUnreachable, Err: errors.New("refused"), At: time.Now()})
	msg = readMessage(t, conn)
	if msg.EventType != ChannelConnectionChanged {
		t.Fatalf("event type = %q", msg.EventType)
	}
	if p := msg.Payload.(map[string]any); p["kind"] != "unreachable" || p["error"] != "refused" {
		t.Errorf("payload = %v", p)
	}
}

func TestWebSocket_PingAndErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, startWS(t, env), nil)

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("ping response = %+v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypeError {
		t.Errorf("invalid JSON response = %+v", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "s", Payload: map[string]any{}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypeError || msg.ID != "s" {
		t.Errorf("empty subscribe response = %+v", msg)
	}
}

func TestWebSocket_Auth(t *testing.T) {
	env := newTestEnv(t, withAuth)
	url := startWS(t, env)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() without credentials expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}
	resp.Body.Close()

	rec := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", bearer(t, testSecret, time.Hour))
	if rec.Code != http.StatusOK {
		t.Fatalf("ws-ticket status = %d, want 200", rec.Code)
	}
	var body struct {
		Ticket string `json:"ticket"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Ticket == "" {
		t.Fatalf("ticket body = %s", rec.Body.String())
	}

	conn := dialWS(t, url+"?ticket="+body.Ticket, nil)
	subscribe(t, conn, ChannelSensorRemoved)

	// Tickets are single use.
	if _, resp, err := websocket.DefaultDialer.Dial(url+"?ticket="+body.Ticket, nil); err == nil {
		t.Error("reused ticket expected error")
	} else if resp != nil {
		resp.Body.Close()
	}

	// Non-browser clients may send the bearer header directly.
	dialWS(t, url, bearer(t, testSecret, time.Hour))
}

func TestHub_ClientCountAndCloseAll(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Nop())
	client := &WSClient{hub: hub, send: make(chan []byte, 1), subscriptions: map[string]struct{}{"x": {}}}

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", hub.ClientCount())
	}

	hub.Broadcast("x", map[string]string{"a": "b"})
	if len(client.send) != 1 {
		t.Errorf("queued = %d, want 1", len(client.send))
	}
	// Full buffer drops rather than blocks.
	hub.Broadcast("x", nil)

	hub.closeAll()
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() after closeAll = %d, want 0", hub.ClientCount())
	}
	// Unregister after closeAll must not double-close.
	hub.Unregister(client)
}

func TestNewHub_Defaults(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, nil)
	if hub.cfg.MaxMessageSize != 8192 || hub.cfg.PingInterval != 30 || hub.cfg.PongTimeout != 10 {
		t.Errorf("defaults = %+v", hub.cfg)
	}
}
