package push_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flarewatch/server/internal/alert"
	"github.com/flarewatch/server/internal/auth"
	"github.com/flarewatch/server/internal/push"
	"github.com/flarewatch/server/internal/queue"
	"github.com/flarewatch/server/internal/registry"
	"github.com/flarewatch/server/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeValidator accepts the tokens in its map and rejects everything else.
type fakeValidator map[string]auth.Identity

func (v fakeValidator) Validate(token string) (auth.Identity, error) {
	id, ok := v[token]
	if !ok {
		return auth.Identity{}, errors.New("bad token")
	}
	return id, nil
}

type fixture struct {
	reg   *registry.Registry
	queue *queue.Queue
	srv   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:   registry.NewRegistry(discardLogger(), 16, alert.DefaultThresholds()),
		queue: queue.NewQueue(discardLogger(), 10, 0),
	}
	validator := fakeValidator{
		"pro-token": {UserID: "user-pro", Tier: alert.TierPro},
		"ent-token": {UserID: "user-ent", Tier: alert.TierEnterprise},
	}
	h := push.NewHandler(discardLogger(), f.reg, f.queue, validator, 2*time.Second)
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

// dial opens a WebSocket connection to the fixture server. rawQuery may be
// empty or e.g. "token=pro-token".
func (f *fixture) dial(t *testing.T, rawQuery string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	if rawQuery != "" {
		url += "?" + rawQuery
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readEnvelope reads the next frame and decodes its envelope.
func readEnvelope(t *testing.T, ws *websocket.Conn) wire.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", raw, err)
	}
	return env
}

// sendMessage writes a client command frame.
func sendMessage(t *testing.T, ws *websocket.Conn, msg wire.ClientMessage) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestConnectReceivesConnectionAck verifies the initial control frame: a
// connection envelope carrying the ID and anonymous FREE state.
func TestConnectReceivesConnectionAck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ws := f.dial(t, "")

	env := readEnvelope(t, ws)
	if env.Type != wire.TypeConnection {
		t.Fatalf("first frame type = %q, want connection", env.Type)
	}
	var data wire.ConnectionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode connection data: %v", err)
	}
	if data.ConnectionID == "" || data.Authenticated || data.Tier != "FREE" {
		t.Errorf("connection data = %+v", data)
	}

	waitFor(t, func() bool { return f.reg.Count() == 1 }, "registration")
}

// TestAuthenticateMessage verifies the in-band token handshake and the
// registry upgrade it performs.
func TestAuthenticateMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ws := f.dial(t, "")
	readEnvelope(t, ws) // connection ack

	sendMessage(t, ws, wire.ClientMessage{Type: wire.TypeAuthenticate, Token: "pro-token"})

	env := readEnvelope(t, ws)
	if env.Type != wire.TypeAuthSuccess {
		t.Fatalf("frame type = %q, want auth_success", env.Type)
	}
	var data wire.ConnectionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if !data.Authenticated || data.Tier != "PRO" {
		t.Errorf("auth_success data = %+v", data)
	}

	waitFor(t, func() bool { return f.reg.HasUser("user-pro") }, "user index entry")
}

// TestAuthenticateBadToken verifies the rejection envelope and that the
// connection stays anonymous and open.
func TestAuthenticateBadToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ws := f.dial(t, "")
	readEnvelope(t, ws)

	sendMessage(t, ws, wire.ClientMessage{Type: wire.TypeAuthenticate, Token: "nope"})

	env := readEnvelope(t, ws)
	if env.Type != wire.TypeAuthError {
		t.Fatalf("frame type = %q, want auth_error", env.Type)
	}
	var data wire.ErrorData
	_ = json.Unmarshal(env.Data, &data)
	if data.Code != "auth_failed" {
		t.Errorf("error code = %q, want auth_failed", data.Code)
	}
	if f.reg.AuthenticatedCount() != 0 {
		t.Error("failed authentication must leave the connection anonymous")
	}
}

// TestTokenQueryParameter verifies authentication via ?token= on the
// upgrade request: the connection ack itself reports the authenticated
// state and queued alerts follow it directly.
func TestTokenQueryParameter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	frame, err := wire.EncodeAlert(alert.New(alert.Prediction{
		PredictionID: "pred", Timestamp: time.Now(), Probability: 0.9, ModelVersion: "v1",
	}, alert.SeverityHigh))
	if err != nil {
		t.Fatalf("encode alert: %v", err)
	}
	f.queue.Enqueue("user-ent", frame)

	ws := f.dial(t, "token=ent-token")

	env := readEnvelope(t, ws)
	if env.Type != wire.TypeConnection {
		t.Fatalf("first frame = %q, want connection", env.Type)
	}
	var data wire.ConnectionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode connection data: %v", err)
	}
	if !data.Authenticated || data.Tier != "ENTERPRISE" {
		t.Errorf("connection data = %+v, want authenticated ENTERPRISE", data)
	}
	if env := readEnvelope(t, ws); env.Type != wire.TypeAlert {
		t.Errorf("second frame = %q, want the queued alert", env.Type)
	}
	waitFor(t, func() bool { return f.reg.HasUser("user-ent") }, "user index entry")
}

// TestQueueFlushOnAuthenticate verifies that offline alerts are delivered
// in arrival order right after the authenticated ack.
func TestQueueFlushOnAuthenticate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	for _, p := range []float64{0.85, 0.95} {
		frame, err := wire.EncodeAlert(alert.New(alert.Prediction{
			PredictionID: "pred", Timestamp: time.Now(), Probability: p, ModelVersion: "v1",
		}, alert.SeverityHigh))
		if err != nil {
			t.Fatalf("encode alert: %v", err)
		}
		f.queue.Enqueue("user-pro", frame)
	}

	ws := f.dial(t, "")
	readEnvelope(t, ws)
	sendMessage(t, ws, wire.ClientMessage{Type: wire.TypeAuthenticate, Token: "pro-token"})
	readEnvelope(t, ws) // auth_success

	var probs []float64
	for i := 0; i < 2; i++ {
		env := readEnvelope(t, ws)
		if env.Type != wire.TypeAlert {
			t.Fatalf("flushed frame %d type = %q, want alert", i, env.Type)
		}
		var data wire.AlertData
		_ = json.Unmarshal(env.Data, &data)
		probs = append(probs, data.FlareProbability)
	}
	if probs[0] != 0.85 || probs[1] != 0.95 {
		t.Errorf("flush order = %v, want [0.85 0.95]", probs)
	}
	if f.queue.Depth("user-pro") != 0 {
		t.Errorf("queue depth after flush = %d, want 0", f.queue.Depth("user-pro"))
	}
}

// TestUpdateThresholds verifies the validation and acknowledgement paths of
// the threshold update command for anonymous and authenticated connections.
func TestUpdateThresholds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ws := f.dial(t, "")
	readEnvelope(t, ws)

	custom := &alert.Thresholds{Low: 0.2, Medium: 0.5, High: 0.7}

	// Anonymous connections may customise thresholds; the High value gates
	// their FREE-tier delivery.
	sendMessage(t, ws, wire.ClientMessage{Type: wire.TypeUpdateThresholds, Thresholds: custom})
	env := readEnvelope(t, ws)
	if env.Type != wire.TypeThresholdsUpdated {
		t.Fatalf("frame type = %q, want thresholds_updated for anonymous connection", env.Type)
	}
	waitFor(t, func() bool {
		conns := f.reg.Conns()
		return len(conns) == 1 && conns[0].Thresholds() == *custom
	}, "thresholds applied to anonymous connection")

	// Invalid triple: rejected, previous values kept.
	sendMessage(t, ws, wire.ClientMessage{
		Type:       wire.TypeUpdateThresholds,
		Thresholds: &alert.Thresholds{Low: 0.9, Medium: 0.5, High: 0.2},
	})
	env = readEnvelope(t, ws)
	var errData wire.ErrorData
	_ = json.Unmarshal(env.Data, &errData)
	if env.Type != wire.TypeError || errData.Code != "invalid_thresholds" {
		t.Fatalf("frame = %q/%q, want error/invalid_thresholds", env.Type, errData.Code)
	}
	if got := f.reg.Conns()[0].Thresholds(); got != *custom {
		t.Errorf("thresholds = %+v, want unchanged %+v", got, *custom)
	}

	// Still applies after authentication.
	sendMessage(t, ws, wire.ClientMessage{Type: wire.TypeAuthenticate, Token: "pro-token"})
	readEnvelope(t, ws)

	updated := &alert.Thresholds{Low: 0.4, Medium: 0.6, High: 0.9}
	sendMessage(t, ws, wire.ClientMessage{Type: wire.TypeUpdateThresholds, Thresholds: updated})
	if env = readEnvelope(t, ws); env.Type != wire.TypeThresholdsUpdated {
		t.Fatalf("frame type = %q, want thresholds_updated", env.Type)
	}
	waitFor(t, func() bool {
		for _, c := range f.reg.ConnsForUser("user-pro") {
			if c.Thresholds() == *updated {
				return true
			}
		}
		return false
	}, "thresholds applied")
}

// TestMalformedMessagesIgnored verifies that garbage and unknown commands
// never terminate the connection.
func TestMalformedMessagesIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ws := f.dial(t, "")
	readEnvelope(t, ws)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{{{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatalf("write unknown type: %v", err)
	}

	// The connection must still respond normally.
	sendMessage(t, ws, wire.ClientMessage{Type: wire.TypeAuthenticate, Token: "pro-token"})
	if env := readEnvelope(t, ws); env.Type != wire.TypeAuthSuccess {
		t.Errorf("frame type = %q, want auth_success after junk frames", env.Type)
	}
}

// TestHeartbeatAck verifies the client heartbeat is acknowledged.
func TestHeartbeatAck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ws := f.dial(t, "")
	readEnvelope(t, ws)

	sendMessage(t, ws, wire.ClientMessage{Type: wire.TypeClientHeartbeat})
	if env := readEnvelope(t, ws); env.Type != wire.TypeHeartbeatAck {
		t.Errorf("frame type = %q, want heartbeat_ack", env.Type)
	}
}

// TestDisconnectCleansRegistry verifies that a client close removes the
// connection from both registry indexes.
func TestDisconnectCleansRegistry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ws := f.dial(t, "token=pro-token")
	readEnvelope(t, ws)
	waitFor(t, func() bool { return f.reg.HasUser("user-pro") }, "registration")

	_ = ws.Close()

	waitFor(t, func() bool { return f.reg.Count() == 0 && !f.reg.HasUser("user-pro") }, "cleanup")
}
