package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quantsail/pkg/types"
)

func dialStream(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { conn.Close() })
	return conn, nil
}

func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) (streamEnvelope, error) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatal(err)
	}
	var env streamEnvelope
	err := conn.ReadJSON(&env)
	return env, err
}

func TestStreamRejectsWithoutToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	conn, err := dialStream(t, ts, "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = readEnvelope(t, conn, time.Second)
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want close 1008", err)
	}
}

func TestStreamRejectsInvalidCursor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.addUser(t, "dev@example.com", types.RoleDeveloper)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	conn, err := dialStream(t, ts, "token="+token+"&cursor=banana")
	if err != nil {
		t.Fatal(err)
	}
	_, err = readEnvelope(t, conn, time.Second)
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("err = %v, want close 1003", err)
	}
}

func TestStreamResumeFromCursor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.addUser(t, "owner@example.com", types.RoleOwner)
	ctx := context.Background()

	first, err := f.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "trade.opened", Symbol: "BTC/USDT",
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.repo.Emit(ctx, types.EventDraft{
		Level: types.LevelInfo, Type: "trade.closed", Symbol: "BTC/USDT",
		Payload: map[string]any{"idempotency_key": "QS-x-ENTRY", "pnl_usd": 12.5},
	})
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	conn, err := dialStream(t, ts, "token="+token+"&cursor="+itoa(first.Seq))
	if err != nil {
		t.Fatal(err)
	}

	env, err := readEnvelope(t, conn, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "event" || env.Cursor != second.Seq || env.EventType != "trade.closed" {
		t.Fatalf("envelope = %+v, want trade.closed at seq %d", env, second.Seq)
	}
	if _, leaked := env.Payload["idempotency_key"]; leaked {
		t.Error("stream payload not redacted")
	}
	if env.Payload["pnl_usd"] == nil {
		t.Error("safe payload key missing from stream")
	}

	// Nothing new: the next message is the idle status heartbeat.
	env, err = readEnvelope(t, conn, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "status" {
		t.Fatalf("type = %s, want status heartbeat", env.Type)
	}
}

func TestStreamDeliversNewEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.addUser(t, "ceo@example.com", types.RoleCEO)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	conn, err := dialStream(t, ts, "token="+token)
	if err != nil {
		t.Fatal(err)
	}

	ev, err := f.repo.Emit(context.Background(), types.EventDraft{
		Level: types.LevelWarn, Type: "breaker.triggered", Symbol: "ETH/USDT",
	})
	if err != nil {
		t.Fatal(err)
	}

	env, rerr := readEnvelope(t, conn, 2*time.Second)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if env.EventType != "breaker.triggered" || env.Cursor != ev.Seq {
		t.Fatalf("envelope = %+v, want breaker.triggered at seq %d", env, ev.Seq)
	}
}
