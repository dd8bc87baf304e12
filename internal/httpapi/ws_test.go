package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"call-processing/internal/callstate"
	"call-processing/internal/notify"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func dialDashboard(t *testing.T, ctx context.Context, a *app) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/dashboard"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) wsServerMessage {
	t.Helper()
	var m wsServerMessage
	if err := wsjson.Read(ctx, conn, &m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestDashboard_SubscribeAndReceiveUpdate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newApp(t, 0, 5)
	conn := dialDashboard(t, ctx, a)

	if err := wsjson.Write(ctx, conn, wsClientMessage{Action: "subscribe", CallID: "c1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := readMessage(t, ctx, conn); m.Type != "subscribed" || m.CallID != "c1" {
		t.Fatalf("expected subscribed ack, got %+v", m)
	}

	a.notifier.Publish(notify.Event{
		CallID:    "c1",
		State:     callstate.StateProcessingAI,
		Timestamp: time.Now(),
	})

	m := readMessage(t, ctx, conn)
	if m.Type != "call_update" || m.CallID != "c1" || m.State != "PROCESSING_AI" {
		t.Fatalf("unexpected update %+v", m)
	}
	if m.Timestamp == "" {
		t.Fatalf("update must carry a timestamp")
	}
}

func TestDashboard_SubscriptionNarrowsDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newApp(t, 0, 5)
	conn := dialDashboard(t, ctx, a)

	if err := wsjson.Write(ctx, conn, wsClientMessage{Action: "subscribe", CallID: "mine"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readMessage(t, ctx, conn) // subscribed ack

	// Updates for other calls no longer reach this connection.
	a.notifier.Publish(notify.Event{CallID: "other", State: callstate.StateCompleted, Timestamp: time.Now()})
	a.notifier.Publish(notify.Event{CallID: "mine", State: callstate.StateCompleted, Timestamp: time.Now()})

	m := readMessage(t, ctx, conn)
	if m.CallID != "mine" {
		t.Fatalf("expected update for subscribed call only, got %+v", m)
	}
}

func TestDashboard_UnscopedConnectionReceivesAllUpdates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newApp(t, 0, 5)
	conn := dialDashboard(t, ctx, a)

	a.notifier.Publish(notify.Event{CallID: "anything", State: callstate.StateFailed, Timestamp: time.Now()})

	m := readMessage(t, ctx, conn)
	if m.Type != "call_update" || m.CallID != "anything" || m.State != "FAILED" {
		t.Fatalf("unexpected update %+v", m)
	}
}

func TestDashboard_Ping(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newApp(t, 0, 5)
	conn := dialDashboard(t, ctx, a)

	if err := wsjson.Write(ctx, conn, wsClientMessage{Action: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := readMessage(t, ctx, conn); m.Type != "pong" {
		t.Fatalf("expected pong, got %+v", m)
	}
}

func TestDashboard_EndToEndCompletionEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newApp(t, 0, 5)
	conn := dialDashboard(t, ctx, a)

	if err := wsjson.Write(ctx, conn, wsClientMessage{Action: "subscribe", CallID: "c1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readMessage(t, ctx, conn) // subscribed ack

	if w := post(t, a.router, "/v1/calls/c1/stream", packetBody(0, "hello", 1)); w.Code != 202 {
		t.Fatalf("ingest: %d", w.Code)
	}

	// Commit order: PROCESSING_AI first, then COMPLETED with the result.
	first := readMessage(t, ctx, conn)
	if first.State != "PROCESSING_AI" {
		t.Fatalf("first update = %+v, want PROCESSING_AI", first)
	}
	second := readMessage(t, ctx, conn)
	if second.State != "COMPLETED" {
		t.Fatalf("second update = %+v, want COMPLETED", second)
	}
	if second.AIResult == nil || second.AIResult.Transcript == "" {
		t.Fatalf("completion update must carry the AI result, got %+v", second.AIResult)
	}
}
