package controller_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"judgeflow/internal/judge/controller"
	"judgeflow/internal/judge/model"

	"github.com/gorilla/websocket"
)

func TestStreamFanOutByUser(t *testing.T) {
	h := newHarness(t, controller.StreamConfig{Heartbeat: time.Hour})
	srv := h.serve(t)

	a := openStream(t, srv.URL, sessionToken(t, "A"))
	a.expect(t, `{"message":"connected"}`)
	b := openStream(t, srv.URL, sessionToken(t, "B"))
	b.expect(t, `{"message":"connected"}`)
	if n := h.bus.ListenerCount(model.EventNotification); n != 2 {
		t.Fatalf("expected 2 listeners, got %d", n)
	}

	h.bus.Emit(model.EventNotification, model.NewNotification("x", "A"))
	a.expect(t, `{"message":"new_notification"}`)
	b.expectNone(t, 100*time.Millisecond)

	h.bus.Emit(model.EventNotification, model.NewNotification("y", "A", "B"))
	a.expect(t, `{"message":"new_notification"}`)
	b.expect(t, `{"message":"new_notification"}`)

	b.cancel()
	waitFor(t, func() bool { return h.bus.ListenerCount(model.EventNotification) == 1 }, "B listener removed")

	h.bus.Emit(model.EventNotification, model.NewNotification("z", "A", "B"))
	a.expect(t, `{"message":"new_notification"}`)

	h.stream.Close()
	waitFor(t, func() bool { return h.bus.ListenerCount(model.EventNotification) == 0 }, "listeners removed on shutdown")
}

func TestStreamRejectsUnauthenticated(t *testing.T) {
	h := newHarness(t, controller.StreamConfig{})
	tests := []struct {
		name string
		path string
	}{
		{name: "no token", path: "/notifications/stream"},
		{name: "garbage token", path: "/notifications/stream?token=abc"},
		{name: "websocket without token", path: "/notifications/ws"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
		})
	}
	if n := h.bus.ListenerCount(model.EventNotification); n != 0 {
		t.Fatalf("rejected connections must not subscribe, got %d", n)
	}
}

func TestStreamConnectionCap(t *testing.T) {
	h := newHarness(t, controller.StreamConfig{Heartbeat: time.Hour, MaxConnections: 1})
	srv := h.serve(t)

	first := openStream(t, srv.URL, sessionToken(t, "A"))
	first.expect(t, `{"message":"connected"}`)

	resp, err := http.Get(srv.URL + "/notifications/stream?token=" + sessionToken(t, "B"))
	if err != nil {
		t.Fatalf("second stream request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when full, got %d", resp.StatusCode)
	}

	first.cancel()
	waitFor(t, func() bool { return h.bus.ListenerCount(model.EventNotification) == 0 }, "slot released")
	again := openStream(t, srv.URL, sessionToken(t, "B"))
	again.expect(t, `{"message":"connected"}`)
}

func TestWebSocketStream(t *testing.T) {
	h := newHarness(t, controller.StreamConfig{Heartbeat: time.Hour})
	srv := h.serve(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/notifications/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sessionToken(t, "A"))
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	_ = resp.Body.Close()
	defer conn.Close()

	var frame struct {
		Message string `json:"message"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil || frame.Message != "connected" {
		t.Fatalf("expected connected frame, got %+v err=%v", frame, err)
	}

	h.bus.Emit(model.EventNotification, model.NewNotification("x", "B"))
	h.bus.Emit(model.EventNotification, model.NewNotification("y", "A"))
	if err := conn.ReadJSON(&frame); err != nil || frame.Message != "new_notification" {
		t.Fatalf("expected notification frame, got %+v err=%v", frame, err)
	}

	_ = conn.Close()
	waitFor(t, func() bool { return h.bus.ListenerCount(model.EventNotification) == 0 }, "websocket listener removed")
}
