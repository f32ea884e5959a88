package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mitavoice/internal/bridge"
)

// The game websocket is served through the full middleware chain, so the
// metrics recorder must pass hijacking through.
func TestGameWebsocketThroughMux(t *testing.T) {
	b := bridge.New(bridge.Config{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	srv := httptest.NewServer(NewMux(&mockService{}, Options{Sound: b.Slot(), Game: b}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/game"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Slot().Set("/tmp/line.wav")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg bridge.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "sound" || msg.Path != "/tmp/line.wav" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if p := b.Slot().Peek(); p != "" {
		t.Fatalf("slot should be drained, has %q", p)
	}
}
