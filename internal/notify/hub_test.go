package notify

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

	"pharmapos/backend/internal/domain"
)

func TestHubBroadcastsSaleEvents(t *testing.T) {
	hub := NewHub("*")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.Serve))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	event := domain.SaleEvent{Type: domain.SaleEventCompleted, SaleID: "sale-1", SaleNumber: "SL-1", TotalCents: 50000, At: time.Now().UTC()}
	if err := hub.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got domain.SaleEvent
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != domain.SaleEventCompleted || got.SaleID != "sale-1" || got.TotalCents != 50000 {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub("https://pos.example")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.Serve))
	defer srv.Close()

	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	if err == nil {
		t.Fatalf("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, domain.SaleEvent) error { return f.err }

type countingNotifier struct{ n *int }

func (c countingNotifier) Notify(context.Context, domain.SaleEvent) error {
	*c.n++
	return nil
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	delivered := 0
	m := Multi{failingNotifier{err: boom}, nil, countingNotifier{n: &delivered}, Log{}}

	err := m.Notify(context.Background(), domain.SaleEvent{Type: domain.SaleEventCancelled})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected later notifiers to still run, got %d", delivered)
	}
}
