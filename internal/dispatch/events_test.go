package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/watchd/internal/auth"
	"pkt.systems/watchd/internal/httpconn"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{"type": "CheckResult", "host": "web-1"})
	select {
	case event := <-sub:
		if event["host"] != "web-1" {
			t.Fatalf("unexpected event: %v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("event never delivered")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{"seq": 1})
	bus.Publish(Event{"seq": 2})

	first := <-sub
	if first["seq"] != 1 {
		t.Fatalf("unexpected first event: %v", first)
	}
	select {
	case event := <-sub:
		t.Fatalf("overflow event should have been dropped, got %v", event)
	default:
	}
}

func TestBusCancelIdempotent(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	if got := bus.Subscribers(); got != 1 {
		t.Fatalf("expected one subscriber, got %d", got)
	}
	cancel()
	cancel()
	if got := bus.Subscribers(); got != 0 {
		t.Fatalf("expected zero subscribers after cancel, got %d", got)
	}
}

func TestEventsHandlerRejectsNonPost(t *testing.T) {
	h := NewEventsHandler(NewBus())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	req.Header.Set("Accept", "application/json")
	resp := httpconn.NewResponse()
	if err := h.Serve(context.Background(), req, resp, &auth.Identity{Name: "ops"}, nil); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.Status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Status)
	}
}
