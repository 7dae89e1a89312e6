package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"pkt.systems/watchd/internal/auth"
	"pkt.systems/watchd/internal/httpconn"
)

// Event is one platform event delivered to stream subscribers.
type Event map[string]any

// Bus fans platform events out to event-stream subscribers. Slow consumers
// are dropped rather than allowed to stall publishers.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish delivers an event to every subscriber with buffer room.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a buffered subscription. The cancel function must be
// called exactly once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
		})
	}
	return sub, cancel
}

// Subscribers returns the current subscription count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// EventsHandler streams platform events as newline-delimited JSON. It takes
// over response writing: the engine stops serving further requests on the
// connection and only watches for peer close.
type EventsHandler struct {
	bus *Bus
}

// NewEventsHandler constructs the handler over bus.
func NewEventsHandler(bus *Bus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

const eventStreamHead = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: application/x-ndjson\r\n" +
	"Connection: close\r\n" +
	"\r\n"

// Serve switches the connection into streaming mode and forwards events
// until the subscriber disconnects or the connection shuts down.
func (h *EventsHandler) Serve(ctx context.Context, req *http.Request, resp *httpconn.Response, _ *auth.Identity, conn *httpconn.Conn) error {
	if req.Method != http.MethodPost {
		writeError(req, resp, http.StatusMethodNotAllowed, "Only POST is supported for this path.")
		return nil
	}
	sub, cancel := h.bus.Subscribe(0)
	w := conn.StartStreaming()
	if _, err := io.WriteString(w, eventStreamHead); err != nil {
		cancel()
		return err
	}
	go h.forward(ctx, w, sub, cancel)
	return nil
}

func (h *EventsHandler) forward(ctx context.Context, w io.Writer, sub <-chan Event, cancel func()) {
	defer cancel()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub:
			if err := enc.Encode(event); err != nil {
				return
			}
		}
	}
}
