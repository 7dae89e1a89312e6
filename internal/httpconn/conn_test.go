package httpconn

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/watchd/internal/auth"
	"pkt.systems/watchd/internal/clock"
	"pkt.systems/watchd/internal/drain"
	"pkt.systems/watchd/internal/gate"
)

type fakeResolver struct {
	byCN     map[string]*auth.Identity
	byHeader map[string]*auth.Identity
}

func (r *fakeResolver) ResolveIdentity(hint string) (*auth.Identity, bool) {
	id, ok := r.byCN[hint]
	return id, ok
}

func (r *fakeResolver) ResolveHTTPHeader(header string) (*auth.Identity, bool) {
	id, ok := r.byHeader[header]
	return id, ok
}

func defaultResolver() *fakeResolver {
	return &fakeResolver{
		byCN: map[string]*auth.Identity{
			"agent-7.clients.watchd": {Name: "agent-7", Permissions: []string{"events/*"}},
		},
		byHeader: map[string]*auth.Identity{
			"Basic ops-token":   {Name: "ops"},
			"Basic admin-token": {Name: "admin", Permissions: []string{"config/modify"}},
		},
	}
}

type dispatchFn func(ctx context.Context, req *http.Request, resp *Response, identity *auth.Identity, conn *Conn) error

type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	fn    dispatchFn
}

func (d *fakeDispatcher) Handle(ctx context.Context, req *http.Request, resp *Response, identity *auth.Identity, conn *Conn) error {
	d.mu.Lock()
	d.calls++
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, req, resp, identity, conn)
	}
	return resp.SetJSON(map[string]any{"ok": true})
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeRegistry struct {
	mu      sync.Mutex
	removed int
}

func (r *fakeRegistry) Deregister(*Conn) {
	r.mu.Lock()
	r.removed++
	r.mu.Unlock()
}

func (r *fakeRegistry) removals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

type fakeObserver struct {
	mu        sync.Mutex
	opened    int
	closed    int
	requests  []int
	gateWaits int
}

func (o *fakeObserver) ConnectionOpened() {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *fakeObserver) ConnectionClosed() {
	o.mu.Lock()
	o.closed++
	o.mu.Unlock()
}

func (o *fakeObserver) RequestCompleted(status int, _ time.Duration) {
	o.mu.Lock()
	o.requests = append(o.requests, status)
	o.mu.Unlock()
}

func (o *fakeObserver) GateWaited(time.Duration) {
	o.mu.Lock()
	o.gateWaits++
	o.mu.Unlock()
}

func (o *fakeObserver) closedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *fakeObserver) statuses() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.requests...)
}

type testEnv struct {
	t          *testing.T
	conn       *Conn
	client     net.Conn
	reader     *bufio.Reader
	coord      *drain.Coordinator
	registry   *fakeRegistry
	dispatcher *fakeDispatcher
	observer   *fakeObserver
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	server, client := net.Pipe()
	env := &testEnv{
		t:          t,
		client:     client,
		reader:     bufio.NewReader(client),
		coord:      drain.NewCoordinator(),
		registry:   &fakeRegistry{},
		dispatcher: &fakeDispatcher{},
		observer:   &fakeObserver{},
	}
	opts := Options{
		Stream:         server,
		Coordinator:    env.coord,
		Registry:       env.registry,
		Resolver:       defaultResolver(),
		Dispatcher:     env.dispatcher,
		Gate:           gate.New(4, clock.Real{}),
		Clock:          clock.Real{},
		Logger:         pslog.NoopLogger(),
		Observer:       env.observer,
		AllowedOrigins: []string{"https://ui.example"},
		ServerHeader:   "watchd/test",
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.conn = New(opts)
	t.Cleanup(func() {
		env.conn.Disconnect()
		_ = client.Close()
		env.conn.Wait()
	})
	return env
}

func (env *testEnv) send(raw string) {
	env.t.Helper()
	if _, err := env.client.Write([]byte(raw)); err != nil {
		env.t.Fatalf("write request: %v", err)
	}
}

func (env *testEnv) readResponse() *http.Response {
	env.t.Helper()
	resp, err := http.ReadResponse(env.reader, nil)
	if err != nil {
		env.t.Fatalf("read response: %v", err)
	}
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDisconnectSideEffectsHappenOnce(t *testing.T) {
	env := newTestEnv(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.conn.Disconnect()
		}()
	}
	wg.Wait()

	if !env.conn.Disconnected() {
		t.Fatalf("expected connection to report disconnected")
	}
	if got := env.registry.removals(); got != 1 {
		t.Fatalf("expected exactly one registry removal, got %d", got)
	}
	if got := env.observer.closedCount(); got != 1 {
		t.Fatalf("expected exactly one close event, got %d", got)
	}
}

func TestDisconnectCancelsContext(t *testing.T) {
	env := newTestEnv(t, nil)
	env.conn.Disconnect()
	select {
	case <-env.conn.Context().Done():
	default:
		t.Fatalf("expected connection context to be cancelled")
	}
}

func TestShutdownTerminatesSilently(t *testing.T) {
	env := newTestEnv(t, nil)
	env.conn.Start()

	// The loop is suspended reading headers; disconnect must unwind it
	// without producing a response write.
	env.conn.Disconnect()
	env.conn.Wait()
	buf := make([]byte, 1)
	if n, err := env.client.Read(buf); err == nil || n > 0 {
		t.Fatalf("expected silent close, read n=%d err=%v", n, err)
	}
	if got := env.registry.removals(); got != 1 {
		t.Fatalf("expected one registry removal, got %d", got)
	}
}

func TestIdleConnectionIsDisconnected(t *testing.T) {
	manual := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	env := newTestEnv(t, func(o *Options) { o.Clock = manual })
	env.conn.Start()

	waitFor(t, "liveness timer armed", func() bool { return manual.Pending() >= 1 })
	manual.Advance(6 * time.Second)
	// First wakeup: only 6s idle, monitor keeps running.
	waitFor(t, "liveness timer rearmed", func() bool { return manual.Pending() >= 1 })
	if env.conn.Disconnected() {
		t.Fatalf("connection must survive the first monitor cycle")
	}
	manual.Advance(6 * time.Second)
	waitFor(t, "idle disconnect", env.conn.Disconnected)
}

func TestActiveDispatchNeverTripsIdleTimeout(t *testing.T) {
	manual := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	entered := make(chan struct{})
	release := make(chan struct{})
	env := newTestEnv(t, func(o *Options) { o.Clock = manual })
	env.dispatcher.fn = func(_ context.Context, _ *http.Request, resp *Response, _ *auth.Identity, _ *Conn) error {
		close(entered)
		<-release
		return resp.SetJSON(map[string]any{"ok": true})
	}
	env.conn.Start()

	env.send("GET /v1/status HTTP/1.1\r\nHost: watchd\r\nAuthorization: Basic ops-token\r\n\r\n")
	<-entered

	waitFor(t, "liveness timer armed", func() bool { return manual.Pending() >= 1 })
	manual.Advance(12 * time.Second)
	waitFor(t, "liveness timer rearmed", func() bool { return manual.Pending() >= 1 })
	if env.conn.Disconnected() {
		t.Fatalf("liveness monitor must not disconnect during dispatch")
	}

	close(release)
	resp := env.readResponse()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after slow dispatch, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Once dispatch completed the idle clock resumes from zero.
	waitFor(t, "liveness timer rearmed", func() bool { return manual.Pending() >= 1 })
	manual.Advance(12 * time.Second)
	waitFor(t, "post-dispatch idle disconnect", env.conn.Disconnected)
}

func TestStreamingTakeover(t *testing.T) {
	env := newTestEnv(t, nil)
	writers := make(chan io.Writer, 1)
	env.dispatcher.fn = func(_ context.Context, _ *http.Request, _ *Response, _ *auth.Identity, conn *Conn) error {
		w := conn.StartStreaming()
		if _, err := w.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: application/x-ndjson\r\nConnection: close\r\n\r\n")); err != nil {
			return err
		}
		writers <- w
		return nil
	}
	env.conn.Start()

	env.send("POST /v1/events HTTP/1.1\r\nHost: watchd\r\nAccept: application/json\r\nAuthorization: Basic ops-token\r\nContent-Length: 0\r\n\r\n")
	resp := env.readResponse()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected handler-written 200, got %d", resp.StatusCode)
	}
	if !env.conn.Streaming() {
		t.Fatalf("expected streaming mode")
	}

	// The handler has returned; the connection must stay up so output
	// written through the takeover writer still reaches the peer.
	w := <-writers
	go func() {
		_, _ = w.Write([]byte("{\"seq\":1}\n"))
	}()
	line, err := env.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read streamed line: %v", err)
	}
	if line != "{\"seq\":1}\n" {
		t.Fatalf("unexpected streamed line: %q", line)
	}
	if env.conn.Disconnected() {
		t.Fatalf("streaming connection must survive handler return")
	}

	// The loop must not write a second response for this request, and the
	// connection is not reused: closing the peer ends it via the drain task.
	_ = env.client.Close()
	waitFor(t, "drain disconnect", env.conn.Disconnected)
	if got := env.registry.removals(); got != 1 {
		t.Fatalf("expected one registry removal, got %d", got)
	}
}

func TestStreamingConnectionIgnoresIdleTimeout(t *testing.T) {
	manual := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	env := newTestEnv(t, func(o *Options) { o.Clock = manual })
	writers := make(chan io.Writer, 1)
	env.dispatcher.fn = func(_ context.Context, _ *http.Request, _ *Response, _ *auth.Identity, conn *Conn) error {
		w := conn.StartStreaming()
		if _, err := w.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: application/x-ndjson\r\nConnection: close\r\n\r\n")); err != nil {
			return err
		}
		writers <- w
		return nil
	}
	env.conn.Start()

	env.send("POST /v1/events HTTP/1.1\r\nHost: watchd\r\nAccept: application/json\r\nAuthorization: Basic ops-token\r\nContent-Length: 0\r\n\r\n")
	env.readResponse().Body.Close()
	w := <-writers

	// A quiet subscriber well past the idle threshold is not idle: the
	// stream stays parked at the busy sentinel.
	for i := 0; i < 3; i++ {
		waitFor(t, "liveness timer armed", func() bool { return manual.Pending() >= 1 })
		manual.Advance(12 * time.Second)
	}
	if env.conn.Disconnected() {
		t.Fatalf("liveness monitor must not reap a streaming connection")
	}

	// Still writable after the quiet period.
	go func() {
		_, _ = w.Write([]byte("{\"seq\":2}\n"))
	}()
	if line, err := env.reader.ReadString('\n'); err != nil || line != "{\"seq\":2}\n" {
		t.Fatalf("read after quiet period: line=%q err=%v", line, err)
	}

	_ = env.client.Close()
	waitFor(t, "drain disconnect", env.conn.Disconnected)
}

func TestHandlerErrorDuringStreamingClosesWithoutResponse(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dispatcher.fn = func(_ context.Context, _ *http.Request, _ *Response, _ *auth.Identity, conn *Conn) error {
		conn.StartStreaming()
		return context.DeadlineExceeded
	}
	env.conn.Start()

	env.send("POST /v1/events HTTP/1.1\r\nHost: watchd\r\nAccept: application/json\r\nAuthorization: Basic ops-token\r\nContent-Length: 0\r\n\r\n")

	// No 500 may be written once streaming started; the connection just ends.
	waitFor(t, "connection end", func() bool {
		_ = env.client.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		buf := make([]byte, 1)
		n, err := env.client.Read(buf)
		if n > 0 {
			t.Fatalf("unexpected response bytes after streaming takeover")
		}
		return err != nil && env.conn.Disconnected()
	})

	// The aborted cycle never produced a status and must not be reported
	// as one.
	for _, status := range env.observer.statuses() {
		if status == 0 {
			t.Fatalf("observer saw a zero status")
		}
	}
}

func TestPreboundTransportIdentity(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Identity = "agent-7.clients.watchd"
		o.Authenticated = true
	})
	var seen string
	env.dispatcher.fn = func(_ context.Context, _ *http.Request, resp *Response, identity *auth.Identity, _ *Conn) error {
		seen = identity.Name
		return resp.SetJSON(map[string]any{"ok": true})
	}
	env.conn.Start()

	// No Authorization header: the transport-bound identity must be used.
	env.send("GET /v1/status HTTP/1.1\r\nHost: watchd\r\n\r\n")
	resp := env.readResponse()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 via transport identity, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	if seen != "agent-7" {
		t.Fatalf("expected agent-7 identity, got %q", seen)
	}
}
