// Package httpconn implements the per-connection HTTP protocol engine of the
// watchd remote API: a keep-alive request loop, access-control and size
// gates, handler dispatch behind a global concurrency gate, an idle-peer
// liveness monitor, a streaming drain task, and one idempotent disconnect
// path shared by all of them.
package httpconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/watchd/internal/auth"
	"pkt.systems/watchd/internal/clock"
	"pkt.systems/watchd/internal/drain"
	"pkt.systems/watchd/internal/gate"
	"pkt.systems/watchd/internal/svcfields"
)

const (
	// DefaultHeaderLimit caps the request header section.
	DefaultHeaderLimit int64 = 1 << 20

	livenessInterval = 5 * time.Second
	idleTimeout      = 10 * time.Second
	closeTimeout     = 5 * time.Second
	drainChunkSize   = 128

	// busySentinel marks lastSeen while a request is being dispatched so
	// handler latency never trips the idle timeout.
	busySentinel = int64(math.MaxInt64)
)

// Dispatcher executes the business logic for one validated request. It may
// return an error (recovered into a 500 unless it represents cancellation)
// and may call conn.StartStreaming to take over response writing.
type Dispatcher interface {
	Handle(ctx context.Context, req *http.Request, resp *Response, identity *auth.Identity, conn *Conn) error
}

// Deregisterer removes a finished connection from the live-connection
// registry.
type Deregisterer interface {
	Deregister(*Conn)
}

// Observer receives connection-engine telemetry events.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	RequestCompleted(status int, duration time.Duration)
	GateWaited(d time.Duration)
}

// Options configures a connection actor. Stream, Coordinator, and Dispatcher
// are required; everything else has a usable default.
type Options struct {
	Stream        net.Conn
	Identity      string // transport identity hint (verified client cert CN)
	Authenticated bool

	Coordinator *drain.Coordinator
	Registry    Deregisterer
	Resolver    auth.Resolver
	Dispatcher  Dispatcher
	Gate        *gate.Gate
	Clock       clock.Clock
	Logger      pslog.Logger
	Observer    Observer

	AllowedOrigins []string
	HeaderLimit    int64
	Realm          string
	ServerHeader   string
}

// Conn owns one authenticated client connection: the transport, the resolved
// identity, timestamps, and the lifecycle flags shared by its tasks.
type Conn struct {
	id       string
	stream   net.Conn
	limiter  *readLimiter
	br       *bufio.Reader
	bw       *bufio.Writer
	peerAddr string
	logger   pslog.Logger

	coordinator *drain.Coordinator
	registry    Deregisterer
	resolver    auth.Resolver
	dispatcher  Dispatcher
	gate        *gate.Gate
	clock       clock.Clock
	observer    Observer

	allowedOrigins map[string]struct{}
	headerLimit    int64
	realm          string
	serverHeader   string

	identity *auth.Identity

	ctx    context.Context
	cancel context.CancelFunc

	shuttingDown atomic.Bool
	streaming    atomic.Bool
	lastSeen     atomic.Int64

	tasks sync.WaitGroup
}

// New constructs a connection actor for an established transport. When the
// transport already authenticated the peer, the identity is bound
// immediately; otherwise it is resolved per request from credentials.
func New(opts Options) *Conn {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	headerLimit := opts.HeaderLimit
	if headerLimit <= 0 {
		headerLimit = DefaultHeaderLimit
	}
	realm := opts.Realm
	if realm == "" {
		realm = "watchd"
	}
	g := opts.Gate
	if g == nil {
		g = gate.New(0, clk)
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		if origin != "" {
			origins[origin] = struct{}{}
		}
	}
	peerAddr := ""
	if remote := opts.Stream.RemoteAddr(); remote != nil {
		peerAddr = remote.String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	limiter := newReadLimiter(opts.Stream)
	c := &Conn{
		id:             xid.New().String(),
		stream:         opts.Stream,
		limiter:        limiter,
		br:             bufio.NewReader(limiter),
		bw:             bufio.NewWriter(opts.Stream),
		peerAddr:       peerAddr,
		coordinator:    opts.Coordinator,
		registry:       opts.Registry,
		resolver:       opts.Resolver,
		dispatcher:     opts.Dispatcher,
		gate:           g,
		clock:          clk,
		observer:       opts.Observer,
		allowedOrigins: origins,
		headerLimit:    headerLimit,
		realm:          realm,
		serverHeader:   opts.ServerHeader,
		ctx:            ctx,
		cancel:         cancel,
	}
	c.logger = svcfields.WithSubsystem(logger, "api.http.conn").With("conn", c.id, "peer", peerAddr)
	if opts.Authenticated && opts.Resolver != nil {
		if identity, ok := opts.Resolver.ResolveIdentity(opts.Identity); ok {
			c.identity = identity
		}
	}
	c.touch()
	return c
}

// ID returns the connection's identifier used in log lines.
func (c *Conn) ID() string {
	return c.id
}

// PeerAddr returns the remote endpoint captured at construction.
func (c *Conn) PeerAddr() string {
	return c.peerAddr
}

// Start launches the request-processing loop and the liveness monitor.
func (c *Conn) Start() {
	if c.observer != nil {
		c.observer.ConnectionOpened()
	}
	c.tasks.Add(2)
	go c.processRequests()
	go c.checkLiveness()
}

// Disconnected is a non-blocking query of the shutdown flag.
func (c *Conn) Disconnected() bool {
	return c.shuttingDown.Load()
}

// Wait blocks until the connection's tasks have finished. Test helper and
// shutdown aid; the streaming drain task is included.
func (c *Conn) Wait() {
	c.tasks.Wait()
}

// Disconnect is the single idempotent shutdown path. The first caller wins;
// the loop, the liveness monitor, the streaming drain task, and the server's
// drain broadcast may all race here.
func (c *Conn) Disconnect() {
	if !c.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("watchd.httpconn.disconnect", "peer", c.peerAddr)
	c.cancel()
	c.closeStream()
	if c.registry != nil {
		c.registry.Deregister(c)
	}
	if c.observer != nil {
		c.observer.ConnectionClosed()
	}
}

// closeStream performs a cooperative, bounded graceful close of the
// transport. TLS connections get a close_notify before teardown.
func (c *Conn) closeStream() {
	_ = c.stream.SetDeadline(time.Now().Add(closeTimeout))
	if tc, ok := c.stream.(*tls.Conn); ok {
		_ = tc.CloseWrite()
	}
	_ = c.stream.Close()
}

// StartStreaming switches the connection into streaming mode: the handler
// owns response output from here on and the engine only watches for peer
// close. The returned writer is the raw transport. Spawned at most once.
func (c *Conn) StartStreaming() io.Writer {
	if c.streaming.CompareAndSwap(false, true) && !c.shuttingDown.Load() {
		c.tasks.Add(1)
		go c.drainPeer()
	}
	return c.stream
}

// Streaming reports whether a handler has taken over response writing.
func (c *Conn) Streaming() bool {
	return c.streaming.Load()
}

// Context is cancelled when the connection disconnects.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// drainPeer performs repeated reads purely to detect peer close or transport
// failure while a handler streams the response through its own path.
func (c *Conn) drainPeer() {
	defer c.tasks.Done()
	buf := make([]byte, drainChunkSize)
	for {
		if _, err := c.stream.Read(buf); err != nil {
			break
		}
	}
	c.Disconnect()
}

// touch records peer activity for the liveness monitor.
func (c *Conn) touch() {
	c.lastSeen.Store(c.clock.Now().UnixNano())
}

// markBusy parks lastSeen at the sentinel for the duration of a dispatch.
func (c *Conn) markBusy() {
	c.lastSeen.Store(busySentinel)
}

// canceled reports whether err stems from shutdown or disconnect rather than
// from the protocol or the transport itself. Cancelled operations never
// produce a response write.
func (c *Conn) canceled(err error) bool {
	if c.shuttingDown.Load() || c.ctx.Err() != nil {
		return true
	}
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}

// checkLiveness disconnects the connection when the peer has sent nothing
// for idleTimeout. An active dispatch parks lastSeen at the sentinel and is
// never counted as idle. The task stops for good once it observes shutdown
// or triggers a disconnect.
func (c *Conn) checkLiveness() {
	defer c.tasks.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.clock.After(livenessInterval):
		}
		if c.shuttingDown.Load() {
			return
		}
		last := c.lastSeen.Load()
		if last == busySentinel {
			continue
		}
		idle := c.clock.Now().UnixNano() - last
		if idle > int64(idleTimeout) {
			c.logger.Info("watchd.httpconn.idle",
				"peer", c.peerAddr,
				"idle", time.Duration(idle).Truncate(time.Millisecond).String())
			c.Disconnect()
			return
		}
	}
}
