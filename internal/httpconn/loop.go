package httpconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/watchd/internal/auth"
	"pkt.systems/watchd/internal/correlation"
)

// stepResult is the tagged outcome of one loop stage. It separates
// cancellation from protocol and handler failures so the loop never writes a
// response to a peer that is already gone.
type stepResult int

const (
	// stepProceed advances to the next stage.
	stepProceed stepResult = iota
	// stepStop terminates the loop; any error response has been written.
	stepStop
	// stepCancelled terminates the loop silently (shutdown or disconnect).
	stepCancelled
	// stepStreaming ends the loop while leaving the connection open: a
	// handler took over output and the drain task owns teardown.
	stepStreaming
)

// cycle is the ephemeral state of one request/response pair.
type cycle struct {
	ctx      context.Context
	req      *http.Request
	resp     *Response
	identity *auth.Identity
	start    time.Time
	gateWait time.Duration
	status   int
}

// stage is one named state of the request-processing machine. Stages run in
// order; any result other than stepProceed is an explicit transition to
// disconnect.
type stage struct {
	name string
	run  func(*Conn, *cycle) stepResult
}

var stages = []stage{
	{"read-headers", (*Conn).stageReadHeaders},
	{"method-override", (*Conn).stageMethodOverride},
	{"expect-continue", (*Conn).stageExpectContinue},
	{"resolve-identity", (*Conn).stageResolveIdentity},
	{"access-control", (*Conn).stageAccessControl},
	{"accept-check", (*Conn).stageAcceptCheck},
	{"authenticate", (*Conn).stageAuthenticate},
	{"read-body", (*Conn).stageReadBody},
	{"dispatch", (*Conn).stageDispatch},
}

var knownMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodPatch:   {},
	http.MethodHead:    {},
	http.MethodOptions: {},
}

// processRequests is the keep-alive loop: one full stage pass per HTTP
// request, repeated while the protocol, the client, and the shutdown
// coordinator all allow it. Every exit path funnels into Disconnect except
// a streaming takeover, where the drain task owns teardown.
func (c *Conn) processRequests() {
	defer c.tasks.Done()
	defer func() {
		if r := recover(); r != nil {
			if !c.shuttingDown.Load() {
				c.logger.Warn("watchd.httpconn.loop_panic", "panic", fmt.Sprint(r))
			}
			c.Disconnect()
		}
	}()

	for c.coordinator.AcceptingWork() {
		c.touch()
		cy := &cycle{ctx: c.ctx, resp: NewResponse(), start: c.clock.Now()}
		if c.serverHeader != "" {
			cy.resp.Header.Set("Server", c.serverHeader)
		}

		result := c.runCycle(cy)
		if cy.req != nil {
			c.logRequest(cy)
		}
		if result == stepStreaming {
			return
		}
		if result != stepProceed {
			break
		}
		if !c.keepAlive(cy.req) {
			break
		}
	}
	c.Disconnect()
}

// runCycle drives the request through the stage table.
func (c *Conn) runCycle(cy *cycle) stepResult {
	for _, st := range stages {
		if result := st.run(c, cy); result != stepProceed {
			return result
		}
	}
	return stepProceed
}

// keepAlive decides whether the connection may serve another request.
func (c *Conn) keepAlive(req *http.Request) bool {
	if req == nil || c.streaming.Load() {
		return false
	}
	if req.ProtoMajor != 1 || req.ProtoMinor != 1 {
		return false
	}
	if strings.EqualFold(req.Header.Get("Connection"), "close") {
		return false
	}
	return c.coordinator.AcceptingWork()
}

func (c *Conn) logRequest(cy *cycle) {
	user := "<unauthenticated>"
	if cy.identity != nil {
		user = cy.identity.Name
	}
	fields := []any{
		"method", cy.req.Method,
		"target", cy.req.URL.RequestURI(),
		"user", user,
		"agent", cy.req.Header.Get("User-Agent"),
		"status", cy.status,
		"duration", c.clock.Now().Sub(cy.start).Truncate(time.Millisecond).String(),
	}
	if id := correlation.ID(cy.ctx); id != "" {
		fields = append(fields, "cid", id)
	}
	if cy.gateWait >= time.Second {
		fields = append(fields, "gate_wait_ms", cy.gateWait.Milliseconds())
	}
	c.logger.Info("watchd.httpconn.request", fields...)
	// Cancelled or aborted cycles never produced a status; do not report
	// them as a "0" status class.
	if c.observer != nil && cy.status != 0 {
		c.observer.RequestCompleted(cy.status, c.clock.Now().Sub(cy.start))
	}
}

// stageReadHeaders reads and parses the header section under the header cap
// and validates the protocol version.
func (c *Conn) stageReadHeaders(cy *cycle) stepResult {
	if c.shuttingDown.Load() {
		return stepCancelled
	}
	c.limiter.setLimit(c.headerLimit)
	req, err := http.ReadRequest(c.br)
	if err != nil {
		if c.canceled(err) {
			return stepCancelled
		}
		if errors.Is(err, io.EOF) {
			// Peer closed cleanly between requests.
			return stepStop
		}
		msg := err.Error()
		if errors.Is(err, errHeaderTooLarge) {
			msg = errHeaderTooLarge.Error()
		}
		cy.resp.Status = http.StatusBadRequest
		cy.resp.SetHTML("<h1>Bad Request</h1><p><pre>" + msg + "</pre></p>")
		cy.resp.Header.Set("Connection", "close")
		cy.status = http.StatusBadRequest
		c.writeResponse(cy.resp)
		return stepStop
	}
	c.touch()
	cy.req = req

	if req.ProtoMajor != 1 || (req.ProtoMinor != 0 && req.ProtoMinor != 1) {
		c.writeBadRequest(cy, "Unsupported HTTP version")
		return stepStop
	}

	id := req.Header.Get("X-Correlation-Id")
	if normalized, ok := correlation.Normalize(id); ok {
		id = normalized
	} else {
		id = correlation.New()
	}
	cy.ctx = correlation.Set(c.ctx, id)
	cy.resp.Header.Set("X-Correlation-Id", id)
	return stepProceed
}

// stageMethodOverride substitutes a known method named by
// X-Http-Method-Override for the declared one.
func (c *Conn) stageMethodOverride(cy *cycle) stepResult {
	override := strings.ToUpper(strings.TrimSpace(cy.req.Header.Get("X-Http-Method-Override")))
	if _, known := knownMethods[override]; known {
		cy.req.Method = override
	}
	return stepProceed
}

// stageExpectContinue writes the interim 100 response before the body is
// read when the client asked for one.
func (c *Conn) stageExpectContinue(cy *cycle) stepResult {
	if !strings.EqualFold(cy.req.Header.Get("Expect"), "100-continue") {
		return stepProceed
	}
	if err := writeContinue(c.bw); err != nil {
		if c.canceled(err) {
			return stepCancelled
		}
		return stepStop
	}
	return stepProceed
}

// stageResolveIdentity binds the transport identity when present, otherwise
// resolves credentials from the request. Absent or invalid credentials leave
// the identity unset; that only becomes an error at the authentication gate.
func (c *Conn) stageResolveIdentity(cy *cycle) stepResult {
	cy.identity = c.identity
	if cy.identity == nil && c.resolver != nil {
		if header := cy.req.Header.Get("Authorization"); header != "" {
			if identity, ok := c.resolver.ResolveHTTPHeader(header); ok {
				cy.identity = identity
			}
		}
	}
	return stepProceed
}

// stageAccessControl echoes allowed origins and short-circuits pre-flight
// OPTIONS probes without dispatching them.
func (c *Conn) stageAccessControl(cy *cycle) stepResult {
	if len(c.allowedOrigins) == 0 {
		return stepProceed
	}
	origin := cy.req.Header.Get("Origin")
	if _, allowed := c.allowedOrigins[origin]; allowed && origin != "" {
		cy.resp.Header.Set("Access-Control-Allow-Origin", origin)
	}
	cy.resp.Header.Set("Access-Control-Allow-Credentials", "true")

	if cy.req.Method == http.MethodOptions && cy.req.Header.Get("Access-Control-Request-Method") != "" {
		cy.resp.Status = http.StatusOK
		cy.resp.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
		cy.resp.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-HTTP-Method-Override")
		cy.resp.Header.Set("Connection", "close")
		_, _ = cy.resp.Write([]byte("Preflight OK"))
		cy.status = http.StatusOK
		c.writeResponse(cy.resp)
		return stepStop
	}
	return stepProceed
}

// stageAcceptCheck requires Accept: application/json for anything but a
// plain retrieval.
func (c *Conn) stageAcceptCheck(cy *cycle) stepResult {
	if cy.req.Method == http.MethodGet || acceptsJSON(cy.req) {
		return stepProceed
	}
	cy.resp.Status = http.StatusBadRequest
	cy.resp.SetHTML("<h1>Accept header is missing or not set to 'application/json'.</h1>")
	cy.resp.Header.Set("Connection", "close")
	cy.status = http.StatusBadRequest
	c.writeResponse(cy.resp)
	return stepStop
}

// stageAuthenticate rejects requests that resolved no identity.
func (c *Conn) stageAuthenticate(cy *cycle) stepResult {
	if cy.identity != nil {
		return stepProceed
	}
	c.logger.Warn("watchd.httpconn.unauthorized",
		"method", cy.req.Method,
		"target", cy.req.URL.RequestURI())
	cy.resp.Status = http.StatusUnauthorized
	cy.resp.Header.Set("WWW-Authenticate", `Basic realm="`+c.realm+`"`)
	cy.resp.Header.Set("Connection", "close")
	if acceptsJSON(cy.req) {
		_ = cy.resp.SetJSON(errorBody{Error: 401, Status: "Unauthorized. Please check your user credentials."})
	} else {
		cy.resp.SetHTML("<h1>Unauthorized. Please check your user credentials.</h1>")
	}
	cy.status = http.StatusUnauthorized
	c.writeResponse(cy.resp)
	return stepStop
}

// stageReadBody applies the identity's body cap, reads the body, and parks
// the idle clock at the busy sentinel right before dispatch.
func (c *Conn) stageReadBody(cy *cycle) stepResult {
	limit := auth.MaxBodyBytes(cy.identity)
	if c.shuttingDown.Load() {
		return stepCancelled
	}
	if cy.req.ContentLength > limit {
		c.writeBadRequest(cy, "request body exceeds maximum size")
		return stepStop
	}
	c.limiter.setLimit(unlimited)
	body, err := io.ReadAll(io.LimitReader(cy.req.Body, limit+1))
	if err != nil {
		if c.canceled(err) {
			return stepCancelled
		}
		c.writeBadRequest(cy, err.Error())
		return stepStop
	}
	if int64(len(body)) > limit {
		c.writeBadRequest(cy, "request body exceeds maximum size")
		return stepStop
	}
	cy.req.Body = io.NopCloser(bytes.NewReader(body))
	cy.req.ContentLength = int64(len(body))
	c.markBusy()
	return stepProceed
}

// stageDispatch acquires a concurrency-gate permit, invokes the handler, and
// writes the response unless a streaming takeover happened.
func (c *Conn) stageDispatch(cy *cycle) stepResult {
	release, ok := c.coordinator.Track()
	if !ok {
		return stepCancelled
	}
	defer release()

	gateRelease, wait, err := c.gate.Acquire(c.ctx)
	cy.gateWait = wait
	if err != nil {
		return stepCancelled
	}
	if c.observer != nil {
		c.observer.GateWaited(wait)
	}

	handlerErr := func() (err error) {
		defer gateRelease()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return c.dispatcher.Handle(cy.ctx, cy.req, cy.resp, cy.identity, c)
	}()
	if !c.streaming.Load() {
		// A streaming connection stays parked at the busy sentinel so the
		// liveness monitor never counts an open stream as idle.
		c.touch()
	}

	if handlerErr != nil {
		if c.streaming.Load() {
			// A partial write may already exist; no response is possible.
			cy.status = 0
			return stepStop
		}
		if c.canceled(handlerErr) {
			return stepCancelled
		}
		failure := NewResponse()
		if c.serverHeader != "" {
			failure.Header.Set("Server", c.serverHeader)
		}
		failure.Status = http.StatusInternalServerError
		_ = failure.SetJSON(errorBody{
			Error:      500,
			Status:     "Unhandled exception",
			Diagnostic: handlerErr.Error(),
		})
		cy.status = http.StatusInternalServerError
		if !c.writeResponse(failure) {
			return stepStop
		}
		// A handler failure alone does not force connection close.
		return stepProceed
	}

	if c.streaming.Load() {
		// The handler owns output now; one request only, and the connection
		// stays up until the peer goes away.
		cy.status = cy.resp.Status
		return stepStreaming
	}
	cy.status = cy.resp.Status
	if !c.writeResponse(cy.resp) {
		return stepStop
	}
	return stepProceed
}

func acceptsJSON(req *http.Request) bool {
	return req.Header.Get("Accept") == "application/json"
}

// writeBadRequest emits the standard 400 shape, honoring the client's
// declared content preference, and always closes the connection.
func (c *Conn) writeBadRequest(cy *cycle, message string) {
	cy.resp.Status = http.StatusBadRequest
	if acceptsJSON(cy.req) {
		_ = cy.resp.SetJSON(errorBody{Error: 400, Status: "Bad Request: " + message})
	} else {
		cy.resp.SetHTML("<h1>Bad Request</h1><p><pre>" + message + "</pre></p>")
	}
	cy.resp.Header.Set("Connection", "close")
	cy.status = http.StatusBadRequest
	c.writeResponse(cy.resp)
}

// writeResponse serializes resp through the connection's buffered writer.
// Returns false when the write failed; failures on live connections are
// logged, failures during shutdown are not.
func (c *Conn) writeResponse(resp *Response) bool {
	if err := resp.writeTo(c.bw); err != nil {
		if !c.canceled(err) {
			c.logger.Warn("watchd.httpconn.write_failed", "error", err)
		}
		return false
	}
	return true
}
