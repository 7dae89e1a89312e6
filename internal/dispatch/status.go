package dispatch

import (
	"context"
	"net/http"
	"time"

	"pkt.systems/watchd/internal/auth"
	"pkt.systems/watchd/internal/clock"
	"pkt.systems/watchd/internal/httpconn"
	"pkt.systems/watchd/internal/version"
)

// StatusHandler serves the platform status document.
type StatusHandler struct {
	clock   clock.Clock
	started time.Time
}

// NewStatusHandler constructs the handler; uptime is measured from now.
func NewStatusHandler(clk clock.Clock) *StatusHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &StatusHandler{clock: clk, started: clk.Now()}
}

type statusDocument struct {
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	User    string `json:"user"`
	Time    string `json:"time"`
}

// Serve reports version, uptime, and the calling identity.
func (h *StatusHandler) Serve(_ context.Context, req *http.Request, resp *httpconn.Response, identity *auth.Identity, _ *httpconn.Conn) error {
	if req.Method != http.MethodGet {
		writeError(req, resp, http.StatusMethodNotAllowed, "Only GET is supported for this path.")
		return nil
	}
	now := h.clock.Now()
	return resp.SetJSON(statusDocument{
		Version: version.Current(),
		Uptime:  now.Sub(h.started).Truncate(time.Second).String(),
		User:    identity.Name,
		Time:    now.UTC().Format(time.RFC3339),
	})
}
