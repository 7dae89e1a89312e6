package watchd

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultListen is the default TCP endpoint the API server binds to.
	DefaultListen = ":5665"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultMaxInFlight caps concurrently dispatched requests across all
	// connections.
	DefaultMaxInFlight = 64
	// DefaultHeaderMax bounds the header section of an incoming request.
	DefaultHeaderMax = "1 MiB"
	// DefaultRealm is the authentication realm announced on 401 responses.
	DefaultRealm = "watchd"
	// DefaultShutdownTimeout caps the total shutdown time (drain + close).
	DefaultShutdownTimeout = 10 * time.Second
)

// Config carries the API server's settings. The zero value is not usable;
// call Validate to apply defaults and catch contradictions.
type Config struct {
	// Listen is the TCP address the API server binds to.
	Listen string
	// CertFile and KeyFile hold the server's TLS keypair. Leaving all TLS
	// paths empty runs the server in plaintext mode (tests, local dev).
	CertFile string
	KeyFile  string
	// ClientCAFile, when set, enables verification of client certificates;
	// a verified certificate binds its common name as the connection's
	// identity.
	ClientCAFile string

	// UsersFile points at the YAML credential store. Optional when a
	// resolver is injected through WithResolver.
	UsersFile string
	// WatchUsers reloads the credential store on file change.
	WatchUsers bool

	// AllowedOrigins lists origins echoed in access-control responses.
	// Empty disables the access-control stage entirely.
	AllowedOrigins []string

	// MaxInFlight caps concurrently dispatched requests server-wide.
	MaxInFlight int64
	// HeaderMax bounds the request header section, in humanized notation
	// ("1 MiB", "256 KiB").
	HeaderMax string

	// MetricsListen exposes a Prometheus scrape endpoint when non-empty.
	MetricsListen string

	// Realm is announced in WWW-Authenticate challenges.
	Realm string
}

// Validate applies defaults and rejects contradictory settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("config: max in-flight must not be negative, got %d", c.MaxInFlight)
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.HeaderMax == "" {
		c.HeaderMax = DefaultHeaderMax
	}
	if _, err := c.headerLimit(); err != nil {
		return err
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("config: cert and key files must be set together")
	}
	if c.ClientCAFile != "" && c.CertFile == "" {
		return fmt.Errorf("config: client ca requires a server cert and key")
	}
	for _, origin := range c.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("config: allowed origins must not contain empty entries")
		}
	}
	return nil
}

// headerLimit parses the humanized header cap into bytes.
func (c *Config) headerLimit() (int64, error) {
	n, err := humanize.ParseBytes(c.HeaderMax)
	if err != nil {
		return 0, fmt.Errorf("config: parse header max %q: %w", c.HeaderMax, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("config: header max must be positive")
	}
	return int64(n), nil
}

// TLS reports whether the server terminates TLS itself.
func (c *Config) TLS() bool {
	return c.CertFile != "" && c.KeyFile != ""
}
