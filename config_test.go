package watchd

import (
	"strings"
	"testing"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("unexpected listen default: %q", cfg.Listen)
	}
	if cfg.MaxInFlight != DefaultMaxInFlight {
		t.Fatalf("unexpected in-flight default: %d", cfg.MaxInFlight)
	}
	if cfg.Realm != DefaultRealm {
		t.Fatalf("unexpected realm default: %q", cfg.Realm)
	}
	limit, err := cfg.headerLimit()
	if err != nil {
		t.Fatalf("headerLimit: %v", err)
	}
	if limit != 1<<20 {
		t.Fatalf("expected 1 MiB header cap, got %d", limit)
	}
}

func TestConfigValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"negative in-flight", Config{MaxInFlight: -1}, "in-flight"},
		{"bad header max", Config{HeaderMax: "one megabyte"}, "header max"},
		{"zero header max", Config{HeaderMax: "0"}, "header max"},
		{"cert without key", Config{CertFile: "server.crt"}, "together"},
		{"client ca without cert", Config{ClientCAFile: "ca.crt"}, "client ca"},
		{"blank origin", Config{AllowedOrigins: []string{" "}}, "origins"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestConfigHeaderLimitParsesHumanizedSizes(t *testing.T) {
	cfg := Config{HeaderMax: "256 KiB"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	limit, err := cfg.headerLimit()
	if err != nil {
		t.Fatalf("headerLimit: %v", err)
	}
	if limit != 256<<10 {
		t.Fatalf("expected 256 KiB, got %d", limit)
	}
}
