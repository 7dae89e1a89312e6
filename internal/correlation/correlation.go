// Package correlation carries per-request correlation identifiers on a
// context so log lines emitted by handlers can be tied back to the request
// that produced them.
package correlation

import (
	"context"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// MaxIDLength defines the maximum number of characters accepted for
// client-supplied correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// New returns a fresh time-ordered correlation identifier.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Normalize validates a client-supplied identifier. It returns the trimmed
// value and whether it is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r > unicode.MaxASCII || unicode.IsControl(r) {
			return "", false
		}
	}
	return id, true
}

// Set records the correlation ID on ctx.
func Set(ctx context.Context, id string) context.Context {
	if normalized, ok := Normalize(id); ok {
		return context.WithValue(ctx, contextKey{}, normalized)
	}
	return ctx
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}
