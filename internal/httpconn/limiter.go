package httpconn

import (
	"errors"
	"io"
)

// errHeaderTooLarge marks a header section exceeding the configured cap.
var errHeaderTooLarge = errors.New("header section too large")

const unlimited int64 = -1

// readLimiter enforces a settable byte budget on the transport reader. The
// loop arms it with the header cap before parsing and disarms it for the
// body phase, where the per-identity limit applies instead. Only the
// request-processing goroutine touches it.
type readLimiter struct {
	r         io.Reader
	remaining int64
}

func newReadLimiter(r io.Reader) *readLimiter {
	return &readLimiter{r: r, remaining: unlimited}
}

func (l *readLimiter) setLimit(n int64) {
	l.remaining = n
}

func (l *readLimiter) Read(p []byte) (int, error) {
	if l.remaining == 0 {
		return 0, errHeaderTooLarge
	}
	if l.remaining > 0 && int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	if l.remaining > 0 {
		l.remaining -= int64(n)
	}
	return n, err
}
