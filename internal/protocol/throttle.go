package protocol

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const minBurst = 32 * 1024

// NewLimiter returns a limiter for bytesPerSec, or nil when unlimited.
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(min(max(bytesPerSec, minBurst), 1<<30))
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

type throttledReader struct {
	ctx context.Context
	r   io.Reader
	l   *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > t.l.Burst() {
		p = p[:t.l.Burst()]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.l.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type throttledWriter struct {
	ctx context.Context
	w   io.Writer
	l   *rate.Limiter
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := min(len(p), t.l.Burst())
		if err := t.l.WaitN(t.ctx, chunk); err != nil {
			return written, err
		}
		n, err := t.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}
