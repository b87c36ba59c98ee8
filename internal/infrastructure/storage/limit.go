package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// RateLimitReader paces reads against a shared byte budget.
type RateLimitReader struct {
	io.Reader
	Limiter *rate.Limiter
	Ctx     context.Context
}

func (r *RateLimitReader) Read(p []byte) (int, error) {
	if err := r.Ctx.Err(); err != nil {
		return 0, err
	}
	// WaitN rejects requests larger than the burst.
	if burst := r.Limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := r.Reader.Read(p)
	if n > 0 {
		if werr := r.Limiter.WaitN(r.Ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func newBandwidthLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), max(bytesPerSecond, 32<<10))
}
