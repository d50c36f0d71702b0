// Package ratelimit throttles data-channel transfers to a byte rate.
//
// It wraps golang.org/x/time/rate: tokens are bytes, and reads and writes
// are split into chunks no larger than the bucket so a single call can never
// ask for more tokens than the bucket holds.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxChunk bounds a single wait so throttling stays smooth at high rates.
const maxChunk = 32 * 1024

// Limiter is a byte-rate token bucket. A nil *Limiter means unlimited.
type Limiter struct {
	lim   *rate.Limiter
	chunk int
}

// New returns a limiter allowing bytesPerSecond, or nil when
// bytesPerSecond <= 0.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	chunk := maxChunk
	if bytesPerSecond < int64(chunk) {
		chunk = int(bytesPerSecond)
	}
	return &Limiter{
		lim:   rate.NewLimiter(rate.Limit(bytesPerSecond), chunk),
		chunk: chunk,
	}
}

// Rate returns the configured bytes per second.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.lim.Limit())
}

func (l *Limiter) wait(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	return l.lim.WaitN(ctx, n)
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader throttles reads from r. Waiting stops early when ctx is done.
// A nil limiter returns r unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) > r.limiter.chunk {
		p = p[:r.limiter.chunk]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.wait(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter throttles writes to w. Waiting stops early when ctx is done.
// A nil limiter returns w unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		end := min(total+w.limiter.chunk, len(p))
		if err := w.limiter.wait(w.ctx, end-total); err != nil {
			return total, err
		}
		n, err := w.w.Write(p[total:end])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
