// Package backoff computes retry delays and retries store operations that
// fail with errs.ErrStoreUnavailable.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rzbill/runnel/internal/errs"
)

type Type string

const (
	Exp       Type = "exp"
	ExpJitter Type = "exp-jitter"
	Fixed     Type = "fixed"
	None      Type = "none"
)

// Policy describes the delay between attempts.
type Policy struct {
	Type        Type
	Base        time.Duration
	Cap         time.Duration
	Factor      float64
	MaxAttempts uint32
}

// Default is used for store retries.
func Default() Policy {
	return Policy{Type: ExpJitter, Base: 50 * time.Millisecond, Cap: 5 * time.Second, Factor: 2.0, MaxAttempts: 6}
}

// Delay returns the wait before attempt number `attempt` (1-based).
func (p Policy) Delay(attempt uint32) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	switch p.Type {
	case None:
		return 0
	case Fixed:
		if p.Base <= 0 {
			return 0
		}
		if p.Cap > 0 && p.Base > p.Cap {
			return p.Cap
		}
		return p.Base
	case Exp, ExpJitter:
		base := p.Base
		if base <= 0 {
			base = 50 * time.Millisecond
		}
		factor := p.Factor
		if factor <= 0 {
			factor = 2.0
		}
		delay := float64(base) * math.Pow(factor, float64(attempt-1))
		d := time.Duration(math.MaxInt64)
		if delay < float64(math.MaxInt64) {
			d = time.Duration(delay)
		}
		if p.Cap > 0 && d > p.Cap {
			d = p.Cap
		}
		if p.Type == ExpJitter {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d)) + 1)
		}
		return d
	default:
		return 0
	}
}

// Retry calls fn until it succeeds, returns an error that is not
// errs.ErrStoreUnavailable, MaxAttempts is reached, or ctx is done.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	var attempt uint32
	for {
		err := fn()
		if err == nil || !errors.Is(err, errs.ErrStoreUnavailable) {
			return err
		}
		attempt++
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}
		if werr := Sleep(ctx, p.Delay(attempt)); werr != nil {
			return errors.Join(err, werr)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Jitter returns d plus a random extra of up to d/10.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d/10)+1))
}
