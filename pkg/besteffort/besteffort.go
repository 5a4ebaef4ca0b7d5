// Package besteffort runs side effects whose failure must never reach the caller.
package besteffort

import (
	"context"
	"time"

	"github.com/cbodonnell/plaza/pkg/log"
)

// Policy bounds how hard a best-effort call tries.
type Policy struct {
	// Attempts is the total number of tries, including the first
	Attempts int
	// Delay is the pause between tries
	Delay time.Duration
}

// DefaultPolicy is one try plus one retry after a short pause.
var DefaultPolicy = Policy{Attempts: 2, Delay: 250 * time.Millisecond}

// Do runs fn with the default policy. See Policy.Do.
func Do(ctx context.Context, name string, fn func(context.Context) error) bool {
	return DefaultPolicy.Do(ctx, name, fn)
}

// Go runs fn with the default policy on its own goroutine. See Policy.Go.
func Go(ctx context.Context, name string, fn func(context.Context) error) {
	DefaultPolicy.Go(ctx, name, fn)
}

// Do runs fn until it succeeds or the attempts are used up. The final
// failure is logged and swallowed. It reports whether fn succeeded.
func (p Policy) Do(ctx context.Context, name string, fn func(context.Context) error) bool {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				log.Warn("Gave up on %s: %v (last error: %v)", name, ctx.Err(), err)
				return false
			case <-time.After(p.Delay):
			}
		}
		if err = fn(ctx); err == nil {
			return true
		}
		log.Debug("Attempt %d of %s failed: %v", i+1, name, err)
	}
	log.Warn("Failed to %s: %v", name, err)
	return false
}

// Go is the fire-and-forget form of Do. Nothing waits for it.
func (p Policy) Go(ctx context.Context, name string, fn func(context.Context) error) {
	go p.Do(ctx, name, fn)
}
