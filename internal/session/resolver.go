package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Resolver resolves a session from the registry, waiting out the race
// between client registration and the first webhook delivery.
type Resolver struct {
	registry *Registry
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewResolver creates a resolver on registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry, sleep: sleepContext}
}

// SetSleep replaces the wait between attempts.
func (r *Resolver) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

// Resolve reads the latest record, making up to maxAttempts lookups with the
// delay doubling between them (delay, 2*delay, 4*delay, ...). It never
// falls back to another session. A cancelled context returns its error.
func (r *Resolver) Resolve(ctx context.Context, maxAttempts int, delay time.Duration) (Record, bool, error) {
	return r.retry(ctx, "latest", maxAttempts, delay, r.registry.Latest)
}

// ResolveHandle runs the same retry loop for a caller that knows the handle.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string, maxAttempts int, delay time.Duration) (Record, bool, error) {
	return r.retry(ctx, handle, maxAttempts, delay, func(ctx context.Context) (Record, bool) {
		return r.registry.Lookup(ctx, handle)
	})
}

func (r *Resolver) retry(ctx context.Context, target string, maxAttempts int, delay time.Duration, lookup func(context.Context) (Record, bool)) (Record, bool, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	wait := delay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if rec, ok := lookup(ctx); ok {
			if attempt > 1 {
				log.Debug().Str("target", target).Int("attempt", attempt).Msg("Session resolved after retry")
			}
			return rec, true, nil
		}
		if attempt == maxAttempts {
			break
		}
		if err := r.sleep(ctx, wait); err != nil {
			return Record{}, false, err
		}
		wait *= 2
	}

	log.Warn().Str("target", target).Int("attempts", maxAttempts).Msg("No session registered")
	return Record{}, false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
