package dialogue

import (
	"context"
	"fmt"
	"time"
)

// FallbackAdapter attempts a primary adapter first and falls back on error.
// The primary runs under its own sub-deadline when one is configured, so a
// slow primary still falls back; only the caller's own context ending
// propagates, and a hangup mid-generation is not masked.
type FallbackAdapter struct {
	primary        Adapter
	fallback       Adapter
	primaryTimeout time.Duration
}

// NewFallbackAdapter chains primary over fallback. A zero primaryTimeout
// leaves the primary bounded only by the caller's context.
func NewFallbackAdapter(primary, fallback Adapter, primaryTimeout time.Duration) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback, primaryTimeout: primaryTimeout}
}

// Primary returns the preferred adapter used before fallback.
func (a *FallbackAdapter) Primary() Adapter {
	if a == nil {
		return nil
	}
	return a.primary
}

func (a *FallbackAdapter) Respond(ctx context.Context, req Request) (Reply, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			return a.fallback.Respond(ctx, req)
		}
		return Reply{}, fmt.Errorf("fallback adapter misconfigured")
	}

	primaryCtx := ctx
	if a.primaryTimeout > 0 {
		var cancel context.CancelFunc
		primaryCtx, cancel = context.WithTimeout(ctx, a.primaryTimeout)
		defer cancel()
	}

	reply, err := a.primary.Respond(primaryCtx, req)
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return Reply{}, ctx.Err()
	}
	if a.fallback == nil {
		return Reply{}, err
	}

	fallbackReply, fallbackErr := a.fallback.Respond(ctx, req)
	if fallbackErr != nil {
		return Reply{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackReply, nil
}
