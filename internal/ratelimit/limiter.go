package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatvault/gateway/internal/config"
)

// Limiter resolves an identity's rate class and checks it against the store.
type Limiter struct {
	store Store
	cfg   func() config.RateLimitConfig
}

// NewLimiter creates a limiter. cfg must return the current config snapshot;
// it is consulted on every check so reloads take effect immediately.
func NewLimiter(store Store, cfg func() config.RateLimitConfig) *Limiter {
	return &Limiter{store: store, cfg: cfg}
}

// Admit checks the identity against its class limit. It never fails the
// request on store errors: the check fails open and the error is logged,
// matching the gateway's availability-over-strictness stance for quota.
func (l *Limiter) Admit(ctx context.Context, identity, class string) Decision {
	cfg := l.cfg()

	cls, ok := cfg.Classes[class]
	if !ok {
		cls = cfg.Classes[cfg.DefaultClass]
	}

	d, err := l.store.Admit(ctx, identity, cls.Limit, cls.Window)
	if err != nil {
		slog.Error("rate limit store unavailable, failing open",
			"identity", identity, "error", err)
		return Decision{
			Allowed:   true,
			Limit:     cls.Limit,
			Remaining: cls.Limit - 1,
			ResetAt:   time.Now().Add(cls.Window),
		}
	}
	return d
}
