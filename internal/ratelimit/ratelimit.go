package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Store tracks admission timestamps per key inside a sliding window.
// Implementations must serialize concurrent Admit calls for the same key so
// that no two callers observe the same count before either records itself.
type Store interface {
	// Admit records an admission for key if fewer than limit admissions fall
	// within the window ending now, and reports the resulting decision.
	Admit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Usage is a point-in-time view of one identity's window, for stats export.
type Usage struct {
	Identity string    `json:"identity"`
	Count    int       `json:"count"`
	Oldest   time.Time `json:"oldest,omitempty"`
}
