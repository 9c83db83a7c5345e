package selector

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// bucketSpace is the resolution of experiment traffic splits: identities map
// onto [0, bucketSpace) and a split of p percent claims the first p*100
// buckets, so fractional percentages work.
const bucketSpace = 10000

// Experiment is an A/B traffic split between candidate models. Assignment is
// computed per request from a stable hash and discarded; only the per-arm
// aggregates persist.
type Experiment struct {
	ID         string
	Name       string
	Models     []string
	TrafficPct float64

	mu   sync.Mutex
	arms map[string]*armStats
}

type armStats struct {
	requests   uint64
	successes  uint64
	avgLatency time.Duration
}

func newExperiment(id, name string, models []string, trafficPct float64) *Experiment {
	arms := make(map[string]*armStats, len(models))
	for _, m := range models {
		arms[m] = &armStats{}
	}
	return &Experiment{
		ID:         id,
		Name:       name,
		Models:     models,
		TrafficPct: trafficPct,
		arms:       arms,
	}
}

// Includes reports whether the identity falls inside the traffic split.
// Bucketing is stable: the same identity always maps to the same bucket for
// the lifetime of the experiment id.
func (e *Experiment) Includes(identity string) bool {
	bucket := xxhash.Sum64String(e.ID+"/"+identity) % bucketSpace
	return float64(bucket) < e.TrafficPct*100
}

// Arm returns the candidate model assigned to the identity, stable per
// identity for the experiment's lifetime.
func (e *Experiment) Arm(identity string) string {
	idx := xxhash.Sum64String(e.ID+"/"+identity+"/arm") % uint64(len(e.Models))
	return e.Models[idx]
}

func (e *Experiment) hasArm(model string) bool {
	_, ok := e.arms[model]
	return ok
}

// recordResult folds a completed request into the arm's aggregates.
func (e *Experiment) recordResult(model string, o Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	arm, ok := e.arms[model]
	if !ok {
		return
	}
	arm.requests++
	if o.Success {
		arm.successes++
	}
	// Cumulative average keeps per-arm comparison unbiased by recency.
	arm.avgLatency += (o.Latency - arm.avgLatency) / time.Duration(arm.requests)
}

// ArmResult is a read-only snapshot of one experiment arm.
type ArmResult struct {
	Model        string  `json:"model"`
	Requests     uint64  `json:"requests"`
	Successes    uint64  `json:"successes"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ExperimentStats is a read-only snapshot of one experiment.
type ExperimentStats struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	TrafficPct float64     `json:"traffic_pct"`
	Arms       []ArmResult `json:"arms"`
}

func (e *Experiment) stats() ExperimentStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := ExperimentStats{
		ID:         e.ID,
		Name:       e.Name,
		TrafficPct: e.TrafficPct,
		Arms:       make([]ArmResult, 0, len(e.Models)),
	}
	for _, m := range e.Models {
		arm := e.arms[m]
		s.Arms = append(s.Arms, ArmResult{
			Model:        m,
			Requests:     arm.requests,
			Successes:    arm.successes,
			AvgLatencyMs: float64(arm.avgLatency) / float64(time.Millisecond),
		})
	}
	return s
}
