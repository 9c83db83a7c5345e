package balancer

import (
	"sync"
	"sync/atomic"
	"time"
)

// emaAlpha is the smoothing factor for rolling latency averages.
const emaAlpha = 0.1

// Instance is one concrete deployed endpoint serving a model. All mutation
// goes through the Balancer API; callers only read the exported identity
// fields.
type Instance struct {
	ID       string
	Model    string
	Endpoint string
	Kind     string // "http" or "grpc"
	Weight   int

	breaker   *CircuitBreaker
	reachable atomic.Bool

	mu         sync.Mutex
	inflight   int
	emaLatency time.Duration
	total      uint64
	successes  uint64
	failures   uint64
}

func newInstance(id, model, endpoint, kind string, weight int, breaker *CircuitBreaker) *Instance {
	if kind == "" {
		kind = "http"
	}
	if weight <= 0 {
		weight = 1
	}
	inst := &Instance{
		ID:       id,
		Model:    model,
		Endpoint: endpoint,
		Kind:     kind,
		Weight:   weight,
		breaker:  breaker,
	}
	inst.reachable.Store(true)
	return inst
}

// State returns the instance's circuit state.
func (i *Instance) State() CircuitState {
	return i.breaker.State()
}

// Reachable reports the last active-probe verdict for the instance.
func (i *Instance) Reachable() bool {
	return i.reachable.Load()
}

func (i *Instance) setReachable(up bool) {
	i.reachable.Store(up)
}

// Inflight returns the current in-flight request count.
func (i *Instance) Inflight() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inflight
}

// EMALatency returns the rolling average latency of successful requests.
func (i *Instance) EMALatency() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.emaLatency
}

func (i *Instance) recordStart() {
	i.mu.Lock()
	i.inflight++
	i.total++
	i.mu.Unlock()
}

func (i *Instance) recordResult(success bool, latency time.Duration) {
	i.mu.Lock()
	if i.inflight > 0 {
		i.inflight--
	}
	if success {
		i.successes++
		if i.emaLatency == 0 {
			i.emaLatency = latency
		} else {
			i.emaLatency = time.Duration(emaAlpha*float64(latency) + (1-emaAlpha)*float64(i.emaLatency))
		}
	} else {
		i.failures++
	}
	i.mu.Unlock()

	if success {
		i.breaker.RecordSuccess()
	} else {
		i.breaker.RecordFailure()
	}
}

// InstanceStats is a read-only snapshot of one instance for the stats export.
type InstanceStats struct {
	ID           string     `json:"id"`
	Endpoint     string     `json:"endpoint"`
	Kind         string     `json:"kind"`
	Weight       int        `json:"weight"`
	State        string     `json:"circuit_state"`
	Reachable    bool       `json:"reachable"`
	Inflight     int        `json:"inflight"`
	Total        uint64     `json:"total_requests"`
	Successes    uint64     `json:"successes"`
	Failures     uint64     `json:"failures"`
	EMALatencyMs float64    `json:"ema_latency_ms"`
	ResumeAt     *time.Time `json:"resume_at,omitempty"`
}

func (i *Instance) stats() InstanceStats {
	state := i.State()

	i.mu.Lock()
	s := InstanceStats{
		ID:           i.ID,
		Endpoint:     i.Endpoint,
		Kind:         i.Kind,
		Weight:       i.Weight,
		State:        state.String(),
		Reachable:    i.Reachable(),
		Inflight:     i.inflight,
		Total:        i.total,
		Successes:    i.successes,
		Failures:     i.failures,
		EMALatencyMs: float64(i.emaLatency) / float64(time.Millisecond),
	}
	i.mu.Unlock()

	if state == StateOpen {
		t := i.breaker.ResumeAt()
		s.ResumeAt = &t
	}
	return s
}
