package balancer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatvault/gateway/internal/config"
)

// ErrNoHealthyInstance means every instance for the model is excluded by its
// circuit state or reachability. The balancer never retries or waits for
// recovery; surfacing the condition is the caller's job.
var ErrNoHealthyInstance = errors.New("no healthy instance for model")

// ErrUnknownModel means no pool is configured for the requested model.
var ErrUnknownModel = errors.New("unknown model")

// Balancer selects concrete instances for models and tracks request outcomes.
type Balancer struct {
	mu    sync.RWMutex
	pools map[string]*pool

	cb               config.CircuitBreakerConfig
	defaultAlgorithm string

	onTransition func(model, instanceID string, state CircuitState)
}

// New builds a balancer from the routing table. Pools and instances live for
// the life of the snapshot; Rebuild swaps them wholesale on config reload.
func New(routing *config.RoutingTable, routingCfg config.RoutingConfig) *Balancer {
	b := &Balancer{
		cb:               routingCfg.CircuitBreaker,
		defaultAlgorithm: routingCfg.DefaultAlgorithm,
	}
	b.pools = b.buildPools(routing)
	return b
}

func (b *Balancer) buildPools(routing *config.RoutingTable) map[string]*pool {
	pools := make(map[string]*pool, len(routing.Pools))
	for model, poolCfg := range routing.Pools {
		instances := make([]*Instance, 0, len(poolCfg.Instances))
		for _, ic := range poolCfg.Instances {
			breaker := NewCircuitBreaker(b.cb.FailureThreshold, b.cb.FailureWindow, b.cb.BaseCooldown, b.cb.MaxCooldown)
			instances = append(instances, newInstance(ic.ID, model, ic.Endpoint, ic.Kind, ic.Weight, breaker))
		}
		algorithm := poolCfg.Algorithm
		if algorithm == "" {
			algorithm = b.defaultAlgorithm
		}
		pools[model] = newPool(model, algorithm, instances, time.Now().UnixNano())
	}
	return pools
}

// Rebuild replaces all pools from a new routing snapshot. Health and load
// counters start fresh; in-flight requests against old instances finish
// against the old objects, which keeps their accounting consistent.
func (b *Balancer) Rebuild(routing *config.RoutingTable) {
	pools := b.buildPools(routing)
	b.mu.Lock()
	b.pools = pools
	b.mu.Unlock()
}

// SelectInstance picks an instance for the model, or fails fast when the pool
// is unknown or fully unhealthy.
func (b *Balancer) SelectInstance(model string) (*Instance, error) {
	b.mu.RLock()
	p, ok := b.pools[model]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	inst := p.selectInstance()
	if inst == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyInstance, model)
	}
	return inst, nil
}

// RecordStart marks a request as in flight on the instance.
func (b *Balancer) RecordStart(inst *Instance) {
	inst.recordStart()
}

// RecordResult completes a request: releases the in-flight slot, folds the
// latency into the rolling average, and feeds the circuit breaker.
func (b *Balancer) RecordResult(inst *Instance, success bool, latency time.Duration) {
	before := inst.State()
	inst.recordResult(success, latency)
	if after := inst.State(); after != before && b.onTransition != nil {
		b.onTransition(inst.Model, inst.ID, after)
	}
}

// OnCircuitTransition registers a hook called when recording a result moves an
// instance's breaker into a new state. Set before serving traffic.
func (b *Balancer) OnCircuitTransition(fn func(model, instanceID string, state CircuitState)) {
	b.onTransition = fn
}

// SetReachable records an active-probe verdict for an instance.
func (b *Balancer) SetReachable(model, instanceID string, up bool) {
	b.mu.RLock()
	p, ok := b.pools[model]
	b.mu.RUnlock()
	if !ok {
		return
	}
	for _, inst := range p.instances {
		if inst.ID == instanceID {
			inst.setReachable(up)
			return
		}
	}
}

// Instances returns the instances of every pool, for the health prober.
func (b *Balancer) Instances() []*Instance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Instance
	for _, p := range b.pools {
		out = append(out, p.instances...)
	}
	return out
}

// PoolStats is a read-only snapshot of one model pool.
type PoolStats struct {
	Model     string          `json:"model"`
	Algorithm string          `json:"algorithm"`
	Healthy   int             `json:"healthy_instances"`
	Instances []InstanceStats `json:"instances"`
}

// Snapshot returns point-in-time stats for all pools, sorted by model name.
func (b *Balancer) Snapshot() []PoolStats {
	b.mu.RLock()
	pools := make([]*pool, 0, len(b.pools))
	for _, p := range b.pools {
		pools = append(pools, p)
	}
	b.mu.RUnlock()

	out := make([]PoolStats, 0, len(pools))
	for _, p := range pools {
		ps := PoolStats{
			Model:     p.model,
			Algorithm: p.algorithm,
			Healthy:   len(p.healthy()),
			Instances: make([]InstanceStats, 0, len(p.instances)),
		}
		for _, inst := range p.instances {
			ps.Instances = append(ps.Instances, inst.stats())
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}
