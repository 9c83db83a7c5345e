package balancer

import (
	"math/rand"
	"sort"
	"sync"
)

// pool holds the instances serving one model plus per-pool selection state.
type pool struct {
	model     string
	algorithm string
	instances []*Instance // stable order: sorted by instance id

	mu      sync.Mutex
	rrIndex int
	rng     *rand.Rand
}

func newPool(model, algorithm string, instances []*Instance, seed int64) *pool {
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return &pool{
		model:     model,
		algorithm: algorithm,
		instances: instances,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// selectInstance picks an instance for a request, or nil if none is available.
//
// A HalfOpen instance whose probe slot is free takes priority: the request
// becomes the trial that decides whether the circuit closes. Otherwise the
// pool's algorithm runs over instances that are reachable with a Closed
// circuit.
func (p *pool) selectInstance() *Instance {
	for _, inst := range p.instances {
		if inst.Reachable() && inst.State() == StateHalfOpen && inst.breaker.TryAcquire() {
			return inst
		}
	}

	healthy := p.healthy()
	if len(healthy) == 0 {
		return nil
	}

	switch p.algorithm {
	case "round_robin":
		return p.selectRoundRobin(healthy)
	case "least_loaded":
		return selectLeastLoaded(healthy)
	case "weighted_random":
		return p.selectWeightedRandom(healthy)
	default:
		return p.selectRandom(healthy)
	}
}

// healthy returns reachable instances with a Closed circuit, in pool order.
func (p *pool) healthy() []*Instance {
	out := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.Reachable() && inst.State() == StateClosed {
			out = append(out, inst)
		}
	}
	return out
}

// selectRoundRobin rotates over the healthy set, advancing the pointer
// exactly once per selection.
func (p *pool) selectRoundRobin(healthy []*Instance) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst := healthy[p.rrIndex%len(healthy)]
	p.rrIndex++
	return inst
}

// selectLeastLoaded picks the minimum in-flight count; ties break by lowest
// rolling latency, then by instance id so the result is deterministic.
func selectLeastLoaded(healthy []*Instance) *Instance {
	best := healthy[0]
	bestLoad := best.Inflight()
	bestLatency := best.EMALatency()
	for _, inst := range healthy[1:] {
		load := inst.Inflight()
		latency := inst.EMALatency()
		switch {
		case load < bestLoad:
		case load == bestLoad && latency < bestLatency:
		case load == bestLoad && latency == bestLatency && inst.ID < best.ID:
		default:
			continue
		}
		best, bestLoad, bestLatency = inst, load, latency
	}
	return best
}

// selectWeightedRandom picks with probability proportional to configured
// weight, renormalized over the currently healthy instances.
func (p *pool) selectWeightedRandom(healthy []*Instance) *Instance {
	total := 0
	for _, inst := range healthy {
		total += inst.Weight
	}

	p.mu.Lock()
	pick := p.rng.Intn(total)
	p.mu.Unlock()

	for _, inst := range healthy {
		pick -= inst.Weight
		if pick < 0 {
			return inst
		}
	}
	return healthy[len(healthy)-1]
}

func (p *pool) selectRandom(healthy []*Instance) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return healthy[p.rng.Intn(len(healthy))]
}
