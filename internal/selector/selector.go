package selector

import (
	"sort"
	"sync"

	"github.com/chatvault/gateway/internal/config"
)

// Selection is the outcome of model selection for one request.
type Selection struct {
	Model        string
	ExperimentID string // non-empty when an experiment arm overrode the pick
	Explicit     bool   // caller pinned the model
}

// Selector scores candidate models against request context and picks one,
// honoring live A/B experiments and feeding outcomes back into profiles.
type Selector struct {
	mu          sync.RWMutex
	profiles    map[string]*Profile
	experiments []*Experiment
	weights     config.SelectionConfig
	priority    map[string]int
}

// New builds a selector from the routing table snapshot.
func New(routing *config.RoutingTable) *Selector {
	s := &Selector{}
	s.rebuildLocked(routing, nil)
	return s
}

// Rebuild swaps in a new routing snapshot. Rolling statistics carry over for
// models that survive the reload; profiles for removed models are dropped.
func (s *Selector) Rebuild(routing *config.RoutingTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildLocked(routing, s.profiles)
}

// rebuildLocked must be called with s.mu held (or before s is shared).
func (s *Selector) rebuildLocked(routing *config.RoutingTable, old map[string]*Profile) {
	profiles := make(map[string]*Profile, len(routing.Pools))
	for model := range routing.Pools {
		if prev, ok := old[model]; ok {
			prev.retag(routing.Capabilities[model])
			profiles[model] = prev
			continue
		}
		profiles[model] = newProfile(model, routing.Capabilities[model])
	}

	experiments := make([]*Experiment, 0, len(routing.Experiments))
	for _, ec := range routing.Experiments {
		experiments = append(experiments, newExperiment(ec.ID, ec.Name, ec.Models, ec.TrafficPct))
	}

	weights := routing.Selection
	if weights.CapabilityWeight == 0 && weights.PerformanceWeight == 0 && weights.CostWeight == 0 {
		weights = config.SelectionConfig{CapabilityWeight: 1.0, PerformanceWeight: 0.5, CostWeight: 0.25}
	}

	priority := make(map[string]int, len(routing.Priority))
	for i, model := range routing.Priority {
		priority[model] = i
	}

	s.profiles = profiles
	s.experiments = experiments
	s.weights = weights
	s.priority = priority
}

// SelectModel picks a model for the request context.
//
// An explicitly requested model is returned unchanged. For "auto", every
// model is scored as capability·w1 + performance·w2 − cost·w3 and the argmax
// wins; ties break by the configured priority order, then model name. If an
// active experiment covers the winner and the identity hashes into the
// traffic split, the experiment's assigned arm overrides the pick.
func (s *Selector) SelectModel(ctx RequestContext) Selection {
	if ctx.RequestedModel != "" && ctx.RequestedModel != "auto" {
		return Selection{Model: ctx.RequestedModel, Explicit: true}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	best := ""
	bestScore := 0.0
	for model, profile := range s.profiles {
		score := s.weights.CapabilityWeight*profile.capabilityMatch(ctx.Tags) +
			s.weights.PerformanceWeight*profile.performanceScore() -
			s.weights.CostWeight*profile.costScore()
		if best == "" || score > bestScore || (score == bestScore && s.preferred(model, best)) {
			best = model
			bestScore = score
		}
	}

	sel := Selection{Model: best}
	for _, exp := range s.experiments {
		if exp.hasArm(sel.Model) && exp.Includes(ctx.Identity) {
			sel.Model = exp.Arm(ctx.Identity)
			sel.ExperimentID = exp.ID
			break
		}
	}
	return sel
}

// preferred reports whether a beats b under the configured priority order,
// falling back to name order so ties stay deterministic.
func (s *Selector) preferred(a, b string) bool {
	pa, oka := s.priority[a]
	pb, okb := s.priority[b]
	switch {
	case oka && okb:
		return pa < pb
	case oka:
		return true
	case okb:
		return false
	default:
		return a < b
	}
}

// UpdateProfile folds a completed request into the model's rolling stats.
// Unknown models are ignored; profiles exist only for configured pools.
func (s *Selector) UpdateProfile(model string, o Outcome) {
	s.mu.RLock()
	profile, ok := s.profiles[model]
	s.mu.RUnlock()
	if ok {
		profile.update(o)
	}
}

// RecordExperimentResult attributes an outcome to an experiment arm.
func (s *Selector) RecordExperimentResult(experimentID, model string, o Outcome) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, exp := range s.experiments {
		if exp.ID == experimentID {
			exp.recordResult(model, o)
			return
		}
	}
}

// Stats is the selector's contribution to the gateway stats snapshot.
type Stats struct {
	Profiles    []ProfileStats    `json:"profiles"`
	Experiments []ExperimentStats `json:"experiments"`
}

// Snapshot returns point-in-time profile and experiment stats.
func (s *Selector) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Profiles:    make([]ProfileStats, 0, len(s.profiles)),
		Experiments: make([]ExperimentStats, 0, len(s.experiments)),
	}
	for _, p := range s.profiles {
		st.Profiles = append(st.Profiles, p.stats())
	}
	sort.Slice(st.Profiles, func(i, j int) bool { return st.Profiles[i].Model < st.Profiles[j].Model })
	for _, e := range s.experiments {
		st.Experiments = append(st.Experiments, e.stats())
	}
	return st
}
