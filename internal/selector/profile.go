package selector

import (
	"sort"
	"sync"
	"time"
)

// emaAlpha is the exponential-moving-average smoothing factor for model
// performance statistics. Matches the smoothing used for instance latency.
const emaAlpha = 0.1

// Outcome is the completion report for one request served by a model.
type Outcome struct {
	Success bool
	Latency time.Duration
	Cost    float64
}

// Profile holds a model's capability tags and rolling performance statistics.
// Created at startup from routing config, mutated by traffic for the process
// lifetime. Bounded state only: EMAs, no history retention.
type Profile struct {
	Model string
	tags  map[string]bool

	mu          sync.Mutex
	successRate float64
	avgLatency  time.Duration
	avgCost     float64
	samples     uint64
}

func newProfile(model string, tags []string) *Profile {
	p := &Profile{
		Model:       model,
		tags:        make(map[string]bool, len(tags)),
		successRate: 1.0,
	}
	for _, t := range tags {
		p.tags[t] = true
	}
	return p
}

// retag replaces the capability tags on a config reload, keeping the rolling
// statistics intact.
func (p *Profile) retag(tags []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tags = make(map[string]bool, len(tags))
	for _, t := range tags {
		p.tags[t] = true
	}
}

func (p *Profile) update(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples++

	observed := 0.0
	if o.Success {
		observed = 1.0
	}
	p.successRate = emaAlpha*observed + (1-emaAlpha)*p.successRate

	if p.avgLatency == 0 {
		p.avgLatency = o.Latency
	} else {
		p.avgLatency = time.Duration(emaAlpha*float64(o.Latency) + (1-emaAlpha)*float64(p.avgLatency))
	}

	if o.Cost > 0 {
		if p.avgCost == 0 {
			p.avgCost = o.Cost
		} else {
			p.avgCost = emaAlpha*o.Cost + (1-emaAlpha)*p.avgCost
		}
	}
}

// capabilityMatch is the fraction of the context's tags this model covers.
// A model with no capability data scores zero but stays selectable.
func (p *Profile) capabilityMatch(tags []string) float64 {
	if len(tags) == 0 || len(p.tags) == 0 {
		return 0
	}
	matched := 0
	for _, t := range tags {
		if p.tags[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(tags))
}

// performanceScore folds success rate and latency into [0,1]: a perfectly
// reliable, instant model scores 1.
func (p *Profile) performanceScore() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.successRate / (1 + p.avgLatency.Seconds())
}

// costScore is the rolling average cost signal fed into selection scoring.
func (p *Profile) costScore() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avgCost
}

// ProfileStats is a read-only snapshot of one model profile.
type ProfileStats struct {
	Model        string   `json:"model"`
	Tags         []string `json:"tags"`
	SuccessRate  float64  `json:"success_rate"`
	AvgLatencyMs float64  `json:"avg_latency_ms"`
	AvgCost      float64  `json:"avg_cost"`
	Samples      uint64   `json:"samples"`
}

func (p *Profile) stats() ProfileStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	tags := make([]string, 0, len(p.tags))
	for t := range p.tags {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return ProfileStats{
		Model:        p.Model,
		Tags:         tags,
		SuccessRate:  p.successRate,
		AvgLatencyMs: float64(p.avgLatency) / float64(time.Millisecond),
		AvgCost:      p.avgCost,
		Samples:      p.samples,
	}
}
