package config

import (
	"fmt"
)

var validAlgorithms = map[string]bool{
	"round_robin":     true,
	"least_loaded":    true,
	"weighted_random": true,
	"random":          true,
}

// Validate rejects misconfiguration at load time so that request-time code
// never has to handle zero limits, empty pools, or malformed experiments.
func Validate(cfg *Config, routing *RoutingTable) error {
	if len(cfg.RateLimit.Classes) == 0 {
		return fmt.Errorf("ratelimit: no identity classes configured")
	}
	if _, ok := cfg.RateLimit.Classes[cfg.RateLimit.DefaultClass]; !ok {
		return fmt.Errorf("ratelimit: default_class %q not defined", cfg.RateLimit.DefaultClass)
	}
	for name, class := range cfg.RateLimit.Classes {
		if class.Limit <= 0 {
			return fmt.Errorf("ratelimit: class %q has non-positive limit %d", name, class.Limit)
		}
		if class.Window <= 0 {
			return fmt.Errorf("ratelimit: class %q has non-positive window %s", name, class.Window)
		}
	}
	switch cfg.RateLimit.Store {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("ratelimit: unknown store %q", cfg.RateLimit.Store)
	}

	cb := cfg.Routing.CircuitBreaker
	if cb.FailureThreshold <= 0 {
		return fmt.Errorf("routing: circuit_breaker failure_threshold must be positive")
	}
	if cb.BaseCooldown <= 0 || cb.MaxCooldown < cb.BaseCooldown {
		return fmt.Errorf("routing: circuit_breaker cooldowns invalid (base=%s max=%s)", cb.BaseCooldown, cb.MaxCooldown)
	}
	if cfg.Routing.DefaultAlgorithm != "" && !validAlgorithms[cfg.Routing.DefaultAlgorithm] {
		return fmt.Errorf("routing: unknown default_algorithm %q", cfg.Routing.DefaultAlgorithm)
	}

	if len(routing.Pools) == 0 {
		return fmt.Errorf("routing: no model pools configured")
	}
	for model, pool := range routing.Pools {
		if len(pool.Instances) == 0 {
			return fmt.Errorf("routing: pool %q has no instances", model)
		}
		if pool.Algorithm != "" && !validAlgorithms[pool.Algorithm] {
			return fmt.Errorf("routing: pool %q has unknown algorithm %q", model, pool.Algorithm)
		}
		if pool.CostPer1K < 0 {
			return fmt.Errorf("routing: pool %q has negative cost_per_1k_tokens", model)
		}
		seen := make(map[string]bool, len(pool.Instances))
		for _, inst := range pool.Instances {
			if inst.ID == "" {
				return fmt.Errorf("routing: pool %q has an instance without an id", model)
			}
			if seen[inst.ID] {
				return fmt.Errorf("routing: pool %q has duplicate instance id %q", model, inst.ID)
			}
			seen[inst.ID] = true
			if inst.Endpoint == "" {
				return fmt.Errorf("routing: instance %q in pool %q has no endpoint", inst.ID, model)
			}
			switch inst.Kind {
			case "", "http", "grpc":
			default:
				return fmt.Errorf("routing: instance %q in pool %q has unknown kind %q", inst.ID, model, inst.Kind)
			}
			if inst.Weight < 0 {
				return fmt.Errorf("routing: instance %q in pool %q has negative weight", inst.ID, model)
			}
		}
	}

	for model := range routing.Capabilities {
		if _, ok := routing.Pools[model]; !ok {
			return fmt.Errorf("routing: capabilities reference unknown model %q", model)
		}
	}
	for _, model := range routing.Priority {
		if _, ok := routing.Pools[model]; !ok {
			return fmt.Errorf("routing: priority references unknown model %q", model)
		}
	}

	seenExp := make(map[string]bool, len(routing.Experiments))
	for _, exp := range routing.Experiments {
		if exp.ID == "" {
			return fmt.Errorf("routing: experiment without an id")
		}
		if seenExp[exp.ID] {
			return fmt.Errorf("routing: duplicate experiment id %q", exp.ID)
		}
		seenExp[exp.ID] = true
		if len(exp.Models) < 2 {
			return fmt.Errorf("routing: experiment %q needs at least two arms", exp.ID)
		}
		if exp.TrafficPct <= 0 || exp.TrafficPct > 100 {
			return fmt.Errorf("routing: experiment %q has traffic_pct %.2f outside (0,100]", exp.ID, exp.TrafficPct)
		}
		for _, m := range exp.Models {
			if _, ok := routing.Pools[m]; !ok {
				return fmt.Errorf("routing: experiment %q references unknown model %q", exp.ID, m)
			}
		}
	}

	return nil
}
