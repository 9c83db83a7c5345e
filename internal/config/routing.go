package config

// RoutingTable is the routing.yaml snapshot: instance pools, model
// capabilities, selection weights, and live experiments. It is loaded as a
// whole and swapped atomically on reload.
type RoutingTable struct {
	Pools        map[string]PoolConfig `yaml:"pools"`
	Capabilities map[string][]string   `yaml:"capabilities"`
	Priority     []string              `yaml:"priority"`
	Selection    SelectionConfig       `yaml:"selection"`
	Experiments  []ExperimentConfig    `yaml:"experiments"`
}

// PoolConfig describes the instances serving one model.
type PoolConfig struct {
	Algorithm string           `yaml:"algorithm"`
	CostPer1K float64          `yaml:"cost_per_1k_tokens"`
	Instances []InstanceConfig `yaml:"instances"`
}

// InstanceConfig is one concrete deployed endpoint for a model. Kind picks
// the health-probe transport: "http" (default) hits GET {endpoint}{path},
// "grpc" uses the standard grpc.health.v1 service on the endpoint's
// host:port. Chat traffic is always forwarded over HTTP.
type InstanceConfig struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
	Kind     string `yaml:"kind"`
	Weight   int    `yaml:"weight"`
}

// SelectionConfig holds the scoring weights for automatic model selection.
type SelectionConfig struct {
	CapabilityWeight  float64 `yaml:"capability_weight"`
	PerformanceWeight float64 `yaml:"performance_weight"`
	CostWeight        float64 `yaml:"cost_weight"`
}

// ExperimentConfig defines an A/B traffic split between candidate models.
type ExperimentConfig struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Models     []string `yaml:"models"`
	TrafficPct float64  `yaml:"traffic_pct"`
}
