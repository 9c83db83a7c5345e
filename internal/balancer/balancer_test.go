package balancer

import (
	"errors"
	"testing"
	"time"

	"github.com/chatvault/gateway/internal/config"
)

func testRoutingCfg() config.RoutingConfig {
	return config.RoutingConfig{
		DefaultAlgorithm: "round_robin",
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    30 * time.Second,
			BaseCooldown:     15 * time.Second,
			MaxCooldown:      5 * time.Minute,
		},
	}
}

func testTable(algorithm string, weights ...int) *config.RoutingTable {
	instances := make([]config.InstanceConfig, len(weights))
	ids := []string{"inst-a", "inst-b", "inst-c", "inst-d"}
	for i, w := range weights {
		instances[i] = config.InstanceConfig{
			ID:       ids[i],
			Endpoint: "http://backend:8000",
			Weight:   w,
		}
	}
	return &config.RoutingTable{
		Pools: map[string]config.PoolConfig{
			"vault-small": {Algorithm: algorithm, Instances: instances},
		},
	}
}

func TestBalancer_UnknownModel(t *testing.T) {
	b := New(testTable("round_robin", 1, 1), testRoutingCfg())
	_, err := b.SelectInstance("no-such-model")
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestBalancer_RoundRobinIsFair(t *testing.T) {
	b := New(testTable("round_robin", 1, 1, 1), testRoutingCfg())

	counts := map[string]int{}
	const rounds = 30
	for i := 0; i < rounds; i++ {
		inst, err := b.SelectInstance("vault-small")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[inst.ID]++
	}

	for id, n := range counts {
		if n != rounds/3 {
			t.Errorf("instance %s got %d selections, expected %d", id, n, rounds/3)
		}
	}
}

func TestBalancer_LeastLoadedPrefersIdle(t *testing.T) {
	b := New(testTable("least_loaded", 1, 1), testRoutingCfg())

	busy, err := b.SelectInstance("vault-small")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.RecordStart(busy)

	for i := 0; i < 10; i++ {
		inst, err := b.SelectInstance("vault-small")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if inst.ID == busy.ID {
			t.Fatalf("selection %d picked the loaded instance", i)
		}
	}

	b.RecordResult(busy, true, 10*time.Millisecond)
}

func TestBalancer_WeightedRandomRespectsWeights(t *testing.T) {
	b := New(testTable("weighted_random", 1, 1, 2), testRoutingCfg())

	counts := map[string]int{}
	const draws = 400
	for i := 0; i < draws; i++ {
		inst, err := b.SelectInstance("vault-small")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[inst.ID]++
	}

	// inst-c carries half the total weight; allow generous statistical slack.
	heavy := counts["inst-c"]
	if heavy < 140 || heavy > 260 {
		t.Errorf("weight-2 instance got %d of %d draws, expected around %d", heavy, draws, draws/2)
	}
	if counts["inst-a"] == 0 || counts["inst-b"] == 0 {
		t.Error("weight-1 instances should still receive traffic")
	}
}

func TestBalancer_OpenInstanceNeverSelected(t *testing.T) {
	b := New(testTable("round_robin", 1, 1), testRoutingCfg())

	var broken *Instance
	for _, inst := range b.Instances() {
		if inst.ID == "inst-a" {
			broken = inst
		}
	}
	for i := 0; i < 5; i++ {
		b.RecordResult(broken, false, time.Second)
	}
	if broken.State() != StateOpen {
		t.Fatal("expected inst-a circuit to open")
	}

	for i := 0; i < 20; i++ {
		inst, err := b.SelectInstance("vault-small")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if inst.ID == "inst-a" {
			t.Fatal("selected an instance with an open circuit")
		}
	}
}

func TestBalancer_AllInstancesDown(t *testing.T) {
	b := New(testTable("round_robin", 1, 1), testRoutingCfg())

	for _, inst := range b.Instances() {
		b.SetReachable("vault-small", inst.ID, false)
	}
	_, err := b.SelectInstance("vault-small")
	if !errors.Is(err, ErrNoHealthyInstance) {
		t.Errorf("expected ErrNoHealthyInstance, got %v", err)
	}
}

func TestBalancer_UnreachableInstanceSkipped(t *testing.T) {
	b := New(testTable("round_robin", 1, 1), testRoutingCfg())
	b.SetReachable("vault-small", "inst-a", false)

	for i := 0; i < 10; i++ {
		inst, err := b.SelectInstance("vault-small")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if inst.ID == "inst-a" {
			t.Fatal("selected an unreachable instance")
		}
	}

	b.SetReachable("vault-small", "inst-a", true)
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		inst, _ := b.SelectInstance("vault-small")
		seen[inst.ID] = true
	}
	if !seen["inst-a"] {
		t.Error("recovered instance should rejoin rotation")
	}
}

func TestBalancer_HalfOpenProbePriority(t *testing.T) {
	cfg := testRoutingCfg()
	cfg.CircuitBreaker.BaseCooldown = time.Millisecond
	b := New(testTable("round_robin", 1, 1), cfg)

	var broken *Instance
	for _, inst := range b.Instances() {
		if inst.ID == "inst-a" {
			broken = inst
		}
	}
	for i := 0; i < 5; i++ {
		b.RecordResult(broken, false, time.Second)
	}
	time.Sleep(5 * time.Millisecond)
	if broken.State() != StateHalfOpen {
		t.Fatal("expected half-open after cooldown")
	}

	// The half-open instance takes the next selection as its probe; further
	// selections fall back to healthy instances while the probe is out.
	inst, err := b.SelectInstance("vault-small")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.ID != "inst-a" {
		t.Fatalf("expected the half-open instance to get the probe, got %s", inst.ID)
	}
	for i := 0; i < 5; i++ {
		other, _ := b.SelectInstance("vault-small")
		if other.ID == "inst-a" {
			t.Fatal("only one probe may be in flight")
		}
	}

	b.RecordResult(broken, true, 10*time.Millisecond)
	if broken.State() != StateClosed {
		t.Error("successful probe should close the circuit")
	}
}

func TestBalancer_RebuildSwapsPools(t *testing.T) {
	b := New(testTable("round_robin", 1), testRoutingCfg())

	b.Rebuild(&config.RoutingTable{
		Pools: map[string]config.PoolConfig{
			"vault-large": {Instances: []config.InstanceConfig{
				{ID: "large-a", Endpoint: "http://backend:9000"},
			}},
		},
	})

	if _, err := b.SelectInstance("vault-small"); !errors.Is(err, ErrUnknownModel) {
		t.Error("old pool should be gone after rebuild")
	}
	if _, err := b.SelectInstance("vault-large"); err != nil {
		t.Errorf("new pool should be selectable: %v", err)
	}
}

func TestBalancer_SnapshotSorted(t *testing.T) {
	table := testTable("round_robin", 1, 1)
	table.Pools["vault-alpha"] = config.PoolConfig{Instances: []config.InstanceConfig{
		{ID: "alpha-a", Endpoint: "http://backend:8000"},
	}}
	b := New(table, testRoutingCfg())

	inst, _ := b.SelectInstance("vault-small")
	b.RecordStart(inst)
	b.RecordResult(inst, true, 20*time.Millisecond)

	snap := b.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 pools, got %d", len(snap))
	}
	if snap[0].Model != "vault-alpha" || snap[1].Model != "vault-small" {
		t.Errorf("expected pools sorted by model, got %s, %s", snap[0].Model, snap[1].Model)
	}
	if snap[1].Healthy != 2 {
		t.Errorf("expected 2 healthy instances, got %d", snap[1].Healthy)
	}
}

func TestBalancer_CircuitTransitionHook(t *testing.T) {
	b := New(testTable("round_robin", 1), testRoutingCfg())

	type transition struct {
		model, id, state string
	}
	var seen []transition
	b.OnCircuitTransition(func(model, instanceID string, state CircuitState) {
		seen = append(seen, transition{model, instanceID, state.String()})
	})

	inst, err := b.SelectInstance("vault-small")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 5; i++ {
		b.RecordStart(inst)
		b.RecordResult(inst, false, 10*time.Millisecond)
	}

	if len(seen) != 1 {
		t.Fatalf("expected one transition, got %d", len(seen))
	}
	if seen[0].model != "vault-small" || seen[0].id != "inst-a" || seen[0].state != "open" {
		t.Errorf("unexpected transition %+v", seen[0])
	}
}
