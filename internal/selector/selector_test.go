package selector

import (
	"fmt"
	"testing"
	"time"

	"github.com/chatvault/gateway/internal/config"
)

func testTable() *config.RoutingTable {
	return &config.RoutingTable{
		Pools: map[string]config.PoolConfig{
			"vault-small": {},
			"vault-large": {},
			"vault-code":  {},
		},
		Capabilities: map[string][]string{
			"vault-small": {"chat", "summarize"},
			"vault-large": {"chat", "long-form", "qa", "creative"},
			"vault-code":  {"chat", "code"},
		},
		Selection: config.SelectionConfig{
			CapabilityWeight:  1.0,
			PerformanceWeight: 0.5,
			CostWeight:        0.25,
		},
	}
}

func ctxWithTags(identity string, tags ...string) RequestContext {
	return RequestContext{Identity: identity, RequestedModel: "auto", Tags: tags}
}

func TestSelector_ExplicitModelWins(t *testing.T) {
	s := New(testTable())

	sel := s.SelectModel(RequestContext{Identity: "u1", RequestedModel: "vault-small", Tags: []string{"code"}})
	if !sel.Explicit {
		t.Error("expected explicit selection")
	}
	if sel.Model != "vault-small" {
		t.Errorf("expected pinned model vault-small, got %s", sel.Model)
	}
	if sel.ExperimentID != "" {
		t.Error("explicit selections must not join experiments")
	}
}

func TestSelector_CapabilityMatchDrivesSelection(t *testing.T) {
	s := New(testTable())

	tests := []struct {
		tags []string
		want string
	}{
		{[]string{"code"}, "vault-code"},
		{[]string{"qa", "long-form"}, "vault-large"},
		{[]string{"summarize"}, "vault-small"},
	}
	for _, tt := range tests {
		sel := s.SelectModel(ctxWithTags("u1", tt.tags...))
		if sel.Model != tt.want {
			t.Errorf("tags %v: expected %s, got %s", tt.tags, tt.want, sel.Model)
		}
	}
}

func TestSelector_SelectionIsDeterministic(t *testing.T) {
	s := New(testTable())
	ctx := ctxWithTags("u1", "code")

	first := s.SelectModel(ctx)
	for i := 0; i < 10; i++ {
		if got := s.SelectModel(ctx); got.Model != first.Model {
			t.Fatalf("selection changed from %s to %s with identical state", first.Model, got.Model)
		}
	}
}

func TestSelector_TieBreaksByPriorityThenName(t *testing.T) {
	table := &config.RoutingTable{
		Pools: map[string]config.PoolConfig{
			"vault-a": {},
			"vault-b": {},
		},
		Capabilities: map[string][]string{
			"vault-a": {"chat"},
			"vault-b": {"chat"},
		},
	}

	s := New(table)
	if sel := s.SelectModel(ctxWithTags("u1", "chat")); sel.Model != "vault-a" {
		t.Errorf("without priority, expected name order to pick vault-a, got %s", sel.Model)
	}

	table.Priority = []string{"vault-b", "vault-a"}
	s = New(table)
	if sel := s.SelectModel(ctxWithTags("u1", "chat")); sel.Model != "vault-b" {
		t.Errorf("expected priority order to pick vault-b, got %s", sel.Model)
	}
}

func TestSelector_PoorPerformanceShiftsSelection(t *testing.T) {
	table := &config.RoutingTable{
		Pools: map[string]config.PoolConfig{
			"vault-a": {},
			"vault-b": {},
		},
		Capabilities: map[string][]string{
			"vault-a": {"chat"},
			"vault-b": {"chat"},
		},
	}
	s := New(table)

	if sel := s.SelectModel(ctxWithTags("u1", "chat")); sel.Model != "vault-a" {
		t.Fatalf("expected vault-a to win the initial tie, got %s", sel.Model)
	}

	for i := 0; i < 20; i++ {
		s.UpdateProfile("vault-a", Outcome{Success: false, Latency: 2 * time.Second})
	}
	if sel := s.SelectModel(ctxWithTags("u1", "chat")); sel.Model != "vault-b" {
		t.Errorf("expected selection to shift away from the failing model, got %s", sel.Model)
	}
}

func TestSelector_ExperimentOverridesWinner(t *testing.T) {
	table := testTable()
	table.Experiments = []config.ExperimentConfig{
		{ID: "exp-1", Name: "large vs small", Models: []string{"vault-large", "vault-small"}, TrafficPct: 100},
	}
	s := New(table)

	sel := s.SelectModel(ctxWithTags("u1", "qa"))
	if sel.ExperimentID != "exp-1" {
		t.Fatalf("expected experiment assignment, got %+v", sel)
	}
	if sel.Model != "vault-large" && sel.Model != "vault-small" {
		t.Errorf("expected an experiment arm, got %s", sel.Model)
	}

	// Assignment is stable per identity.
	for i := 0; i < 10; i++ {
		if got := s.SelectModel(ctxWithTags("u1", "qa")); got.Model != sel.Model {
			t.Fatal("experiment arm changed for the same identity")
		}
	}
}

func TestSelector_ExperimentSkipsUncoveredWinner(t *testing.T) {
	table := testTable()
	table.Experiments = []config.ExperimentConfig{
		{ID: "exp-1", Name: "large vs small", Models: []string{"vault-large", "vault-small"}, TrafficPct: 100},
	}
	s := New(table)

	// The code winner is not an experiment arm, so the pick stands.
	sel := s.SelectModel(ctxWithTags("u1", "code"))
	if sel.Model != "vault-code" {
		t.Errorf("expected vault-code, got %s", sel.Model)
	}
	if sel.ExperimentID != "" {
		t.Error("experiment must not claim a winner outside its arms")
	}
}

func TestSelector_ExperimentTrafficSplit(t *testing.T) {
	table := testTable()
	table.Experiments = []config.ExperimentConfig{
		{ID: "exp-1", Name: "split", Models: []string{"vault-large", "vault-small"}, TrafficPct: 10},
	}
	s := New(table)

	inExperiment := 0
	const n = 500
	for i := 0; i < n; i++ {
		sel := s.SelectModel(ctxWithTags(fmt.Sprintf("identity-%d", i), "qa"))
		if sel.ExperimentID != "" {
			inExperiment++
		}
	}
	if inExperiment < 20 || inExperiment > 90 {
		t.Errorf("10%% experiment claimed %d of %d requests", inExperiment, n)
	}
}

func TestSelector_RebuildKeepsProfileStats(t *testing.T) {
	s := New(testTable())
	for i := 0; i < 5; i++ {
		s.UpdateProfile("vault-code", Outcome{Success: true, Latency: 100 * time.Millisecond})
	}

	table := testTable()
	table.Capabilities["vault-code"] = []string{"chat", "code", "math"}
	s.Rebuild(table)

	stats := s.Snapshot()
	for _, p := range stats.Profiles {
		if p.Model != "vault-code" {
			continue
		}
		if p.Samples != 5 {
			t.Errorf("expected 5 samples to survive rebuild, got %d", p.Samples)
		}
		found := false
		for _, tag := range p.Tags {
			if tag == "math" {
				found = true
			}
		}
		if !found {
			t.Error("expected rebuilt profile to carry the new tag set")
		}
	}
}

func TestSelector_SelectionIgnoresUnknownModelUpdates(t *testing.T) {
	s := New(testTable())
	s.UpdateProfile("no-such-model", Outcome{Success: false, Latency: time.Second})

	stats := s.Snapshot()
	if len(stats.Profiles) != 3 {
		t.Errorf("expected 3 profiles, got %d", len(stats.Profiles))
	}
}
