package policy

import (
	"context"
	"testing"
	"time"

	"github.com/chatvault/gateway/internal/config"
)

const testPolicy = `
package chatvault.access

default allow = false
default reason = ""

allow {
	input.rate_class == "premium"
}

allow {
	input.model == "vault-small"
}

reason = "premium only" {
	not allow
}
`

func testEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e := NewEvaluator(func() config.PolicyConfig {
		return config.PolicyConfig{EvaluationTimeout: time.Second}
	})
	if err := e.LoadFromModules(map[string]string{"access.rego": testPolicy}); err != nil {
		t.Fatalf("failed to compile policy: %v", err)
	}
	return e
}

func TestEvaluator_AllowsPremium(t *testing.T) {
	e := testEvaluator(t)
	allowed, reason := e.Allow(context.Background(), "team-7", "premium", "vault-large", []string{"chat"})
	if !allowed {
		t.Errorf("expected premium allowed, got denied (%s)", reason)
	}
}

func TestEvaluator_AllowsSmallModelForEveryone(t *testing.T) {
	e := testEvaluator(t)
	allowed, _ := e.Allow(context.Background(), "team-7", "free", "vault-small", nil)
	if !allowed {
		t.Error("expected vault-small allowed for free tier")
	}
}

func TestEvaluator_DeniesWithReason(t *testing.T) {
	e := testEvaluator(t)
	allowed, reason := e.Allow(context.Background(), "team-7", "free", "vault-large", []string{"chat"})
	if allowed {
		t.Fatal("expected denial")
	}
	if reason != "premium only" {
		t.Errorf("expected reason from policy, got %q", reason)
	}
}

func TestEvaluator_NoPoliciesAllowsAll(t *testing.T) {
	e := NewEvaluator(func() config.PolicyConfig {
		return config.PolicyConfig{}
	})
	allowed, _ := e.Allow(context.Background(), "anyone", "free", "vault-large", nil)
	if !allowed {
		t.Error("evaluator without policies should allow everything")
	}
}

func TestEvaluator_BadModuleFailsCompile(t *testing.T) {
	e := NewEvaluator(func() config.PolicyConfig {
		return config.PolicyConfig{}
	})
	if err := e.LoadFromModules(map[string]string{"bad.rego": "not rego at all {"}); err == nil {
		t.Error("expected compile error for invalid rego")
	}
}
