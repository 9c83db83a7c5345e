// Package policy gates model access with OPA rego policies. Policies decide
// whether an identity may use the model chosen for its request, based on the
// identity, its rate class, the model, and the request's capability tags.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatvault/gateway/internal/config"
	"github.com/open-policy-agent/opa/rego"
)

const regoQuery = "[data.chatvault.access.allow, data.chatvault.access.reason]"

// Input is the document handed to the rego query for one decision.
type Input struct {
	Identity  string   `json:"identity"`
	RateClass string   `json:"rate_class"`
	Model     string   `json:"model"`
	Tags      []string `json:"tags"`
	Hour      int      `json:"hour"`
	Day       string   `json:"day"`
}

// Evaluator evaluates model-access policies. With no policies loaded it
// allows everything, so a gateway without a bundle keeps serving.
type Evaluator struct {
	cfg func() config.PolicyConfig

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
}

// NewEvaluator creates an evaluator bound to live config. Call Load to
// compile the bundle.
func NewEvaluator(cfg func() config.PolicyConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Load compiles all .rego files from the configured bundle path. A missing
// or empty bundle is not an error; the evaluator stays in allow-all mode.
func (e *Evaluator) Load() error {
	path := e.cfg().BundlePath
	if path == "" {
		slog.Warn("no policy bundle configured, model access is unrestricted")
		return nil
	}

	modules, err := LoadRegoFiles(path)
	if err != nil {
		return fmt.Errorf("read policy bundle %s: %w", path, err)
	}
	if len(modules) == 0 {
		slog.Warn("policy bundle is empty, model access is unrestricted", "path", path)
		return nil
	}

	if err := e.compile(modules); err != nil {
		return err
	}
	slog.Info("access policies loaded", "path", path, "modules", len(modules))
	return nil
}

// LoadFromModules compiles policies from in-memory module sources.
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	return e.compile(modules)
}

func (e *Evaluator) compile(modules map[string]string) error {
	opts := make([]func(*rego.Rego), 0, len(modules)+1)
	opts = append(opts, rego.Query(regoQuery))
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	return nil
}

// Allow reports whether the identity may use the model. Evaluation errors
// fail closed with the error as the reason.
func (e *Evaluator) Allow(ctx context.Context, identity, rateClass, model string, tags []string) (bool, string) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		return true, ""
	}

	timeout := e.cfg().EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now().UTC()
	input := Input{
		Identity:  identity,
		RateClass: rateClass,
		Model:     model,
		Tags:      tags,
		Hour:      now.Hour(),
		Day:       now.Weekday().String(),
	}

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		slog.Error("policy evaluation failed", "identity", identity, "model", model, "error", err)
		return false, fmt.Sprintf("policy evaluation error: %v", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "no policy result"
	}

	// Result is [allow, reason]
	arr, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok || len(arr) < 2 {
		return false, "unexpected policy result format"
	}
	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)
	return allowed, reason
}
