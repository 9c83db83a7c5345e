package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatvault/gateway/internal/audit"
	"github.com/chatvault/gateway/internal/balancer"
	"github.com/chatvault/gateway/internal/ratelimit"
	"github.com/chatvault/gateway/internal/selector"
	"github.com/chatvault/gateway/internal/telemetry"
	"github.com/chatvault/gateway/internal/types"
)

// ErrRateLimited means the identity exceeded its sliding-window quota.
// Unwrap a RateLimitedError to get the decision details.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrModelNotAllowed means access policy denied the identity the model.
var ErrModelNotAllowed = errors.New("model not allowed")

// RateLimitedError carries the denial decision so callers can surface
// Retry-After and quota headers.
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.Decision.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// AccessPolicy decides whether an identity may use a model.
type AccessPolicy interface {
	Allow(ctx context.Context, identity, rateClass, model string, tags []string) (allowed bool, reason string)
}

// Recorder receives audit records; implementations must not block.
type Recorder interface {
	Record(audit.Record)
}

// RouteRequest is the orchestrator's input for one request.
type RouteRequest struct {
	RequestID string
	Identity  string
	RateClass string
	Model     string
	Messages  []types.Message
}

// Orchestrator sequences admission, model selection, and instance selection,
// and guarantees outcome recording for every dispatched request.
type Orchestrator struct {
	limiter  *ratelimit.Limiter
	selector *selector.Selector
	balancer *balancer.Balancer
	policy   AccessPolicy
	auditor  Recorder
	metrics  *telemetry.Metrics
}

func NewOrchestrator(limiter *ratelimit.Limiter, sel *selector.Selector, bal *balancer.Balancer,
	policy AccessPolicy, auditor Recorder, metrics *telemetry.Metrics) *Orchestrator {
	return &Orchestrator{
		limiter:  limiter,
		selector: sel,
		balancer: bal,
		policy:   policy,
		auditor:  auditor,
		metrics:  metrics,
	}
}

// Route runs the admission pipeline in strict order: rate limit (cheapest,
// fail-fast), model selection, access policy, then instance selection. On
// success the instance is marked in flight and the returned Assignment must
// be finished exactly once; the caller should defer a failure Finish so
// abandoned requests still release their slot.
func (o *Orchestrator) Route(ctx context.Context, req RouteRequest) (*Assignment, error) {
	decision := o.limiter.Admit(ctx, req.Identity, req.RateClass)
	if !decision.Allowed {
		if o.metrics != nil {
			o.metrics.RecordAdmissionDenied(req.RateClass)
		}
		o.record(audit.Record{
			RequestID:      req.RequestID,
			Identity:       req.Identity,
			RateClass:      req.RateClass,
			RequestedModel: req.Model,
			Allowed:        false,
			ErrorDetail:    "rate_limited",
		})
		return nil, &RateLimitedError{Decision: decision}
	}

	rc := selector.AnalyzeContext(req.Messages, req.Model, req.Identity)
	sel := o.selector.SelectModel(rc)
	if o.metrics != nil {
		o.metrics.RecordSelection(sel.Model, selectionMode(sel))
	}

	if o.policy != nil {
		allowed, reason := o.policy.Allow(ctx, req.Identity, req.RateClass, sel.Model, rc.Tags)
		if !allowed {
			o.record(audit.Record{
				RequestID:      req.RequestID,
				Identity:       req.Identity,
				RateClass:      req.RateClass,
				RequestedModel: req.Model,
				ServedModel:    sel.Model,
				Allowed:        true,
				ErrorDetail:    "policy_denied: " + reason,
			})
			return nil, fmt.Errorf("%w: %s (%s)", ErrModelNotAllowed, sel.Model, reason)
		}
	}

	inst, err := o.balancer.SelectInstance(sel.Model)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordNoInstance(sel.Model)
		}
		o.record(audit.Record{
			RequestID:      req.RequestID,
			Identity:       req.Identity,
			RateClass:      req.RateClass,
			RequestedModel: req.Model,
			ServedModel:    sel.Model,
			Allowed:        true,
			ErrorDetail:    "no_healthy_instance",
		})
		return nil, err
	}

	o.balancer.RecordStart(inst)
	if o.metrics != nil {
		o.metrics.RecordDispatchStart(sel.Model)
	}

	return &Assignment{
		RequestID:      req.RequestID,
		Identity:       req.Identity,
		RateClass:      req.RateClass,
		RequestedModel: req.Model,
		Model:          sel.Model,
		Instance:       inst,
		ExperimentID:   sel.ExperimentID,
		Admission:      decision,
		startedAt:      time.Now(),
		orch:           o,
	}, nil
}

func selectionMode(sel selector.Selection) string {
	switch {
	case sel.Explicit:
		return "explicit"
	case sel.ExperimentID != "":
		return "experiment"
	default:
		return "scored"
	}
}

func (o *Orchestrator) record(rec audit.Record) {
	if o.auditor != nil {
		o.auditor.Record(rec)
	}
}

// Assignment is a dispatched routing decision: the model and instance chosen
// for one request, plus the admission decision for response headers.
type Assignment struct {
	RequestID      string
	Identity       string
	RateClass      string
	RequestedModel string
	Model          string
	Instance       *balancer.Instance
	ExperimentID   string
	Admission      ratelimit.Decision

	startedAt time.Time
	once      sync.Once
	orch      *Orchestrator
}

// Finish records the request outcome into the balancer, the model profile,
// and the audit log. It is idempotent: the first call wins, so callers can
// defer Finish(false, 0) and still report success later on the happy path.
// Recording happens even when the caller cancels; in-flight counters and
// health signals never leak.
func (a *Assignment) Finish(success bool, cost float64) {
	a.once.Do(func() {
		latency := time.Since(a.startedAt)
		o := a.orch

		o.balancer.RecordResult(a.Instance, success, latency)
		outcome := selector.Outcome{Success: success, Latency: latency, Cost: cost}
		o.selector.UpdateProfile(a.Model, outcome)
		if a.ExperimentID != "" {
			o.selector.RecordExperimentResult(a.ExperimentID, a.Model, outcome)
		}

		status := "ok"
		if !success {
			status = "error"
		}
		if o.metrics != nil {
			o.metrics.RecordDispatchResult(a.RateClass, a.Model, a.Instance.ID, status,
				float64(latency)/float64(time.Millisecond))
		}

		o.record(audit.Record{
			RequestID:      a.RequestID,
			Identity:       a.Identity,
			RateClass:      a.RateClass,
			RequestedModel: a.RequestedModel,
			ServedModel:    a.Model,
			InstanceID:     a.Instance.ID,
			ExperimentID:   a.ExperimentID,
			Allowed:        true,
			Success:        success,
			LatencyMs:      latency.Milliseconds(),
		})

		slog.Debug("request finished",
			"request_id", a.RequestID,
			"model", a.Model,
			"instance", a.Instance.ID,
			"success", success,
			"latency_ms", latency.Milliseconds(),
		)
	})
}
