package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatvault/gateway/internal/auth"
	"github.com/chatvault/gateway/internal/balancer"
	"github.com/chatvault/gateway/internal/config"
	"github.com/chatvault/gateway/internal/dispatch"
	"github.com/chatvault/gateway/internal/httputil"
	"github.com/chatvault/gateway/internal/ratelimit"
	"github.com/chatvault/gateway/internal/selector"
	"github.com/chatvault/gateway/internal/types"
	"github.com/chatvault/gateway/internal/upstream"
)

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	orch     *dispatch.Orchestrator
	upstream *upstream.Client
	routing  func() *config.RoutingTable

	// stats sources
	bal     *balancer.Balancer
	sel     *selector.Selector
	usage   func() []ratelimit.Usage
	dropped func() uint64
}

func NewHandler(orch *dispatch.Orchestrator, up *upstream.Client, routing func() *config.RoutingTable,
	bal *balancer.Balancer, sel *selector.Selector, usage func() []ratelimit.Usage, dropped func() uint64) *Handler {
	return &Handler{
		orch:     orch,
		upstream: up,
		routing:  routing,
		bal:      bal,
		sel:      sel,
		usage:    usage,
		dropped:  dropped,
	}
}

// ChatCompletions handles POST /v1/chat/completions
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	var chatReq types.ChatRequest
	if err := json.Unmarshal(body, &chatReq); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	chatReq.RequestID = reqID
	chatReq.Identity = authInfo.Identity
	chatReq.APIKeyID = authInfo.KeyID
	chatReq.RateClass = authInfo.RateClass
	chatReq.ReceivedAt = receivedAt

	if len(chatReq.Messages) == 0 {
		httputil.WriteBadRequestError(w, reqID, "messages is required")
		return
	}
	if chatReq.Model == "" {
		chatReq.Model = types.ModelAuto
	}
	if chatReq.Model != types.ModelAuto {
		meta := auth.KeyMetadata{AllowedModels: authInfo.AllowedModels}
		if !meta.ModelAllowed(chatReq.Model) {
			httputil.WriteForbiddenError(w, reqID, "API key may not use model "+chatReq.Model)
			return
		}
	}

	asg, err := h.orch.Route(r.Context(), dispatch.RouteRequest{
		RequestID: reqID,
		Identity:  chatReq.Identity,
		RateClass: chatReq.RateClass,
		Model:     chatReq.Model,
		Messages:  chatReq.Messages,
	})
	if err != nil {
		h.writeRouteError(w, reqID, err)
		return
	}
	// Abandoned requests still release the instance slot; the happy path
	// overrides this with the real outcome.
	defer asg.Finish(false, 0)

	writeQuotaHeaders(w, asg.Admission)
	w.Header().Set("X-ChatVault-Model", asg.Model)
	w.Header().Set("X-ChatVault-Instance", asg.Instance.ID)

	if chatReq.Stream {
		h.handleStream(w, r, reqID, asg, &chatReq)
		return
	}

	resp, err := h.upstream.Send(r.Context(), asg.Instance, asg.Model, &chatReq)
	if err != nil {
		slog.Error("upstream request failed", "request_id", reqID, "instance", asg.Instance.ID, "error", err)
		asg.Finish(false, 0)
		httputil.WriteServiceUnavailableError(w, reqID, "Instance request failed")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("upstream read failed", "request_id", reqID, "instance", asg.Instance.ID, "error", err)
		asg.Finish(false, 0)
		httputil.WriteServiceUnavailableError(w, reqID, "Instance response truncated")
		return
	}

	if resp.StatusCode != http.StatusOK {
		slog.Warn("upstream returned error",
			"request_id", reqID,
			"instance", asg.Instance.ID,
			"status", resp.StatusCode,
		)
		asg.Finish(false, 0)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
		return
	}

	usage := upstream.ExtractUsage(respBody)
	cost := h.estimateCost(asg.Model, usage.TotalTokens)
	asg.Finish(true, cost)

	slog.Info("request completed",
		"request_id", reqID,
		"identity", chatReq.Identity,
		"model_requested", chatReq.Model,
		"model_served", asg.Model,
		"instance", asg.Instance.ID,
		"total_tokens", usage.TotalTokens,
		"duration_ms", time.Since(receivedAt).Milliseconds(),
		"stream", false,
	)

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBody)
}

func (h *Handler) writeRouteError(w http.ResponseWriter, reqID string, err error) {
	var rle *dispatch.RateLimitedError
	switch {
	case errors.As(err, &rle):
		writeQuotaHeaders(w, rle.Decision)
		httputil.WriteRateLimitError(w, reqID, rle.Decision.RetryAfter,
			fmt.Sprintf("Rate limit of %d requests exceeded, retry after %s", rle.Decision.Limit, rle.Decision.RetryAfter.Round(time.Second)))
	case errors.Is(err, dispatch.ErrModelNotAllowed):
		httputil.WriteForbiddenError(w, reqID, err.Error())
	case errors.Is(err, balancer.ErrUnknownModel):
		httputil.WriteBadRequestError(w, reqID, err.Error())
	case errors.Is(err, balancer.ErrNoHealthyInstance):
		httputil.WriteServiceUnavailableError(w, reqID, err.Error())
	default:
		httputil.WriteInternalError(w, reqID, "Routing failed")
	}
}

func writeQuotaHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
	}
}

// estimateCost converts token usage into the pool's configured dollar cost.
func (h *Handler) estimateCost(model string, totalTokens int) float64 {
	pool, ok := h.routing().Pools[model]
	if !ok || totalTokens <= 0 {
		return 0
	}
	return float64(totalTokens) / 1000 * pool.CostPer1K
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}
	meta := auth.KeyMetadata{AllowedModels: authInfo.AllowedModels}

	models := []modelObject{}
	for name := range h.routing().Pools {
		if !meta.ModelAllowed(name) {
			continue
		}
		models = append(models, modelObject{
			ID:      name,
			Object:  "model",
			OwnedBy: "chatvault",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(modelListResponse{
		Object: "list",
		Data:   models,
	})
}

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

// Stats handles GET /cv/v1/stats: a point-in-time snapshot of pools,
// profiles, experiments, and limiter usage for operators.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	snapshot := statsResponse{
		Pools:    h.bal.Snapshot(),
		Selector: h.sel.Snapshot(),
	}
	if h.usage != nil {
		snapshot.RateLimit = h.usage()
	}
	if h.dropped != nil {
		snapshot.AuditDropped = h.dropped()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

type statsResponse struct {
	Pools        []balancer.PoolStats `json:"pools"`
	Selector     selector.Stats       `json:"selector"`
	RateLimit    []ratelimit.Usage    `json:"rate_limit,omitempty"`
	AuditDropped uint64               `json:"audit_dropped"`
}
