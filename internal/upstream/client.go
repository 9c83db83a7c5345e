// Package upstream forwards chat requests to backend model instances. The
// gateway speaks plain OpenAI-shaped HTTP to every instance; routing decides
// which instance, upstream only delivers.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chatvault/gateway/internal/balancer"
	"github.com/chatvault/gateway/internal/types"
)

const completionsPath = "/v1/chat/completions"

// Client sends chat requests to instances.
type Client struct {
	http *http.Client
}

// NewClient builds an upstream client. The timeout bounds non-streaming
// requests; streaming requests run until the caller closes the body.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
	}
}

// chatPayload is the wire form sent to instances. The model field carries the
// served model, which may differ from what the caller asked for.
type chatPayload struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream"`
}

// Send forwards the request to the instance, serving the given model. The
// caller owns the response body.
func (c *Client) Send(ctx context.Context, inst *balancer.Instance, model string, req *types.ChatRequest) (*http.Response, error) {
	payload := chatPayload{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream payload: %w", err)
	}

	url := strings.TrimRight(inst.Endpoint, "/") + completionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	return resp, nil
}

// Usage is the token accounting block instances return.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ExtractUsage pulls the usage block out of a non-streaming response body.
// Bodies without one yield zero usage.
func ExtractUsage(body []byte) Usage {
	var envelope struct {
		Usage Usage `json:"usage"`
	}
	json.Unmarshal(body, &envelope)
	return envelope.Usage
}
