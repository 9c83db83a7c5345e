package types

import "time"

// ModelAuto is the sentinel model name that asks the gateway to pick a model.
const ModelAuto = "auto"

// ChatRequest is the canonical internal representation of an incoming chat
// request. Provider-specific payloads pass through untouched; the gateway only
// reads the fields it routes on.
type ChatRequest struct {
	// Identity (set by auth middleware)
	RequestID string `json:"request_id"`
	Identity  string `json:"identity"`
	APIKeyID  string `json:"api_key_id"`
	RateClass string `json:"rate_class"`

	// Request content
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`

	// Internal tracking
	ReceivedAt time.Time `json:"-"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}
