package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BackendKind identifies one of the supported completion backends.
type BackendKind string

const (
	KindOpenAI    BackendKind = "openai"
	KindAnthropic BackendKind = "anthropic"
	KindLocal     BackendKind = "local"
)

// FallbackOrder is the fixed order in which other backends are tried once the
// primary backend is exhausted.
var FallbackOrder = []BackendKind{KindOpenAI, KindAnthropic, KindLocal}

// Backend performs a single completion call against one backend. It does not
// retry; the Gateway owns retry and fallback.
type Backend interface {
	Kind() BackendKind
	Configured() bool
	DefaultModel() string
	FallbackModel() string
	Complete(ctx context.Context, model string, req *CompletionRequest) (string, error)
	Ping(ctx context.Context) error
}

// Role of a message in a completion request.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one entry of the ordered request message list.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the backend-neutral request. At most one system
// message is allowed and it must come first.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// NewRequest builds the canonical [system?, user] request.
func NewRequest(prompt, system string) *CompletionRequest {
	req := &CompletionRequest{}
	if system != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: system})
	}
	req.Messages = append(req.Messages, Message{Role: RoleUser, Content: prompt})
	return req
}

// Validate checks message roles and system-message placement.
func (r *CompletionRequest) Validate() error {
	if r == nil || len(r.Messages) == 0 {
		return fmt.Errorf("completion request has no messages")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem:
			if i != 0 {
				return fmt.Errorf("system message at position %d, must be first", i)
			}
		case RoleUser:
		default:
			return fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return nil
}

// System returns the system prompt, or "".
func (r *CompletionRequest) System() string {
	if len(r.Messages) > 0 && r.Messages[0].Role == RoleSystem {
		return r.Messages[0].Content
	}
	return ""
}

// Prompt returns the user messages joined in order.
func (r *CompletionRequest) Prompt() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == RoleUser {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// CompletionResponse is what a successful Complete call returns.
type CompletionResponse struct {
	Text     string      `json:"text"`
	Backend  BackendKind `json:"backend"`
	Model    string      `json:"model"`
	Attempts int         `json:"attempts"`
	Fallback bool        `json:"fallback"`
}

// BackendConfig describes one backend.
type BackendConfig struct {
	Kind          BackendKind
	Endpoint      string
	APIKey        string
	Model         string
	FallbackModel string
	Timeout       time.Duration
	MaxTokens     int
	Temperature   float64
	RateLimit     float64 // requests per second, 0 disables limiting
	Burst         int
}

// Configured reports whether the backend can be selected. Hosted backends
// need an endpoint and a real key; placeholder keys ("your-...") are treated
// as absent.
func (c BackendConfig) Configured() bool {
	if strings.TrimSpace(c.Endpoint) == "" {
		return false
	}
	if c.Kind == KindLocal {
		return true
	}
	key := strings.TrimSpace(c.APIKey)
	return key != "" && !strings.HasPrefix(strings.ToLower(key), "your-")
}

// RetryPolicy controls per-call retries against the primary backend.
type RetryPolicy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64 // 0 or 1 keeps a fixed delay
	MaxDelay   time.Duration
}

// DefaultRetryPolicy is three attempts two seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 2 * time.Second}
}

// Wait returns the delay before the attempt following attempt n (1-based).
func (p RetryPolicy) Wait(n int) time.Duration {
	d := p.Delay
	if p.Multiplier > 1 {
		for i := 1; i < n; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// BackendStatus is reported by Gateway.Status.
type BackendStatus struct {
	Kind       BackendKind `json:"kind"`
	Configured bool        `json:"configured"`
	Reachable  bool        `json:"reachable"`
	Model      string      `json:"model,omitempty"`
	Error      string      `json:"error,omitempty"`
}
