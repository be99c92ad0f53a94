package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// AnthropicBackend talks to an Anthropic-compatible messages API.
type AnthropicBackend struct {
	config BackendConfig
	client *http.Client
	logger *zap.Logger
}

// NewAnthropicBackend creates an Anthropic-compatible backend.
func NewAnthropicBackend(cfg BackendConfig, logger *zap.Logger) *AnthropicBackend {
	cfg.Kind = KindAnthropic
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &AnthropicBackend{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (b *AnthropicBackend) Kind() BackendKind     { return KindAnthropic }
func (b *AnthropicBackend) Configured() bool      { return b.config.Configured() }
func (b *AnthropicBackend) DefaultModel() string  { return b.config.Model }
func (b *AnthropicBackend) FallbackModel() string { return b.config.FallbackModel }
func (b *AnthropicBackend) Endpoint() string      { return b.config.Endpoint }

type anthropicRequest struct {
	Model       string         `json:"model"`
	Messages    []anthropicMsg `json:"messages"`
	System      string         `json:"system,omitempty"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends one non-streaming messages request.
func (b *AnthropicBackend) Complete(ctx context.Context, model string, req *CompletionRequest) (string, error) {
	if model == "" {
		model = b.config.Model
	}
	ar := anthropicRequest{
		Model:       model,
		System:      req.System(),
		MaxTokens:   firstNonZero(req.MaxTokens, b.config.MaxTokens, 4096),
		Temperature: firstNonZeroF(req.Temperature, b.config.Temperature),
	}
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(ar)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.config.Endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	b.setHeaders(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", &CallError{Backend: KindAnthropic, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &CallError{Backend: KindAnthropic, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &CallError{Backend: KindAnthropic, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return NormalizeBody(respBody)
}

// Ping issues a minimal one-token request.
func (b *AnthropicBackend) Ping(ctx context.Context) error {
	_, err := b.Complete(ctx, b.config.FallbackModel, &CompletionRequest{
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

func (b *AnthropicBackend) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-api-key", b.config.APIKey)
	r.Header.Set("anthropic-version", anthropicVersion)
}
