package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIBackend talks to any OpenAI-compatible chat completions API.
type OpenAIBackend struct {
	config BackendConfig
	client *openai.Client
	logger *zap.Logger
}

// NewOpenAIBackend creates an OpenAI-compatible backend.
func NewOpenAIBackend(cfg BackendConfig, logger *zap.Logger) *OpenAIBackend {
	cfg.Kind = KindOpenAI
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIBackend{
		config: cfg,
		client: openai.NewClientWithConfig(clientCfg),
		logger: logger,
	}
}

func (b *OpenAIBackend) Kind() BackendKind     { return KindOpenAI }
func (b *OpenAIBackend) Configured() bool      { return b.config.Configured() }
func (b *OpenAIBackend) DefaultModel() string  { return b.config.Model }
func (b *OpenAIBackend) FallbackModel() string { return b.config.FallbackModel }
func (b *OpenAIBackend) Endpoint() string      { return b.config.Endpoint }

// Complete sends one chat completion request.
func (b *OpenAIBackend) Complete(ctx context.Context, model string, req *CompletionRequest) (string, error) {
	if model == "" {
		model = b.config.Model
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleSystem {
			role = openai.ChatMessageRoleSystem
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	}
	if n := firstNonZero(req.MaxTokens, b.config.MaxTokens); n > 0 {
		chatReq.MaxTokens = n
	}
	if t := firstNonZeroF(req.Temperature, b.config.Temperature); t > 0 {
		chatReq.Temperature = float32(t)
	}

	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", b.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai returned no choices", ErrResponseShape)
	}
	return resp.Choices[0].Message.Content, nil
}

// Ping lists models to verify credentials and reachability.
func (b *OpenAIBackend) Ping(ctx context.Context) error {
	if _, err := b.client.ListModels(ctx); err != nil {
		return b.wrapError(err)
	}
	return nil
}

func (b *OpenAIBackend) wrapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &CallError{Backend: KindOpenAI, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &CallError{Backend: KindOpenAI, StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error(), Err: err}
	}
	return &CallError{Backend: KindOpenAI, Err: err}
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonZeroF(vals ...float64) float64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
