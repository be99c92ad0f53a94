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

// LocalBackend talks to a local Ollama-compatible service.
type LocalBackend struct {
	config BackendConfig
	client *http.Client
	logger *zap.Logger
}

// NewLocalBackend creates a local backend. The endpoint may be the service
// root or the full /api/chat URL.
func NewLocalBackend(cfg BackendConfig, logger *zap.Logger) *LocalBackend {
	cfg.Kind = KindLocal
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	cfg.Endpoint = strings.TrimSuffix(strings.TrimRight(cfg.Endpoint, "/"), "/api/chat")
	return &LocalBackend{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (b *LocalBackend) Kind() BackendKind    { return KindLocal }
func (b *LocalBackend) Configured() bool     { return b.config.Configured() }
func (b *LocalBackend) DefaultModel() string { return b.config.Model }
func (b *LocalBackend) Endpoint() string     { return b.config.Endpoint }

func (b *LocalBackend) FallbackModel() string {
	if b.config.FallbackModel != "" {
		return b.config.FallbackModel
	}
	return b.config.Model
}

type localChatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  localChatOptions `json:"options"`
}

type localChatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

// Complete posts to /api/chat with streaming disabled. Bodies that still
// arrive as newline-delimited chunks are concatenated by NormalizeBody.
func (b *LocalBackend) Complete(ctx context.Context, model string, req *CompletionRequest) (string, error) {
	if model == "" {
		model = b.config.Model
	}
	body, err := json.Marshal(localChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   false,
		Options: localChatOptions{
			Temperature: firstNonZeroF(req.Temperature, b.config.Temperature, 0.7),
			NumPredict:  firstNonZero(req.MaxTokens, b.config.MaxTokens, 2000),
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.config.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", &CallError{Backend: KindLocal, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &CallError{Backend: KindLocal, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", &CallError{
			Backend:    KindLocal,
			StatusCode: resp.StatusCode,
			Body:       fmt.Sprintf("model '%s' not found. Please run: 'ollama pull %s'", model, model),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &CallError{Backend: KindLocal, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return NormalizeBody(respBody)
}

// Ping checks that the service answers GET /api/tags.
func (b *LocalBackend) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return &CallError{Backend: KindLocal, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &CallError{Backend: KindLocal, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}
