package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Gateway resolves a model hint to a backend, retries transient failures on
// that backend and then falls back to the other configured backends. It holds
// no per-call state and is safe for concurrent use.
type Gateway struct {
	backends map[BackendKind]Backend
	limiters map[BackendKind]*rate.Limiter
	registry *ModelRegistry
	policy   RetryPolicy
	logger   *zap.Logger
}

// NewGateway creates a gateway over backends. At most one backend per kind is
// kept; a later duplicate replaces an earlier one. registry may be nil, in
// which case hints are never treated as task tags.
func NewGateway(backends []Backend, registry *ModelRegistry, policy RetryPolicy, logger *zap.Logger) *Gateway {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	g := &Gateway{
		backends: make(map[BackendKind]Backend),
		limiters: make(map[BackendKind]*rate.Limiter),
		registry: registry,
		policy:   policy,
		logger:   logger,
	}
	for _, b := range backends {
		g.backends[b.Kind()] = b
		logger.Info("registered backend",
			zap.String("kind", string(b.Kind())),
			zap.Bool("configured", b.Configured()),
			zap.String("model", b.DefaultModel()))
	}
	return g
}

// NewBackend builds the backend variant for cfg.Kind.
func NewBackend(cfg BackendConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Kind {
	case KindOpenAI:
		return NewOpenAIBackend(cfg, logger), nil
	case KindAnthropic:
		return NewAnthropicBackend(cfg, logger), nil
	case KindLocal:
		return NewLocalBackend(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// SetRateLimit throttles calls to one backend to rps requests per second.
// Must be called before the gateway is shared between goroutines.
func (g *Gateway) SetRateLimit(kind BackendKind, rps float64, burst int) {
	if rps <= 0 {
		delete(g.limiters, kind)
		return
	}
	if burst < 1 {
		burst = 1
	}
	g.limiters[kind] = rate.NewLimiter(rate.Limit(rps), burst)
}

// Configured returns the kinds that are configured, in fallback order.
func (g *Gateway) Configured() []BackendKind {
	var kinds []BackendKind
	for _, k := range FallbackOrder {
		if b, ok := g.backends[k]; ok && b.Configured() {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Usable reports whether any backend could serve a request.
func (g *Gateway) Usable() bool {
	return len(g.Configured()) > 0
}

// ResolveModel applies task-tag resolution to hint.
func (g *Gateway) ResolveModel(hint string) string {
	if g.registry == nil {
		return hint
	}
	configured := make(map[BackendKind]bool)
	for _, k := range g.Configured() {
		configured[k] = true
	}
	localModel := ""
	if b, ok := g.backends[KindLocal]; ok {
		localModel = b.DefaultModel()
	}
	return g.registry.Resolve(hint, configured, localModel)
}

// CompleteText is the prompt/system convenience form of Complete.
func (g *Gateway) CompleteText(ctx context.Context, prompt, system, hint string) (string, error) {
	resp, err := g.Complete(ctx, NewRequest(prompt, system), hint)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Complete performs one logical completion call.
func (g *Gateway) Complete(ctx context.Context, req *CompletionRequest, hint string) (*CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid completion request: %w", err)
	}

	model := g.ResolveModel(hint)
	kind := Classify(model)
	attempts := 0
	var cause error

	primary, ok := g.backends[kind]
	if !ok || !primary.Configured() {
		cause = fmt.Errorf("%w: %s backend has no endpoint or credential", ErrBackendUnavailable, kind)
		g.logger.Warn("classified backend not configured",
			zap.String("hint", hint), zap.String("model", model), zap.String("backend", string(kind)))
	} else {
		text, n, err := g.withRetry(ctx, primary, model, req)
		attempts = n
		if err == nil {
			return &CompletionResponse{Text: text, Backend: kind, Model: model, Attempts: attempts}, nil
		}
		cause = err
		if ctx.Err() != nil {
			return nil, g.terminal(hint, model, kind, attempts, ctx.Err())
		}
		g.logger.Warn("primary backend failed, trying fallbacks",
			zap.String("backend", string(kind)), zap.String("model", model), zap.Error(err))
	}

	for _, fb := range g.fallbacks(kind) {
		if ctx.Err() != nil {
			break
		}
		fbModel := fb.FallbackModel()
		attempts++
		text, err := g.call(ctx, fb, fbModel, req)
		if err == nil {
			g.logger.Info("fallback backend served request",
				zap.String("backend", string(fb.Kind())), zap.String("model", fbModel))
			return &CompletionResponse{Text: text, Backend: fb.Kind(), Model: fbModel, Attempts: attempts, Fallback: true}, nil
		}
		g.logger.Warn("fallback backend failed",
			zap.String("backend", string(fb.Kind())), zap.String("model", fbModel), zap.Error(err))
	}

	return nil, g.terminal(hint, model, kind, attempts, cause)
}

// withRetry calls b up to policy.Attempts times, waiting between attempts.
// It returns the number of attempts made.
func (g *Gateway) withRetry(ctx context.Context, b Backend, model string, req *CompletionRequest) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= g.policy.Attempts; attempt++ {
		text, err := g.call(ctx, b, model, req)
		if err == nil {
			return text, attempt, nil
		}
		lastErr = err
		g.logger.Warn("completion attempt failed",
			zap.String("backend", string(b.Kind())),
			zap.String("model", model),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", g.policy.Attempts),
			zap.Error(err))

		if ctx.Err() != nil {
			return "", attempt, ctx.Err()
		}
		if attempt == g.policy.Attempts {
			return "", attempt, lastErr
		}
		if err := sleep(ctx, g.policy.Wait(attempt)); err != nil {
			return "", attempt, err
		}
	}
	return "", g.policy.Attempts, lastErr
}

// call performs exactly one backend call.
func (g *Gateway) call(ctx context.Context, b Backend, model string, req *CompletionRequest) (string, error) {
	if lim, ok := g.limiters[b.Kind()]; ok {
		if err := lim.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}
	text, err := b.Complete(ctx, model, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w from %s model %s", ErrEmptyCompletion, b.Kind(), model)
	}
	return text, nil
}

// fallbacks returns the configured backends other than exhausted, in order.
func (g *Gateway) fallbacks(exhausted BackendKind) []Backend {
	var out []Backend
	for _, k := range FallbackOrder {
		if k == exhausted {
			continue
		}
		if b, ok := g.backends[k]; ok && b.Configured() {
			out = append(out, b)
		}
	}
	return out
}

func (g *Gateway) terminal(hint, model string, kind BackendKind, attempts int, cause error) *CompletionError {
	endpoint := ""
	if b, ok := g.backends[kind]; ok {
		if e, ok := b.(interface{ Endpoint() string }); ok {
			endpoint = e.Endpoint()
		}
	}
	return &CompletionError{
		Hint:        hint,
		Model:       model,
		Backend:     kind,
		Attempts:    attempts,
		Cause:       cause,
		Remediation: remediation(kind, model, endpoint, cause),
	}
}

// Status reports configuration and reachability of every known backend.
// Backends are probed concurrently.
func (g *Gateway) Status(ctx context.Context) []BackendStatus {
	out := make([]BackendStatus, len(FallbackOrder))
	var wg sync.WaitGroup
	for i, k := range FallbackOrder {
		out[i] = BackendStatus{Kind: k}
		b, ok := g.backends[k]
		if !ok {
			out[i].Error = "not registered"
			continue
		}
		out[i].Configured = b.Configured()
		out[i].Model = b.DefaultModel()
		if !b.Configured() {
			out[i].Error = ErrBackendUnavailable.Error()
			continue
		}
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := b.Ping(pctx); err != nil {
				out[i].Error = err.Error()
				return
			}
			out[i].Reachable = true
		}(i, b)
	}
	wg.Wait()
	return out
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTerminal reports whether err is a terminal completion failure.
func IsTerminal(err error) bool {
	var ce *CompletionError
	return errors.As(err, &ce)
}
