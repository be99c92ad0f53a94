package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBackend answers from a scripted list of results.
type fakeBackend struct {
	kind       BackendKind
	configured bool
	model      string
	fallback   string

	mu      sync.Mutex
	results []fakeResult
	calls   []string // model per call
}

type fakeResult struct {
	text string
	err  error
}

func (f *fakeBackend) Kind() BackendKind     { return f.kind }
func (f *fakeBackend) Configured() bool      { return f.configured }
func (f *fakeBackend) DefaultModel() string  { return f.model }
func (f *fakeBackend) FallbackModel() string { return f.fallback }
func (f *fakeBackend) Ping(context.Context) error {
	return nil
}

func (f *fakeBackend) Complete(ctx context.Context, model string, req *CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, model)
	if len(f.results) == 0 {
		return "", &CallError{Backend: f.kind, StatusCode: 500, Body: "no scripted result"}
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r.text, r.err
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fail500(kind BackendKind) fakeResult {
	return fakeResult{err: &CallError{Backend: kind, StatusCode: 500, Body: "boom"}}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Millisecond}
}

func TestClassify(t *testing.T) {
	cases := map[string]BackendKind{
		"gpt-4o":            KindOpenAI,
		"  GPT-3.5-turbo ":  KindOpenAI,
		"claude-3-opus":     KindAnthropic,
		"Anthropic-default": KindAnthropic,
		"qwen:7b":           KindLocal,
		"codellama:7b":      KindLocal,
		"":                  KindLocal,
		"my-gpt":            KindLocal,
	}
	for hint, want := range cases {
		assert.Equal(t, want, Classify(hint), "hint %q", hint)
	}
}

func TestCompleteRetriesThenSucceeds(t *testing.T) {
	local := &fakeBackend{kind: KindLocal, configured: true, model: "qwen:7b",
		results: []fakeResult{fail500(KindLocal), fail500(KindLocal), {text: "ok"}}}
	g := NewGateway([]Backend{local}, nil, fastPolicy(), zap.NewNop())

	resp, err := g.Complete(context.Background(), NewRequest("hi", "sys"), "qwen:7b")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, KindLocal, resp.Backend)
	assert.Equal(t, 3, resp.Attempts)
	assert.False(t, resp.Fallback)
}

func TestCompleteFallsBackInFixedOrder(t *testing.T) {
	local := &fakeBackend{kind: KindLocal, configured: true, model: "qwen:7b", results: []fakeResult{fail500(KindLocal)}}
	oa := &fakeBackend{kind: KindOpenAI, configured: true, fallback: "gpt-3.5-turbo", results: []fakeResult{fail500(KindOpenAI)}}
	an := &fakeBackend{kind: KindAnthropic, configured: true, fallback: "claude-3-haiku-20240307", results: []fakeResult{{text: "from claude"}}}
	g := NewGateway([]Backend{local, oa, an}, nil, fastPolicy(), zap.NewNop())

	resp, err := g.Complete(context.Background(), NewRequest("hi", ""), "qwen:7b")
	require.NoError(t, err)
	assert.Equal(t, "from claude", resp.Text)
	assert.Equal(t, KindAnthropic, resp.Backend)
	assert.Equal(t, "claude-3-haiku-20240307", resp.Model)
	assert.True(t, resp.Fallback)

	assert.Equal(t, 3, local.callCount(), "primary gets exactly N attempts")
	assert.Equal(t, []string{"gpt-3.5-turbo"}, oa.calls, "each fallback is tried once with its fallback model")
	assert.Equal(t, 1, an.callCount())
}

func TestCompleteFailsClosedWhenBackendUnconfigured(t *testing.T) {
	oa := &fakeBackend{kind: KindOpenAI, configured: false}
	local := &fakeBackend{kind: KindLocal, configured: true, model: "qwen:7b", fallback: "qwen:7b",
		results: []fakeResult{{text: "local answer"}}}
	g := NewGateway([]Backend{oa, local}, nil, fastPolicy(), zap.NewNop())

	resp, err := g.Complete(context.Background(), NewRequest("hi", ""), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, KindLocal, resp.Backend)
	assert.True(t, resp.Fallback, "unconfigured primary must not be silently swapped")
	assert.Zero(t, oa.callCount())
}

func TestCompleteTerminalErrorCarriesRemediation(t *testing.T) {
	oa := &fakeBackend{kind: KindOpenAI, configured: false}
	an := &fakeBackend{kind: KindAnthropic, configured: false}
	g := NewGateway([]Backend{oa, an}, nil, fastPolicy(), zap.NewNop())

	resp, err := g.Complete(context.Background(), NewRequest("hi", ""), "gpt-4o")
	require.Error(t, err)
	assert.Nil(t, resp)

	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "gpt-4o", ce.Hint)
	assert.Equal(t, KindOpenAI, ce.Backend)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.NotEmpty(t, ce.Remediation)
	assert.Contains(t, ce.Error(), "OPENAI_API_KEY")
	assert.True(t, IsTerminal(err))
}

func TestCompleteUnconfiguredBackendsNeverFallbackCandidates(t *testing.T) {
	local := &fakeBackend{kind: KindLocal, configured: true, model: "m", results: []fakeResult{fail500(KindLocal)}}
	oa := &fakeBackend{kind: KindOpenAI, configured: false}
	g := NewGateway([]Backend{local, oa}, nil, fastPolicy(), zap.NewNop())

	_, err := g.Complete(context.Background(), NewRequest("hi", ""), "m")
	require.Error(t, err)
	assert.Zero(t, oa.callCount())
	assert.ErrorIs(t, err, ErrTransient)
}

func TestCompleteEmptyTextIsRetried(t *testing.T) {
	local := &fakeBackend{kind: KindLocal, configured: true, model: "m",
		results: []fakeResult{{text: "   "}, {text: "real"}}}
	g := NewGateway([]Backend{local}, nil, fastPolicy(), zap.NewNop())

	resp, err := g.Complete(context.Background(), NewRequest("hi", ""), "m")
	require.NoError(t, err)
	assert.Equal(t, "real", resp.Text)
	assert.Equal(t, 2, resp.Attempts)
}

func TestRetryWaitHonoursCancellation(t *testing.T) {
	local := &fakeBackend{kind: KindLocal, configured: true, model: "m",
		results: []fakeResult{fail500(KindLocal)}}
	g := NewGateway([]Backend{local}, nil, RetryPolicy{Attempts: 3, Delay: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := g.Complete(ctx, NewRequest("hi", ""), "m")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, local.callCount())
}

func TestInvalidRequestRejected(t *testing.T) {
	g := NewGateway(nil, nil, fastPolicy(), zap.NewNop())
	req := &CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "a"}, {Role: RoleSystem, Content: "late"}}}
	_, err := g.Complete(context.Background(), req, "m")
	require.Error(t, err)
	assert.False(t, IsTerminal(err))
}

func TestRegistryResolvesTaskTags(t *testing.T) {
	reg := NewModelRegistry(DefaultCapabilities())

	assert.Equal(t, "gpt-4o", reg.Resolve("code", map[BackendKind]bool{KindOpenAI: true, KindLocal: true}, "codellama:7b"))
	assert.Equal(t, "claude-3-opus-20240229", reg.Resolve("review", map[BackendKind]bool{KindAnthropic: true}, ""))
	assert.Equal(t, "codellama:7b", reg.Resolve("code", map[BackendKind]bool{KindLocal: true}, "codellama:7b"))
	assert.Equal(t, "phi3", reg.Resolve("architecture", map[BackendKind]bool{KindLocal: true}, "phi3"))
	assert.Equal(t, "qwen:7b", reg.Resolve("qwen:7b", map[BackendKind]bool{}, ""), "concrete hints pass through")
}

func TestGatewayUsesRegistry(t *testing.T) {
	oa := &fakeBackend{kind: KindOpenAI, configured: true, model: "gpt-4o", results: []fakeResult{{text: "planned"}}}
	g := NewGateway([]Backend{oa}, NewModelRegistry(DefaultCapabilities()), fastPolicy(), zap.NewNop())

	resp, err := g.Complete(context.Background(), NewRequest("plan it", ""), "architecture")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, []string{"gpt-4o"}, oa.calls)
}

func TestRetryPolicyWait(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Delay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, p.Wait(1))
	assert.Equal(t, 2*time.Second, p.Wait(2))
	assert.Equal(t, 3*time.Second, p.Wait(3))
	assert.Equal(t, 2*time.Second, DefaultRetryPolicy().Wait(3))
}

func TestBackendConfigConfigured(t *testing.T) {
	assert.True(t, BackendConfig{Kind: KindLocal, Endpoint: "http://x"}.Configured())
	assert.False(t, BackendConfig{Kind: KindLocal}.Configured())
	assert.False(t, BackendConfig{Kind: KindOpenAI, Endpoint: "http://x"}.Configured())
	assert.False(t, BackendConfig{Kind: KindOpenAI, Endpoint: "http://x", APIKey: "your-openai-key"}.Configured())
	assert.True(t, BackendConfig{Kind: KindAnthropic, Endpoint: "http://x", APIKey: "sk-ant"}.Configured())
}

func TestConcurrentCompletions(t *testing.T) {
	var served atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := served.Add(1)
		fmt.Fprintf(w, `{"message":{"role":"assistant","content":"reply %d"}}`, n)
	}))
	defer srv.Close()

	local := NewLocalBackend(BackendConfig{Endpoint: srv.URL, Model: "m"}, zap.NewNop())
	g := NewGateway([]Backend{local}, nil, fastPolicy(), zap.NewNop())

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.CompleteText(context.Background(), "p", "", "m"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent completion: %v", err)
	}
	assert.Equal(t, int32(16), served.Load())
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	local := NewLocalBackend(BackendConfig{Endpoint: srv.URL, Model: "m"}, zap.NewNop())
	oa := NewOpenAIBackend(BackendConfig{}, zap.NewNop())
	g := NewGateway([]Backend{local, oa}, nil, fastPolicy(), zap.NewNop())

	st := g.Status(context.Background())
	require.Len(t, st, 3)
	assert.Equal(t, KindOpenAI, st[0].Kind)
	assert.False(t, st[0].Configured)
	assert.Equal(t, "not registered", st[1].Error)
	assert.True(t, st[2].Reachable, "local error: %s", st[2].Error)
}

func TestCallErrorUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	err := fmt.Errorf("outer: %w", &CallError{Backend: KindLocal, Err: inner})
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, inner)
}
