package provider

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	// ErrBackendUnavailable means the selected backend has no endpoint or
	// credential configured.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrTransient marks failures worth retrying: network errors, non-2xx
	// statuses and timeouts.
	ErrTransient = errors.New("transient backend failure")
	// ErrResponseShape means a response body matched no known envelope.
	ErrResponseShape = errors.New("unrecognized response shape")
	// ErrEmptyCompletion means the backend answered with no text.
	ErrEmptyCompletion = errors.New("empty completion")
)

// CallError is a failed HTTP exchange with a backend.
type CallError struct {
	Backend    BackendKind
	StatusCode int // 0 when no response was received
	Body       string
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		body := e.Body
		if len(body) > 300 {
			body = body[:300] + "..."
		}
		return fmt.Sprintf("%s API error %d: %s", e.Backend, e.StatusCode, body)
	}
	return fmt.Sprintf("%s request failed: %v", e.Backend, e.Err)
}

func (e *CallError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTransient, e.Err}
	}
	return []error{ErrTransient}
}

// CompletionError is the terminal error of a logical completion call: the
// primary backend and every fallback failed.
type CompletionError struct {
	Hint        string
	Model       string
	Backend     BackendKind
	Attempts    int
	Cause       error
	Remediation []string
}

func (e *CompletionError) Error() string {
	msg := fmt.Sprintf("completion for %q failed on %s after %d attempt(s): %v",
		e.Hint, e.Backend, e.Attempts, e.Cause)
	if len(e.Remediation) > 0 {
		msg += "; try: " + strings.Join(e.Remediation, "; ")
	}
	return msg
}

func (e *CompletionError) Unwrap() error { return e.Cause }

// remediation builds actionable steps for a failure on the given backend.
func remediation(kind BackendKind, model, endpoint string, cause error) []string {
	var steps []string
	var callErr *CallError
	hasCallErr := errors.As(cause, &callErr)

	switch {
	case errors.Is(cause, ErrBackendUnavailable):
		switch kind {
		case KindOpenAI:
			steps = append(steps, "configure API keys: set OPENAI_API_KEY")
		case KindAnthropic:
			steps = append(steps, "configure API keys: set ANTHROPIC_API_KEY")
		default:
			steps = append(steps, "configure the local backend endpoint (OLLAMA_HOST)")
		}
	case hasCallErr && callErr.StatusCode == 404 && kind == KindLocal:
		steps = append(steps, fmt.Sprintf("model not found, pull it: ollama pull %s", model))
	case hasCallErr && (callErr.StatusCode == 401 || callErr.StatusCode == 403):
		steps = append(steps, fmt.Sprintf("check the %s API key", kind))
	case isConnError(cause):
		if kind == KindLocal {
			steps = append(steps, "service unreachable, start it: ollama serve")
		} else {
			steps = append(steps, fmt.Sprintf("service unreachable, check network access to %s", endpoint))
		}
	}

	if kind == KindLocal {
		steps = append(steps, "verify the local service with: curl "+strings.TrimRight(endpoint, "/")+"/api/tags")
	}
	steps = append(steps, "configure OPENAI_API_KEY or ANTHROPIC_API_KEY to enable hosted fallback")
	return steps
}

func isConnError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return !urlErr.Timeout()
	}
	return false
}
