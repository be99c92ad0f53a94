package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/agency/internal/orchestrator"
	"github.com/nidhogg/agency/internal/provider"
)

func sampleResult() *orchestrator.RunResult {
	return &orchestrator.RunResult{
		RunID:     "run-1",
		ProjectID: "greeter_20260101_000000",
		WorkDir:   "projects/greeter_20260101_000000",
		Status:    orchestrator.RunCancelled,
		Reason:    orchestrator.ReasonDeployDeclined,
		Stages: []orchestrator.StageReport{
			{Stage: orchestrator.StagePlan, Result: orchestrator.Success(nil, "cli project, 3 files")},
			{Stage: orchestrator.StageDeploy, Result: orchestrator.Cancelled("deployment declined")},
		},
		Tests: orchestrator.TestReport{
			"hello.sh":  {Status: orchestrator.TestPassed},
			"README.md": {Status: orchestrator.TestSkipped},
		},
		Summary: "deploy declined",
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, sampleResult())
	out := buf.String()

	for _, want := range []string{
		"Run run-1 (greeter_20260101_000000)",
		"cli project, 3 files",
		"Tests: 1 passed, 0 failed, 1 skipped",
		"Status: cancelled (deploy_declined)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintCompletionErrorListsRemediation(t *testing.T) {
	var buf bytes.Buffer
	printCompletionError(&buf, &provider.CompletionError{
		Hint:        "code",
		Model:       "codellama:7b",
		Backend:     provider.KindLocal,
		Attempts:    3,
		Cause:       errors.New("connection refused"),
		Remediation: []string{"start Ollama with 'ollama serve'"},
	})
	out := buf.String()
	if !strings.Contains(out, "local backend failed for model codellama:7b after 3 attempt(s)") {
		t.Fatalf("unexpected output: %s", out)
	}
	if !strings.Contains(out, "  - start Ollama with 'ollama serve'") {
		t.Fatalf("remediation missing: %s", out)
	}

	buf.Reset()
	printCompletionError(&buf, errors.New("plain failure"))
	if buf.String() != "Error: plain failure\n" {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\n  b\tc", 80); got != "a b c" {
		t.Fatalf("got %q", got)
	}
	if got := oneLine(strings.Repeat("x", 100), 10); got != "xxxxxxx..." {
		t.Fatalf("got %q", got)
	}
}

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Request       string `json:"request"`
			ConfirmDeploy bool   `json:"confirm_deploy"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Request == "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"request is required"}`)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, `{"run_id":"run-%t","status":"running"}`, body.ConfirmDeploy)
	})
	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "active":
			json.NewEncoder(w).Encode(orchestrator.RunInfo{RunID: "active", Request: "build a cli", Status: "running", StartedAt: time.Now()})
		case "run-1":
			json.NewEncoder(w).Encode(orchestrator.RunInfo{RunID: "run-1", Status: "cancelled", Result: sampleResult()})
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"run not found"}`)
		}
	})
	mux.HandleFunc("GET /api/runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"active":[{"run_id":"a1","request":"web page","status":"running","started_at":"2026-01-01T00:00:00Z"}],
			"stored":[{"run_id":"s1","request":"cli tool","status":"failed","reason":"failsafe","started_at":"2026-01-01T00:00:00Z"}]}`)
	})
	mux.HandleFunc("DELETE /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"status":"cancelling"}`)
	})
	mux.HandleFunc("GET /api/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("follow") == "" {
			fmt.Fprint(w, `[{"type":"stage_finished","run_id":"run-1","stage":"plan","status":"success","detail":"cli project","timestamp":"2026-01-01T00:00:00Z"}]`)
			return
		}
		if r.PathValue("id") != "run-1" {
			http.Error(w, `{"error":"event stream not configured"}`, http.StatusNotImplemented)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: stage_finished\n")
		fmt.Fprint(w, `data: {"type":"stage_finished","run_id":"run-1","stage":"plan","status":"success","timestamp":"2026-01-01T00:00:00Z"}`+"\n\n")
		w.(http.Flusher).Flush()
		fmt.Fprint(w, "event: run_finished\n")
		fmt.Fprint(w, `data: {"type":"run_finished","run_id":"run-1","status":"success","timestamp":"2026-01-01T00:00:05Z"}`+"\n\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteSubmit(t *testing.T) {
	c := newClient(fakeServer(t).URL + "/")
	var buf bytes.Buffer
	if err := c.submit(&buf, "build a cli", true); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if buf.String() != "Run run-true running\n" {
		t.Fatalf("unexpected output: %q", buf.String())
	}

	err := c.submit(&buf, "", false)
	if err == nil || !strings.Contains(err.Error(), "server error (400): request is required") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestRemoteStatus(t *testing.T) {
	c := newClient(fakeServer(t).URL)

	var buf bytes.Buffer
	if err := c.status(&buf, "active"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(buf.String(), "Run active running") {
		t.Fatalf("unexpected output: %s", buf.String())
	}

	buf.Reset()
	if err := c.status(&buf, "run-1"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(buf.String(), "Status: cancelled (deploy_declined)") {
		t.Fatalf("unexpected output: %s", buf.String())
	}

	if err := c.status(&buf, "missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestRemoteListCancelEvents(t *testing.T) {
	c := newClient(fakeServer(t).URL)

	var buf bytes.Buffer
	if err := c.list(&buf); err != nil {
		t.Fatalf("list: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "a1") || !strings.Contains(out, "failed (failsafe)") {
		t.Fatalf("unexpected list output:\n%s", out)
	}

	buf.Reset()
	if err := c.cancel(&buf, "a1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if buf.String() != "Run a1 cancelling\n" {
		t.Fatalf("unexpected output: %q", buf.String())
	}

	buf.Reset()
	if err := c.events(&buf, "run-1"); err != nil {
		t.Fatalf("events: %v", err)
	}
	if buf.String() != "2026-01-01T00:00:00Z stage_finished plan success: cli project\n" {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestRemoteFollowEvents(t *testing.T) {
	c := newClient(fakeServer(t).URL)

	var buf bytes.Buffer
	if err := c.follow(context.Background(), &buf, "run-1"); err != nil {
		t.Fatalf("follow: %v", err)
	}
	want := "2026-01-01T00:00:00Z stage_finished plan success\n2026-01-01T00:00:05Z run_finished success\n"
	if buf.String() != want {
		t.Fatalf("unexpected output: %q", buf.String())
	}

	err := c.follow(context.Background(), &buf, "other")
	if err == nil || !strings.Contains(err.Error(), "server error (501): event stream not configured") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestRemoteUnreachable(t *testing.T) {
	c := newClient("http://127.0.0.1:1")
	if err := c.list(&bytes.Buffer{}); err == nil || !strings.Contains(err.Error(), "request failed") {
		t.Fatalf("expected request failure, got %v", err)
	}
}
