// Package api exposes the run manager and the completion gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/agency/internal/agent"
	"github.com/nidhogg/agency/internal/notify"
	"github.com/nidhogg/agency/internal/orchestrator"
	"github.com/nidhogg/agency/internal/provider"
	"github.com/nidhogg/agency/internal/store"
	"go.uber.org/zap"
)

// Completer is the part of the gateway the API serves.
type Completer interface {
	Complete(ctx context.Context, req *provider.CompletionRequest, hint string) (*provider.CompletionResponse, error)
	Status(ctx context.Context) []provider.BackendStatus
}

// History reads finished runs. It may be nil.
type History interface {
	GetRun(ctx context.Context, runID string) (*orchestrator.RunResult, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

// EventSource reads the recorded events of a run. It may be nil.
type EventSource interface {
	Events(ctx context.Context, runID string) ([]*orchestrator.Event, error)
	Follow(ctx context.Context, runID string) <-chan *orchestrator.Event
}

// MemorySearcher ranks shared-memory entries. It may be nil.
type MemorySearcher interface {
	Search(ctx context.Context, query, prefix string, k int) ([]store.Match, error)
}

// Notices lists recently sent notifications. It may be nil.
type Notices interface {
	History(limit int) []notify.Record
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	manager *orchestrator.Manager
	llm     Completer
	history History
	events  EventSource
	memory  MemorySearcher
	notices Notices
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	manager *orchestrator.Manager,
	llm Completer,
	history History,
	events EventSource,
	memory MemorySearcher,
	notices Notices,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		manager: manager,
		llm:     llm,
		history: history,
		events:  events,
		memory:  memory,
		notices: notices,
		logger:  logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/backends", h.backendStatus)
		r.Post("/complete", h.complete)

		r.Post("/runs", h.startRun)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Delete("/runs/{id}", h.cancelRun)
		r.Get("/runs/{id}/events", h.runEvents)

		r.Get("/memory/search", h.searchMemory)
		r.Get("/notifications", h.listNotifications)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "agency"})
}

func (h *Handler) backendStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.llm.Status(r.Context()))
}

type completeRequest struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system"`
	Hint        string  `json:"hint"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type completeError struct {
	Error       string               `json:"error"`
	Backend     provider.BackendKind `json:"backend,omitempty"`
	Model       string               `json:"model,omitempty"`
	Attempts    int                  `json:"attempts,omitempty"`
	Remediation []string             `json:"remediation,omitempty"`
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	creq := provider.NewRequest(req.Prompt, req.System)
	creq.MaxTokens = req.MaxTokens
	creq.Temperature = req.Temperature
	if err := creq.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.llm.Complete(r.Context(), creq, req.Hint)
	if err != nil {
		var cerr *provider.CompletionError
		switch {
		case errors.As(err, &cerr):
			writeJSON(w, http.StatusBadGateway, completeError{
				Error:       cerr.Error(),
				Backend:     cerr.Backend,
				Model:       cerr.Model,
				Attempts:    cerr.Attempts,
				Remediation: cerr.Remediation,
			})
		case errors.Is(err, provider.ErrBackendUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type runRequest struct {
	Request string `json:"request"`
	// ConfirmDeploy approves the deploy stage for this run. Runs started
	// over HTTP never deploy unless it is set.
	ConfirmDeploy bool `json:"confirm_deploy"`
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Request == "" {
		writeError(w, http.StatusBadRequest, "request is required")
		return
	}
	id := h.manager.Start(context.Background(), req.Request, agent.StaticConfirmer(req.ConfirmDeploy))
	h.logger.Info("run accepted", zap.String("run", id), zap.Bool("confirm_deploy", req.ConfirmDeploy))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": orchestrator.StatusRunning})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"active": h.manager.List()}
	if h.history != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		stored, err := h.history.ListRuns(r.Context(), limit)
		if err != nil {
			h.logger.Warn("list stored runs failed", zap.Error(err))
		} else {
			resp["stored"] = stored
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if info, ok := h.manager.Get(id); ok {
		writeJSON(w, http.StatusOK, info)
		return
	}
	if h.history != nil {
		run, err := h.history.GetRun(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, orchestrator.RunInfo{
				RunID:     run.RunID,
				Request:   run.Request,
				Status:    string(run.Status),
				StartedAt: run.StartedAt,
				Result:    run,
			})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeError(w, http.StatusNotFound, "run not found")
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.manager.Cancel(id) {
		writeError(w, http.StatusNotFound, "run not found or already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

// runEvents returns the recorded events as JSON. With ?follow=1 it streams
// them as server-sent events until the run finishes.
func (h *Handler) runEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotImplemented, "event stream not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if follow, _ := strconv.ParseBool(r.URL.Query().Get("follow")); follow {
		h.followEvents(w, r, id)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	events, err := h.events.Events(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) followEvents(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range h.events.Follow(r.Context(), id) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			h.logger.Debug("event stream client gone", zap.String("run", id), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) searchMemory(w http.ResponseWriter, r *http.Request) {
	if h.memory == nil {
		writeError(w, http.StatusNotImplemented, "memory search not configured")
		return
	}
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	k := 10
	if raw := q.Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "k must be between 1 and 100")
			return
		}
		k = n
	}
	matches, err := h.memory.Search(r.Context(), query, q.Get("prefix"), k)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	if h.notices == nil {
		writeJSON(w, http.StatusOK, []notify.Record{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.notices.History(limit))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
