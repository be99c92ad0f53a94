package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/agency/internal/orchestrator"
)

// RunSummary is one row of the run history listing.
type RunSummary struct {
	RunID      string                 `json:"run_id"`
	ProjectID  string                 `json:"project_id"`
	Request    string                 `json:"request"`
	Status     orchestrator.RunStatus `json:"status"`
	Reason     orchestrator.Reason    `json:"reason,omitempty"`
	Summary    string                 `json:"summary"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// SaveRun upserts a finished run with its full report.
func (s *Store) SaveRun(ctx context.Context, run *orchestrator.RunResult) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.RunID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	_, err = s.db.Exec(ctx, `
		INSERT INTO runs (run_id, project_id, request, status, reason, summary, result, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			summary = EXCLUDED.summary,
			result = EXCLUDED.result,
			finished_at = EXCLUDED.finished_at`,
		run.RunID, run.ProjectID, run.Request, string(run.Status), string(run.Reason),
		run.Summary, data, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun loads a stored run report.
func (s *Store) GetRun(ctx context.Context, runID string) (*orchestrator.RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT result FROM runs WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	var run orchestrator.RunResult
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	rows, err := s.db.Query(ctx, `
		SELECT run_id, project_id, request, status, reason, summary, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var status, reason string
		if err := rows.Scan(&r.RunID, &r.ProjectID, &r.Request, &status, &reason,
			&r.Summary, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status, r.Reason = orchestrator.RunStatus(status), orchestrator.Reason(reason)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
