package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nidhogg/agency/internal/orchestrator"
	"go.uber.org/zap"
)

const reviewerSystem = "You are a meticulous code reviewer. Be concise and concrete."

// Reviewer produces advisory feedback on each generated file.
type Reviewer struct {
	llm    Completer
	hint   string
	pool   *orchestrator.Pool
	logger *zap.Logger
}

// NewReviewer creates a reviewer.
func NewReviewer(llm Completer, hint string, pool *orchestrator.Pool, logger *zap.Logger) *Reviewer {
	return &Reviewer{llm: llm, hint: hint, pool: pool, logger: logger}
}

// Review implements orchestrator.Reviewer. Per-file failures are recorded in
// the note; the call errors only when no file could be reviewed.
func (r *Reviewer) Review(ctx context.Context, rc *orchestrator.RunContext, paths []string) (map[string]orchestrator.ReviewNote, error) {
	notes := orchestrator.Collect(ctx, r.pool, paths,
		func(ctx context.Context, p string) (orchestrator.ReviewNote, error) {
			return r.reviewFile(ctx, rc, p)
		},
		func(p string, err error) orchestrator.ReviewNote {
			return orchestrator.ReviewNote{Error: err.Error()}
		},
	)

	ok := 0
	for p, n := range notes {
		if n.Error == "" {
			ok++
			rc.Checkpoint(ctx, "qa_feedback::"+p, n.Feedback)
		} else {
			rc.Checkpoint(ctx, "qa_feedback::"+p, "error: "+n.Error)
		}
	}
	if len(notes) > 0 && ok == 0 {
		return notes, errors.New("no file could be reviewed")
	}
	return notes, nil
}

func (r *Reviewer) reviewFile(ctx context.Context, rc *orchestrator.RunContext, rel string) (orchestrator.ReviewNote, error) {
	content, err := readFile(rc.WorkDir, rel)
	if errors.Is(err, os.ErrNotExist) {
		return orchestrator.ReviewNote{}, errors.New("file missing")
	}
	if err != nil {
		return orchestrator.ReviewNote{}, err
	}
	prompt := fmt.Sprintf(`Review the %s file %q written for this request: %s

%s

List bugs, security problems and missing pieces. Answer "LGTM" if there are none.`,
		languageFor(rel), rel, rc.Request, truncate(content, 8000))

	resp, err := r.llm.CompleteText(ctx, prompt, reviewerSystem, r.hint)
	if err != nil {
		return orchestrator.ReviewNote{}, err
	}
	feedback := strings.TrimSpace(resp)
	if feedback == "" {
		return orchestrator.ReviewNote{}, errors.New("empty review")
	}
	return orchestrator.ReviewNote{Feedback: feedback}, nil
}
