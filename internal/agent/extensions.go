package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/agency/internal/orchestrator"
	"go.uber.org/zap"
)

// supervisorMarkers flag output that looks like an unhandled failure.
var supervisorMarkers = []string{"traceback", "error:"}

// Supervisor inspects test output and review feedback after a run and
// reports the files that still show failure markers.
type Supervisor struct {
	logger *zap.Logger
}

// NewSupervisor creates the supervisor extension.
func NewSupervisor(logger *zap.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

func (s *Supervisor) Name() string { return "supervisor" }

// Run returns the sorted list of flagged findings.
func (s *Supervisor) Run(ctx context.Context, rc *orchestrator.RunContext) (interface{}, error) {
	var findings []string
	flag := func(source, path, text string) {
		lower := strings.ToLower(text)
		for _, m := range supervisorMarkers {
			if strings.Contains(lower, m) {
				findings = append(findings, fmt.Sprintf("%s %s: contains %q", source, path, m))
				return
			}
		}
	}

	report, _ := rc.Get(orchestrator.ArtifactRetestResults)
	if report == nil {
		report, _ = rc.Get(orchestrator.ArtifactTestResults)
	}
	if tr, ok := report.(orchestrator.TestReport); ok {
		for p, o := range tr {
			flag("test", p, o.Output)
		}
	}
	if v, ok := rc.Get(orchestrator.ArtifactReviews); ok {
		if notes, ok := v.(map[string]orchestrator.ReviewNote); ok {
			for p, n := range notes {
				flag("review", p, n.Feedback)
			}
		}
	}
	sort.Strings(findings)

	if len(findings) > 0 {
		s.logger.Warn("supervisor flagged issues",
			zap.String("run", rc.RunID), zap.Int("count", len(findings)))
		rc.Checkpoint(ctx, "supervisor::findings", strings.Join(findings, "\n"))
	}
	return findings, nil
}

// EvolutionLog appends a one-line summary of every run to a log file and to
// memory, building a history that later runs can consult.
type EvolutionLog struct {
	path   string
	mu     sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

// NewEvolutionLog creates the extension writing to path.
func NewEvolutionLog(path string, logger *zap.Logger) *EvolutionLog {
	if path == "" {
		path = filepath.Join("logs", "evolution.log")
	}
	return &EvolutionLog{path: path, now: time.Now, logger: logger}
}

func (e *EvolutionLog) Name() string { return "evolution" }

// Run appends "<timestamp> - <message>".
func (e *EvolutionLog) Run(ctx context.Context, rc *orchestrator.RunContext) (interface{}, error) {
	ts := e.now().UTC().Format(time.RFC3339)
	message := fmt.Sprintf("run %s project %s: %s", rc.RunID, rc.ProjectID, truncate(rc.Request, 200))
	line := ts + " - " + message

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return nil, fmt.Errorf("create evolution log dir: %w", err)
	}
	f, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open evolution log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return nil, fmt.Errorf("append evolution log: %w", err)
	}
	rc.Checkpoint(ctx, "evolution::"+ts, message)
	return line, nil
}
