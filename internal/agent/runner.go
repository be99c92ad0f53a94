package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nidhogg/agency/internal/orchestrator"
	"go.uber.org/zap"
)

// DefaultInterpreters maps a file extension to the command that checks it.
// The file path is appended as the last argument.
var DefaultInterpreters = map[string][]string{
	".py": {"python3"},
	".js": {"node", "--check"},
	".go": {"gofmt", "-l", "-e"},
}

const maxOutput = 4000

// Runner classifies generated files by executing or syntax-checking them.
type Runner struct {
	pool         *orchestrator.Pool
	interpreters map[string][]string
	timeout      time.Duration
	logger       *zap.Logger
}

// NewRunner creates a tester. A nil interpreters map uses
// DefaultInterpreters; a zero timeout means ten seconds.
func NewRunner(pool *orchestrator.Pool, interpreters map[string][]string, timeout time.Duration, logger *zap.Logger) *Runner {
	if interpreters == nil {
		interpreters = DefaultInterpreters
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Runner{pool: pool, interpreters: interpreters, timeout: timeout, logger: logger}
}

// Test implements orchestrator.Tester. Every path gets exactly one outcome.
func (r *Runner) Test(ctx context.Context, rc *orchestrator.RunContext, paths []string) (orchestrator.TestReport, error) {
	report := orchestrator.Collect(ctx, r.pool, paths,
		func(ctx context.Context, p string) (orchestrator.FileOutcome, error) {
			return r.testFile(ctx, rc, p), nil
		},
		func(p string, err error) orchestrator.FileOutcome {
			return orchestrator.FileOutcome{Status: orchestrator.TestFailed, Output: err.Error()}
		},
	)
	for p, o := range report {
		rc.Checkpoint(ctx, "test_result::"+p, fmt.Sprintf("%s: %s", o.Status, truncate(o.Output, 500)))
	}
	return report, nil
}

func (r *Runner) testFile(ctx context.Context, rc *orchestrator.RunContext, rel string) orchestrator.FileOutcome {
	start := time.Now()
	outcome := func(status orchestrator.TestStatus, output string) orchestrator.FileOutcome {
		return orchestrator.FileOutcome{Status: status, Output: truncate(output, maxOutput), Duration: time.Since(start)}
	}

	full := filepath.Join(rc.WorkDir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return outcome(orchestrator.TestFailed, "file missing: "+err.Error())
	}
	if info.Size() == 0 {
		return outcome(orchestrator.TestFailed, "file is empty")
	}

	argv, ok := r.interpreters[strings.ToLower(filepath.Ext(rel))]
	if !ok || len(argv) == 0 {
		return outcome(orchestrator.TestSkipped, "no checker for this file type")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return outcome(orchestrator.TestSkipped, fmt.Sprintf("%s not found on PATH", argv[0]))
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	args := append(append([]string{}, argv[1:]...), filepath.FromSlash(rel))
	cmd := exec.CommandContext(cctx, argv[0], args...)
	cmd.Dir = rc.WorkDir
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()

	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		r.logger.Info("test timed out", zap.String("path", rel), zap.Duration("timeout", r.timeout))
		return outcome(orchestrator.TestFailed, fmt.Sprintf("timed out after %s\n%s", r.timeout, out))
	case err != nil:
		return outcome(orchestrator.TestFailed, fmt.Sprintf("%v\n%s", err, out))
	default:
		return outcome(orchestrator.TestPassed, string(out))
	}
}
