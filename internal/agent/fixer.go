package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/agency/internal/orchestrator"
	"go.uber.org/zap"
)

const fixerSystem = "You are an expert debugger. Return only the corrected file content."

// Fix statuses reported per path.
const (
	FixApplied = "fixed"
	fixErrPref = "error: "
)

// Fixer attempts one LLM repair per failing file.
type Fixer struct {
	llm    Completer
	hint   string
	pool   *orchestrator.Pool
	logger *zap.Logger
}

// NewFixer creates a repairer.
func NewFixer(llm Completer, hint string, pool *orchestrator.Pool, logger *zap.Logger) *Fixer {
	return &Fixer{llm: llm, hint: hint, pool: pool, logger: logger}
}

// Repair implements orchestrator.Repairer. The returned map holds "fixed"
// or "error: ..." for every failing path; the error is non-nil if any
// repair failed.
func (f *Fixer) Repair(ctx context.Context, rc *orchestrator.RunContext, failing orchestrator.TestReport) (map[string]string, error) {
	paths := make([]string, 0, len(failing))
	for p := range failing {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	results := orchestrator.Collect(ctx, f.pool, paths,
		func(ctx context.Context, p string) (string, error) {
			if err := f.fixFile(ctx, rc, p, failing[p].Output); err != nil {
				return "", err
			}
			return FixApplied, nil
		},
		func(p string, err error) string {
			f.logger.Warn("repair failed", zap.String("path", p), zap.Error(err))
			return fixErrPref + err.Error()
		},
	)

	var failed []string
	for _, p := range paths {
		if strings.HasPrefix(results[p], fixErrPref) {
			failed = append(failed, p)
		}
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("%d of %d repair(s) failed: %s", len(failed), len(paths), strings.Join(failed, ", "))
	}
	return results, nil
}

func (f *Fixer) fixFile(ctx context.Context, rc *orchestrator.RunContext, rel, testOutput string) error {
	if _, err := rc.Path(rel); err != nil {
		return err
	}
	current, err := readFile(rc.WorkDir, rel)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	prompt := fmt.Sprintf(`The %s file %q fails its check.

Check output:
%s

Current content:
%s

Return the complete corrected file.`, languageFor(rel), rel, truncate(testOutput, 2000), current)

	resp, err := f.llm.CompleteText(ctx, prompt, fixerSystem, f.hint)
	if err != nil {
		return err
	}
	fixed := stripFence(resp)
	if strings.TrimSpace(fixed) == "" {
		return errors.New("empty fix")
	}
	if err := writeFile(rc.WorkDir, rel, fixed); err != nil {
		return err
	}
	rc.Checkpoint(ctx, "fix_patch::"+rel, fixed)
	return nil
}
