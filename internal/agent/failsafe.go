package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/nidhogg/agency/internal/orchestrator"
	"go.uber.org/zap"
)

// DefaultDenylist holds the patterns that stop a run before any generated
// code is executed. Matching is case-insensitive.
var DefaultDenylist = []string{
	`rm\s+-rf`,
	`\bshutdown\b`,
	`drop\s+table`,
	`delete\s+from`,
	`\bmkfs(\.\w+)?\b`,
	`:\(\)\s*\{`,
	`\bdd\s+if=`,
}

type denyPattern struct {
	source string
	re     *regexp.Regexp
}

// Failsafe scans generated files against a regex denylist.
type Failsafe struct {
	patterns []denyPattern
	logger   *zap.Logger
}

// NewFailsafe compiles patterns; nil or empty uses DefaultDenylist.
func NewFailsafe(patterns []string, logger *zap.Logger) (*Failsafe, error) {
	if len(patterns) == 0 {
		patterns = DefaultDenylist
	}
	f := &Failsafe{logger: logger}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile denylist pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, denyPattern{source: p, re: re})
	}
	return f, nil
}

// Check implements orchestrator.SafetyChecker. A file that cannot be read
// is an error: the scan fails closed.
func (f *Failsafe) Check(ctx context.Context, rc *orchestrator.RunContext, paths []string) (*orchestrator.SafetyReport, error) {
	report := &orchestrator.SafetyReport{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hits, err := f.scanFile(filepath.Join(rc.WorkDir, filepath.FromSlash(p)), p)
		if err != nil {
			return nil, err
		}
		report.Scanned++
		report.Violations = append(report.Violations, hits...)
	}

	if len(report.Violations) > 0 {
		var lines []string
		for _, v := range report.Violations {
			lines = append(lines, fmt.Sprintf("%s:%d matches %q", v.Path, v.Line, v.Pattern))
		}
		alert := "dangerous content detected: " + strings.Join(lines, "; ")
		f.logger.Warn("failsafe triggered",
			zap.String("run", rc.RunID), zap.Int("violations", len(report.Violations)))
		rc.Checkpoint(ctx, "failsafe::alert", alert)
	}
	return report, nil
}

// continuationRe matches a backslash line continuation.
var continuationRe = regexp.MustCompile(`\\\r?\n`)

// scanFile matches every pattern against the whole file so matches that
// span line breaks are found. Line continuations are blanked out first,
// keeping byte offsets, so Line is the line the match starts on.
func (f *Failsafe) scanFile(full, rel string) ([]orchestrator.Violation, error) {
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	text := string(data)
	joined := continuationRe.ReplaceAllStringFunc(text, func(m string) string {
		return strings.Repeat(" ", len(m))
	})

	var hits []orchestrator.Violation
	for _, p := range f.patterns {
		for _, loc := range p.re.FindAllStringIndex(joined, -1) {
			hits = append(hits, orchestrator.Violation{
				Path:    rel,
				Pattern: p.source,
				Line:    strings.Count(text[:loc[0]], "\n") + 1,
			})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Line < hits[j].Line })
	return hits, nil
}
