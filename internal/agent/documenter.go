package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nidhogg/agency/internal/notify"
	"github.com/nidhogg/agency/internal/orchestrator"
	"go.uber.org/zap"
)

// Documenter writes the project README and a run report, then announces the
// run through the broadcaster.
type Documenter struct {
	notifier *notify.Broadcaster
	logger   *zap.Logger
}

// NewDocumenter creates a documenter. notifier may be nil.
func NewDocumenter(notifier *notify.Broadcaster, logger *zap.Logger) *Documenter {
	return &Documenter{notifier: notifier, logger: logger}
}

// Document implements orchestrator.Documenter.
func (d *Documenter) Document(ctx context.Context, rc *orchestrator.RunContext, run *orchestrator.RunResult) ([]string, error) {
	files := rc.Files()
	entry := entryPoint(files)

	var written []string
	readme, err := readFile(rc.WorkDir, "README.md")
	switch {
	case errors.Is(err, os.ErrNotExist) || strings.TrimSpace(readme) == "":
		readme = buildReadme(rc.Request, files, entry)
	case err != nil:
		return nil, err
	case !strings.Contains(readme, "## Running"):
		readme = strings.TrimRight(readme, "\n") + "\n\n" + runSection(files, entry)
	}
	if err := writeFile(rc.WorkDir, "README.md", readme); err != nil {
		return nil, err
	}
	written = append(written, "README.md")

	if err := writeFile(rc.WorkDir, "RUN_REPORT.md", buildReport(run)); err != nil {
		return written, err
	}
	written = append(written, "RUN_REPORT.md")
	rc.Checkpoint(ctx, "docs::readme", readme)

	if d.notifier != nil {
		msg := &notify.Message{
			RunID:   run.RunID,
			Level:   levelFor(run.Status),
			Title:   fmt.Sprintf("run %s %s", run.ProjectID, run.Status),
			Content: run.Summary,
		}
		if err := d.notifier.Send(ctx, msg); err != nil {
			d.logger.Warn("run notification failed", zap.Error(err))
		}
	}
	return written, nil
}

func levelFor(s orchestrator.RunStatus) notify.Level {
	switch s {
	case orchestrator.RunSuccess:
		return notify.LevelInfo
	case orchestrator.RunCancelled:
		return notify.LevelWarn
	default:
		return notify.LevelError
	}
}

// entryPoint picks the file a user would run: main.py first, otherwise the
// first Python file, then JavaScript, then HTML.
func entryPoint(files []string) string {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, f := range sorted {
		if f == "main.py" {
			return f
		}
	}
	for _, ext := range []string{".py", ".js", ".go", ".html"} {
		for _, f := range sorted {
			if strings.EqualFold(filepath.Ext(f), ext) {
				return f
			}
		}
	}
	return ""
}

func buildReadme(request string, files []string, entry string) string {
	var b strings.Builder
	b.WriteString("# Generated project\n\n")
	fmt.Fprintf(&b, "%s\n\n## Files\n\n", request)
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, f := range sorted {
		fmt.Fprintf(&b, "- `%s`\n", f)
	}
	b.WriteString("\n")
	b.WriteString(runSection(files, entry))
	return b.String()
}

func runSection(files []string, entry string) string {
	var b strings.Builder
	b.WriteString("## Running\n\n```sh\n")
	for _, f := range files {
		if f == "requirements.txt" {
			b.WriteString("pip install -r requirements.txt\n")
		}
		if f == "package.json" {
			b.WriteString("npm install\n")
		}
	}
	switch strings.ToLower(filepath.Ext(entry)) {
	case ".py":
		fmt.Fprintf(&b, "python %s\n", entry)
	case ".js":
		fmt.Fprintf(&b, "node %s\n", entry)
	case ".go":
		b.WriteString("go run .\n")
	case ".html":
		fmt.Fprintf(&b, "open %s\n", entry)
	default:
		b.WriteString("# no entry point detected\n")
	}
	b.WriteString("```\n")
	return b.String()
}

func buildReport(run *orchestrator.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", run.RunID)
	fmt.Fprintf(&b, "- Project: %s\n- Status: %s\n", run.ProjectID, run.Status)
	if run.Reason != "" {
		fmt.Fprintf(&b, "- Reason: %s\n", run.Reason)
	}
	fmt.Fprintf(&b, "- Started: %s\n\n", run.StartedAt.Format("2006-01-02 15:04:05"))

	b.WriteString("## Stages\n\n| Stage | Status | Detail |\n|---|---|---|\n")
	for _, s := range run.Stages {
		detail := strings.ReplaceAll(truncate(s.Result.Detail, 120), "|", "\\|")
		detail = strings.ReplaceAll(detail, "\n", " ")
		fmt.Fprintf(&b, "| %s | %s | %s |\n", s.Stage, s.Result.Status, detail)
	}

	if len(run.Tests) > 0 {
		b.WriteString("\n## Tests\n\n")
		paths := make([]string, 0, len(run.Tests))
		for p := range run.Tests {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Fprintf(&b, "- `%s`: %s\n", p, run.Tests[p].Status)
		}
	}
	if run.Summary != "" {
		fmt.Fprintf(&b, "\n## Summary\n\n%s\n", run.Summary)
	}
	return b.String()
}
