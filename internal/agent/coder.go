package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nidhogg/agency/internal/orchestrator"
	"go.uber.org/zap"
)

const coderSystem = "You are an expert software engineer. Output only the complete file content, no explanations."

// minGeneratedLen is the shortest response accepted as file content.
const minGeneratedLen = 10

// Coder generates the planned files, one completion per file.
type Coder struct {
	llm    Completer
	hint   string
	logger *zap.Logger
}

// NewCoder creates a generator.
func NewCoder(llm Completer, hint string, logger *zap.Logger) *Coder {
	return &Coder{llm: llm, hint: hint, logger: logger}
}

// Generate implements orchestrator.Generator. Files whose generation fails
// are written as placeholder stubs; only write failures drop a file.
func (c *Coder) Generate(ctx context.Context, rc *orchestrator.RunContext, plan *orchestrator.Plan) ([]string, error) {
	if plan == nil {
		return nil, fmt.Errorf("no plan")
	}
	var written []string
	for _, spec := range plan.Files {
		if ctx.Err() != nil {
			break
		}
		rel, ok := CleanPath(spec.Path)
		if !ok {
			c.logger.Warn("skipping unsafe path", zap.String("path", spec.Path))
			continue
		}
		if _, err := rc.Path(rel); err != nil {
			c.logger.Warn("skipping unsafe path", zap.String("path", spec.Path), zap.Error(err))
			continue
		}

		content, err := c.generateFile(ctx, rc.Request, plan, spec)
		if err != nil {
			c.logger.Warn("generation failed, writing stub",
				zap.String("path", rel), zap.Error(err))
			content = Stub(rel)
		}
		if err := writeFile(rc.WorkDir, rel, content); err != nil {
			c.logger.Error("write generated file failed", zap.String("path", rel), zap.Error(err))
			continue
		}
		rc.Checkpoint(ctx, "generated::"+rel, content)
		written = append(written, rel)
	}
	return written, nil
}

func (c *Coder) generateFile(ctx context.Context, request string, plan *orchestrator.Plan, spec orchestrator.FileSpec) (string, error) {
	var others []string
	for _, f := range plan.Files {
		if f.Path != spec.Path {
			others = append(others, f.Path)
		}
	}
	lang := languageFor(spec.Path)
	prompt := fmt.Sprintf(`Write the complete %s file %q for a %s project.

Project request: %s
File purpose: %s
Other files in the project: %s

Return only the file content. Do not leave placeholders or TODO markers.`,
		lang, spec.Path, plan.ProjectType, request, spec.Description, strings.Join(others, ", "))

	resp, err := c.llm.CompleteText(ctx, prompt, coderSystem, c.hint)
	if err != nil {
		return "", err
	}
	content := stripFence(resp)
	if err := acceptable(content); err != nil {
		return "", err
	}
	return content, nil
}

// acceptable rejects unfinished or trivially short output.
func acceptable(content string) error {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < minGeneratedLen {
		return fmt.Errorf("response too short (%d chars)", len(trimmed))
	}
	if strings.Contains(trimmed, "TODO") {
		return fmt.Errorf("response contains TODO placeholder")
	}
	return nil
}

// Stub returns the deterministic placeholder written when generation fails.
func Stub(path string) string {
	name := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return fmt.Sprintf("# TODO: implement %s\n\n\ndef main():\n    pass\n\n\nif __name__ == \"__main__\":\n    main()\n", name)
	case ".js":
		return fmt.Sprintf("// TODO: implement %s\nconsole.log(%q);\n", name, name)
	case ".ts":
		return fmt.Sprintf("// TODO: implement %s\nexport {};\n", name)
	case ".go":
		return fmt.Sprintf("package main\n\n// TODO: implement %s\nfunc main() {}\n", name)
	case ".html", ".htm":
		return fmt.Sprintf("<!DOCTYPE html>\n<html>\n<head><title>%s</title></head>\n<body>\n<!-- TODO: implement -->\n</body>\n</html>\n", name)
	case ".css":
		return fmt.Sprintf("/* TODO: implement %s */\n", name)
	case ".sql":
		return fmt.Sprintf("-- TODO: implement %s\n", name)
	case ".md":
		return fmt.Sprintf("# %s\n\nTODO: document this project.\n", name)
	default:
		return fmt.Sprintf("# TODO: implement %s\n", name)
	}
}
