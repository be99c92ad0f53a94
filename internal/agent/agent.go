// Package agent provides the stage collaborators driven by the orchestrator:
// planning, code generation, safety scanning, testing, repair, review,
// deployment and documentation.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Completer is the slice of the completion gateway the agents need.
type Completer interface {
	CompleteText(ctx context.Context, prompt, system, hint string) (string, error)
}

// CompleteFunc adapts a function to Completer.
type CompleteFunc func(ctx context.Context, prompt, system, hint string) (string, error)

func (f CompleteFunc) CompleteText(ctx context.Context, prompt, system, hint string) (string, error) {
	return f(ctx, prompt, system, hint)
}

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\s*\\n(.*?)\\n?```")

// stripFence removes a single markdown code fence surrounding the whole
// response. Text without a surrounding fence is returned trimmed.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return t
	}
	body := strings.TrimSuffix(t, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = strings.TrimPrefix(body, "```")
	}
	return strings.TrimRight(body, "\n\r ") + "\n"
}

// extractJSON finds the first JSON value in an LLM response: a fenced block
// if one exists, otherwise the outermost object or array.
func extractJSON(s string, v interface{}) error {
	candidates := []string{}
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		candidates = append(candidates, m[1])
	}
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j > i {
		candidates = append(candidates, s[i:j+1])
	}
	if i, j := strings.IndexByte(s, '['), strings.LastIndexByte(s, ']'); i >= 0 && j > i {
		candidates = append(candidates, s[i:j+1])
	}
	candidates = append(candidates, strings.TrimSpace(s))

	var lastErr error
	for _, c := range candidates {
		if err := json.Unmarshal([]byte(c), v); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("no JSON found in response: %w", lastErr)
}

// languageFor names the language of a file by extension.
func languageFor(path string) string {
	base := filepath.Base(path)
	switch strings.ToLower(base) {
	case "dockerfile":
		return "Dockerfile"
	case "makefile":
		return "Makefile"
	case ".gitignore":
		return "gitignore"
	case ".env.example":
		return "dotenv"
	case "requirements.txt":
		return "pip requirements"
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".py":
		return "Python"
	case ".js", ".mjs", ".cjs":
		return "JavaScript"
	case ".ts", ".tsx":
		return "TypeScript"
	case ".go":
		return "Go"
	case ".html", ".htm":
		return "HTML"
	case ".css":
		return "CSS"
	case ".sql":
		return "SQL"
	case ".sh":
		return "Shell"
	case ".md":
		return "Markdown"
	case ".json":
		return "JSON"
	case ".yml", ".yaml":
		return "YAML"
	case ".toml":
		return "TOML"
	default:
		return "plain text"
	}
}

func readFile(root, rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeFile(root, rel, content string) error {
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
