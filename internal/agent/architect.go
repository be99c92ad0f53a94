package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/nidhogg/agency/internal/orchestrator"
	"go.uber.org/zap"
)

// Project types recognised by the planner.
const (
	TypeWeb     = "web"
	TypeAPI     = "api"
	TypeCLI     = "cli"
	TypeML      = "ml"
	TypeData    = "data"
	TypeGeneral = "general"
)

// projectKeywords is checked in order; the first type with a matching
// keyword wins.
var projectKeywords = []struct {
	kind     string
	keywords []string
}{
	{TypeML, []string{"machine learning", "neural", "train a model", "classifier", "dataset", "deep learning", "pytorch", "tensorflow"}},
	{TypeAPI, []string{"api", "rest", "endpoint", "backend", "microservice", "fastapi", "flask", "express", "graphql"}},
	{TypeWeb, []string{"website", "web app", "webpage", "landing page", "frontend", "html", "react", "vue", "dashboard"}},
	{TypeData, []string{"etl", "csv", "data pipeline", "analysis", "analytics", "scrape", "report"}},
	{TypeCLI, []string{"cli", "command line", "command-line", "terminal", "script", "tool"}},
}

// defaultFiles is the deterministic file set used when planning falls back.
var defaultFiles = map[string][]orchestrator.FileSpec{
	TypeWeb: {
		{Path: "index.html", Description: "Main page markup"},
		{Path: "style.css", Description: "Page styles"},
		{Path: "app.js", Description: "Client-side behaviour"},
	},
	TypeAPI: {
		{Path: "main.py", Description: "HTTP API entry point"},
		{Path: "requirements.txt", Description: "Python dependencies"},
	},
	TypeCLI: {
		{Path: "main.py", Description: "Command-line entry point"},
	},
	TypeML: {
		{Path: "train.py", Description: "Model training script"},
		{Path: "model.py", Description: "Model definition"},
		{Path: "requirements.txt", Description: "Python dependencies"},
	},
	TypeData: {
		{Path: "pipeline.py", Description: "Data processing pipeline"},
		{Path: "requirements.txt", Description: "Python dependencies"},
	},
	TypeGeneral: {
		{Path: "main.py", Description: "Program entry point"},
	},
}

// DetectProjectType classifies a request by keyword.
func DetectProjectType(request string) string {
	lower := strings.ToLower(request)
	for _, pk := range projectKeywords {
		for _, kw := range pk.keywords {
			if containsWord(lower, kw) {
				return pk.kind
			}
		}
	}
	return TypeGeneral
}

// containsWord matches kw on word boundaries so "api" does not match "rapid".
func containsWord(s, kw string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], kw)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(kw)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

const architectSystem = "You are a senior software architect. You answer with JSON only."

// Architect plans a project from the request text.
type Architect struct {
	llm    Completer
	hint   string
	strict bool
	logger *zap.Logger
}

// NewArchitect creates a planner. In strict mode an LLM failure is returned
// instead of degrading to the default file set.
func NewArchitect(llm Completer, hint string, strict bool, logger *zap.Logger) *Architect {
	return &Architect{llm: llm, hint: hint, strict: strict, logger: logger}
}

// Plan implements orchestrator.Planner.
func (a *Architect) Plan(ctx context.Context, rc *orchestrator.RunContext) (*orchestrator.Plan, error) {
	kind := DetectProjectType(rc.Request)
	prompt := fmt.Sprintf(`Design the file layout for the following %s project.

Request: %s

Reply with JSON in this form:
{"project_type": "%s", "description": "...", "files": [{"path": "relative/path.ext", "description": "what the file does"}]}

Use relative paths only. Keep the project small and runnable.`, kind, rc.Request, kind)

	plan, err := a.planWithLLM(ctx, prompt)
	if err != nil {
		if a.strict {
			return nil, err
		}
		a.logger.Warn("planning via LLM failed, using default plan",
			zap.String("project_type", kind), zap.Error(err))
		plan = FallbackPlan(kind)
	}
	if plan.ProjectType == "" {
		plan.ProjectType = kind
	}
	EnhancePlan(plan)

	if data, err := json.Marshal(plan); err == nil {
		rc.Checkpoint(ctx, "plan", string(data))
	}
	return plan, nil
}

func (a *Architect) planWithLLM(ctx context.Context, prompt string) (*orchestrator.Plan, error) {
	resp, err := a.llm.CompleteText(ctx, prompt, architectSystem, a.hint)
	if err != nil {
		return nil, fmt.Errorf("planning request: %w", err)
	}
	var raw interface{}
	if err := extractJSON(resp, &raw); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	plan := &orchestrator.Plan{}
	filesRaw := raw
	if obj, ok := raw.(map[string]interface{}); ok {
		plan.ProjectType, _ = obj["project_type"].(string)
		plan.Description, _ = obj["description"].(string)
		filesRaw = obj["files"]
	}
	plan.Files = NormalizeFiles(filesRaw)
	if len(plan.Files) == 0 {
		return nil, fmt.Errorf("plan lists no usable files")
	}
	if plan.ProjectType != "" {
		plan.ProjectType = normalizeType(plan.ProjectType)
	}
	return plan, nil
}

// NormalizeFiles converts the files field of an LLM plan into file specs. It
// accepts a path->description map, a list of objects or a list of strings.
// Empty, absolute, traversing and directory-only paths are dropped.
func NormalizeFiles(raw interface{}) []orchestrator.FileSpec {
	var specs []orchestrator.FileSpec
	switch v := raw.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			desc := ""
			switch d := v[k].(type) {
			case string:
				desc = d
			case map[string]interface{}:
				desc = firstString(d, "description", "purpose", "content")
			}
			specs = append(specs, orchestrator.FileSpec{Path: k, Description: desc})
		}
	case []interface{}:
		for _, item := range v {
			switch it := item.(type) {
			case string:
				specs = append(specs, orchestrator.FileSpec{Path: it})
			case map[string]interface{}:
				specs = append(specs, orchestrator.FileSpec{
					Path:        firstString(it, "path", "file", "filename", "name"),
					Description: firstString(it, "description", "purpose", "content"),
				})
			}
		}
	}

	seen := make(map[string]bool)
	out := make([]orchestrator.FileSpec, 0, len(specs))
	for _, s := range specs {
		p, ok := CleanPath(s.Path)
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, orchestrator.FileSpec{Path: p, Description: strings.TrimSpace(s.Description)})
	}
	return out
}

// CleanPath normalises a planned path. ok is false for paths that must not
// be written: empty, absolute, containing "..", or naming a directory.
func CleanPath(p string) (string, bool) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || strings.HasSuffix(p, "/") {
		return "", false
	}
	if strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':') {
		return "", false
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", false
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", false
	}
	return clean, true
}

// EnhancePlan appends the standard files a project of its type needs.
func EnhancePlan(plan *orchestrator.Plan) {
	have := make(map[string]bool, len(plan.Files))
	for _, f := range plan.Files {
		have[strings.ToLower(f.Path)] = true
	}
	add := func(p, desc string) {
		if !have[strings.ToLower(p)] {
			plan.Files = append(plan.Files, orchestrator.FileSpec{Path: p, Description: desc})
			have[strings.ToLower(p)] = true
		}
	}

	add("README.md", "Project overview and usage")
	add(".gitignore", "Files excluded from version control")
	switch plan.ProjectType {
	case TypeWeb, TypeAPI:
		add(".env.example", "Example environment variables")
		add("Dockerfile", "Container image definition")
	case TypeML:
		add("Dockerfile", "Container image definition")
	}
}

// FallbackPlan is the deterministic plan for a project type.
func FallbackPlan(kind string) *orchestrator.Plan {
	kind = normalizeType(kind)
	files := make([]orchestrator.FileSpec, len(defaultFiles[kind]))
	copy(files, defaultFiles[kind])
	return &orchestrator.Plan{ProjectType: kind, Files: files, Fallback: true}
}

func normalizeType(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if _, ok := defaultFiles[kind]; ok {
		return kind
	}
	return TypeGeneral
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
