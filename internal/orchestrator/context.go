package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory is the persistence collaborator: a last-writer-wins key-value store
// safe for concurrent writers.
type Memory interface {
	Save(ctx context.Context, key, value string) error
	Get(ctx context.Context, key, def string) (string, error)
}

// Artifact names written to the RunContext by the built-in stages.
const (
	ArtifactPlan          = "plan"
	ArtifactFiles         = "files"
	ArtifactSafety        = "safety"
	ArtifactTestResults   = "test_results"
	ArtifactRepairs       = "repairs"
	ArtifactRetestResults = "retest_results"
	ArtifactReviews       = "reviews"
	ArtifactDeploy        = "deploy"
	ArtifactDocs          = "docs"
)

// RunContext is the per-run state shared by the stages of one run. Only the
// stage currently executing writes to it.
type RunContext struct {
	RunID     string
	ProjectID string
	Request   string
	WorkDir   string
	StartedAt time.Time

	mu        sync.RWMutex
	artifacts map[string]interface{}
	memory    Memory
	memTTL    time.Duration
	logger    *zap.Logger
}

// NewRunContext creates a RunContext rooted at workDir.
func NewRunContext(runID, projectID, request, workDir string, memory Memory, logger *zap.Logger) *RunContext {
	return &RunContext{
		RunID:     runID,
		ProjectID: projectID,
		Request:   request,
		WorkDir:   workDir,
		StartedAt: time.Now().UTC(),
		artifacts: make(map[string]interface{}),
		memory:    memory,
		memTTL:    5 * time.Second,
		logger:    logger,
	}
}

// Set stores a named artifact.
func (rc *RunContext) Set(name string, v interface{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.artifacts[name] = v
}

// Get returns a named artifact.
func (rc *RunContext) Get(name string) (interface{}, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.artifacts[name]
	return v, ok
}

// Artifacts lists artifact names in sorted order.
func (rc *RunContext) Artifacts() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	names := make([]string, 0, len(rc.artifacts))
	for k := range rc.artifacts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Files returns the generated file paths, if generation has run.
func (rc *RunContext) Files() []string {
	v, ok := rc.Get(ArtifactFiles)
	if !ok {
		return nil
	}
	files, _ := v.([]string)
	return files
}

// Plan returns the plan, if planning has run.
func (rc *RunContext) Plan() *Plan {
	v, ok := rc.Get(ArtifactPlan)
	if !ok {
		return nil
	}
	p, _ := v.(*Plan)
	return p
}

// Path resolves a project-relative path inside WorkDir. Paths escaping the
// working directory are rejected.
func (rc *RunContext) Path(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project directory", rel)
	}
	return filepath.Join(rc.WorkDir, clean), nil
}

// Checkpoint writes key=value to the memory store under the project
// namespace. Failures are logged and never returned: persistence must not
// block the pipeline.
func (rc *RunContext) Checkpoint(ctx context.Context, key, value string) {
	if rc.memory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.memTTL)
	defer cancel()
	if err := rc.memory.Save(ctx, rc.ProjectID+"/"+key, value); err != nil {
		rc.logger.Warn("checkpoint failed",
			zap.String("run", rc.RunID), zap.String("key", key), zap.Error(err))
	}
}

// Logger returns the run-scoped logger.
func (rc *RunContext) Logger() *zap.Logger { return rc.logger }

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// NewProjectID derives a project identifier from the request text. Two calls
// with the same text never collide.
func NewProjectID(request string, now time.Time) string {
	words := strings.Fields(strings.ToLower(request))
	if len(words) > 4 {
		words = words[:4]
	}
	slug := strings.Trim(slugRe.ReplaceAllString(strings.Join(words, "-"), "-"), "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		slug = "project"
	}
	var suffix [3]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("%s-%s-%s", slug, now.UTC().Format("20060102T150405.000000000"), hex.EncodeToString(suffix[:]))
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create work dir %s: %w", dir, err)
	}
	return nil
}
