package provider

import (
	"sort"
	"strings"
)

// Capability describes what a model is good at and how well.
type Capability struct {
	Model   string
	Kind    BackendKind
	GoodFor []string
	Quality int // 1-10
}

// DefaultCapabilities is the built-in capability table.
func DefaultCapabilities() []Capability {
	return []Capability{
		{Model: "gpt-4o", Kind: KindOpenAI, GoodFor: []string{"architecture", "code", "review", "general"}, Quality: 10},
		{Model: "gpt-3.5-turbo", Kind: KindOpenAI, GoodFor: []string{"general", "fast"}, Quality: 7},
		{Model: "claude-3-opus-20240229", Kind: KindAnthropic, GoodFor: []string{"code", "review", "complex", "architecture"}, Quality: 10},
		{Model: "claude-3-sonnet-20240229", Kind: KindAnthropic, GoodFor: []string{"general", "code", "review"}, Quality: 8},
		{Model: "claude-3-haiku-20240307", Kind: KindAnthropic, GoodFor: []string{"fast", "general"}, Quality: 6},
		{Model: "codestral:latest", Kind: KindLocal, GoodFor: []string{"code"}, Quality: 9},
		{Model: "deepseek-coder:6.7b", Kind: KindLocal, GoodFor: []string{"code", "review"}, Quality: 7},
		{Model: "codellama:7b", Kind: KindLocal, GoodFor: []string{"code", "general"}, Quality: 6},
		{Model: "llama3:8b", Kind: KindLocal, GoodFor: []string{"general", "architecture"}, Quality: 6},
		{Model: "mistral:latest", Kind: KindLocal, GoodFor: []string{"general", "fast"}, Quality: 5},
		{Model: "qwen:7b", Kind: KindLocal, GoodFor: []string{"general", "review"}, Quality: 5},
	}
}

// ModelRegistry resolves abstract task tags to concrete model names. It is
// read-only after construction.
type ModelRegistry struct {
	caps []Capability
	tags map[string]bool
}

// NewModelRegistry creates a registry over caps, ordered by quality.
func NewModelRegistry(caps []Capability) *ModelRegistry {
	sorted := make([]Capability, len(caps))
	copy(sorted, caps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Quality > sorted[j].Quality })

	tags := make(map[string]bool)
	for _, c := range sorted {
		for _, t := range c.GoodFor {
			tags[strings.ToLower(t)] = true
		}
	}
	return &ModelRegistry{caps: sorted, tags: tags}
}

// IsTask reports whether hint is a task tag rather than a model name.
func (r *ModelRegistry) IsTask(hint string) bool {
	return r.tags[strings.ToLower(strings.TrimSpace(hint))]
}

// Resolve maps hint to a concrete model. Concrete hints pass through
// unchanged. For a task tag the best hosted model on a configured backend
// wins; a local model qualifies only when it is the configured local model.
// With no match the configured local model is used, and failing that the
// hint is returned as-is.
func (r *ModelRegistry) Resolve(hint string, configured map[BackendKind]bool, localModel string) string {
	if !r.IsTask(hint) {
		return hint
	}
	task := strings.ToLower(strings.TrimSpace(hint))
	for _, c := range r.caps {
		if !configured[c.Kind] || !c.goodFor(task) {
			continue
		}
		if c.Kind == KindLocal && c.Model != localModel {
			continue
		}
		return c.Model
	}
	if configured[KindLocal] && localModel != "" {
		return localModel
	}
	return hint
}

func (c Capability) goodFor(task string) bool {
	for _, t := range c.GoodFor {
		if strings.EqualFold(t, task) {
			return true
		}
	}
	return false
}
