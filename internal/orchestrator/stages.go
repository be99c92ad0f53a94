package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// Planner turns the request into a plan.
type Planner interface {
	Plan(ctx context.Context, rc *RunContext) (*Plan, error)
}

// Generator writes the planned files and returns the written paths.
type Generator interface {
	Generate(ctx context.Context, rc *RunContext, plan *Plan) ([]string, error)
}

// SafetyChecker scans generated files for forbidden content.
type SafetyChecker interface {
	Check(ctx context.Context, rc *RunContext, paths []string) (*SafetyReport, error)
}

// Tester classifies every path as passed, failed or skipped.
type Tester interface {
	Test(ctx context.Context, rc *RunContext, paths []string) (TestReport, error)
}

// Repairer attempts one fix per failing path and returns a status per path.
type Repairer interface {
	Repair(ctx context.Context, rc *RunContext, failing TestReport) (map[string]string, error)
}

// Reviewer produces advisory feedback per path.
type Reviewer interface {
	Review(ctx context.Context, rc *RunContext, paths []string) (map[string]ReviewNote, error)
}

// Deployer builds and optionally starts the project.
type Deployer interface {
	Deploy(ctx context.Context, rc *RunContext, paths []string) (*DeployOutcome, error)
}

// Documenter writes run documentation. It sees the run as it stands before
// documentation and extensions.
type Documenter interface {
	Document(ctx context.Context, rc *RunContext, run *RunResult) ([]string, error)
}

// Confirmer decides whether deployment may proceed.
type Confirmer interface {
	Confirm(ctx context.Context, rc *RunContext) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, rc *RunContext) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, rc *RunContext) (bool, error) { return f(ctx, rc) }

// Extension is an advisory stage run after Document.
type Extension interface {
	Name() string
	Run(ctx context.Context, rc *RunContext) (interface{}, error)
}

// ExtensionRegistry holds the extension stages, in registration order. It is
// built at start-up and passed to the orchestrator explicitly.
type ExtensionRegistry struct {
	mu    sync.RWMutex
	exts  []Extension
	names map[string]bool
}

// NewExtensionRegistry creates an empty registry.
func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{names: make(map[string]bool)}
}

// Register adds ext. Names must be unique.
func (r *ExtensionRegistry) Register(ext Extension) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[ext.Name()] {
		return fmt.Errorf("extension %q already registered", ext.Name())
	}
	r.names[ext.Name()] = true
	r.exts = append(r.exts, ext)
	return nil
}

// List returns the registered extensions in registration order.
func (r *ExtensionRegistry) List() []Extension {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Extension, len(r.exts))
	copy(out, r.exts)
	return out
}

// Stages bundles the collaborators for every built-in stage.
type Stages struct {
	Planner    Planner
	Generator  Generator
	Safety     SafetyChecker
	Tester     Tester
	Repairer   Repairer
	Reviewer   Reviewer
	Deployer   Deployer
	Documenter Documenter
}

func (s Stages) validate() error {
	switch {
	case s.Planner == nil:
		return fmt.Errorf("planner is required")
	case s.Generator == nil:
		return fmt.Errorf("generator is required")
	case s.Safety == nil:
		return fmt.Errorf("safety checker is required")
	case s.Tester == nil:
		return fmt.Errorf("tester is required")
	case s.Repairer == nil:
		return fmt.Errorf("repairer is required")
	case s.Reviewer == nil:
		return fmt.Errorf("reviewer is required")
	case s.Deployer == nil:
		return fmt.Errorf("deployer is required")
	case s.Documenter == nil:
		return fmt.Errorf("documenter is required")
	}
	return nil
}
