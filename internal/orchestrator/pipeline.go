package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunHistory persists finished runs.
type RunHistory interface {
	SaveRun(ctx context.Context, run *RunResult) error
}

// Options configures an Orchestrator.
type Options struct {
	// ProjectsDir is the parent of every run's working directory.
	ProjectsDir string
	// Confirmer is the default deploy gate. Nil declines every deploy.
	Confirmer  Confirmer
	Memory     Memory
	History    RunHistory
	Events     EventSink
	Extensions *ExtensionRegistry
	// ReviewUsable reports whether the reviewer has a usable backend. Nil
	// means always usable.
	ReviewUsable func() bool
}

// RunOptions overrides per-run settings.
type RunOptions struct {
	RunID     string
	Confirmer Confirmer
}

// Orchestrator sequences the pipeline stages and applies the gating rules.
type Orchestrator struct {
	stages Stages
	opts   Options
	logger *zap.Logger
}

// New creates an orchestrator. Every stage collaborator is required.
func New(stages Stages, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if err := stages.validate(); err != nil {
		return nil, err
	}
	if opts.ProjectsDir == "" {
		opts.ProjectsDir = "projects"
	}
	if opts.Events == nil {
		opts.Events = NewLogSink(logger)
	}
	return &Orchestrator{stages: stages, opts: opts, logger: logger}, nil
}

// Run executes the pipeline for request. It never returns nil and never
// panics; every failure is reported through the RunResult.
func (o *Orchestrator) Run(ctx context.Context, request string) *RunResult {
	return o.RunWith(ctx, request, RunOptions{})
}

// RunWith is Run with per-run overrides.
func (o *Orchestrator) RunWith(ctx context.Context, request string, ro RunOptions) *RunResult {
	runID := ro.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	confirm := ro.Confirmer
	if confirm == nil {
		confirm = o.opts.Confirmer
	}

	projectID := NewProjectID(request, time.Now())
	workDir := filepath.Join(o.opts.ProjectsDir, projectID)
	logger := o.logger.With(zap.String("run", runID), zap.String("project", projectID))
	rc := NewRunContext(runID, projectID, request, workDir, o.opts.Memory, logger)

	res := &RunResult{
		RunID:     runID,
		ProjectID: projectID,
		Request:   request,
		WorkDir:   workDir,
		StartedAt: rc.StartedAt,
	}
	defer o.finish(ctx, rc, res)

	o.publish(ctx, rc, &Event{Type: EventRunStarted, Detail: request})
	logger.Info("run started", zap.String("request", request))

	if err := ensureDir(workDir); err != nil {
		res.Status, res.Reason = RunFailed, ReasonWorkspace
		res.Summary = err.Error()
		return res
	}

	o.pipeline(ctx, rc, res, confirm)
	return res
}

// pipeline runs the stages in order. Returning early ends the run with
// whatever status has been set on res.
func (o *Orchestrator) pipeline(ctx context.Context, rc *RunContext, res *RunResult, confirm Confirmer) {
	// Plan
	if o.interrupted(ctx, res) {
		return
	}
	r := o.exec(ctx, rc, res, StagePlan, func(ctx context.Context) StageResult {
		plan, err := o.stages.Planner.Plan(ctx, rc)
		if err != nil {
			return Failed(fmt.Errorf("%w: %v", ErrStageFatal, err))
		}
		if plan == nil || len(plan.Files) == 0 {
			return Failed(fmt.Errorf("%w: plan has no file specifications", ErrStageFatal))
		}
		rc.Set(ArtifactPlan, plan)
		return Success(plan, fmt.Sprintf("%s project, %d files", plan.ProjectType, len(plan.Files)))
	})
	if r.Status != StageSuccess {
		res.Status, res.Reason = RunFailed, ReasonPlanningError
		return
	}

	// Generate
	if o.interrupted(ctx, res) {
		return
	}
	r = o.exec(ctx, rc, res, StageGenerate, func(ctx context.Context) StageResult {
		paths, err := o.stages.Generator.Generate(ctx, rc, rc.Plan())
		if err != nil {
			return Failed(fmt.Errorf("%w: %v", ErrStageFatal, err))
		}
		if len(paths) == 0 {
			return Failed(fmt.Errorf("%w: no files were written", ErrStageFatal))
		}
		rc.Set(ArtifactFiles, paths)
		return Success(paths, fmt.Sprintf("%d files written", len(paths)))
	})
	if r.Status != StageSuccess {
		res.Status, res.Reason = RunFailed, ReasonCodeGenError
		return
	}
	files := rc.Files()

	// SafetyCheck
	if o.interrupted(ctx, res) {
		return
	}
	r = o.exec(ctx, rc, res, StageSafety, func(ctx context.Context) StageResult {
		report, err := o.stages.Safety.Check(ctx, rc, files)
		if err != nil {
			return Failed(fmt.Errorf("%w: safety check could not complete: %v", ErrStageFatal, err))
		}
		rc.Set(ArtifactSafety, report)
		if len(report.Violations) > 0 {
			v := report.Violations[0]
			return StageResult{
				Status:   StageFailed,
				Artifact: report,
				Detail:   fmt.Sprintf("%d violation(s), first %q in %s", len(report.Violations), v.Pattern, v.Path),
				Err:      ErrSafetyViolation,
			}
		}
		return Success(report, fmt.Sprintf("%d files scanned", report.Scanned))
	})
	if r.Status != StageSuccess {
		res.Status, res.Reason = RunFailed, ReasonFailsafe
		return
	}

	// Test
	if o.interrupted(ctx, res) {
		return
	}
	var final TestReport
	r = o.exec(ctx, rc, res, StageTest, func(ctx context.Context) StageResult {
		report, err := o.stages.Tester.Test(ctx, rc, files)
		if err != nil {
			return Failed(err)
		}
		rc.Set(ArtifactTestResults, report)
		final = report
		return Success(report, describeTests(report))
	})

	// Repair and Retest, at most once each.
	if o.interrupted(ctx, res) {
		return
	}
	switch {
	case r.Status != StageSuccess:
		o.record(ctx, rc, res, StageRepair, Skipped("test results unavailable"), time.Now())
		o.record(ctx, rc, res, StageRetest, Skipped("test results unavailable"), time.Now())
	case len(final.Failing()) == 0:
		o.record(ctx, rc, res, StageRepair, Skipped("no failing files"), time.Now())
		o.record(ctx, rc, res, StageRetest, Skipped("no failing files"), time.Now())
	default:
		failing := make(TestReport)
		for _, p := range final.Failing() {
			failing[p] = final[p]
		}
		o.exec(ctx, rc, res, StageRepair, func(ctx context.Context) StageResult {
			fixes, err := o.stages.Repairer.Repair(ctx, rc, failing)
			if fixes != nil {
				rc.Set(ArtifactRepairs, fixes)
			}
			if err != nil {
				return StageResult{Status: StageFailed, Artifact: fixes, Detail: err.Error(), Err: err}
			}
			return Success(fixes, fmt.Sprintf("%d file(s) repaired", len(fixes)))
		})
		if o.interrupted(ctx, res) {
			return
		}
		o.exec(ctx, rc, res, StageRetest, func(ctx context.Context) StageResult {
			report, err := o.stages.Tester.Test(ctx, rc, files)
			if err != nil {
				return Failed(err)
			}
			rc.Set(ArtifactRetestResults, report)
			final = report
			return Success(report, describeTests(report))
		})
	}
	res.Tests = final

	// Review
	if o.interrupted(ctx, res) {
		return
	}
	if o.opts.ReviewUsable != nil && !o.opts.ReviewUsable() {
		o.record(ctx, rc, res, StageReview, Skipped("no usable review backend"), time.Now())
	} else {
		o.exec(ctx, rc, res, StageReview, func(ctx context.Context) StageResult {
			notes, err := o.stages.Reviewer.Review(ctx, rc, files)
			if notes != nil {
				rc.Set(ArtifactReviews, notes)
			}
			if err != nil {
				return StageResult{Status: StageFailed, Artifact: notes, Detail: err.Error(), Err: err}
			}
			return Success(notes, fmt.Sprintf("%d file(s) reviewed", len(notes)))
		})
	}

	// Deploy, gated on confirmation.
	if o.interrupted(ctx, res) {
		return
	}
	start := time.Now()
	if !deployerAvailable(o.stages.Deployer) {
		o.record(ctx, rc, res, StageDeploy, Skipped("container tool not available"), start)
	} else if ok, reason := o.confirm(ctx, rc, confirm); !ok {
		o.record(ctx, rc, res, StageDeploy, StageResult{
			Status: StageCancelled, Detail: reason, Err: ErrUserCancelled,
		}, start)
		res.Status, res.Reason = RunCancelled, ReasonDeployDeclined
	} else {
		r = o.exec(ctx, rc, res, StageDeploy, func(ctx context.Context) StageResult {
			outcome, err := o.stages.Deployer.Deploy(ctx, rc, files)
			if outcome != nil {
				rc.Set(ArtifactDeploy, outcome)
			}
			if err != nil {
				return StageResult{Status: StageFailed, Artifact: outcome, Detail: err.Error(), Err: err}
			}
			return Success(outcome, fmt.Sprintf("image %s built", outcome.Image))
		})
		if r.Status != StageSuccess {
			res.Status, res.Reason = RunFailed, ReasonDeployError
		}
	}

	// Document never changes the run status.
	if o.interrupted(ctx, res) {
		return
	}
	if res.Status == "" {
		res.Status = RunSuccess
	}
	res.Summary = summarize(res)
	o.exec(ctx, rc, res, StageDocument, func(ctx context.Context) StageResult {
		docs, err := o.stages.Documenter.Document(ctx, rc, res)
		if err != nil {
			return Failed(err)
		}
		rc.Set(ArtifactDocs, docs)
		return Success(docs, strings.Join(docs, ", "))
	})

	// Past this point the outcome is settled; cancellation only skips the
	// remaining extensions.
	for _, ext := range o.opts.Extensions.List() {
		name := StageName("ext:" + ext.Name())
		if ctx.Err() != nil {
			o.record(ctx, rc, res, name, Skipped("run interrupted"), time.Now())
			continue
		}
		o.exec(ctx, rc, res, name, func(ctx context.Context) StageResult {
			out, err := ext.Run(ctx, rc)
			if err != nil {
				return Failed(err)
			}
			return Success(out, "")
		})
	}
}

// deployerAvailable reports false only for deployers that can tell their
// tooling is missing.
func deployerAvailable(d Deployer) bool {
	if a, ok := d.(interface{ Available() bool }); ok {
		return a.Available()
	}
	return true
}

// confirm asks the deploy gate. A nil confirmer or an error declines.
func (o *Orchestrator) confirm(ctx context.Context, rc *RunContext, c Confirmer) (ok bool, reason string) {
	if c == nil {
		return false, "no confirmer configured"
	}
	defer func() {
		if r := recover(); r != nil {
			rc.Logger().Error("confirmer panicked", zap.Any("panic", r))
			ok, reason = false, fmt.Sprintf("confirmation panicked: %v", r)
		}
	}()
	yes, err := c.Confirm(ctx, rc)
	if err != nil {
		return false, fmt.Sprintf("confirmation failed: %v", err)
	}
	if !yes {
		return false, "deployment declined"
	}
	return true, ""
}

// exec runs one stage with panic isolation, records its report and returns
// its result.
func (o *Orchestrator) exec(ctx context.Context, rc *RunContext, res *RunResult, name StageName, fn func(ctx context.Context) StageResult) StageResult {
	start := time.Now()
	rc.Logger().Info("stage started", zap.String("stage", string(name)))
	result := o.safeCall(ctx, rc, name, fn)
	o.record(ctx, rc, res, name, result, start)
	return result
}

func (o *Orchestrator) safeCall(ctx context.Context, rc *RunContext, name StageName, fn func(ctx context.Context) StageResult) (result StageResult) {
	defer func() {
		if r := recover(); r != nil {
			rc.Logger().Error("stage panicked",
				zap.String("stage", string(name)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err := fmt.Errorf("stage %s panicked: %v", name, r)
			result = Failed(err)
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) record(ctx context.Context, rc *RunContext, res *RunResult, name StageName, result StageResult, start time.Time) {
	res.Stages = append(res.Stages, StageReport{
		Stage:     name,
		Result:    result,
		StartedAt: start.UTC(),
		Duration:  time.Since(start),
	})

	fields := []zap.Field{zap.String("stage", string(name)), zap.String("status", string(result.Status))}
	if result.Detail != "" {
		fields = append(fields, zap.String("detail", result.Detail))
	}
	if result.Status == StageFailed {
		rc.Logger().Warn("stage finished", fields...)
	} else {
		rc.Logger().Info("stage finished", fields...)
	}

	rc.Checkpoint(ctx, "stage::"+string(name), string(result.Status)+": "+result.Detail)
	o.publish(ctx, rc, &Event{Type: EventStageFinished, Stage: name, Status: string(result.Status), Detail: result.Detail})
}

// interrupted ends the run as cancelled when ctx is done.
func (o *Orchestrator) interrupted(ctx context.Context, res *RunResult) bool {
	if ctx.Err() == nil {
		return false
	}
	res.Status, res.Reason = RunCancelled, ReasonInterrupted
	return true
}

func (o *Orchestrator) finish(ctx context.Context, rc *RunContext, res *RunResult) {
	if r := recover(); r != nil {
		rc.Logger().Error("run panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		res.Status, res.Reason = RunFailed, ReasonNone
	}
	if res.Status == "" {
		res.Status = RunSuccess
	}
	res.FinishedAt = time.Now().UTC()
	res.Summary = summarize(res)

	rc.Logger().Info("run finished",
		zap.String("status", string(res.Status)),
		zap.String("reason", string(res.Reason)),
		zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)))

	bg := context.WithoutCancel(ctx)
	if o.opts.History != nil {
		hctx, cancel := context.WithTimeout(bg, 5*time.Second)
		if err := o.opts.History.SaveRun(hctx, res); err != nil {
			rc.Logger().Warn("save run history failed", zap.Error(err))
		}
		cancel()
	}
	o.publish(bg, rc, &Event{Type: EventRunFinished, Status: string(res.Status), Detail: res.Summary})
}

func (o *Orchestrator) publish(ctx context.Context, rc *RunContext, ev *Event) {
	ev.RunID = rc.RunID
	ev.ProjectID = rc.ProjectID
	ev.Timestamp = time.Now().UTC()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := o.opts.Events.Publish(pctx, ev); err != nil {
		rc.Logger().Warn("publish event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func describeTests(r TestReport) string {
	passed, failed, skipped := r.Counts()
	return fmt.Sprintf("%d passed, %d failed, %d skipped", passed, failed, skipped)
}

func summarize(res *RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s %s", res.RunID, res.Status)
	if res.Reason != ReasonNone {
		fmt.Fprintf(&b, " (%s)", res.Reason)
	}
	if s, ok := res.Stage(StageGenerate); ok && s.Result.Status == StageSuccess {
		if files, ok := s.Result.Artifact.([]string); ok {
			fmt.Fprintf(&b, "; %d files", len(files))
		}
	}
	if res.Tests != nil {
		fmt.Fprintf(&b, "; tests %s", describeTests(res.Tests))
	}
	if s, ok := res.Stage(StageDeploy); ok {
		fmt.Fprintf(&b, "; deploy %s", s.Result.Status)
	}
	for _, s := range res.Stages {
		if s.Result.Status == StageFailed {
			fmt.Fprintf(&b, "; %s failed: %s", s.Stage, s.Result.Detail)
			break
		}
	}
	return b.String()
}
