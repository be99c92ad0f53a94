package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStages implements every stage interface with overridable funcs.
type fakeStages struct {
	plan     func(ctx context.Context, rc *RunContext) (*Plan, error)
	generate func(ctx context.Context, rc *RunContext, plan *Plan) ([]string, error)
	check    func(ctx context.Context, rc *RunContext, paths []string) (*SafetyReport, error)
	test     func(ctx context.Context, rc *RunContext, paths []string, call int) (TestReport, error)
	repair   func(ctx context.Context, rc *RunContext, failing TestReport) (map[string]string, error)
	review   func(ctx context.Context, rc *RunContext, paths []string) (map[string]ReviewNote, error)
	deploy   func(ctx context.Context, rc *RunContext, paths []string) (*DeployOutcome, error)
	document func(ctx context.Context, rc *RunContext, run *RunResult) ([]string, error)

	testCalls   atomic.Int32
	repairCalls atomic.Int32
	docCalls    atomic.Int32
	docStatus   RunStatus
}

func newFakeStages() *fakeStages {
	return &fakeStages{
		plan: func(context.Context, *RunContext) (*Plan, error) {
			return &Plan{ProjectType: "cli", Files: []FileSpec{{Path: "main.py"}, {Path: "util.py"}}}, nil
		},
		generate: func(_ context.Context, _ *RunContext, plan *Plan) ([]string, error) {
			var out []string
			for _, f := range plan.Files {
				out = append(out, f.Path)
			}
			return out, nil
		},
		check: func(_ context.Context, _ *RunContext, paths []string) (*SafetyReport, error) {
			return &SafetyReport{Scanned: len(paths)}, nil
		},
		test: func(_ context.Context, _ *RunContext, paths []string, _ int) (TestReport, error) {
			r := make(TestReport)
			for _, p := range paths {
				r[p] = FileOutcome{Status: TestPassed}
			}
			return r, nil
		},
		repair: func(_ context.Context, _ *RunContext, failing TestReport) (map[string]string, error) {
			out := make(map[string]string)
			for p := range failing {
				out[p] = "fixed"
			}
			return out, nil
		},
		review: func(_ context.Context, _ *RunContext, paths []string) (map[string]ReviewNote, error) {
			out := make(map[string]ReviewNote)
			for _, p := range paths {
				out[p] = ReviewNote{Feedback: "looks fine"}
			}
			return out, nil
		},
		deploy: func(context.Context, *RunContext, []string) (*DeployOutcome, error) {
			return &DeployOutcome{Image: "agency-app", Built: true}, nil
		},
		document: func(context.Context, *RunContext, *RunResult) ([]string, error) {
			return []string{"README.md"}, nil
		},
	}
}

func (f *fakeStages) Plan(ctx context.Context, rc *RunContext) (*Plan, error) { return f.plan(ctx, rc) }
func (f *fakeStages) Generate(ctx context.Context, rc *RunContext, p *Plan) ([]string, error) {
	return f.generate(ctx, rc, p)
}
func (f *fakeStages) Check(ctx context.Context, rc *RunContext, paths []string) (*SafetyReport, error) {
	return f.check(ctx, rc, paths)
}
func (f *fakeStages) Test(ctx context.Context, rc *RunContext, paths []string) (TestReport, error) {
	n := int(f.testCalls.Add(1))
	return f.test(ctx, rc, paths, n)
}
func (f *fakeStages) Repair(ctx context.Context, rc *RunContext, failing TestReport) (map[string]string, error) {
	f.repairCalls.Add(1)
	return f.repair(ctx, rc, failing)
}
func (f *fakeStages) Review(ctx context.Context, rc *RunContext, paths []string) (map[string]ReviewNote, error) {
	return f.review(ctx, rc, paths)
}
func (f *fakeStages) Deploy(ctx context.Context, rc *RunContext, paths []string) (*DeployOutcome, error) {
	return f.deploy(ctx, rc, paths)
}
func (f *fakeStages) Document(ctx context.Context, rc *RunContext, run *RunResult) ([]string, error) {
	f.docCalls.Add(1)
	f.docStatus = run.Status
	return f.document(ctx, rc, run)
}

func (f *fakeStages) stages() Stages {
	return Stages{
		Planner: f, Generator: f, Safety: f, Tester: f,
		Repairer: f, Reviewer: f, Deployer: f, Documenter: f,
	}
}

var approve = ConfirmFunc(func(context.Context, *RunContext) (bool, error) { return true, nil })
var decline = ConfirmFunc(func(context.Context, *RunContext) (bool, error) { return false, nil })

func newTestOrchestrator(t *testing.T, f *fakeStages, opts Options) *Orchestrator {
	t.Helper()
	opts.ProjectsDir = t.TempDir()
	if opts.Confirmer == nil {
		opts.Confirmer = approve
	}
	o, err := New(f.stages(), opts, zap.NewNop())
	require.NoError(t, err)
	return o
}

func stageStatus(t *testing.T, res *RunResult, name StageName) StageStatus {
	t.Helper()
	s, ok := res.Stage(name)
	require.True(t, ok, "stage %s missing from report %v", name, res.StageNames())
	return s.Result.Status
}

func TestRunHappyPath(t *testing.T) {
	f := newFakeStages()
	o := newTestOrchestrator(t, f, Options{})

	res := o.Run(context.Background(), "build a todo cli")
	require.NotNil(t, res)
	assert.Equal(t, RunSuccess, res.Status)
	assert.Equal(t, ReasonNone, res.Reason)
	assert.Equal(t, []StageName{
		StagePlan, StageGenerate, StageSafety, StageTest, StageRepair, StageRetest,
		StageReview, StageDeploy, StageDocument,
	}, res.StageNames())
	assert.Equal(t, StageSkipped, stageStatus(t, res, StageRepair))
	assert.Equal(t, StageSkipped, stageStatus(t, res, StageRetest))
	assert.Equal(t, int32(1), f.testCalls.Load())
	assert.Len(t, res.Tests, 2)
	assert.NotEmpty(t, res.Summary)
	assert.False(t, res.FinishedAt.IsZero())
}

func TestRunEmptyPlanFailsWithPlanningError(t *testing.T) {
	f := newFakeStages()
	f.plan = func(context.Context, *RunContext) (*Plan, error) { return &Plan{ProjectType: "web"}, nil }
	o := newTestOrchestrator(t, f, Options{})

	res := o.Run(context.Background(), "anything")
	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, ReasonPlanningError, res.Reason)
	assert.Equal(t, []StageName{StagePlan}, res.StageNames())
	assert.ErrorIs(t, res.Stages[0].Result.Err, ErrStageFatal)
}

func TestRunPlannerErrorFailsWithPlanningError(t *testing.T) {
	f := newFakeStages()
	f.plan = func(context.Context, *RunContext) (*Plan, error) { return nil, errors.New("llm down") }
	o := newTestOrchestrator(t, f, Options{})

	res := o.Run(context.Background(), "anything")
	assert.Equal(t, ReasonPlanningError, res.Reason)
	assert.Len(t, res.Stages, 1)
}

func TestRunNoGeneratedFilesFailsWithCodeGenError(t *testing.T) {
	f := newFakeStages()
	f.generate = func(context.Context, *RunContext, *Plan) ([]string, error) { return nil, nil }
	o := newTestOrchestrator(t, f, Options{})

	res := o.Run(context.Background(), "anything")
	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, ReasonCodeGenError, res.Reason)
	assert.Equal(t, []StageName{StagePlan, StageGenerate}, res.StageNames())
}

func TestRunSafetyViolationStopsBeforeTest(t *testing.T) {
	f := newFakeStages()
	f.check = func(_ context.Context, _ *RunContext, paths []string) (*SafetyReport, error) {
		return &SafetyReport{Scanned: len(paths), Violations: []Violation{{Path: "main.py", Pattern: "rm -rf", Line: 3}}}, nil
	}
	o := newTestOrchestrator(t, f, Options{})

	res := o.Run(context.Background(), "anything")
	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, ReasonFailsafe, res.Reason)
	_, tested := res.Stage(StageTest)
	assert.False(t, tested, "Test must never run after a safety violation")
	assert.Zero(t, f.testCalls.Load())

	s, _ := res.Stage(StageSafety)
	assert.ErrorIs(t, s.Result.Err, ErrSafetyViolation)
	assert.Contains(t, s.Result.Detail, "rm -rf")
}

func TestRunRepairsOnceAndUsesRetestOutcome(t *testing.T) {
	f := newFakeStages()
	f.test = func(_ context.Context, _ *RunContext, paths []string, call int) (TestReport, error) {
		r := TestReport{"main.py": {Status: TestPassed}, "util.py": {Status: TestFailed, Output: "SyntaxError"}}
		if call > 1 {
			r["util.py"] = FileOutcome{Status: TestFailed, Output: "still broken"}
			r["main.py"] = FileOutcome{Status: TestPassed, Output: "retest"}
		}
		return r, nil
	}
	var repaired TestReport
	f.repair = func(_ context.Context, _ *RunContext, failing TestReport) (map[string]string, error) {
		repaired = failing
		return map[string]string{"util.py": "fixed"}, nil
	}
	o := newTestOrchestrator(t, f, Options{})

	res := o.Run(context.Background(), "anything")
	assert.Equal(t, RunSuccess, res.Status, "test failures are not gating")
	assert.Equal(t, int32(1), f.repairCalls.Load())
	assert.Equal(t, int32(2), f.testCalls.Load())
	assert.Equal(t, []string{"util.py"}, TestReport(repaired).Failing())
	assert.Equal(t, StageSuccess, stageStatus(t, res, StageRepair))
	assert.Equal(t, StageSuccess, stageStatus(t, res, StageRetest))
	assert.Equal(t, "retest", res.Tests["main.py"].Output, "final outcome comes from Retest")
	assert.Equal(t, "still broken", res.Tests["util.py"].Output)
}

func TestRunDeployDeclined(t *testing.T) {
	f := newFakeStages()
	deployed := false
	f.deploy = func(context.Context, *RunContext, []string) (*DeployOutcome, error) {
		deployed = true
		return &DeployOutcome{}, nil
	}
	o := newTestOrchestrator(t, f, Options{Confirmer: decline})

	res := o.Run(context.Background(), "anything")
	assert.Equal(t, RunCancelled, res.Status)
	assert.Equal(t, ReasonDeployDeclined, res.Reason)
	assert.False(t, deployed)
	assert.Equal(t, StageCancelled, stageStatus(t, res, StageDeploy))
	assert.Equal(t, int32(1), f.docCalls.Load(), "Document still runs after a declined deploy")
	assert.Equal(t, RunCancelled, f.docStatus)
}

func TestRunConfirmerErrorDeclines(t *testing.T) {
	f := newFakeStages()
	o := newTestOrchestrator(t, f, Options{})
	boom := ConfirmFunc(func(context.Context, *RunContext) (bool, error) { return true, errors.New("tty closed") })

	res := o.RunWith(context.Background(), "anything", RunOptions{Confirmer: boom})
	assert.Equal(t, ReasonDeployDeclined, res.Reason)
	s, _ := res.Stage(StageDeploy)
	assert.ErrorIs(t, s.Result.Err, ErrUserCancelled)
	assert.Contains(t, s.Result.Detail, "tty closed")
}

func TestRunDeployFailure(t *testing.T) {
	f := newFakeStages()
	f.deploy = func(context.Context, *RunContext, []string) (*DeployOutcome, error) {
		return &DeployOutcome{Image: "x"}, errors.New("docker build exited 1")
	}
	o := newTestOrchestrator(t, f, Options{})

	res := o.Run(context.Background(), "anything")
	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, ReasonDeployError, res.Reason)
	assert.Equal(t, StageSuccess, stageStatus(t, res, StageDocument))
}

func TestRunDocumentFailureLeavesStatusUnchanged(t *testing.T) {
	f := newFakeStages()
	f.document = func(context.Context, *RunContext, *RunResult) ([]string, error) {
		return nil, errors.New("disk full")
	}
	o := newTestOrchestrator(t, f, Options{})

	res := o.Run(context.Background(), "anything")
	assert.Equal(t, RunSuccess, res.Status)
	assert.Equal(t, StageFailed, stageStatus(t, res, StageDocument))
}

func TestRunStagePanicIsIsolated(t *testing.T) {
	f := newFakeStages()
	f.review = func(context.Context, *RunContext, []string) (map[string]ReviewNote, error) {
		panic("reviewer exploded")
	}
	o := newTestOrchestrator(t, f, Options{})

	res := o.Run(context.Background(), "anything")
	assert.Equal(t, RunSuccess, res.Status, "review is advisory")
	s, _ := res.Stage(StageReview)
	assert.Equal(t, StageFailed, s.Result.Status)
	assert.Contains(t, s.Result.Detail, "reviewer exploded")
	assert.Equal(t, StageSuccess, stageStatus(t, res, StageDeploy))
}

func TestRunPlannerPanicFailsRun(t *testing.T) {
	f := newFakeStages()
	f.plan = func(context.Context, *RunContext) (*Plan, error) { panic("nil map") }
	o := newTestOrchestrator(t, f, Options{})

	var res *RunResult
	assert.NotPanics(t, func() { res = o.Run(context.Background(), "anything") })
	require.NotNil(t, res)
	assert.Equal(t, ReasonPlanningError, res.Reason)
}

func TestRunReviewSkippedWithoutBackend(t *testing.T) {
	f := newFakeStages()
	o := newTestOrchestrator(t, f, Options{ReviewUsable: func() bool { return false }})

	res := o.Run(context.Background(), "anything")
	assert.Equal(t, StageSkipped, stageStatus(t, res, StageReview))
	assert.Equal(t, RunSuccess, res.Status)
}

func TestRunInterruptedBetweenStages(t *testing.T) {
	f := newFakeStages()
	ctx, cancel := context.WithCancel(context.Background())
	f.generate = func(_ context.Context, _ *RunContext, plan *Plan) ([]string, error) {
		cancel()
		return []string{"main.py"}, nil
	}
	o := newTestOrchestrator(t, f, Options{})

	res := o.Run(ctx, "anything")
	assert.Equal(t, RunCancelled, res.Status)
	assert.Equal(t, ReasonInterrupted, res.Reason)
	assert.Equal(t, []StageName{StagePlan, StageGenerate}, res.StageNames(), "committed stages stay in the report")
	assert.Equal(t, StageSuccess, stageStatus(t, res, StageGenerate))
}

func TestRunAlreadyCancelled(t *testing.T) {
	f := newFakeStages()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := newTestOrchestrator(t, f, Options{})

	res := o.Run(ctx, "anything")
	assert.Equal(t, ReasonInterrupted, res.Reason)
	assert.Empty(t, res.Stages)
}

type recordingExt struct {
	name  string
	order *[]string
	err   error
}

func (e *recordingExt) Name() string { return e.name }
func (e *recordingExt) Run(context.Context, *RunContext) (interface{}, error) {
	*e.order = append(*e.order, e.name)
	return nil, e.err
}

func TestRunExtensionsAfterDocument(t *testing.T) {
	f := newFakeStages()
	var order []string
	reg := NewExtensionRegistry()
	require.NoError(t, reg.Register(&recordingExt{name: "supervisor", order: &order}))
	require.NoError(t, reg.Register(&recordingExt{name: "evolution", order: &order, err: errors.New("log unwritable")}))
	require.Error(t, reg.Register(&recordingExt{name: "supervisor", order: &order}))

	o := newTestOrchestrator(t, f, Options{Extensions: reg})
	res := o.Run(context.Background(), "anything")

	assert.Equal(t, []string{"supervisor", "evolution"}, order)
	names := res.StageNames()
	assert.Equal(t, StageName("ext:evolution"), names[len(names)-1])
	assert.Equal(t, StageDocument, names[len(names)-3])
	assert.Equal(t, RunSuccess, res.Status, "extension failures are advisory")
}

func TestRunCancelDuringDocumentOnlySkipsExtensions(t *testing.T) {
	f := newFakeStages()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.document = func(context.Context, *RunContext, *RunResult) ([]string, error) {
		cancel()
		return []string{"README.md"}, nil
	}
	var order []string
	reg := NewExtensionRegistry()
	require.NoError(t, reg.Register(&recordingExt{name: "evolution", order: &order}))

	o := newTestOrchestrator(t, f, Options{Extensions: reg})
	res := o.Run(ctx, "anything")

	assert.Equal(t, RunSuccess, res.Status)
	assert.Empty(t, res.Reason)
	assert.Empty(t, order, "extension must not run after cancellation")
	assert.Equal(t, StageSuccess, stageStatus(t, res, StageDocument))
	assert.Equal(t, StageSkipped, stageStatus(t, res, "ext:evolution"))
}

// toolessDeployer reports its container tool as missing.
type toolessDeployer struct{ *fakeStages }

func (toolessDeployer) Available() bool { return false }

func TestRunDeploySkippedWithoutContainerTool(t *testing.T) {
	f := newFakeStages()
	deployed := false
	f.deploy = func(context.Context, *RunContext, []string) (*DeployOutcome, error) {
		deployed = true
		return &DeployOutcome{}, nil
	}
	asked := false
	confirm := ConfirmFunc(func(context.Context, *RunContext) (bool, error) {
		asked = true
		return true, nil
	})
	stages := f.stages()
	stages.Deployer = toolessDeployer{f}
	o, err := New(stages, Options{ProjectsDir: t.TempDir(), Confirmer: confirm}, zap.NewNop())
	require.NoError(t, err)

	res := o.Run(context.Background(), "anything")
	assert.Equal(t, RunSuccess, res.Status)
	assert.False(t, asked, "no prompt when nothing can be deployed")
	assert.False(t, deployed)
	s, ok := res.Stage(StageDeploy)
	require.True(t, ok)
	assert.Equal(t, StageSkipped, s.Result.Status)
	assert.Contains(t, s.Result.Detail, "not available")
}

type memMap struct {
	mu sync.Mutex
	m  map[string]string
}

func (m *memMap) Save(_ context.Context, k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[k] = v
	return nil
}

func (m *memMap) Get(_ context.Context, k, def string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.m[k]; ok {
		return v, nil
	}
	return def, nil
}

type historyFunc func(ctx context.Context, run *RunResult) error

func (h historyFunc) SaveRun(ctx context.Context, run *RunResult) error { return h(ctx, run) }

func TestRunCheckpointsAndPersists(t *testing.T) {
	f := newFakeStages()
	mem := &memMap{m: make(map[string]string)}
	var saved *RunResult
	o := newTestOrchestrator(t, f, Options{
		Memory:  mem,
		History: historyFunc(func(_ context.Context, run *RunResult) error { saved = run; return nil }),
	})

	res := o.Run(context.Background(), "anything")
	require.NotNil(t, saved)
	assert.Equal(t, res.RunID, saved.RunID)
	assert.Contains(t, mem.m, res.ProjectID+"/stage::plan")
}

func TestRunHistoryErrorIsNotFatal(t *testing.T) {
	f := newFakeStages()
	o := newTestOrchestrator(t, f, Options{
		History: historyFunc(func(context.Context, *RunResult) error { return errors.New("db gone") }),
	})
	res := o.Run(context.Background(), "anything")
	assert.Equal(t, RunSuccess, res.Status)
}

func TestNewRequiresEveryStage(t *testing.T) {
	f := newFakeStages()
	s := f.stages()
	s.Reviewer = nil
	_, err := New(s, Options{}, zap.NewNop())
	assert.Error(t, err)
}

func TestProjectIDNeverCollides(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := NewProjectID("Build a REST API for books!", now)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	id := NewProjectID("Build a REST API for books!", now)
	assert.Regexp(t, `^build-a-rest-api-20260102T030405\.000000006-[0-9a-f]{6}$`, id)
	assert.Regexp(t, `^project-`, NewProjectID("   ", now))
}

func TestRunContextPathRejectsEscapes(t *testing.T) {
	rc := NewRunContext("r", "p", "q", "/tmp/work", nil, zap.NewNop())
	for _, bad := range []string{"../x", "/etc/passwd", "a/../../b"} {
		_, err := rc.Path(bad)
		assert.Error(t, err, bad)
	}
	p, err := rc.Path("src/app.py")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/work/src/app.py", p)
}

func TestPoolCollectBoundsConcurrency(t *testing.T) {
	pool := NewPool(3)
	var inFlight, peak atomic.Int32
	keys := make([]string, 20)
	for i := range keys {
		keys[i] = fmt.Sprintf("f%d.py", i)
	}
	keys = append(keys, "f0.py") // duplicate

	out := Collect(context.Background(), pool, keys,
		func(ctx context.Context, key string) (string, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			if key == "f7.py" {
				return "", errors.New("bad file")
			}
			if key == "f8.py" {
				panic("boom")
			}
			return "ok:" + key, nil
		},
		func(key string, err error) string { return "err:" + err.Error() },
	)

	assert.Len(t, out, 20, "exactly one entry per distinct key")
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, "ok:f1.py", out["f1.py"])
	assert.Equal(t, "err:bad file", out["f7.py"])
	assert.Contains(t, out["f8.py"], "panic: boom")
}

func TestPoolCollectCancelled(t *testing.T) {
	pool := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// With the only slot taken, every job waits on ctx.
	pool.slots <- struct{}{}
	defer pool.release()

	out := Collect(ctx, pool, []string{"a", "b"},
		func(context.Context, string) (bool, error) { return true, nil },
		func(string, error) bool { return false })
	assert.Equal(t, map[string]bool{"a": false, "b": false}, out)
}
