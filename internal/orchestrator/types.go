package orchestrator

import (
	"errors"
	"time"
)

// StageName identifies a pipeline stage.
type StageName string

const (
	StagePlan     StageName = "plan"
	StageGenerate StageName = "generate"
	StageSafety   StageName = "safety_check"
	StageTest     StageName = "test"
	StageRepair   StageName = "repair"
	StageRetest   StageName = "retest"
	StageReview   StageName = "review"
	StageDeploy   StageName = "deploy"
	StageDocument StageName = "document"
)

// StageStatus is the tag of a StageResult.
type StageStatus string

const (
	StageSuccess   StageStatus = "success"
	StageSkipped   StageStatus = "skipped"
	StageFailed    StageStatus = "failed"
	StageCancelled StageStatus = "cancelled"
)

// RunStatus is the final status of a run.
type RunStatus string

const (
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Reason explains a non-success run status.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonPlanningError  Reason = "planning_error"
	ReasonCodeGenError   Reason = "code_gen_error"
	ReasonFailsafe       Reason = "failsafe"
	ReasonDeployDeclined Reason = "deploy_declined"
	ReasonDeployError    Reason = "deploy_error"
	ReasonInterrupted    Reason = "interrupted"
	ReasonWorkspace      Reason = "workspace_error"
)

var (
	// ErrStageFatal marks a stage failure that ends the run.
	ErrStageFatal = errors.New("fatal stage failure")
	// ErrSafetyViolation means generated content matched the denylist.
	ErrSafetyViolation = errors.New("safety violation")
	// ErrUserCancelled means deployment was declined.
	ErrUserCancelled = errors.New("cancelled by user")
)

// StageResult is the immutable outcome of one stage.
type StageResult struct {
	Status   StageStatus `json:"status"`
	Detail   string      `json:"detail,omitempty"`
	Artifact interface{} `json:"artifact,omitempty"`
	Err      error       `json:"-"`
}

// Success builds a successful result.
func Success(artifact interface{}, detail string) StageResult {
	return StageResult{Status: StageSuccess, Artifact: artifact, Detail: detail}
}

// Skipped builds a skipped result.
func Skipped(reason string) StageResult {
	return StageResult{Status: StageSkipped, Detail: reason}
}

// Failed builds a failed result from err.
func Failed(err error) StageResult {
	return StageResult{Status: StageFailed, Detail: err.Error(), Err: err}
}

// Cancelled builds a cancelled result.
func Cancelled(reason string) StageResult {
	return StageResult{Status: StageCancelled, Detail: reason}
}

// StageReport records when a stage ran and what it produced.
type StageReport struct {
	Stage     StageName     `json:"stage"`
	Result    StageResult   `json:"result"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// TestStatus classifies one file's test outcome.
type TestStatus string

const (
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
	TestSkipped TestStatus = "skipped"
)

// FileOutcome is the per-file test result.
type FileOutcome struct {
	Status   TestStatus    `json:"status"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TestReport maps every tested path to its outcome.
type TestReport map[string]FileOutcome

// Failing returns the failed paths.
func (r TestReport) Failing() []string {
	var out []string
	for path, o := range r {
		if o.Status == TestFailed {
			out = append(out, path)
		}
	}
	return sortedCopy(out)
}

// Counts returns passed, failed and skipped totals.
func (r TestReport) Counts() (passed, failed, skipped int) {
	for _, o := range r {
		switch o.Status {
		case TestPassed:
			passed++
		case TestFailed:
			failed++
		default:
			skipped++
		}
	}
	return
}

// FileSpec is one file the planner wants generated.
type FileSpec struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

// Plan is the output of the planning stage.
type Plan struct {
	ProjectType string     `json:"project_type"`
	Description string     `json:"description,omitempty"`
	Files       []FileSpec `json:"files"`
	Fallback    bool       `json:"fallback,omitempty"`
}

// Violation is one denylist hit.
type Violation struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern"`
	Line    int    `json:"line"`
}

// SafetyReport is the output of the safety check.
type SafetyReport struct {
	Scanned    int         `json:"scanned"`
	Violations []Violation `json:"violations,omitempty"`
}

// ReviewNote is the reviewer's verdict on one file.
type ReviewNote struct {
	Feedback string `json:"feedback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// DeployOutcome describes what the deployer did.
type DeployOutcome struct {
	Dockerfile string `json:"dockerfile"`
	Image      string `json:"image"`
	Built      bool   `json:"built"`
	Running    bool   `json:"running"`
	Output     string `json:"output,omitempty"`
}

// RunResult is the structured outcome of a run. Run always returns one.
type RunResult struct {
	RunID      string        `json:"run_id"`
	ProjectID  string        `json:"project_id"`
	Request    string        `json:"request"`
	WorkDir    string        `json:"work_dir"`
	Status     RunStatus     `json:"status"`
	Reason     Reason        `json:"reason,omitempty"`
	Stages     []StageReport `json:"stages"`
	Tests      TestReport    `json:"tests,omitempty"`
	Summary    string        `json:"summary"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Stage returns the report for name, if the stage ran.
func (r *RunResult) Stage(name StageName) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageReport{}, false
}

// StageNames lists the recorded stages in order.
func (r *RunResult) StageNames() []StageName {
	out := make([]StageName, len(r.Stages))
	for i, s := range r.Stages {
		out[i] = s.Stage
	}
	return out
}
