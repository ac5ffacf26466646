package pipeline

import (
	"github.com/v0xg/bddscout/internal/discovery"
	"github.com/v0xg/bddscout/internal/storage"
)

// StepName identifies a state of the run graph.
type StepName string

const (
	StepCreateTask            StepName = "create_task"
	StepBrowserAnalysis       StepName = "browser_analysis"
	StepGenerateHoverFeatures StepName = "generate_hover_features"
	StepGeneratePopupFeatures StepName = "generate_popup_features"
	StepCompleteTask          StepName = "complete_task"
	StepHandleError           StepName = "handle_error"
)

// happy path; any failed status diverts to handle_error instead.
var edges = map[StepName]StepName{
	StepCreateTask:            StepBrowserAnalysis,
	StepBrowserAnalysis:       StepGenerateHoverFeatures,
	StepGenerateHoverFeatures: StepGeneratePopupFeatures,
	StepGeneratePopupFeatures: StepCompleteTask,
}

func (s StepName) terminal() bool {
	return s == StepCompleteTask || s == StepHandleError
}

// Request starts a run. RunID is set when the caller already created the
// stored row.
type Request struct {
	RunID    int64
	URL      string
	Provider string
	Model    string
}

// Artifact is a generated feature and where it was written.
type Artifact struct {
	Content string `json:"content"`
	Path    string `json:"path"`
}

// Run is the accumulated state of one pipeline execution. Only the driver
// mutates it.
type Run struct {
	ID          int64
	URL         string
	Provider    string
	Model       string
	Status      string
	Progress    int
	CurrentStep string
	Error       string

	Analysis     *discovery.Result
	HoverFeature *Artifact
	PopupFeature *Artifact
}

// Failed reports whether the run ended in failure.
func (r Run) Failed() bool { return r.Status == storage.StatusFailed }

// Update is the part of a Run a step changed. Zero fields are left alone.
type Update struct {
	RunID       int64
	Status      string
	Progress    int
	CurrentStep string

	Analysis     *discovery.Result
	HoverFeature *Artifact
	PopupFeature *Artifact
}

// StepResult is either Ok(Update) or Failed(message).
type StepResult struct {
	update  Update
	failure string
	failed  bool
}

func Ok(u Update) StepResult { return StepResult{update: u} }

func Failed(msg string) StepResult {
	if msg == "" {
		msg = "Unknown error"
	}
	return StepResult{failure: msg, failed: true}
}

// Failure returns the failure message and whether the step failed.
func (r StepResult) Failure() (string, bool) { return r.failure, r.failed }

// Update returns the partial state of a successful step.
func (r StepResult) Update() Update { return r.update }

// apply merges res into run. Progress never moves backwards.
func (run *Run) apply(res StepResult) {
	if msg, failed := res.Failure(); failed {
		run.Status = storage.StatusFailed
		run.Error = msg
		return
	}
	u := res.update
	if u.RunID != 0 {
		run.ID = u.RunID
	}
	if u.Status != "" {
		run.Status = u.Status
	}
	if u.Progress > run.Progress {
		run.Progress = u.Progress
	}
	if u.CurrentStep != "" {
		run.CurrentStep = u.CurrentStep
	}
	if u.Analysis != nil {
		run.Analysis = u.Analysis
	}
	if u.HoverFeature != nil {
		run.HoverFeature = u.HoverFeature
	}
	if u.PopupFeature != nil {
		run.PopupFeature = u.PopupFeature
	}
}
