// Package pipeline drives a run through discovery, generation and
// completion, persisting and reporting every transition.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/v0xg/bddscout/internal/crawler"
	"github.com/v0xg/bddscout/internal/discovery"
	"github.com/v0xg/bddscout/internal/probe"
	"github.com/v0xg/bddscout/internal/progress"
	"github.com/v0xg/bddscout/internal/storage"
)

// Store is the durable record of runs. Writes are synchronous.
type Store interface {
	CreateRun(ctx context.Context, url, provider, model string) (int64, error)
	UpdateRunStatus(ctx context.Context, id int64, u storage.StatusUpdate) error
	SaveAnalysis(ctx context.Context, id int64, a storage.Analysis) error
	SaveFeature(ctx context.Context, id int64, featureType, content, path string) error
	AddLog(ctx context.Context, id int64, level, message string, details map[string]any) error
}

// Discoverer probes one page.
type Discoverer interface {
	Discover(ctx context.Context, url string, onPhase func(discovery.Phase)) (*discovery.Result, error)
}

// Generator writes feature text for discovered elements.
type Generator interface {
	HoverFeatures(ctx context.Context, url string, elements []probe.HoverElement, structure crawler.PageStructure) (string, error)
	PopupFeatures(ctx context.Context, url string, triggers []probe.PopupTrigger, structure crawler.PageStructure) (string, error)
}

// Writer stores a feature artifact and returns its path.
type Writer interface {
	Write(category string, runID int64, content string) (string, error)
}

// Step performs one state's work against a snapshot of the run.
type Step func(ctx context.Context, run Run) StepResult

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store      Store
	Discoverer Discoverer
	Generator  Generator
	Writer     Writer
	Sink       progress.Sink
}

// Pipeline executes runs. It holds no per-run state and may execute many
// runs concurrently.
type Pipeline struct {
	deps  Deps
	steps map[StepName]Step
	log   *zap.Logger
}

// New creates a pipeline from its dependencies
func New(deps Deps, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = progress.Nop{}
	}
	p := &Pipeline{deps: deps, log: log.Named("pipeline")}
	p.steps = map[StepName]Step{
		StepCreateTask:            p.createTask,
		StepBrowserAnalysis:       p.browserAnalysis,
		StepGenerateHoverFeatures: p.generateHoverFeatures,
		StepGeneratePopupFeatures: p.generatePopupFeatures,
		StepCompleteTask:          p.completeTask,
		StepHandleError:           p.handleError,
	}
	return p
}

// Execute runs req to a terminal state and returns the final run. It never
// fails structurally: every error ends the run as failed with a message.
// ctx is observed between steps only.
func (p *Pipeline) Execute(ctx context.Context, req Request) Run {
	run := Run{
		ID:       req.RunID,
		URL:      req.URL,
		Provider: req.Provider,
		Model:    req.Model,
		Status:   storage.StatusPending,
	}
	stepCtx := context.WithoutCancel(ctx)

	name := StepCreateTask
	for {
		if name != StepHandleError && ctx.Err() != nil {
			run.apply(Failed("run cancelled"))
			name = StepHandleError
		}

		log := p.log.With(zap.Int64("run_id", run.ID), zap.String("step", string(name)))
		log.Debug("step started")

		res := p.invoke(stepCtx, name, run, log)
		run.apply(res)

		if msg, failed := res.Failure(); failed {
			log.Warn("step failed", zap.String("error", msg))
		} else if !name.terminal() {
			p.record(stepCtx, &run, log)
		}

		if name == StepHandleError || (name == StepCompleteTask && !run.Failed()) {
			return run
		}
		name = next(name, run)
	}
}

// next routes on status first: a failed run always goes to handle_error.
func next(from StepName, run Run) StepName {
	if run.Failed() {
		return StepHandleError
	}
	return edges[from]
}

func (p *Pipeline) invoke(ctx context.Context, name StepName, run Run, log *zap.Logger) (res StepResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("step panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = Failed(fmt.Sprintf("%s panicked: %v", name, r))
		}
	}()
	return p.steps[name](ctx, run)
}

// record persists the merged status and emits it. A storage error fails
// the run.
func (p *Pipeline) record(ctx context.Context, run *Run, log *zap.Logger) {
	if err := p.report(ctx, run.ID, run.Progress, run.CurrentStep); err != nil {
		log.Error("failed to record progress", zap.Error(err))
		run.apply(Failed(err.Error()))
	}
}

// report persists a running status and sends the matching event.
func (p *Pipeline) report(ctx context.Context, runID int64, pct int, step string) error {
	if err := p.deps.Store.UpdateRunStatus(ctx, runID, storage.StatusUpdate{
		Status:      storage.StatusRunning,
		Progress:    pct,
		CurrentStep: step,
	}); err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	p.emit(ctx, progress.Event{
		Type:        progress.TypeStatus,
		RunID:       runID,
		Status:      storage.StatusRunning,
		Progress:    pct,
		CurrentStep: step,
	})
	return nil
}

// emit never fails the run.
func (p *Pipeline) emit(ctx context.Context, ev progress.Event) {
	if err := p.deps.Sink.Send(ctx, ev); err != nil {
		p.log.Warn("progress event not delivered",
			zap.Int64("run_id", ev.RunID),
			zap.Int("progress", ev.Progress),
			zap.Error(err))
	}
}
