package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/v0xg/bddscout/internal/discovery"
	"github.com/v0xg/bddscout/internal/gherkin"
	"github.com/v0xg/bddscout/internal/progress"
	"github.com/v0xg/bddscout/internal/storage"
)

const (
	levelInfo  = "INFO"
	levelError = "ERROR"
)

// phaseProgress maps discovery phases to progress and step labels.
func phaseProgress(ph discovery.Phase, url string) (int, string) {
	switch ph {
	case discovery.PhaseLaunch:
		return 10, "Launching browser"
	case discovery.PhaseLoad:
		return 20, "Loading " + url
	case discovery.PhaseStructure:
		return 30, "Analyzing page structure"
	case discovery.PhaseHover:
		return 40, "Detecting hover elements"
	default:
		return 60, "Detecting popup/modal elements"
	}
}

func (p *Pipeline) createTask(ctx context.Context, run Run) StepResult {
	id := run.ID
	if id == 0 {
		var err error
		id, err = p.deps.Store.CreateRun(ctx, run.URL, run.Provider, run.Model)
		if err != nil {
			return Failed(fmt.Sprintf("Task creation failed: %v", err))
		}
	}

	if err := p.report(ctx, id, 0, "Initializing"); err != nil {
		return Failed(fmt.Sprintf("Task creation failed: %v", err))
	}
	if err := p.deps.Store.AddLog(ctx, id, levelInfo, "Starting test generation for "+run.URL, nil); err != nil {
		return Failed(fmt.Sprintf("Task creation failed: %v", err))
	}

	return Ok(Update{RunID: id, Status: storage.StatusRunning, Progress: 5, CurrentStep: "Task created"})
}

// browserAnalysis owns the page for the whole discovery; the page is closed
// by the discoverer on every path.
func (p *Pipeline) browserAnalysis(ctx context.Context, run Run) StepResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reportErr error
	onPhase := func(ph discovery.Phase) {
		if reportErr != nil {
			return
		}
		pct, label := phaseProgress(ph, run.URL)
		if err := p.report(ctx, run.ID, pct, label); err != nil {
			reportErr = err
			cancel()
			return
		}
		if ph == discovery.PhaseStructure {
			if err := p.deps.Store.AddLog(ctx, run.ID, levelInfo, "Successfully loaded "+run.URL, nil); err != nil {
				reportErr = err
				cancel()
			}
		}
	}

	res, err := p.deps.Discoverer.Discover(ctx, run.URL, onPhase)
	if reportErr != nil {
		return Failed(fmt.Sprintf("Browser analysis error: %v", reportErr))
	}
	if err != nil {
		return Failed(fmt.Sprintf("Browser analysis error: %v", err))
	}
	if res == nil {
		return Failed("Browser analysis error: no discovery result")
	}

	logs := []struct {
		msg   string
		count int
	}{
		{"Found %d hover elements", len(res.HoverElements)},
		{"Found %d popup elements", len(res.PopupTriggers)},
	}
	for _, l := range logs {
		if err := p.deps.Store.AddLog(ctx, run.ID, levelInfo, fmt.Sprintf(l.msg, l.count), map[string]any{"count": l.count}); err != nil {
			return Failed(fmt.Sprintf("Browser analysis error: %v", err))
		}
	}

	analysis, err := encodeAnalysis(res)
	if err != nil {
		return Failed(fmt.Sprintf("Browser analysis error: %v", err))
	}
	if err := p.deps.Store.SaveAnalysis(ctx, run.ID, analysis); err != nil {
		return Failed(fmt.Sprintf("Browser analysis error: %v", err))
	}

	return Ok(Update{Analysis: res, Progress: 65, CurrentStep: "Browser analysis complete"})
}

func encodeAnalysis(res *discovery.Result) (storage.Analysis, error) {
	hover, err := json.Marshal(res.HoverElements)
	if err != nil {
		return storage.Analysis{}, fmt.Errorf("failed to encode hover elements: %w", err)
	}
	popup, err := json.Marshal(res.PopupTriggers)
	if err != nil {
		return storage.Analysis{}, fmt.Errorf("failed to encode popup elements: %w", err)
	}
	structure, err := json.Marshal(res.PageStructure)
	if err != nil {
		return storage.Analysis{}, fmt.Errorf("failed to encode page structure: %w", err)
	}
	return storage.Analysis{HoverElements: hover, PopupElements: popup, PageStructure: structure}, nil
}

func (p *Pipeline) generateHoverFeatures(ctx context.Context, run Run) StepResult {
	if err := p.report(ctx, run.ID, 70, "Generating hover test scenarios"); err != nil {
		return Failed(fmt.Sprintf("Hover feature generation failed: %v", err))
	}
	if run.Analysis == nil {
		return Failed("Hover feature generation failed: no discovery result")
	}

	content, err := p.deps.Generator.HoverFeatures(ctx, run.URL, run.Analysis.HoverElements, run.Analysis.PageStructure)
	if err != nil {
		return Failed(fmt.Sprintf("Hover feature generation failed: %v", err))
	}
	art, err := p.saveArtifact(ctx, run.ID, gherkin.CategoryHover, content)
	if err != nil {
		return Failed(fmt.Sprintf("Hover feature generation failed: %v", err))
	}

	return Ok(Update{HoverFeature: art, Progress: 80, CurrentStep: "Hover features generated"})
}

func (p *Pipeline) generatePopupFeatures(ctx context.Context, run Run) StepResult {
	if err := p.report(ctx, run.ID, 85, "Generating popup test scenarios"); err != nil {
		return Failed(fmt.Sprintf("Popup feature generation failed: %v", err))
	}
	if run.Analysis == nil {
		return Failed("Popup feature generation failed: no discovery result")
	}

	content, err := p.deps.Generator.PopupFeatures(ctx, run.URL, run.Analysis.PopupTriggers, run.Analysis.PageStructure)
	if err != nil {
		return Failed(fmt.Sprintf("Popup feature generation failed: %v", err))
	}
	art, err := p.saveArtifact(ctx, run.ID, gherkin.CategoryPopup, content)
	if err != nil {
		return Failed(fmt.Sprintf("Popup feature generation failed: %v", err))
	}

	return Ok(Update{PopupFeature: art, Progress: 95, CurrentStep: "Popup features generated"})
}

// saveArtifact writes the file first, then records it.
func (p *Pipeline) saveArtifact(ctx context.Context, runID int64, category, content string) (*Artifact, error) {
	path, err := p.deps.Writer.Write(category, runID, content)
	if err != nil {
		return nil, err
	}
	if err := p.deps.Store.SaveFeature(ctx, runID, category, content, path); err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Generated %s features: %s", category, filepath.Base(path))
	if err := p.deps.Store.AddLog(ctx, runID, levelInfo, msg, nil); err != nil {
		return nil, err
	}
	return &Artifact{Content: content, Path: path}, nil
}

func (p *Pipeline) completeTask(ctx context.Context, run Run) StepResult {
	const step = "Test generation completed"

	if err := p.deps.Store.UpdateRunStatus(ctx, run.ID, storage.StatusUpdate{
		Status:      storage.StatusCompleted,
		Progress:    100,
		CurrentStep: step,
	}); err != nil {
		return Failed(fmt.Sprintf("Task completion failed: %v", err))
	}
	if err := p.deps.Store.AddLog(ctx, run.ID, levelInfo, "Test generation completed successfully", nil); err != nil {
		return Failed(fmt.Sprintf("Task completion failed: %v", err))
	}

	p.emit(ctx, progress.Event{
		Type:        progress.TypeComplete,
		RunID:       run.ID,
		Status:      storage.StatusCompleted,
		Progress:    100,
		CurrentStep: step,
	})
	p.log.Info("run completed", zap.Int64("run_id", run.ID), zap.String("url", run.URL))

	return Ok(Update{Status: storage.StatusCompleted, Progress: 100, CurrentStep: step})
}

// handleError records the failure. Storage errors here are only logged;
// there is nowhere left to route them.
func (p *Pipeline) handleError(ctx context.Context, run Run) StepResult {
	msg := run.Error
	if msg == "" {
		msg = "Unknown error"
	}
	log := p.log.With(zap.Int64("run_id", run.ID), zap.String("url", run.URL))

	if run.ID != 0 {
		if err := p.deps.Store.UpdateRunStatus(ctx, run.ID, storage.StatusUpdate{
			Status:      storage.StatusFailed,
			Progress:    run.Progress,
			CurrentStep: run.CurrentStep,
			Error:       msg,
		}); err != nil {
			log.Error("failed to record failure", zap.Error(err))
		}
		if err := p.deps.Store.AddLog(ctx, run.ID, levelError, msg, nil); err != nil {
			log.Error("failed to append error log", zap.Error(err))
		}
		p.emit(ctx, progress.Event{
			Type:     progress.TypeError,
			RunID:    run.ID,
			Status:   storage.StatusFailed,
			Progress: run.Progress,
			Error:    msg,
		})
	}
	log.Error("run failed", zap.String("error", msg))

	return Ok(Update{Status: storage.StatusFailed})
}
