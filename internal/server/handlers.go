package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/v0xg/bddscout/internal/ai"
	"github.com/v0xg/bddscout/internal/config"
	"github.com/v0xg/bddscout/internal/crawler"
	"github.com/v0xg/bddscout/internal/gherkin"
	"github.com/v0xg/bddscout/internal/pipeline"
	"github.com/v0xg/bddscout/internal/storage"
)

// GenerateRequest is the body of POST /api/generate. Omitted fields take
// the configured defaults.
type GenerateRequest struct {
	URL         string   `json:"url"`
	LLMProvider string   `json:"llm_provider"`
	LLMModel    string   `json:"llm_model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	Headless    *bool    `json:"headless"`
}

// settings validates req against the configured defaults.
func (s *Server) settings(req GenerateRequest) (string, Settings, error) {
	target, err := crawler.NormalizeURL(req.URL)
	if err != nil {
		return "", Settings{}, err
	}

	llm := s.cfg.LLM
	if p := strings.ToLower(strings.TrimSpace(req.LLMProvider)); p != "" {
		if !config.IsProvider(p) {
			return "", Settings{}, fmt.Errorf("unknown llm_provider %q (supported: %s)", p, strings.Join(config.Providers, ", "))
		}
		if p != llm.Provider {
			llm.Model = ai.DefaultModel(p)
		}
		llm.Provider = p
	}
	if req.LLMModel != "" {
		llm.Model = req.LLMModel
	}
	if req.Temperature != nil {
		if *req.Temperature < 0 || *req.Temperature > 2 {
			return "", Settings{}, errors.New("temperature must be between 0 and 2")
		}
		llm.Temperature = *req.Temperature
	}
	if req.MaxTokens < 0 {
		return "", Settings{}, errors.New("max_tokens must be positive")
	}
	if req.MaxTokens > 0 {
		llm.MaxTokens = req.MaxTokens
	}

	headless := s.cfg.Browser.Headless
	if req.Headless != nil {
		headless = *req.Headless
	}
	return target, Settings{LLM: llm, Headless: headless}, nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	target, settings, err := s.settings(req)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.factory(settings)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.store.CreateRun(r.Context(), target, settings.LLM.Provider, settings.LLM.Model)
	if err != nil {
		s.log.Error("failed to create run", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	s.start(p, pipeline.Request{
		RunID:    id,
		URL:      target,
		Provider: settings.LLM.Provider,
		Model:    settings.LLM.Model,
	})
	s.log.Info("run started", zap.Int64("run_id", id), zap.String("url", target))

	s.respondJSON(w, http.StatusAccepted, map[string]any{
		"status":  "started",
		"task_id": id,
		"message": "Test generation started",
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.internalError(w, "failed to list runs", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "success", "tasks": runs})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	features := []storage.Feature{}
	if run.Status == storage.StatusCompleted {
		var err error
		if features, err = s.store.GetFeatures(r.Context(), run.ID); err != nil {
			s.internalError(w, "failed to load features", err)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "success", "task": run, "features": features})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	logs, err := s.store.GetLogs(r.Context(), id)
	if err != nil {
		s.internalError(w, "failed to load logs", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "success", "logs": logs})
}

type workflowStep struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// handleWorkflow infers per-step status from the run's log.
func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	logs, err := s.store.GetLogs(r.Context(), run.ID)
	if err != nil {
		s.internalError(w, "failed to load logs", err)
		return
	}

	steps := []workflowStep{
		{Name: string(pipeline.StepCreateTask), Status: "completed"},
		{Name: string(pipeline.StepBrowserAnalysis), Status: "unknown"},
		{Name: string(pipeline.StepGenerateHoverFeatures), Status: "unknown"},
		{Name: string(pipeline.StepGeneratePopupFeatures), Status: "unknown"},
		{Name: string(pipeline.StepCompleteTask), Status: run.Status},
	}
	for _, l := range logs {
		msg := strings.ToLower(l.Message)
		if strings.Contains(msg, "hover elements") || strings.Contains(msg, "popup elements") {
			steps[1].Status = "completed"
		}
		if strings.Contains(msg, "hover features") {
			steps[2].Status = "completed"
		}
		if strings.Contains(msg, "popup features") {
			steps[3].Status = "completed"
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "success", "task_id": run.ID, "steps": steps})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	category := chi.URLParam(r, "type")
	if category != gherkin.CategoryHover && category != gherkin.CategoryPopup {
		s.respondWithError(w, http.StatusBadRequest, "type must be hover or popup")
		return
	}

	features, err := s.store.GetFeatures(r.Context(), id)
	if err != nil {
		s.internalError(w, "failed to load features", err)
		return
	}
	var path string
	for _, f := range features {
		if f.Type == category {
			path = f.FilePath
		}
	}
	if path == "" {
		s.respondWithError(w, http.StatusNotFound, "Feature file not found")
		return
	}
	if _, err := os.Stat(path); err != nil {
		s.respondWithError(w, http.StatusNotFound, "File does not exist")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"timestamp":    s.now().UTC(),
		"active_tasks": s.activeCount(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	models := make(map[string]string, len(config.Providers))
	for _, p := range config.Providers {
		models[p] = ai.DefaultModel(p)
	}
	models[s.cfg.LLM.Provider] = s.cfg.LLM.Model

	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"providers":        config.Providers,
		"models":           models,
		"default_provider": s.cfg.LLM.Provider,
		"browser_settings": map[string]any{
			"headless":        s.cfg.Browser.Headless,
			"timeout":         s.cfg.Browser.Timeout.Milliseconds(),
			"viewport_width":  s.cfg.Browser.Width,
			"viewport_height": s.cfg.Browser.Height,
		},
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	s.hub.ServeWS(w, r, id)
}

func (s *Server) runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.respondWithError(w, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (storage.Run, bool) {
	id, ok := s.runID(w, r)
	if !ok {
		return storage.Run{}, false
	}
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondWithError(w, http.StatusNotFound, "Task not found")
		return storage.Run{}, false
	}
	if err != nil {
		s.internalError(w, "failed to load run", err)
		return storage.Run{}, false
	}
	return run, true
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, zap.Error(err))
	s.respondWithError(w, http.StatusInternalServerError, msg)
}

func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]string{"status": "error", "error": message})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode response", zap.Error(err))
	}
}
