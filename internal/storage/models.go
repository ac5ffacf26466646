package storage

import (
	"encoding/json"
	"time"
)

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one stored pipeline run
type Run struct {
	ID           int64      `json:"id"`
	URL          string     `json:"url"`
	Status       string     `json:"status"`
	LLMProvider  string     `json:"llm_provider"`
	LLMModel     string     `json:"llm_model"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Progress     int        `json:"progress"`
	CurrentStep  string     `json:"current_step,omitempty"`
}

// StatusUpdate is the status/progress pair written at each step.
type StatusUpdate struct {
	Status      string
	Progress    int
	CurrentStep string
	Error       string
}

// Analysis holds the serialized discovery result.
type Analysis struct {
	HoverElements json.RawMessage `json:"hover_elements"`
	PopupElements json.RawMessage `json:"popup_elements"`
	PageStructure json.RawMessage `json:"page_structure"`
}

// Feature is one generated feature artifact
type Feature struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"task_id"`
	Type      string    `json:"feature_type"`
	Content   string    `json:"feature_content"`
	FilePath  string    `json:"file_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LogEntry is one execution log line
type LogEntry struct {
	ID        int64           `json:"id"`
	RunID     int64           `json:"task_id"`
	Level     string          `json:"log_level"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
