// Package progress delivers run status events to listeners.
package progress

import (
	"context"

	"go.uber.org/zap"
)

// EventType distinguishes in-flight updates from terminal ones.
type EventType string

const (
	TypeStatus   EventType = "status"
	TypeComplete EventType = "complete"
	TypeError    EventType = "error"
)

// Event is one status update for a run.
type Event struct {
	Type        EventType `json:"type"`
	RunID       int64     `json:"run_id"`
	Status      string    `json:"status,omitempty"`
	Progress    int       `json:"progress"`
	CurrentStep string    `json:"current_step,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Sink receives events. Delivery is best-effort and at most once; callers
// log a returned error and carry on.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }

// LogSink writes events to a logger.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a sink that writes events to log
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("progress")}
}

func (s *LogSink) Send(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.Int64("run_id", ev.RunID),
		zap.String("status", ev.Status),
		zap.Int("progress", ev.Progress),
	}
	switch ev.Type {
	case TypeError:
		s.log.Error("run failed", append(fields, zap.String("error", ev.Error))...)
	case TypeComplete:
		s.log.Info("run complete", fields...)
	default:
		s.log.Info(ev.CurrentStep, fields...)
	}
	return nil
}

// Router fans out events to all sinks. One sink error does not block the
// others; errors are logged and the first encountered is returned.
type Router struct {
	sinks []Sink
	log   *zap.Logger
}

// NewRouter creates a router over sinks
func NewRouter(log *zap.Logger, sinks ...Sink) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{sinks: sinks, log: log.Named("progress")}
}

func (r *Router) Send(ctx context.Context, ev Event) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Send(ctx, ev); err != nil {
			r.log.Warn("sink send failed", zap.Int64("run_id", ev.RunID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
