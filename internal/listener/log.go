package listener

import (
	"context"
	"log/slog"
)

// LogListener writes every notification to a structured logger.
type LogListener struct {
	logger *slog.Logger
}

// NewLogListener creates a LogListener.
func NewLogListener(logger *slog.Logger) *LogListener {
	return &LogListener{logger: logger}
}

func (l *LogListener) OnStarting(ctx context.Context) error {
	l.logger.InfoContext(ctx, "worker starting")
	return nil
}

func (l *LogListener) OnTaskInstanceRunning(ctx context.Context, ev Event) error {
	l.logger.InfoContext(ctx, "task instance running", "ti", ev.TI.String(), "hostname", ev.Hostname)
	return nil
}

func (l *LogListener) OnTaskInstanceSuccess(ctx context.Context, ev Event) error {
	l.logger.InfoContext(ctx, "task instance succeeded", "ti", ev.TI.String(), "duration", ev.Duration)
	return nil
}

func (l *LogListener) OnTaskInstanceFailed(ctx context.Context, ev Event) error {
	l.logger.WarnContext(ctx, "task instance failed", "ti", ev.TI.String(), "state", ev.State, "error", ev.Error)
	return nil
}

func (l *LogListener) BeforeStopping(ctx context.Context) error {
	l.logger.InfoContext(ctx, "worker stopping")
	return nil
}
