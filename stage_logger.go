package taskpipe

import (
	"context"
	"time"
)

// StageLogEntry records one message handled by a worker
type StageLogEntry struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Stage      string    `json:"stage"`
	Step       string    `json:"step"`
	NextStep   string    `json:"next_step,omitempty"`
	MessageID  string    `json:"message_id"`
	Topic      string    `json:"topic"`
	Deliveries int       `json:"deliveries"`
	Decision   Decision  `json:"decision,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartTime  time.Time `json:"start_time"`
	Duration   float64   `json:"duration"`
}

// StageLogger defines a simple audit log of handled messages
type StageLogger interface {
	// LogStage logs a handled message
	LogStage(ctx context.Context, entry *StageLogEntry) error

	// GetStageHistory retrieves the log for a task
	GetStageHistory(ctx context.Context, taskID string) ([]*StageLogEntry, error)
}
