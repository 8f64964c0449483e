package taskpipe

import (
	"context"
)

// Checkpointer persists task records and per-step checkpoints. All writes
// are upserts so that redelivered messages never create duplicates.
type Checkpointer interface {
	// InitTask creates the task record with status RUNNING. Calling it again
	// for the same task keeps the original creation time and status.
	InitTask(ctx context.Context, taskID, topic string, params map[string]any) error

	// SaveCheckpoint upserts the (task_id, step) record for output and
	// updates the task's last step.
	SaveCheckpoint(ctx context.Context, output, input Payload) error

	// MarkTaskDone marks the task DONE with an optional artifact reference.
	MarkTaskDone(ctx context.Context, taskID, artifactRef string) error

	// MarkTaskFailed marks the task FAILED with the given reason.
	MarkTaskFailed(ctx context.Context, taskID, reason string) error

	// GetTask returns the task record or ErrTaskNotFound.
	GetTask(ctx context.Context, taskID string) (*TaskRecord, error)

	// ListSteps returns the task's step records in the order they were
	// first written.
	ListSteps(ctx context.Context, taskID string) ([]*StepRecord, error)
}
