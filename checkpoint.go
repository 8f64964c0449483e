package taskpipe

import "time"

// TaskStatus is the overall status of a task
type TaskStatus string

const (
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusDone    TaskStatus = "DONE"
	TaskStatusFailed  TaskStatus = "FAILED"
)

// TaskRecord is the durable record of one task
type TaskRecord struct {
	TaskID      string         `json:"task_id" yaml:"task_id"`
	Topic       string         `json:"topic" yaml:"topic"`
	Params      map[string]any `json:"params" yaml:"params"`
	Status      TaskStatus     `json:"status" yaml:"status"`
	LastStep    string         `json:"last_step,omitempty" yaml:"last_step,omitempty"`
	ArtifactRef string         `json:"artifact_ref,omitempty" yaml:"artifact_ref,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"updated_at"`
}

// StepRecord is the checkpoint of one completed step of a task. There is at
// most one record per (TaskID, Step).
type StepRecord struct {
	TaskID     string         `json:"task_id" yaml:"task_id"`
	Step       string         `json:"step" yaml:"step"`
	InputData  map[string]any `json:"input_data" yaml:"input_data"`
	OutputData map[string]any `json:"output_data" yaml:"output_data"`
	History    []string       `json:"history" yaml:"history"`
	CreatedAt  time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" yaml:"updated_at"`
}

// NewStepRecord builds the checkpoint for the transition from input to output.
func NewStepRecord(output, input Payload, now time.Time) *StepRecord {
	history := make([]string, len(output.History))
	copy(history, output.History)
	return &StepRecord{
		TaskID:     output.TaskID,
		Step:       output.Step,
		InputData:  copyMap(input.Data),
		OutputData: copyMap(output.Data),
		History:    history,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
