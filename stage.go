package taskpipe

import (
	"context"
)

// Stage is one phase of the pipeline. Process receives the consumed payload
// and returns the payload to checkpoint and forward, or nil when the task
// needs no further routing from this stage. Stages must not acknowledge
// messages themselves.
type Stage interface {

	// Name returns the name of the Stage
	Name() string

	// Process the payload.
	Process(ctx context.Context, p Payload) (*Payload, error)
}

// ProcessFunc is the signature of a stage's process function
type ProcessFunc func(ctx context.Context, p Payload) (*Payload, error)

// Confirm the interface is implemented correctly.
var _ Stage = (*StageFunction)(nil)

// StageFunction wraps a function for use as a Stage.
type StageFunction struct {
	name string
	fn   ProcessFunc
}

// NewStageFunction returns a Stage for the given function.
func NewStageFunction(name string, fn ProcessFunc) Stage {
	return &StageFunction{name: name, fn: fn}
}

// Name of the Stage.
func (s *StageFunction) Name() string {
	return s.name
}

// Process the payload.
func (s *StageFunction) Process(ctx context.Context, p Payload) (*Payload, error) {
	return s.fn(ctx, p)
}
