package taskpipe

import (
	"context"
	"fmt"
)

// DefaultInitialStep is the step of a freshly submitted payload
const DefaultInitialStep = "init"

// Submission is a request to start a task
type Submission struct {
	TaskID      string
	Topic       string
	InitialStep string
	Params      map[string]any
}

// Submit records the task and publishes its initial payload to the first
// stage of the chain. It returns the task ID, generating one when the
// submission has none.
func Submit(ctx context.Context, bus Bus, checkpointer Checkpointer, chain Chain, sub Submission) (string, error) {
	if sub.Topic == "" {
		return "", NewMalformedError("submit", "missing topic")
	}
	if sub.TaskID == "" {
		sub.TaskID = NewTaskID()
	}
	if err := ValidateTaskID(sub.TaskID); err != nil {
		return "", err
	}
	if sub.InitialStep == "" {
		sub.InitialStep = DefaultInitialStep
	}
	first := chain.First()
	if first.ListenTopic == "" {
		return "", fmt.Errorf("chain has no entry topic")
	}
	if err := checkpointer.InitTask(ctx, sub.TaskID, sub.Topic, sub.Params); err != nil {
		return "", fmt.Errorf("failed to init task: %w", err)
	}
	payload := NewPayload(sub.TaskID, sub.Topic, sub.InitialStep, sub.Params)
	if _, err := PublishPayload(ctx, bus, first.ListenTopic, payload); err != nil {
		return "", fmt.Errorf("failed to publish task: %w", err)
	}
	return sub.TaskID, nil
}
