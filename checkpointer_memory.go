package taskpipe

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Checkpointer = (*MemoryCheckpointer)(nil)

// MemoryCheckpointer keeps task and step records in memory. It is intended
// for tests and single-process runs.
type MemoryCheckpointer struct {
	mu    sync.RWMutex
	tasks map[string]*TaskRecord
	steps map[string]map[string]*memoryStep
	seq   int
	now   func() time.Time
}

type memoryStep struct {
	record *StepRecord
	seq    int
}

// NewMemoryCheckpointer returns an empty in-memory checkpointer
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{
		tasks: map[string]*TaskRecord{},
		steps: map[string]map[string]*memoryStep{},
		now:   time.Now,
	}
}

func (c *MemoryCheckpointer) InitTask(ctx context.Context, taskID, topic string, params map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if task, ok := c.tasks[taskID]; ok {
		task.Topic = topic
		task.Params = copyMap(params)
		task.UpdatedAt = now
		return nil
	}
	c.tasks[taskID] = &TaskRecord{
		TaskID:    taskID,
		Topic:     topic,
		Params:    copyMap(params),
		Status:    TaskStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (c *MemoryCheckpointer) SaveCheckpoint(ctx context.Context, output, input Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	record := NewStepRecord(output, input, now)
	steps, ok := c.steps[output.TaskID]
	if !ok {
		steps = map[string]*memoryStep{}
		c.steps[output.TaskID] = steps
	}
	if existing, ok := steps[output.Step]; ok {
		record.CreatedAt = existing.record.CreatedAt
		existing.record = record
	} else {
		c.seq++
		steps[output.Step] = &memoryStep{record: record, seq: c.seq}
	}
	if task, ok := c.tasks[output.TaskID]; ok {
		task.LastStep = output.Step
		task.UpdatedAt = now
	}
	return nil
}

func (c *MemoryCheckpointer) MarkTaskDone(ctx context.Context, taskID, artifactRef string) error {
	return c.finish(taskID, TaskStatusDone, artifactRef, "")
}

func (c *MemoryCheckpointer) MarkTaskFailed(ctx context.Context, taskID, reason string) error {
	return c.finish(taskID, TaskStatusFailed, "", reason)
}

func (c *MemoryCheckpointer) finish(taskID string, status TaskStatus, artifactRef, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return fmt.Errorf("failed to mark task %s %s: %w", taskID, status, ErrTaskNotFound)
	}
	task.Status = status
	if artifactRef != "" {
		task.ArtifactRef = artifactRef
	}
	task.Error = reason
	task.UpdatedAt = c.now()
	return nil
}

func (c *MemoryCheckpointer) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	out := *task
	out.Params = copyMap(task.Params)
	return &out, nil
}

func (c *MemoryCheckpointer) ListSteps(ctx context.Context, taskID string) ([]*StepRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	steps := make([]*memoryStep, 0, len(c.steps[taskID]))
	for _, step := range c.steps[taskID] {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].seq < steps[j].seq
	})
	out := make([]*StepRecord, len(steps))
	for i, step := range steps {
		record := *step.record
		out[i] = &record
	}
	return out, nil
}
