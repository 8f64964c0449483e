package taskpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Checkpointer = (*FileCheckpointer)(nil)

// FileCheckpointer is a file-based implementation that persists task and
// step records to disk. Each task gets a directory holding task.json and one
// step-<name>.json file per step.
type FileCheckpointer struct {
	dataDir string
	mu      sync.Mutex
}

// NewFileCheckpointer creates a new file-based checkpointer
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "taskpipe", "tasks")
	}

	// Ensure the data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	return &FileCheckpointer{dataDir: dataDir}, nil
}

func (c *FileCheckpointer) InitTask(ctx context.Context, taskID, topic string, params map[string]any) error {
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	task, err := c.readTask(taskID)
	if err != nil && !errors.Is(err, ErrTaskNotFound) {
		return err
	}
	if task == nil {
		task = &TaskRecord{
			TaskID:    taskID,
			Status:    TaskStatusRunning,
			CreatedAt: now,
		}
	}
	task.Topic = topic
	task.Params = copyMap(params)
	task.UpdatedAt = now
	return c.writeJSON(filepath.Join(c.taskDir(taskID), "task.json"), task)
}

func (c *FileCheckpointer) SaveCheckpoint(ctx context.Context, output, input Payload) error {
	if err := ValidateTaskID(output.TaskID); err != nil {
		return err
	}
	if strings.ContainsAny(output.Step, `/\`) || strings.Contains(output.Step, "..") {
		return NewMalformedError("checkpoint", fmt.Sprintf("invalid step name %q", output.Step))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	record := NewStepRecord(output, input, now)
	stepPath := c.stepPath(output.TaskID, output.Step)
	var existing StepRecord
	if found, err := c.readJSON(stepPath, &existing); err != nil {
		return err
	} else if found {
		record.CreatedAt = existing.CreatedAt
	}
	if err := c.writeJSON(stepPath, record); err != nil {
		return err
	}

	task, err := c.readTask(output.TaskID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	task.LastStep = output.Step
	task.UpdatedAt = now
	return c.writeJSON(filepath.Join(c.taskDir(output.TaskID), "task.json"), task)
}

func (c *FileCheckpointer) MarkTaskDone(ctx context.Context, taskID, artifactRef string) error {
	return c.finish(taskID, TaskStatusDone, artifactRef, "")
}

func (c *FileCheckpointer) MarkTaskFailed(ctx context.Context, taskID, reason string) error {
	return c.finish(taskID, TaskStatusFailed, "", reason)
}

func (c *FileCheckpointer) finish(taskID string, status TaskStatus, artifactRef, reason string) error {
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.readTask(taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task %s %s: %w", taskID, status, err)
	}
	task.Status = status
	if artifactRef != "" {
		task.ArtifactRef = artifactRef
	}
	task.Error = reason
	task.UpdatedAt = time.Now().UTC()
	return c.writeJSON(filepath.Join(c.taskDir(taskID), "task.json"), task)
}

func (c *FileCheckpointer) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readTask(taskID)
}

func (c *FileCheckpointer) ListSteps(ctx context.Context, taskID string) ([]*StepRecord, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.taskDir(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*StepRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read task directory: %w", err)
	}

	steps := []*StepRecord{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "step-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var record StepRecord
		if _, err := c.readJSON(filepath.Join(c.taskDir(taskID), name), &record); err != nil {
			return nil, err
		}
		steps = append(steps, &record)
	}

	// Sort by creation time (oldest first)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
	return steps, nil
}

// ListTasks returns tasks with the given status, newest first. An empty
// status matches every task and a limit of zero or less returns them all.
func (c *FileCheckpointer) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]*TaskRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*TaskRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read tasks directory: %w", err)
	}

	var tasks []*TaskRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		task, err := c.readTask(entry.Name())
		if err != nil {
			// Skip tasks we can't read
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (c *FileCheckpointer) taskDir(taskID string) string {
	return filepath.Join(c.dataDir, taskID)
}

func (c *FileCheckpointer) stepPath(taskID, step string) string {
	return filepath.Join(c.taskDir(taskID), fmt.Sprintf("step-%s.json", step))
}

func (c *FileCheckpointer) readTask(taskID string) (*TaskRecord, error) {
	var task TaskRecord
	found, err := c.readJSON(filepath.Join(c.taskDir(taskID), "task.json"), &task)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

func (c *FileCheckpointer) readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return true, nil
}

// writeJSON writes through a temporary file so readers never see a partial
// record.
func (c *FileCheckpointer) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace record file: %w", err)
	}
	return nil
}
