package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore persists finished reports and returns a reference to them
type ArtifactStore interface {
	Save(ctx context.Context, taskID, content string) (string, error)
}

// FileArtifacts writes reports as report_<task_id>.md files
type FileArtifacts struct {
	Dir string
}

// NewFileArtifacts creates dir if needed
func NewFileArtifacts(dir string) (*FileArtifacts, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	return &FileArtifacts{Dir: dir}, nil
}

// Path returns where the report of a task is stored
func (a *FileArtifacts) Path(taskID string) string {
	return filepath.Join(a.Dir, fmt.Sprintf("report_%s.md", taskID))
}

// Save overwrites any earlier report of the same task
func (a *FileArtifacts) Save(ctx context.Context, taskID, content string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || strings.Contains(taskID, "..") {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	path := a.Path(taskID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}
	return path, nil
}
