package taskpipe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStageLogger is an implementation of StageLogger that logs to a file.
// A file is created per task. The file is formatted as newline-delimited JSON.
type FileStageLogger struct {
	directory string
	mu        sync.Mutex
}

func NewFileStageLogger(directory string) *FileStageLogger {
	return &FileStageLogger{directory: directory}
}

func (l *FileStageLogger) taskLogPath(taskID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", taskID))
}

func (l *FileStageLogger) GetStageHistory(ctx context.Context, taskID string) ([]*StageLogEntry, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	f, err := os.Open(l.taskLogPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []*StageLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry StageLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}

func (l *FileStageLogger) LogStage(ctx context.Context, entry *StageLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	taskID := entry.TaskID
	if taskID == "" {
		taskID = "unknown"
	}
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	filePath := l.taskLogPath(taskID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
