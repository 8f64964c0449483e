package taskpipe

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.jetify.com/typeid"
)

// NewTaskID returns a new unique task identifier
func NewTaskID() string {
	return newID("task")
}

// NewRunID returns a new identifier for a stage log entry
func NewRunID() string {
	return newID("run")
}

// NewConsumerName returns a consumer name unique to this process, built from
// the host name and a random suffix.
func NewConsumerName(stage string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s-%s", stage, host, uuid.NewString()[:8])
}

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}
