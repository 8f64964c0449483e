package taskpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"

	"github.com/deepnoodle-ai/taskpipe/retry"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	_, numErr := strconv.Atoi("abc")

	tests := []struct {
		name string
		err  error
		want Decision
	}{
		{"deadline", context.DeadlineExceeded, DecisionRetry},
		{"wrapped deadline", fmt.Errorf("fetch pubmed: %w", context.DeadlineExceeded), DecisionRetry},
		{"timeout text", errors.New("request Timeout after 20s"), DecisionRetry},
		{"rate limited", &retry.StatusError{StatusCode: 429, URL: "https://api.github.com"}, DecisionRetry},
		{"rate limit text", errors.New("429 Too Many Requests"), DecisionRetry},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, DecisionRetry},
		{"explicit transient", NewTransientError("crawl", errors.New("chaos")), DecisionRetry},
		{"canceled", context.Canceled, DecisionRetry},
		{"malformed payload", NewMalformedError("payload", "missing task_id"), DecisionSkip},
		{"json syntax", json.Unmarshal([]byte("{"), &map[string]any{}), DecisionSkip},
		{"json type", json.Unmarshal([]byte(`{"a":1}`), &struct{ A string }{}), DecisionSkip},
		{"number parse", numErr, DecisionSkip},
		{"max depth", fmt.Errorf("loop: %w", ErrMaxDepthExceeded), DecisionSkip},
		{"store down", NewInfrastructureError("checkpoint", errors.New("connection refused")), DecisionAbort},
		{"bus down", NewInfrastructureError("bus", context.DeadlineExceeded), DecisionAbort},
		{"not found status", &retry.StatusError{StatusCode: 404, URL: "https://x"}, DecisionSkip},
		{"unknown", errors.New("something odd"), DecisionSkip},
		{"nil", nil, DecisionSkip},
	}

	c := NewClassifier(ClassifierOptions{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.err, "test", "task_1")
			require.Equal(t, tt.want, got)
			require.Contains(t, []Decision{DecisionRetry, DecisionSkip, DecisionAbort}, got)
		})
	}
}

func TestClassifyCustomRules(t *testing.T) {
	errQuota := errors.New("quota exhausted")
	c := NewClassifier(ClassifierOptions{
		Rules: append([]Rule{{
			Name:     "quota",
			Match:    func(err error) bool { return errors.Is(err, errQuota) },
			Decision: DecisionAbort,
		}, {
			Name:     "panicky",
			Match:    func(err error) bool { panic("boom") },
			Decision: DecisionRetry,
		}}, DefaultRules...),
		Fallback: DecisionRetry,
	})
	require.Equal(t, DecisionAbort, c.Classify(errQuota, "crawl", "task_1"))
	require.Equal(t, DecisionSkip, c.Classify(NewMalformedError("x", "y"), "crawl", "task_1"))
	require.Equal(t, DecisionRetry, c.Classify(errors.New("unknown"), "crawl", "task_1"))
}
