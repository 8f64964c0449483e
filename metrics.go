package taskpipe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// StageMetrics are the counters kept for one stage
type StageMetrics struct {
	Stage     string        `json:"stage"`
	Count     int           `json:"count"`
	Success   int           `json:"success"`
	Failed    int           `json:"failed"`
	Retried   int           `json:"retried"`
	TotalTime time.Duration `json:"total_time"`
}

// AverageTime returns the mean handling time per message
func (m StageMetrics) AverageTime() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(m.Count)
}

// MetricsTracker is a WorkerCallbacks implementation that counts handled
// messages per stage.
type MetricsTracker struct {
	BaseWorkerCallbacks
	mu     sync.Mutex
	stages map[string]*StageMetrics
}

var _ WorkerCallbacks = (*MetricsTracker)(nil)

func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{stages: map[string]*StageMetrics{}}
}

func (m *MetricsTracker) AfterMessage(ctx context.Context, event *MessageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.stages[event.Stage]
	if !ok {
		stats = &StageMetrics{Stage: event.Stage}
		m.stages[event.Stage] = stats
	}
	stats.Count++
	stats.TotalTime += event.Duration
	switch {
	case event.Error == nil:
		stats.Success++
	case event.Decision == DecisionRetry:
		stats.Retried++
	default:
		stats.Failed++
	}
}

// Snapshot returns a copy of the counters sorted by stage name
func (m *MetricsTracker) Snapshot() []StageMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StageMetrics, 0, len(m.stages))
	for _, stats := range m.stages {
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// Report renders the counters as a plain text table
func (m *MetricsTracker) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %7s %7s %7s %7s %10s\n", "STAGE", "COUNT", "OK", "FAILED", "RETRY", "AVG")
	for _, stats := range m.Snapshot() {
		fmt.Fprintf(&b, "%-10s %7d %7d %7d %7d %10s\n",
			stats.Stage, stats.Count, stats.Success, stats.Failed, stats.Retried,
			stats.AverageTime().Round(time.Millisecond))
	}
	return b.String()
}
