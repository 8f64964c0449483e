package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"
)

// Task memory defaults
const (
	DefaultMemoryNamespace = "task_memory"
	DefaultMemoryThreshold = 0.7
	summaryLimit           = 1000 // runes
)

// Recollection is a previously completed task similar to a new topic
type Recollection struct {
	Topic       string    `json:"topic"`
	Summary     string    `json:"summary"`
	ArtifactRef string    `json:"artifact_ref"`
	Tags        []string  `json:"tags,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Score       float64   `json:"score"`
}

// Memory remembers completed tasks in a vector store namespace
type Memory struct {
	store     vectorstores.VectorStore
	namespace string
	threshold float32
}

// NewMemory returns a task memory. Recall only returns matches scoring at
// least threshold.
func NewMemory(store vectorstores.VectorStore, namespace string, threshold float64) *Memory {
	if namespace == "" {
		namespace = DefaultMemoryNamespace
	}
	if threshold <= 0 {
		threshold = DefaultMemoryThreshold
	}
	return &Memory{store: store, namespace: namespace, threshold: float32(threshold)}
}

// Recall returns the closest remembered task, or nil when nothing is close
// enough.
func (m *Memory) Recall(ctx context.Context, topic string) (*Recollection, error) {
	docs, err := m.store.SimilaritySearch(ctx, topic, 1,
		vectorstores.WithNameSpace(m.namespace),
		vectorstores.WithScoreThreshold(m.threshold))
	if err != nil {
		return nil, fmt.Errorf("failed to search task memory: %w", err)
	}
	if len(docs) == 0 || docs[0].Score < m.threshold {
		return nil, nil
	}
	doc := docs[0]
	rec := &Recollection{
		Topic:       doc.PageContent,
		Summary:     metadataString(doc.Metadata, "summary"),
		ArtifactRef: metadataString(doc.Metadata, "artifact_ref"),
		Score:       float64(doc.Score),
	}
	if tags := metadataString(doc.Metadata, "tags"); tags != "" {
		rec.Tags = strings.Split(tags, ",")
	}
	if ts := metadataString(doc.Metadata, "timestamp"); ts != "" {
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
	}
	return rec, nil
}

// Remember stores a finished task
func (m *Memory) Remember(ctx context.Context, topic, summary, artifactRef string, tags []string) error {
	if r := []rune(summary); len(r) > summaryLimit {
		summary = string(r[:summaryLimit])
	}
	doc := schema.Document{
		PageContent: topic,
		Metadata: map[string]any{
			"topic":        topic,
			"summary":      summary,
			"artifact_ref": artifactRef,
			"tags":         strings.Join(tags, ","),
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
		},
	}
	if _, err := m.store.AddDocuments(ctx, []schema.Document{doc}, vectorstores.WithNameSpace(m.namespace)); err != nil {
		return fmt.Errorf("failed to remember task: %w", err)
	}
	return nil
}
