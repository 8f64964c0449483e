// Package index stores crawled documents in a vector store and retrieves
// the chunks most relevant to a topic. It also keeps a memory of finished
// tasks so that repeated topics can reuse earlier reports.
package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/tmc/langchaingo/vectorstores"
)

// Default index settings
const (
	DefaultNamespace    = "research_docs"
	DefaultChunkSize    = 300
	DefaultChunkOverlap = 30
	DefaultTopK         = 5
)

// Document is a single item fetched from a source
type Document struct {
	Source   string         `json:"source"`
	Title    string         `json:"title"`
	URL      string         `json:"url,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Chunk is a piece of an indexed document returned by a query
type Chunk struct {
	Content  string            `json:"content"`
	Source   string            `json:"source"`
	Title    string            `json:"title,omitempty"`
	URL      string            `json:"url,omitempty"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Option configures an Index
type Option func(*Index)

// WithNamespace sets the vector store namespace used for documents
func WithNamespace(namespace string) Option {
	return func(i *Index) { i.namespace = namespace }
}

// WithChunking sets the chunk size and overlap in characters
func WithChunking(size, overlap int) Option {
	return func(i *Index) {
		i.splitter = textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		)
	}
}

// Index ingests documents into a vector store and queries it
type Index struct {
	store     vectorstores.VectorStore
	namespace string
	splitter  textsplitter.TextSplitter
}

// New returns an index backed by store
func New(store vectorstores.VectorStore, opts ...Option) *Index {
	i := &Index{
		store:     store,
		namespace: DefaultNamespace,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(DefaultChunkSize),
			textsplitter.WithChunkOverlap(DefaultChunkOverlap),
		),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest splits documents into chunks and adds them to the store. It returns
// the number of chunks written.
func (i *Index) Ingest(ctx context.Context, docs []Document) (int, error) {
	var chunks []schema.Document
	for _, doc := range docs {
		text := strings.TrimSpace(doc.Content)
		if text == "" {
			continue
		}
		parts, err := i.splitter.SplitText(text)
		if err != nil {
			return 0, fmt.Errorf("failed to split document %q: %w", doc.Title, err)
		}
		for n, part := range parts {
			chunks = append(chunks, schema.Document{
				PageContent: part,
				Metadata:    chunkMetadata(doc, n),
			})
		}
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if _, err := i.store.AddDocuments(ctx, chunks, vectorstores.WithNameSpace(i.namespace)); err != nil {
		return 0, fmt.Errorf("failed to add %d chunks: %w", len(chunks), err)
	}
	return len(chunks), nil
}

// Query returns up to k chunks most similar to query
func (i *Index) Query(ctx context.Context, query string, k int) ([]Chunk, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	docs, err := i.store.SimilaritySearch(ctx, query, k, vectorstores.WithNameSpace(i.namespace))
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	chunks := make([]Chunk, 0, len(docs))
	for _, doc := range docs {
		chunks = append(chunks, Chunk{
			Content:  doc.PageContent,
			Source:   metadataString(doc.Metadata, "source"),
			Title:    metadataString(doc.Metadata, "title"),
			URL:      metadataString(doc.Metadata, "url"),
			Score:    float64(doc.Score),
			Metadata: extraMetadata(doc.Metadata),
		})
	}
	return chunks, nil
}

// extraMetadata returns the source specific metadata of a stored chunk
func extraMetadata(meta map[string]any) map[string]string {
	var extra map[string]string
	for k, v := range meta {
		switch k {
		case "source", "title", "url", "chunk":
			continue
		}
		if v == nil {
			continue
		}
		if extra == nil {
			extra = map[string]string{}
		}
		extra[k] = fmt.Sprint(v)
	}
	return extra
}

// chunkMetadata keeps only scalar values since vector stores reject nested
// metadata.
func chunkMetadata(doc Document, n int) map[string]any {
	meta := map[string]any{
		"source": doc.Source,
		"title":  doc.Title,
		"url":    doc.URL,
		"chunk":  n,
	}
	for k, v := range doc.Metadata {
		switch t := v.(type) {
		case string, bool, int, int64, float32, float64:
			meta[k] = t
		case nil:
		default:
			meta[k] = fmt.Sprint(t)
		}
	}
	return meta
}

func metadataString(meta map[string]any, key string) string {
	if v, ok := meta[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
