package stages

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/retry"
)

// Retriever returns the chunks most relevant to a query. *index.Index
// satisfies it.
type Retriever interface {
	Query(ctx context.Context, query string, k int) ([]index.Chunk, error)
}

// RetrieveOptions configures the retrieve stage
type RetrieveOptions struct {
	Retriever Retriever
	TopK      int
	Retry     []retry.Option
}

// Retrieve looks up the context the report is written from
type Retrieve struct {
	retriever Retriever
	topK      int
	retry     []retry.Option
}

var _ taskpipe.Stage = (*Retrieve)(nil)

// NewRetrieve returns the retrieve stage
func NewRetrieve(opts RetrieveOptions) (*Retrieve, error) {
	if opts.Retriever == nil {
		return nil, fmt.Errorf("retriever required")
	}
	if opts.TopK <= 0 {
		opts.TopK = index.DefaultTopK
	}
	return &Retrieve{retriever: opts.Retriever, topK: opts.TopK, retry: withTimeout(opts.Retry)}, nil
}

func (s *Retrieve) Name() string {
	return taskpipe.StageRetrieve
}

func (s *Retrieve) Process(ctx context.Context, p taskpipe.Payload) (*taskpipe.Payload, error) {
	var chunks []index.Chunk
	err := retry.DoContext(ctx, func(ctx context.Context) error {
		var err error
		chunks, err = s.retriever.Query(ctx, p.Topic, s.topK)
		return err
	}, s.retry...)
	if err != nil {
		return nil, taskpipe.NewTransientError(s.Name(), err)
	}
	if chunks == nil {
		chunks = []index.Chunk{}
	}
	taskpipe.LoggerFromContext(ctx).Info("retrieved context", "chunks", len(chunks))
	next := p.Next(taskpipe.StageRetrieve, map[string]any{taskpipe.DataKeyRAGContext: chunks})
	return &next, nil
}

// withTimeout puts the default per-attempt timeout ahead of opts so callers
// can still override it.
func withTimeout(opts []retry.Option) []retry.Option {
	return append([]retry.Option{retry.WithTimeout(retry.DefaultTimeout)}, opts...)
}
