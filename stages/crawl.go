package stages

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/retry"
	"github.com/deepnoodle-ai/taskpipe/sources"
)

// Ingester stores fetched documents. *index.Index satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, docs []index.Document) (int, error)
}

// CrawlOptions configures the crawl stage
type CrawlOptions struct {
	Sources  sources.Set
	Ingester Ingester

	// Concurrency bounds the number of sources fetched at once
	Concurrency int

	// Retry configures the retry of each source
	Retry []retry.Option
}

// Crawl fetches every planned source concurrently and indexes the results.
// A failing source is recorded and never fails the stage.
type Crawl struct {
	sources  sources.Set
	ingester Ingester
	limiter  *retry.Limiter
	retry    []retry.Option
}

var _ taskpipe.Stage = (*Crawl)(nil)

// NewCrawl returns the crawl stage
func NewCrawl(opts CrawlOptions) (*Crawl, error) {
	if opts.Ingester == nil {
		return nil, fmt.Errorf("ingester required")
	}
	if len(opts.Sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	return &Crawl{
		sources:  opts.Sources,
		ingester: opts.Ingester,
		limiter:  retry.NewLimiter(opts.Concurrency),
		retry:    withTimeout(opts.Retry),
	}, nil
}

func (s *Crawl) Name() string {
	return taskpipe.StageCrawl
}

func (s *Crawl) Process(ctx context.Context, p taskpipe.Payload) (*taskpipe.Payload, error) {
	logger := taskpipe.LoggerFromContext(ctx)
	q := sources.Query{Topic: p.Topic, Params: p.Params}
	plan := q.Strings(ParamPlan)
	if len(plan) == 0 {
		plan, _ = PlanSources(DefaultScope, len(q.Strings(ParamURLs)) > 0)
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		status = make(map[string]string, len(plan))
		counts = make(map[string]any, len(plan))
	)
	for _, name := range plan {
		wg.Go(func() {
			start := time.Now()
			n, err := s.fetch(ctx, name, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("source failed", "source", name, "error", err, "duration", time.Since(start))
				status[name] = StatusFailed
				counts[name] = 0
				return
			}
			logger.Info("source crawled", "source", name, "chunks", n, "duration", time.Since(start))
			status[name] = StatusSuccess
			counts[name] = n
		})
	}
	wg.Wait()

	// Shutdown interrupted the fetches; leave the message for redelivery.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := p.Next(taskpipe.StageCrawl, map[string]any{
		DataKeyCrawlStatus: status,
		DataKeyCrawlCounts: counts,
	})
	return &next, nil
}

func (s *Crawl) fetch(ctx context.Context, name string, q sources.Query) (int, error) {
	src, ok := s.sources[name]
	if !ok {
		return 0, fmt.Errorf("source %q is not configured", name)
	}
	var n int
	err := s.limiter.Do(ctx, func(ctx context.Context) error {
		return retry.DoContext(ctx, func(ctx context.Context) error {
			docs, err := src.Fetch(ctx, q)
			if err != nil {
				return err
			}
			n, err = s.ingester.Ingest(ctx, docs)
			return err
		}, s.retry...)
	})
	return n, err
}
