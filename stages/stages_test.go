package stages

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/report"
	"github.com/deepnoodle-ai/taskpipe/retry"
	"github.com/deepnoodle-ai/taskpipe/sources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = []retry.Option{
	retry.WithMaxRetries(2),
	retry.WithBaseWait(time.Millisecond),
	retry.WithJitter(false),
}

func staticSource(name string, docs ...index.Document) sources.Source {
	return &sources.FuncSource{SourceName: name, Fn: func(ctx context.Context, q sources.Query) ([]index.Document, error) {
		return docs, nil
	}}
}

func failingSource(name string, err error) sources.Source {
	return &sources.FuncSource{SourceName: name, Fn: func(ctx context.Context, q sources.Query) ([]index.Document, error) {
		return nil, err
	}}
}

type recallFunc func(ctx context.Context, topic string) (*index.Recollection, error)

func (f recallFunc) Recall(ctx context.Context, topic string) (*index.Recollection, error) {
	return f(ctx, topic)
}

func TestPlanSources(t *testing.T) {
	tests := []struct {
		scope   string
		urls    bool
		want    []string
		wantErr bool
	}{
		{scope: "", want: []string{"pubmed", "arxiv", "github", "trials"}},
		{scope: "all", urls: true, want: []string{"pubmed", "arxiv", "github", "trials", "web_pages"}},
		{scope: "literature", want: []string{"pubmed", "arxiv"}},
		{scope: "code", want: []string{"github"}},
		{scope: "trials", want: []string{"trials"}},
		{scope: "web", urls: true, want: []string{"web_search", "web_pages"}},
		{scope: "astrology", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			got, err := PlanSources(tt.scope, tt.urls)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	// The scope table is never modified
	plan, _ := PlanSources("code", true)
	plan[0] = "changed"
	again, _ := PlanSources("code", false)
	assert.Equal(t, []string{"github"}, again)
}

func TestPlanWithoutMemory(t *testing.T) {
	ctx := context.Background()
	cp := taskpipe.NewMemoryCheckpointer()
	plan, err := NewPlan(PlanOptions{Checkpointer: cp})
	require.NoError(t, err)
	assert.Equal(t, taskpipe.StagePlan, plan.Name())

	in := taskpipe.NewPayload("task_1", "solar cells", "init", map[string]any{
		"scope": "literature",
		"urls":  []any{"https://example.com/a"},
	})
	next, err := plan.Process(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, next)

	want := []string{"pubmed", "arxiv", "web_pages"}
	assert.Equal(t, taskpipe.StagePlan, next.Step)
	assert.Equal(t, want, next.Params[ParamPlan])
	assert.Equal(t, want, next.Data[DataKeyPlan])
	assert.Equal(t, []string{"init -> plan"}, next.History)
	assert.Nil(t, in.Params[ParamPlan])

	task, err := cp.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, "solar cells", task.Topic)
	assert.Equal(t, taskpipe.TaskStatusRunning, task.Status)
}

func TestPlanRejectsUnknownScope(t *testing.T) {
	plan, err := NewPlan(PlanOptions{Checkpointer: taskpipe.NewMemoryCheckpointer()})
	require.NoError(t, err)

	_, err = plan.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "init", map[string]any{"scope": "nope"}))
	require.Error(t, err)
	assert.Equal(t, taskpipe.ErrorTypeMalformed, taskpipe.ErrorType(err))
}

func TestPlanShortcutsToWriter(t *testing.T) {
	ctx := context.Background()
	bus := taskpipe.NewMemoryBus()
	cp := taskpipe.NewMemoryCheckpointer()
	mem := index.NewMemory(index.NewKeywordStore(), "", 0.7)
	require.NoError(t, mem.Remember(ctx, "solar cells", "Perovskites lead.", "reports/report_old.md", nil))

	plan, err := NewPlan(PlanOptions{Checkpointer: cp, Bus: bus, Memory: mem})
	require.NoError(t, err)

	next, err := plan.Process(ctx, taskpipe.NewPayload("task_2", "Solar cells", "init", nil))
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, 1, bus.Len(taskpipe.TopicWriter))
	assert.Equal(t, 0, bus.Len(taskpipe.TopicCrawler))

	require.NoError(t, bus.CreateGroup(ctx, taskpipe.TopicWriter, "reader"))
	msgs, err := bus.Consume(ctx, taskpipe.TopicWriter, "reader", "r", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	out, err := taskpipe.DecodePayload(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, StepMemoryHit, out.Step)
	assert.Equal(t, []string{"init -> memory_hit"}, out.History)

	chunks, ok, err := taskpipe.DataValue[[]index.Chunk](out, taskpipe.DataKeyRAGContext)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, chunks, 1)
	assert.Equal(t, "memory", chunks[0].Source)
	assert.Contains(t, chunks[0].Content, "Perovskites lead.")
	assert.Equal(t, "reports/report_old.md", chunks[0].URL)

	steps, err := cp.ListSteps(ctx, "task_2")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, StepMemoryHit, steps[0].Step)
}

func TestPlanIgnoresMemoryFailures(t *testing.T) {
	mem := recallFunc(func(ctx context.Context, topic string) (*index.Recollection, error) {
		return nil, errors.New("vector store offline")
	})
	plan, err := NewPlan(PlanOptions{Checkpointer: taskpipe.NewMemoryCheckpointer(), Bus: taskpipe.NewMemoryBus(), Memory: mem})
	require.NoError(t, err)

	next, err := plan.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "init", nil))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, taskpipe.StagePlan, next.Step)
}

func TestPlanSkipsMemoryWhenAsked(t *testing.T) {
	var called atomic.Bool
	mem := recallFunc(func(ctx context.Context, topic string) (*index.Recollection, error) {
		called.Store(true)
		return &index.Recollection{Topic: topic}, nil
	})
	plan, err := NewPlan(PlanOptions{Checkpointer: taskpipe.NewMemoryCheckpointer(), Bus: taskpipe.NewMemoryBus(), Memory: mem})
	require.NoError(t, err)

	next, err := plan.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "init", map[string]any{ParamNoMemory: true}))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.False(t, called.Load())
}

func TestNewPlanValidation(t *testing.T) {
	_, err := NewPlan(PlanOptions{})
	assert.Error(t, err)
	_, err = NewPlan(PlanOptions{Checkpointer: taskpipe.NewMemoryCheckpointer(), Memory: recallFunc(nil)})
	assert.Error(t, err)
}

func TestCrawlIsolatesFailures(t *testing.T) {
	store := index.NewKeywordStore()
	crawl, err := NewCrawl(CrawlOptions{
		Sources: sources.NewSet(
			staticSource("pubmed", index.Document{Source: "pubmed", Content: "mrna vaccines trigger immunity"}),
			staticSource("arxiv", index.Document{Source: "arxiv", Content: "vaccine models"}, index.Document{Source: "arxiv", Content: "immune response"}),
			failingSource("github", retry.NewNonRecoverableError(errors.New("bad credentials"))),
		),
		Ingester: index.New(store),
		Retry:    fastRetry,
	})
	require.NoError(t, err)

	in := taskpipe.NewPayload("task_1", "mrna vaccines", "plan", map[string]any{
		ParamPlan: []any{"pubmed", "arxiv", "github"},
	})
	next, err := crawl.Process(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, next)

	assert.Equal(t, taskpipe.StageCrawl, next.Step)
	assert.Equal(t, map[string]string{"pubmed": "Success", "arxiv": "Success", "github": "Failed"}, next.Data[DataKeyCrawlStatus])
	assert.Equal(t, map[string]any{"pubmed": 1, "arxiv": 2, "github": 0}, next.Data[DataKeyCrawlCounts])
	assert.Equal(t, 3, store.Len(index.DefaultNamespace))
}

func TestCrawlRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := &sources.FuncSource{SourceName: "pubmed", Fn: func(ctx context.Context, q sources.Query) ([]index.Document, error) {
		if calls.Add(1) == 1 {
			return nil, retry.NewRecoverableError(errors.New("connection reset"))
		}
		return []index.Document{{Content: "ok"}}, nil
	}}
	crawl, err := NewCrawl(CrawlOptions{Sources: sources.NewSet(flaky), Ingester: index.New(index.NewKeywordStore()), Retry: fastRetry})
	require.NoError(t, err)

	next, err := crawl.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "plan", map[string]any{ParamPlan: []string{"pubmed"}}))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"pubmed": "Success"}, next.Data[DataKeyCrawlStatus])
	assert.Equal(t, int32(2), calls.Load())
}

func TestCrawlRunsSourcesConcurrently(t *testing.T) {
	var started atomic.Int32
	all := make(chan struct{})
	barrier := func(name string) sources.Source {
		return &sources.FuncSource{SourceName: name, Fn: func(ctx context.Context, q sources.Query) ([]index.Document, error) {
			if started.Add(1) == 3 {
				close(all)
			}
			select {
			case <-all:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}}
	}
	crawl, err := NewCrawl(CrawlOptions{
		Sources:     sources.NewSet(barrier("a"), barrier("b"), barrier("c")),
		Ingester:    index.New(index.NewKeywordStore()),
		Concurrency: 3,
		Retry:       append(fastRetry, retry.WithTimeout(5*time.Second)),
	})
	require.NoError(t, err)

	next, err := crawl.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "plan", map[string]any{ParamPlan: "a,b,c"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "Success", "b": "Success", "c": "Success"}, next.Data[DataKeyCrawlStatus])
}

func TestCrawlOffloadsBlockingSource(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := sources.Blocking("trials", func(q sources.Query) ([]index.Document, error) {
		<-release
		return nil, nil
	})
	crawl, err := NewCrawl(CrawlOptions{
		Sources:  sources.NewSet(stuck, staticSource("arxiv", index.Document{Content: "paper"})),
		Ingester: index.New(index.NewKeywordStore()),
		Retry:    []retry.Option{retry.WithMaxRetries(0), retry.WithTimeout(50 * time.Millisecond)},
	})
	require.NoError(t, err)

	start := time.Now()
	next, err := crawl.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "plan", map[string]any{ParamPlan: []string{"trials", "arxiv"}}))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, map[string]string{"trials": "Failed", "arxiv": "Success"}, next.Data[DataKeyCrawlStatus])
}

func TestCrawlUnknownSourceFails(t *testing.T) {
	crawl, err := NewCrawl(CrawlOptions{Sources: sources.NewSet(staticSource("arxiv")), Ingester: index.New(index.NewKeywordStore())})
	require.NoError(t, err)

	next, err := crawl.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "plan", map[string]any{ParamPlan: []string{"arxiv", "mystery"}}))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"arxiv": "Success", "mystery": "Failed"}, next.Data[DataKeyCrawlStatus])
}

func TestCrawlDefaultsToFullPlan(t *testing.T) {
	set := sources.NewSet(staticSource("pubmed"), staticSource("arxiv"), staticSource("github"), staticSource("trials"))
	crawl, err := NewCrawl(CrawlOptions{Sources: set, Ingester: index.New(index.NewKeywordStore())})
	require.NoError(t, err)

	next, err := crawl.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "plan", nil))
	require.NoError(t, err)
	assert.Len(t, next.Data[DataKeyCrawlStatus], 4)
}

func TestCrawlStopsOnCancel(t *testing.T) {
	crawl, err := NewCrawl(CrawlOptions{Sources: sources.NewSet(staticSource("arxiv")), Ingester: index.New(index.NewKeywordStore())})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = crawl.Process(ctx, taskpipe.NewPayload("task_1", "x", "plan", map[string]any{ParamPlan: []string{"arxiv"}}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewCrawlValidation(t *testing.T) {
	_, err := NewCrawl(CrawlOptions{Sources: sources.NewSet(staticSource("a"))})
	assert.Error(t, err)
	_, err = NewCrawl(CrawlOptions{Ingester: index.New(index.NewKeywordStore())})
	assert.Error(t, err)
}

type retrieverFunc func(ctx context.Context, query string, k int) ([]index.Chunk, error)

func (f retrieverFunc) Query(ctx context.Context, query string, k int) ([]index.Chunk, error) {
	return f(ctx, query, k)
}

func TestRetrieve(t *testing.T) {
	ctx := context.Background()
	idx := index.New(index.NewKeywordStore())
	_, err := idx.Ingest(ctx, []index.Document{
		{Source: "arxiv", Title: "A", Content: "fusion reactors confine plasma"},
		{Source: "pubmed", Title: "B", Content: "unrelated biology"},
	})
	require.NoError(t, err)

	stage, err := NewRetrieve(RetrieveOptions{Retriever: idx, TopK: 3})
	require.NoError(t, err)
	in := taskpipe.NewPayload("task_1", "fusion plasma", "crawl", nil).Next("crawl", map[string]any{DataKeyCrawlStatus: map[string]string{"arxiv": "Success"}})
	next, err := stage.Process(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, taskpipe.StageRetrieve, next.Step)
	chunks, ok := next.Data[taskpipe.DataKeyRAGContext].([]index.Chunk)
	require.True(t, ok)
	require.Len(t, chunks, 1)
	assert.Equal(t, "A", chunks[0].Title)
	assert.Contains(t, next.Data, DataKeyCrawlStatus)
}

func TestRetrieveEmptyAndErrors(t *testing.T) {
	empty, err := NewRetrieve(RetrieveOptions{Retriever: retrieverFunc(func(ctx context.Context, query string, k int) ([]index.Chunk, error) {
		assert.Equal(t, index.DefaultTopK, k)
		return nil, nil
	})})
	require.NoError(t, err)
	next, err := empty.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "crawl", nil))
	require.NoError(t, err)
	assert.Equal(t, []index.Chunk{}, next.Data[taskpipe.DataKeyRAGContext])

	broken, err := NewRetrieve(RetrieveOptions{
		Retriever: retrieverFunc(func(ctx context.Context, query string, k int) ([]index.Chunk, error) {
			return nil, errors.New("connection refused")
		}),
		Retry: fastRetry,
	})
	require.NoError(t, err)
	_, err = broken.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "crawl", nil))
	require.Error(t, err)
	assert.Equal(t, taskpipe.ErrorTypeTransient, taskpipe.ErrorType(err))

	_, err = NewRetrieve(RetrieveOptions{})
	assert.Error(t, err)
}

type rememberCall struct {
	topic, summary, ref string
	tags                []string
}

type fakeMemory struct {
	calls []rememberCall
	err   error
}

func (m *fakeMemory) Remember(ctx context.Context, topic, summary, artifactRef string, tags []string) error {
	m.calls = append(m.calls, rememberCall{topic, summary, artifactRef, tags})
	return m.err
}

// roundTrip returns p as a downstream worker would decode it
func roundTrip(t *testing.T, p taskpipe.Payload) taskpipe.Payload {
	t.Helper()
	body, err := p.Encode()
	require.NoError(t, err)
	out, err := taskpipe.DecodePayload(body)
	require.NoError(t, err)
	return out
}

func TestWrite(t *testing.T) {
	ctx := context.Background()
	artifacts, err := report.NewFileArtifacts(t.TempDir())
	require.NoError(t, err)
	mem := &fakeMemory{}
	stage, err := NewWrite(WriteOptions{Generator: report.MarkdownGenerator{}, Artifacts: artifacts, Memory: mem})
	require.NoError(t, err)

	in := roundTrip(t, taskpipe.NewPayload("task_9", "fusion", "crawl", map[string]any{"scope": "literature"}).
		Next("retrieve", map[string]any{taskpipe.DataKeyRAGContext: []index.Chunk{
			{Source: "arxiv", Title: "A", URL: "https://arxiv.org/abs/1", Content: "Tokamaks confine plasma."},
		}}))
	next, err := stage.Process(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, taskpipe.StageWrite, next.Step)
	ref, _ := next.Data[taskpipe.DataKeyArtifact].(string)
	assert.Equal(t, artifacts.Path("task_9"), ref)
	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Report: fusion")

	summary, _ := next.Data[DataKeySummary].(string)
	assert.NotContains(t, summary, "#")
	assert.NotContains(t, summary, "*")
	assert.True(t, strings.HasPrefix(summary, "Report: fusion"))

	require.Len(t, mem.calls, 1)
	assert.Equal(t, "fusion", mem.calls[0].topic)
	assert.Equal(t, ref, mem.calls[0].ref)
	assert.Equal(t, summary, mem.calls[0].summary)
	assert.Equal(t, []string{"literature"}, mem.calls[0].tags)
}

func TestWriteFromMemoryHitIsNotRemembered(t *testing.T) {
	artifacts, err := report.NewFileArtifacts(t.TempDir())
	require.NoError(t, err)
	mem := &fakeMemory{}
	stage, err := NewWrite(WriteOptions{Generator: report.MarkdownGenerator{}, Artifacts: artifacts, Memory: mem})
	require.NoError(t, err)

	in := taskpipe.NewPayload("task_1", "x", "init", nil).Next(StepMemoryHit, nil)
	next, err := stage.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"init -> memory_hit", "memory_hit -> write"}, next.History)
	assert.Empty(t, mem.calls)
}

func TestWriteIgnoresMemoryFailure(t *testing.T) {
	artifacts, err := report.NewFileArtifacts(t.TempDir())
	require.NoError(t, err)
	stage, err := NewWrite(WriteOptions{Generator: report.MarkdownGenerator{}, Artifacts: artifacts, Memory: &fakeMemory{err: errors.New("down")}})
	require.NoError(t, err)

	_, err = stage.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "retrieve", nil))
	assert.NoError(t, err)
}

func TestWriteGeneratorFailures(t *testing.T) {
	artifacts, err := report.NewFileArtifacts(t.TempDir())
	require.NoError(t, err)
	var calls atomic.Int32
	broken := report.GeneratorFunc(func(ctx context.Context, topic string, chunks []index.Chunk) (string, error) {
		calls.Add(1)
		return "", errors.New("service unavailable")
	})

	withFallback, err := NewWrite(WriteOptions{Generator: broken, Fallback: report.MarkdownGenerator{}, Artifacts: artifacts, Retry: fastRetry})
	require.NoError(t, err)
	next, err := withFallback.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "retrieve", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, next.Data[taskpipe.DataKeyArtifact])
	assert.Equal(t, int32(3), calls.Load())

	without, err := NewWrite(WriteOptions{Generator: broken, Artifacts: artifacts, Retry: fastRetry})
	require.NoError(t, err)
	_, err = without.Process(context.Background(), taskpipe.NewPayload("task_1", "x", "retrieve", nil))
	require.Error(t, err)
	assert.Equal(t, taskpipe.ErrorTypeTransient, taskpipe.ErrorType(err))
}

func TestWriteRejectsMalformedContext(t *testing.T) {
	artifacts, err := report.NewFileArtifacts(t.TempDir())
	require.NoError(t, err)
	stage, err := NewWrite(WriteOptions{Generator: report.MarkdownGenerator{}, Artifacts: artifacts})
	require.NoError(t, err)

	in := taskpipe.NewPayload("task_1", "x", "retrieve", nil).Next("retrieve", map[string]any{taskpipe.DataKeyRAGContext: "not a list"})
	_, err = stage.Process(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, taskpipe.ErrorTypeMalformed, taskpipe.ErrorType(err))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "Title\n\nSome bold text", Summarize("# Title\n\nSome **bold** text"))
	long := strings.Repeat("é", 600)
	assert.Equal(t, 500, len([]rune(Summarize(long))))
}
