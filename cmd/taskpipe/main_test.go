package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/deepnoodle-ai/taskpipe/config"
	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/stages"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{
		"scope=literature",
		`urls=["https://a.example","https://b.example"]`,
		"no_memory=true",
		"limit=3",
		"note=a=b",
	})
	require.NoError(t, err)
	assert.Equal(t, "literature", params["scope"])
	assert.Equal(t, []any{"https://a.example", "https://b.example"}, params["urls"])
	assert.Equal(t, true, params["no_memory"])
	assert.Equal(t, float64(3), params["limit"])
	assert.Equal(t, "a=b", params["note"])

	_, err = parseParams([]string{"missing"})
	require.Error(t, err)
	_, err = parseParams([]string{"=value"})
	require.Error(t, err)
}

func TestSubmission(t *testing.T) {
	f := submitFlags{
		step:     "init",
		scope:    "code",
		urls:     []string{"https://a.example"},
		params:   []string{"lang=go"},
		noMemory: true,
	}
	sub, err := f.submission("vector databases")
	require.NoError(t, err)
	assert.Equal(t, "vector databases", sub.Topic)
	assert.Equal(t, "init", sub.InitialStep)
	assert.Equal(t, map[string]any{
		stages.ParamScope:    "code",
		stages.ParamURLs:     []string{"https://a.example"},
		stages.ParamNoMemory: true,
		"lang":               "go",
	}, sub.Params)
}

func TestParseStages(t *testing.T) {
	names, err := parseStages("all", taskpipe.DefaultChain)
	require.NoError(t, err)
	assert.Equal(t, taskpipe.DefaultChain.Stages(), names)

	names, err = parseStages(" crawl, write,crawl ", taskpipe.DefaultChain)
	require.NoError(t, err)
	assert.Equal(t, []string{"crawl", "write"}, names)

	_, err = parseStages("crawl,publish", taskpipe.DefaultChain)
	require.Error(t, err)
	_, err = parseStages(",", taskpipe.DefaultChain)
	require.Error(t, err)
}

func TestSelectStages(t *testing.T) {
	plan := taskpipe.NewStageFunction(taskpipe.StagePlan, func(ctx context.Context, p taskpipe.Payload) (*taskpipe.Payload, error) {
		return nil, nil
	})
	write := taskpipe.NewStageFunction(taskpipe.StageWrite, func(ctx context.Context, p taskpipe.Payload) (*taskpipe.Payload, error) {
		return nil, nil
	})
	selected := selectStages(stages.NewSet(plan, write), []string{"write", "crawl"})
	require.Len(t, selected, 1)
	assert.Contains(t, selected, taskpipe.StageWrite)
}

func testView() *taskView {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &taskView{
		Task: &taskpipe.TaskRecord{
			TaskID:      "task_1",
			Topic:       "CRISPR delivery",
			Status:      taskpipe.TaskStatusDone,
			LastStep:    taskpipe.StageWrite,
			ArtifactRef: "reports/report_task_1.md",
			CreatedAt:   created,
			UpdatedAt:   created.Add(time.Minute),
		},
		Steps: []*taskpipe.StepRecord{
			{TaskID: "task_1", Step: "plan", CreatedAt: created},
			{
				TaskID: "task_1",
				Step:   "crawl",
				OutputData: map[string]any{
					stages.DataKeyCrawlStatus: map[string]any{"pubmed": "Success", "trials": "Failed"},
				},
				CreatedAt: created.Add(time.Second),
			},
			{
				TaskID:    "task_1",
				Step:      "write",
				History:   []string{"init -> plan", "plan -> crawl"},
				CreatedAt: created.Add(2 * time.Second),
			},
		},
	}
}

func TestWriteTaskViewText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeTaskView(&buf, testView(), "text"))
	out := buf.String()
	assert.Contains(t, out, "task_1")
	assert.Contains(t, out, "CRISPR delivery")
	assert.Contains(t, out, "DONE")
	assert.Contains(t, out, "reports/report_task_1.md")
	assert.Contains(t, out, "2. crawl")
	assert.Contains(t, out, "pubmed     Success")
	assert.Contains(t, out, "trials     Failed")
	assert.Contains(t, out, "init -> plan, plan -> crawl")
}

func TestWriteTaskViewStructured(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeTaskView(&buf, testView(), "json"))
	var decoded struct {
		Task  taskpipe.TaskRecord   `json:"task"`
		Steps []taskpipe.StepRecord `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "task_1", decoded.Task.TaskID)
	assert.Len(t, decoded.Steps, 3)

	buf.Reset()
	require.NoError(t, writeTaskView(&buf, testView(), "yaml"))
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	task, ok := doc["task"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "DONE", task["status"])

	require.Error(t, writeTaskView(&buf, testView(), "xml"))
}

func TestWriteTaskList(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeTaskList(&buf, nil, "text"))
	assert.Equal(t, "No tasks\n", buf.String())

	buf.Reset()
	require.NoError(t, writeTaskList(&buf, []*taskpipe.TaskRecord{testView().Task}, "text"))
	assert.Contains(t, buf.String(), "task_1")
	assert.Contains(t, buf.String(), "CRISPR delivery")
}

func TestCrawlStatusLines(t *testing.T) {
	lines := crawlStatusLines(map[string]any{
		stages.DataKeyCrawlStatus: map[string]string{"github": "Success", "arxiv": "Failed"},
	})
	assert.Equal(t, []string{"arxiv      Failed", "github     Success"}, lines)
	assert.Nil(t, crawlStatusLines(map[string]any{}))
}

func TestWaitTask(t *testing.T) {
	ctx := context.Background()
	cp := taskpipe.NewMemoryCheckpointer()
	require.NoError(t, cp.InitTask(ctx, "task_1", "topic", nil))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = cp.MarkTaskFailed(ctx, "task_1", "stage crawl: boom")
	}()
	task, err := waitTask(ctx, cp, "task_1", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, taskpipe.TaskStatusFailed, task.Status)

	require.NoError(t, cp.InitTask(ctx, "task_2", "topic", nil))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = waitTask(short, cp, "task_2", 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenMemoryBackends(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Bus.Driver = "memory"
	cfg.Store.Driver = "file"
	cfg.Store.Dir = t.TempDir()

	bus, err := openBus(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &taskpipe.MemoryBus{}, bus)
	require.NoError(t, bus.Close())

	store, closer, err := openStore(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, closer)
	_, ok := store.(taskLister)
	assert.True(t, ok)

	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = t.TempDir() + "/taskpipe.db"
	store, closer, err = openStore(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer()
	_, ok = store.(taskLister)
	assert.True(t, ok)

	cfg.Bus.Driver = "kafka"
	_, err = openBus(ctx, cfg)
	require.Error(t, err)
}

func TestNewVectorStore(t *testing.T) {
	cfg := config.Default().Index
	store, err := newVectorStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &index.KeywordStore{}, store)

	cfg.Driver = "chroma"
	_, err = newVectorStore(cfg, nil)
	require.Error(t, err)
}

func TestNewSources(t *testing.T) {
	cfg := config.Default()
	set, err := newSources(cfg)
	require.NoError(t, err)
	for _, name := range []string{"pubmed", "arxiv", "github", "trials", "web_search", "web_pages"} {
		assert.Contains(t, set, name)
	}

	cfg.Chaos.Enabled = true
	chaotic, err := newSources(cfg)
	require.NoError(t, err)
	assert.Len(t, chaotic, len(set))
	assert.NotEqual(t, set["pubmed"], chaotic["pubmed"])
}

func TestBuildStages(t *testing.T) {
	cfg := config.Default()
	cfg.Artifacts.Dir = t.TempDir()
	a := &app{
		cfg:    cfg,
		logger: newLogger(cfg.Logging),
		bus:    taskpipe.NewMemoryBus(),
		store:  taskpipe.NewMemoryCheckpointer(),
	}
	set, err := buildStages(a)
	require.NoError(t, err)
	assert.Len(t, set, 4)

	workers, err := set.Workers(taskpipe.DefaultChain, a.bus, a.store, 2, a.configureWorker(taskpipe.NewMetricsTracker()))
	require.NoError(t, err)
	assert.Len(t, workers, 8)
}
