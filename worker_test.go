package taskpipe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testIn  = "stream:in"
	testOut = "stream:out"
)

type failingCheckpointer struct {
	*MemoryCheckpointer
	saveErr error
}

func (c *failingCheckpointer) SaveCheckpoint(ctx context.Context, output, input Payload) error {
	if c.saveErr != nil {
		return c.saveErr
	}
	return c.MemoryCheckpointer.SaveCheckpoint(ctx, output, input)
}

func newTestWorker(t *testing.T, bus Bus, cp Checkpointer, stage Stage, modify ...func(*WorkerOptions)) *Worker {
	t.Helper()
	opts := WorkerOptions{
		Stage:           stage,
		Bus:             bus,
		Checkpointer:    cp,
		ListenTopic:     testIn,
		PublishTopic:    testOut,
		Group:           "g",
		Consumer:        "c1",
		BlockTimeout:    10 * time.Millisecond,
		ReclaimInterval: -1,
	}
	for _, fn := range modify {
		fn(&opts)
	}
	w, err := NewWorker(opts)
	require.NoError(t, err)
	require.NoError(t, w.Setup(context.Background()))
	return w
}

func publishTestPayload(t *testing.T, bus Bus, p Payload) string {
	t.Helper()
	id, err := PublishPayload(context.Background(), bus, testIn, p)
	require.NoError(t, err)
	return id
}

func readOut(t *testing.T, bus *MemoryBus) []Payload {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, bus.CreateGroup(ctx, testOut, "reader"))
	msgs, err := bus.Consume(ctx, testOut, "reader", "r", 100, 0)
	require.NoError(t, err)
	var out []Payload
	for _, msg := range msgs {
		p, err := DecodePayload(msg.Body)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

var planStage = NewStageFunction("plan", func(ctx context.Context, p Payload) (*Payload, error) {
	next := p.Next("plan", map[string]any{"planned": true})
	return &next, nil
})

func TestWorkerProcessesMessage(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	cp := NewMemoryCheckpointer()
	require.NoError(t, cp.InitTask(ctx, "task_1", "crispr", nil))
	w := newTestWorker(t, bus, cp, planStage)

	publishTestPayload(t, bus, NewPayload("task_1", "crispr", "init", nil))
	n, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, WorkerStateIdle, w.State())

	require.Empty(t, bus.Pending(testIn, "g"))
	steps, err := cp.ListSteps(ctx, "task_1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, "plan", steps[0].Step)

	task, err := cp.GetTask(ctx, "task_1")
	require.NoError(t, err)
	require.Equal(t, "plan", task.LastStep)
	require.Equal(t, TaskStatusRunning, task.Status)

	out := readOut(t, bus)
	require.Len(t, out, 1)
	require.Equal(t, "plan", out[0].Step)
	require.Equal(t, []string{"init -> plan"}, out[0].History)
}

func TestWorkerDepthBound(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	cp := NewMemoryCheckpointer()
	var calls atomic.Int32
	stage := NewStageFunction("loop", func(ctx context.Context, p Payload) (*Payload, error) {
		calls.Add(1)
		next := p.Next("loop", nil)
		return &next, nil
	})
	w := newTestWorker(t, bus, cp, stage, func(o *WorkerOptions) { o.MaxDepth = 3 })

	p := NewPayload("task_1", "topic", "init", nil)
	p.Depth = 4
	publishTestPayload(t, bus, p)

	_, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(0), calls.Load())
	require.Empty(t, bus.Pending(testIn, "g"))
	require.Equal(t, 0, bus.Len(testOut))
	steps, err := cp.ListSteps(ctx, "task_1")
	require.NoError(t, err)
	require.Empty(t, steps)

	// A payload exactly at the bound is still processed
	p.Depth = 3
	publishTestPayload(t, bus, p)
	_, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 1, bus.Len(testOut))
}

func TestWorkerDropsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	w := newTestWorker(t, bus, NewMemoryCheckpointer(), planStage)

	_, err := bus.Publish(ctx, testIn, []byte(`{"broken`))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, testIn, []byte(`{"task_id":"t","step":"init"}`))
	require.NoError(t, err)

	_, err = w.Poll(ctx)
	require.NoError(t, err)
	_, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, bus.Pending(testIn, "g"))
	require.Equal(t, 0, bus.Len(testOut))
}

func TestWorkerDropsUnsafeTaskID(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	var calls atomic.Int32
	stage := NewStageFunction("plan", func(ctx context.Context, p Payload) (*Payload, error) {
		calls.Add(1)
		return nil, nil
	})
	w := newTestWorker(t, bus, NewMemoryCheckpointer(), stage)
	publishTestPayload(t, bus, NewPayload("../../tmp/owned", "topic", "init", nil))

	_, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(0), calls.Load())
	require.Empty(t, bus.Pending(testIn, "g"))
	require.Equal(t, 0, bus.Len(testOut))
}

func TestWorkerStageLoggerCarriesTaskID(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	var buf bytes.Buffer
	stage := NewStageFunction("plan", func(ctx context.Context, p Payload) (*Payload, error) {
		LoggerFromContext(ctx).Info("planning")
		return nil, nil
	})
	w := newTestWorker(t, bus, NewMemoryCheckpointer(), stage, func(o *WorkerOptions) {
		o.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
	})
	publishTestPayload(t, bus, NewPayload("task_1", "topic", "init", nil))

	_, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"msg":"planning"`)
	require.Contains(t, buf.String(), `"task_id":"task_1"`)
}

func TestWorkerRecoversPanics(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	stage := NewStageFunction("boom", func(ctx context.Context, p Payload) (*Payload, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	})
	w := newTestWorker(t, bus, NewMemoryCheckpointer(), stage)
	publishTestPayload(t, bus, NewPayload("task_1", "topic", "init", nil))

	_, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, bus.Pending(testIn, "g"))
}

func TestWorkerLeavesTransientFailuresPending(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	cp := NewMemoryCheckpointer()
	var calls atomic.Int32
	stage := NewStageFunction("flaky", func(ctx context.Context, p Payload) (*Payload, error) {
		if calls.Add(1) == 1 {
			return nil, context.DeadlineExceeded
		}
		next := p.Next("flaky", nil)
		return &next, nil
	})
	w := newTestWorker(t, bus, cp, stage, func(o *WorkerOptions) {
		o.ReclaimInterval = time.Millisecond
		o.ReclaimMinIdle = time.Millisecond
	})
	id := publishTestPayload(t, bus, NewPayload("task_1", "topic", "init", nil))

	_, err := w.Poll(ctx)
	require.NoError(t, err)
	pending := bus.Pending(testIn, "g")
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].ID)
	require.Equal(t, 0, bus.Len(testOut))

	time.Sleep(5 * time.Millisecond)
	n, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int32(2), calls.Load())
	require.Empty(t, bus.Pending(testIn, "g"))
	require.Equal(t, 1, bus.Len(testOut))
}

func TestWorkerRedeliversAfterCrash(t *testing.T) {
	ctx := context.Background()
	run := func(crash bool) []*StepRecord {
		bus := NewMemoryBus()
		cp := NewMemoryCheckpointer()
		require.NoError(t, cp.InitTask(ctx, "task_1", "crispr", nil))
		w := newTestWorker(t, bus, cp, planStage, func(o *WorkerOptions) {
			o.Consumer = "survivor"
			o.ReclaimInterval = time.Millisecond
			o.ReclaimMinIdle = time.Millisecond
		})
		publishTestPayload(t, bus, NewPayload("task_1", "crispr", "init", nil))

		if crash {
			// A consumer reads the message and dies before acknowledging it
			msgs, err := bus.Consume(ctx, testIn, "g", "crashed", 1, 0)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			time.Sleep(5 * time.Millisecond)
		}

		n, err := w.Poll(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Empty(t, bus.Pending(testIn, "g"))
		require.Equal(t, 1, bus.Len(testOut))

		steps, err := cp.ListSteps(ctx, "task_1")
		require.NoError(t, err)
		return steps
	}

	normal := run(false)
	crashed := run(true)
	require.Len(t, crashed, len(normal))
	for i := range normal {
		require.Equal(t, normal[i].Step, crashed[i].Step)
		require.Equal(t, normal[i].InputData, crashed[i].InputData)
		require.Equal(t, normal[i].OutputData, crashed[i].OutputData)
		require.Equal(t, normal[i].History, crashed[i].History)
	}
}

func TestWorkerAbortsOnStoreFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := NewMemoryBus()
	cp := &failingCheckpointer{
		MemoryCheckpointer: NewMemoryCheckpointer(),
		saveErr:            errors.New("dial tcp 127.0.0.1:5432: connection refused"),
	}
	var stopped atomic.Bool
	callbacks := &stopRecorder{stopped: &stopped}
	w := newTestWorker(t, bus, cp, planStage, func(o *WorkerOptions) { o.Callbacks = callbacks })
	publishTestPayload(t, bus, NewPayload("task_1", "topic", "init", nil))

	err := w.Run(ctx)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, ErrorTypeInfrastructure, ErrorType(err))
	require.Equal(t, WorkerStateStopped, w.State())
	require.True(t, stopped.Load())

	// Not acknowledged and not published
	require.Len(t, bus.Pending(testIn, "g"), 1)
	require.Equal(t, 0, bus.Len(testOut))
}

func TestWorkerMarksTerminalTaskDone(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	cp := NewMemoryCheckpointer()
	require.NoError(t, cp.InitTask(ctx, "task_1", "crispr", nil))
	stage := NewStageFunction("write", func(ctx context.Context, p Payload) (*Payload, error) {
		next := p.Next("write", map[string]any{DataKeyArtifact: "report_task_1.md"})
		return &next, nil
	})
	w := newTestWorker(t, bus, cp, stage, func(o *WorkerOptions) {
		o.PublishTopic = ""
		o.Terminal = true
	})
	publishTestPayload(t, bus, NewPayload("task_1", "crispr", "retrieve", nil))

	_, err := w.Poll(ctx)
	require.NoError(t, err)
	task, err := cp.GetTask(ctx, "task_1")
	require.NoError(t, err)
	require.Equal(t, TaskStatusDone, task.Status)
	require.Equal(t, "report_task_1.md", task.ArtifactRef)
	require.Equal(t, "write", task.LastStep)
	require.Equal(t, 0, bus.Len(testOut))
}

func TestWorkerNilResultSkipsCheckpointAndPublish(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	cp := NewMemoryCheckpointer()
	stage := NewStageFunction("redirect", func(ctx context.Context, p Payload) (*Payload, error) {
		return nil, nil
	})
	w := newTestWorker(t, bus, cp, stage)
	publishTestPayload(t, bus, NewPayload("task_1", "topic", "init", nil))

	_, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, bus.Pending(testIn, "g"))
	require.Equal(t, 0, bus.Len(testOut))
	steps, err := cp.ListSteps(ctx, "task_1")
	require.NoError(t, err)
	require.Empty(t, steps)
}

func TestWorkerDeadLetters(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	cp := NewMemoryCheckpointer()
	require.NoError(t, cp.InitTask(ctx, "task_1", "topic", nil))
	stage := NewStageFunction("down", func(ctx context.Context, p Payload) (*Payload, error) {
		return nil, errors.New("service unavailable")
	})
	w := newTestWorker(t, bus, cp, stage, func(o *WorkerOptions) {
		o.MaxDeliveries = 1
		o.DeadLetterTopic = TopicDeadLetter
		o.ReclaimInterval = time.Millisecond
		o.ReclaimMinIdle = time.Millisecond
	})
	publishTestPayload(t, bus, NewPayload("task_1", "topic", "init", nil))

	_, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, bus.Pending(testIn, "g"), 1)

	time.Sleep(5 * time.Millisecond)
	_, err = w.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, bus.Pending(testIn, "g"))
	require.Equal(t, 1, bus.Len(TopicDeadLetter))

	task, err := cp.GetTask(ctx, "task_1")
	require.NoError(t, err)
	require.Equal(t, TaskStatusFailed, task.Status)
	require.Contains(t, task.Error, "exceeded 1 deliveries")
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	bus := NewMemoryBus()
	cp := NewMemoryCheckpointer()
	metrics := NewMetricsTracker()
	logDir := t.TempDir()
	stageLogger := NewFileStageLogger(logDir)
	w := newTestWorker(t, bus, cp, planStage, func(o *WorkerOptions) {
		o.Callbacks = metrics
		o.StageLogger = stageLogger
	})
	publishTestPayload(t, bus, NewPayload("task_1", "topic", "init", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Handled() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, WorkerStateStopped, w.State())

	snapshot := metrics.Snapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, "plan", snapshot[0].Stage)
	require.Equal(t, 1, snapshot[0].Success)
	require.Contains(t, metrics.Report(), "plan")

	entries, err := stageLogger.GetStageHistory(context.Background(), "task_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "init", entries[0].Step)
	require.Equal(t, "plan", entries[0].NextStep)
}

func TestNewWorkerValidation(t *testing.T) {
	_, err := NewWorker(WorkerOptions{})
	require.Error(t, err)
	_, err = NewWorker(WorkerOptions{Stage: planStage, Bus: NewMemoryBus(), Checkpointer: NewMemoryCheckpointer()})
	require.ErrorContains(t, err, "listen topic")

	route, err := DefaultChain.Route(StageCrawl)
	require.NoError(t, err)
	w, err := NewWorker(RouteOptions(route, planStage, NewMemoryBus(), NewMemoryCheckpointer()))
	require.NoError(t, err)
	require.Contains(t, w.Consumer(), "plan-")
	require.Equal(t, WorkerStateIdle, w.State())
}

type stopRecorder struct {
	BaseWorkerCallbacks
	stopped *atomic.Bool
}

func (r *stopRecorder) WorkerStopped(ctx context.Context, event *WorkerEvent) {
	r.stopped.Store(true)
}
