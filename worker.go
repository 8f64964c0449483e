package taskpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// WorkerState is the current phase of a worker
type WorkerState string

const (
	WorkerStateIdle          WorkerState = "IDLE"
	WorkerStateReading       WorkerState = "READING"
	WorkerStateProcessing    WorkerState = "PROCESSING"
	WorkerStateCheckpointing WorkerState = "CHECKPOINTING"
	WorkerStateAcknowledging WorkerState = "ACKNOWLEDGING"
	WorkerStatePublishing    WorkerState = "PUBLISHING"
	WorkerStateStopped       WorkerState = "STOPPED"
)

// Worker defaults
const (
	DefaultBatchSize       = 1
	DefaultBlockTimeout    = 5 * time.Second
	DefaultReclaimInterval = 30 * time.Second
	DefaultReclaimMinIdle  = time.Minute
	DefaultCommitTimeout   = 30 * time.Second
)

// WorkerOptions configures a new worker
type WorkerOptions struct {
	Stage        Stage
	Bus          Bus
	Checkpointer Checkpointer

	ListenTopic  string
	PublishTopic string
	Group        string
	Consumer     string

	// Terminal marks tasks DONE after the stage succeeds.
	Terminal bool

	BatchSize    int
	BlockTimeout time.Duration
	MaxDepth     int

	// ReclaimInterval is how often the worker takes over messages left
	// pending by other consumers. A negative value disables reclaiming.
	ReclaimInterval time.Duration

	// ReclaimMinIdle is how long a message must sit unacknowledged before
	// it can be reclaimed.
	ReclaimMinIdle time.Duration

	// MaxDeliveries drops messages delivered more than this many times.
	// Zero means unlimited.
	MaxDeliveries   int
	DeadLetterTopic string

	// CommitTimeout bounds the checkpoint, acknowledge and publish calls
	// made after a stage has processed a message. These calls are not
	// interrupted by cancellation of the worker's context.
	CommitTimeout time.Duration

	Classifier  *Classifier
	Logger      *slog.Logger
	StageLogger StageLogger
	Callbacks   WorkerCallbacks
}

// RouteOptions returns worker options for a route of the chain.
func RouteOptions(route Route, stage Stage, bus Bus, checkpointer Checkpointer) WorkerOptions {
	return WorkerOptions{
		Stage:        stage,
		Bus:          bus,
		Checkpointer: checkpointer,
		ListenTopic:  route.ListenTopic,
		PublishTopic: route.PublishTopic,
		Group:        route.Group,
		Terminal:     route.Terminal,
	}
}

// Worker consumes one topic as a member of one consumer group and runs a
// stage on every message: process, checkpoint, acknowledge, publish.
type Worker struct {
	stage        Stage
	bus          Bus
	checkpointer Checkpointer
	listenTopic  string
	publishTopic string
	group        string
	consumer     string
	terminal     bool

	batchSize       int
	blockTimeout    time.Duration
	maxDepth        int
	reclaimInterval time.Duration
	reclaimMinIdle  time.Duration
	maxDeliveries   int
	deadLetterTopic string
	commitTimeout   time.Duration
	pollBackoff     time.Duration

	classifier  *Classifier
	logger      *slog.Logger
	stageLogger StageLogger
	callbacks   WorkerCallbacks

	state       atomic.Value
	handled     atomic.Int64
	nextReclaim time.Time
}

// NewWorker creates a new worker
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Stage == nil {
		return nil, fmt.Errorf("stage required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus required")
	}
	if opts.Checkpointer == nil {
		return nil, fmt.Errorf("checkpointer required")
	}
	if opts.ListenTopic == "" {
		return nil, fmt.Errorf("listen topic required")
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.Consumer == "" {
		opts.Consumer = NewConsumerName(opts.Stage.Name())
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = DefaultBlockTimeout
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.ReclaimInterval == 0 {
		opts.ReclaimInterval = DefaultReclaimInterval
	}
	if opts.ReclaimMinIdle <= 0 {
		opts.ReclaimMinIdle = DefaultReclaimMinIdle
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = DefaultCommitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(ClassifierOptions{Logger: opts.Logger})
	}
	if opts.StageLogger == nil {
		opts.StageLogger = NewNullStageLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewBaseWorkerCallbacks()
	}

	w := &Worker{
		stage:           opts.Stage,
		bus:             opts.Bus,
		checkpointer:    opts.Checkpointer,
		listenTopic:     opts.ListenTopic,
		publishTopic:    opts.PublishTopic,
		group:           opts.Group,
		consumer:        opts.Consumer,
		terminal:        opts.Terminal,
		batchSize:       opts.BatchSize,
		blockTimeout:    opts.BlockTimeout,
		maxDepth:        opts.MaxDepth,
		reclaimInterval: opts.ReclaimInterval,
		reclaimMinIdle:  opts.ReclaimMinIdle,
		maxDeliveries:   opts.MaxDeliveries,
		deadLetterTopic: opts.DeadLetterTopic,
		commitTimeout:   opts.CommitTimeout,
		pollBackoff:     time.Second,
		classifier:      opts.Classifier,
		logger: opts.Logger.With(
			"stage", opts.Stage.Name(),
			"topic", opts.ListenTopic,
			"consumer", opts.Consumer),
		stageLogger: opts.StageLogger,
		callbacks:   opts.Callbacks,
	}
	w.state.Store(WorkerStateIdle)
	return w, nil
}

// Name returns the stage name
func (w *Worker) Name() string {
	return w.stage.Name()
}

// Consumer returns the consumer name used within the group
func (w *Worker) Consumer() string {
	return w.consumer
}

// State returns the current worker state
func (w *Worker) State() WorkerState {
	return w.state.Load().(WorkerState)
}

// Handled returns the number of messages handled so far
func (w *Worker) Handled() int {
	return int(w.handled.Load())
}

func (w *Worker) setState(state WorkerState) {
	w.state.Store(state)
}

// Run consumes messages until ctx is canceled, in which case it returns nil,
// or until the classifier decides to abort, in which case it returns an
// *AbortError.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Setup(ctx); err != nil {
		return w.stop(ctx, err)
	}
	w.logger.Info("worker started", "group", w.group)

	for {
		if ctx.Err() != nil {
			return w.stop(ctx, nil)
		}
		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return w.stop(ctx, nil)
			}
			var abortErr *AbortError
			if errors.As(err, &abortErr) {
				return w.stop(ctx, err)
			}
			w.logger.Warn("poll failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.pollBackoff):
			}
		}
	}
}

// Setup creates the consumer group. Run calls it before consuming.
func (w *Worker) Setup(ctx context.Context) error {
	if err := w.bus.CreateGroup(ctx, w.listenTopic, w.group); err != nil {
		return &AbortError{Stage: w.stage.Name(), Err: NewInfrastructureError("bus", err)}
	}
	return nil
}

func (w *Worker) stop(ctx context.Context, err error) error {
	w.setState(WorkerStateStopped)
	if err != nil {
		w.logger.Error("worker stopped", "error", err, "handled", w.Handled())
	} else {
		w.logger.Info("worker stopped", "handled", w.Handled())
	}
	w.callbacks.WorkerStopped(ctx, &WorkerEvent{
		Stage:    w.stage.Name(),
		Consumer: w.consumer,
		Handled:  w.Handled(),
		Error:    err,
	})
	return err
}

// Poll runs one read cycle: it reclaims idle pending messages when a reclaim
// is due, otherwise it reads new messages, and handles everything it got.
// It returns the number of messages handled.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	msgs, err := w.reclaimDue(ctx)
	if err != nil {
		return 0, w.busError(ctx, err)
	}
	if len(msgs) == 0 {
		w.setState(WorkerStateReading)
		msgs, err = w.bus.Consume(ctx, w.listenTopic, w.group, w.consumer, w.batchSize, w.blockTimeout)
		if err != nil {
			w.setState(WorkerStateIdle)
			return 0, w.busError(ctx, err)
		}
	}
	for i, msg := range msgs {
		if err := w.handle(ctx, msg); err != nil {
			return i, err
		}
	}
	w.setState(WorkerStateIdle)
	return len(msgs), nil
}

func (w *Worker) reclaimDue(ctx context.Context) ([]Message, error) {
	if w.reclaimInterval < 0 {
		return nil, nil
	}
	now := time.Now()
	if now.Before(w.nextReclaim) {
		return nil, nil
	}
	w.nextReclaim = now.Add(w.reclaimInterval)
	msgs, err := w.bus.Reclaim(ctx, w.listenTopic, w.group, w.consumer, w.reclaimMinIdle, w.batchSize)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		w.logger.Info("reclaimed pending messages", "count", len(msgs))
		// Keep draining the backlog before reading new messages
		w.nextReclaim = now
	}
	return msgs, nil
}

func (w *Worker) busError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err = NewInfrastructureError("bus", err)
	if w.classifier.Classify(err, "bus", "") == DecisionAbort {
		return &AbortError{Stage: w.stage.Name(), Err: err}
	}
	return err
}

// handle runs the full cycle for one message. It only returns an error when
// the worker must stop.
func (w *Worker) handle(ctx context.Context, msg Message) error {
	start := time.Now()
	event := &MessageEvent{
		Stage:      w.stage.Name(),
		Topic:      msg.Topic,
		MessageID:  msg.ID,
		Deliveries: msg.Deliveries,
		StartTime:  start,
	}
	w.callbacks.BeforeMessage(ctx, event)
	defer func() {
		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(start)
		w.handled.Add(1)
		w.callbacks.AfterMessage(ctx, event)
		w.logStage(ctx, event)
	}()

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.commitTimeout)
	defer cancel()

	if w.maxDeliveries > 0 && msg.Deliveries > w.maxDeliveries {
		return w.deadLetter(commitCtx, msg, event)
	}

	var input Payload
	next, component, err := w.process(ctx, commitCtx, msg, &input)
	event.TaskID = input.TaskID
	event.Step = input.Step
	if next != nil {
		event.NextStep = next.Step
	}
	logger := w.logger.With("message_id", msg.ID, "task_id", input.TaskID)

	if err != nil {
		event.Error = err
		event.Decision = w.classifier.Classify(err, component, input.TaskID)
		switch event.Decision {
		case DecisionRetry:
			logger.Warn("leaving message pending for redelivery", "error", err)
			return nil
		case DecisionAbort:
			return &AbortError{Stage: w.stage.Name(), Err: err}
		default:
			logger.Warn("dropping message", "error", err)
			if ackErr := w.ack(commitCtx, msg); ackErr != nil {
				return ackErr
			}
			event.Acked = true
			return nil
		}
	}

	if err := w.ack(commitCtx, msg); err != nil {
		event.Error = err
		return err
	}
	event.Acked = true

	if next != nil && w.publishTopic != "" {
		w.setState(WorkerStatePublishing)
		id, err := PublishPayload(commitCtx, w.bus, w.publishTopic, *next)
		if err != nil {
			event.Error = err
			return w.commitError(err, "bus", input.TaskID)
		}
		logger.Debug("published payload", "next_topic", w.publishTopic, "next_id", id)
	}

	logger.Info("processed message",
		"step", input.Step,
		"next_step", event.NextStep,
		"duration", time.Since(start))
	return nil
}

// process covers parsing, the depth guard, the stage itself, checkpointing
// and completion. It returns the component responsible for any error.
func (w *Worker) process(ctx, commitCtx context.Context, msg Message, input *Payload) (*Payload, string, error) {
	w.setState(WorkerStateProcessing)
	p, err := DecodePayload(msg.Body)
	if err != nil {
		return nil, "payload", err
	}
	*input = p

	if p.Depth > w.maxDepth {
		return nil, "worker", fmt.Errorf("task %s at depth %d (max %d): %w",
			p.TaskID, p.Depth, w.maxDepth, ErrMaxDepthExceeded)
	}

	stageCtx := WithLogger(ctx, w.logger.With("task_id", p.TaskID))
	next, err := w.invoke(stageCtx, p)
	if err != nil {
		return nil, w.stage.Name(), err
	}
	if next != nil && (next.TaskID != p.TaskID || next.Topic != p.Topic) {
		return nil, w.stage.Name(), NewMalformedError(w.stage.Name(), "stage changed task identity")
	}

	if next != nil {
		w.setState(WorkerStateCheckpointing)
		if err := w.checkpointer.SaveCheckpoint(commitCtx, *next, p); err != nil {
			return next, "checkpoint", NewInfrastructureError("checkpoint", err)
		}
	}

	if w.terminal {
		artifactRef := ""
		if next != nil {
			artifactRef, _ = next.Data[DataKeyArtifact].(string)
		}
		if err := w.checkpointer.MarkTaskDone(commitCtx, p.TaskID, artifactRef); err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				return next, "checkpoint", NewMalformedError("checkpoint", err.Error())
			}
			return next, "checkpoint", NewInfrastructureError("checkpoint", err)
		}
	}
	return next, "", nil
}

func (w *Worker) invoke(ctx context.Context, p Payload) (next *Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("stage panicked",
				"task_id", p.TaskID,
				"panic", r,
				"stack", string(debug.Stack()))
			next = nil
			err = NewMalformedError(w.stage.Name(), fmt.Sprintf("panic: %v", r))
		}
	}()
	return w.stage.Process(ctx, p)
}

func (w *Worker) ack(ctx context.Context, msg Message) error {
	w.setState(WorkerStateAcknowledging)
	if err := w.bus.Ack(ctx, w.listenTopic, w.group, msg.ID); err != nil {
		return w.commitError(err, "bus", "")
	}
	return nil
}

// commitError classifies a failure after processing. Anything other than an
// abort is logged and swallowed since the message can no longer be retried
// safely.
func (w *Worker) commitError(err error, component, taskID string) error {
	err = NewInfrastructureError(component, err)
	if w.classifier.Classify(err, component, taskID) == DecisionAbort {
		return &AbortError{Stage: w.stage.Name(), Err: err}
	}
	w.logger.Error("commit failed", "task_id", taskID, "error", err)
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, msg Message, event *MessageEvent) error {
	var taskID string
	if p, err := DecodePayload(msg.Body); err == nil {
		taskID = p.TaskID
		event.TaskID = p.TaskID
		event.Step = p.Step
	}
	reason := fmt.Sprintf("message %s exceeded %d deliveries on %s", msg.ID, w.maxDeliveries, w.listenTopic)
	event.Error = errors.New(reason)
	event.Decision = DecisionSkip

	if w.deadLetterTopic != "" {
		w.setState(WorkerStatePublishing)
		if _, err := w.bus.Publish(ctx, w.deadLetterTopic, msg.Body); err != nil {
			return w.commitError(err, "bus", taskID)
		}
	}
	if taskID != "" {
		if err := w.checkpointer.MarkTaskFailed(ctx, taskID, reason); err != nil && !errors.Is(err, ErrTaskNotFound) {
			return w.commitError(err, "checkpoint", taskID)
		}
	}
	if err := w.ack(ctx, msg); err != nil {
		return err
	}
	event.Acked = true
	w.logger.Error("dead-lettered message", "task_id", taskID, "message_id", msg.ID, "deliveries", msg.Deliveries)
	return nil
}

func (w *Worker) logStage(ctx context.Context, event *MessageEvent) {
	entry := &StageLogEntry{
		ID:         NewRunID(),
		TaskID:     event.TaskID,
		Stage:      event.Stage,
		Step:       event.Step,
		NextStep:   event.NextStep,
		MessageID:  event.MessageID,
		Topic:      event.Topic,
		Deliveries: event.Deliveries,
		Decision:   event.Decision,
		StartTime:  event.StartTime,
		Duration:   event.Duration.Seconds(),
	}
	if event.Error != nil {
		entry.Error = event.Error.Error()
	}
	if err := w.stageLogger.LogStage(context.WithoutCancel(ctx), entry); err != nil {
		w.logger.Warn("failed to write stage log", "error", err)
	}
}
