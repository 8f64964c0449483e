package taskpipe

import (
	"context"
	"time"
)

// WorkerCallbacks defines the callback interface for worker events
type WorkerCallbacks interface {
	// Message-level callbacks
	BeforeMessage(ctx context.Context, event *MessageEvent)
	AfterMessage(ctx context.Context, event *MessageEvent)

	// Worker-level callbacks
	WorkerStopped(ctx context.Context, event *WorkerEvent)
}

// MessageEvent provides context for message handling events. Result fields
// are only set for AfterMessage.
type MessageEvent struct {
	Stage      string
	Topic      string
	MessageID  string
	Deliveries int
	TaskID     string
	Step       string
	NextStep   string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Acked      bool
	Decision   Decision
	Error      error
}

// WorkerEvent provides context for worker lifecycle events
type WorkerEvent struct {
	Stage    string
	Consumer string
	Handled  int
	Error    error
}

// BaseWorkerCallbacks provides a default implementation that does nothing
type BaseWorkerCallbacks struct{}

func (n *BaseWorkerCallbacks) BeforeMessage(ctx context.Context, event *MessageEvent) {
	// noop
}

func (n *BaseWorkerCallbacks) AfterMessage(ctx context.Context, event *MessageEvent) {
	// noop
}

func (n *BaseWorkerCallbacks) WorkerStopped(ctx context.Context, event *WorkerEvent) {
	// noop
}

// NewBaseWorkerCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseWorkerCallbacks() WorkerCallbacks {
	return &BaseWorkerCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []WorkerCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...WorkerCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback WorkerCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeMessage(ctx context.Context, event *MessageEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeMessage(ctx, event)
	}
}

func (c *CallbackChain) AfterMessage(ctx context.Context, event *MessageEvent) {
	for _, callback := range c.callbacks {
		callback.AfterMessage(ctx, event)
	}
}

func (c *CallbackChain) WorkerStopped(ctx context.Context, event *WorkerEvent) {
	for _, callback := range c.callbacks {
		callback.WorkerStopped(ctx, event)
	}
}
