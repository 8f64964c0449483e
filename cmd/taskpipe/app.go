package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/deepnoodle-ai/taskpipe/config"
	"github.com/deepnoodle-ai/taskpipe/redisbus"
	"github.com/deepnoodle-ai/taskpipe/retry"
	"github.com/deepnoodle-ai/taskpipe/sqlstore"
)

// taskLister is implemented by the checkpointers that can enumerate tasks
type taskLister interface {
	ListTasks(ctx context.Context, status taskpipe.TaskStatus, limit int) ([]*taskpipe.TaskRecord, error)
}

// app holds the connections shared by every command
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     taskpipe.Bus
	store   taskpipe.Checkpointer
	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg.Logging)}

	bus, err := openBus(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.bus = bus
	a.closers = append(a.closers, bus.Close)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}
	return a, nil
}

// Close releases connections in reverse order of opening
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := taskpipe.ParseLevel(cfg.Level)
	if cfg.Format == "json" {
		return taskpipe.NewJSONLogger(level)
	}
	return taskpipe.NewLogger(level)
}

func openBus(ctx context.Context, cfg *config.Config) (taskpipe.Bus, error) {
	switch cfg.Bus.Driver {
	case "memory":
		return taskpipe.NewMemoryBus(), nil
	case "redis":
		bus, err := redisbus.New(ctx, redisbus.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			MaxLen:   cfg.Redis.MaxLen,
		})
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (taskpipe.Checkpointer, func() error, error) {
	switch cfg.Store.Driver {
	case "memory":
		return taskpipe.NewMemoryCheckpointer(), nil, nil
	case "file":
		cp, err := taskpipe.NewFileCheckpointer(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		return cp, nil, nil
	case "sqlite", "postgres":
		store, err := sqlstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func retryOptions(cfg config.RetryConfig, logger *slog.Logger) []retry.Option {
	return []retry.Option{
		retry.WithMaxRetries(cfg.MaxRetries),
		retry.WithBaseWait(cfg.BaseWait),
		retry.WithMaxWait(cfg.MaxWait),
		retry.WithBackoff(cfg.Backoff),
		retry.WithTimeout(cfg.Timeout),
		retry.WithOnRetry(func(attempt int, wait time.Duration, err error) {
			logger.Debug("retrying call", "attempt", attempt, "wait", wait, "error", err)
		}),
	}
}

// configureWorker applies the bus and worker settings to every worker
func (a *app) configureWorker(callbacks taskpipe.WorkerCallbacks) func(*taskpipe.WorkerOptions) {
	var stageLogger taskpipe.StageLogger
	if a.cfg.Worker.StageLogDir != "" {
		stageLogger = taskpipe.NewFileStageLogger(a.cfg.Worker.StageLogDir)
	}
	return func(o *taskpipe.WorkerOptions) {
		o.Group = a.cfg.Bus.Group
		o.BatchSize = a.cfg.Bus.BatchSize
		o.BlockTimeout = a.cfg.Bus.BlockTimeout
		o.ReclaimInterval = a.cfg.Bus.ReclaimInterval
		o.ReclaimMinIdle = a.cfg.Bus.ReclaimMinIdle
		o.MaxDeliveries = a.cfg.Bus.MaxDeliveries
		o.DeadLetterTopic = a.cfg.Bus.DeadLetterTopic
		o.MaxDepth = a.cfg.Worker.MaxDepth
		o.CommitTimeout = a.cfg.Worker.CommitTimeout
		o.Logger = a.logger
		o.StageLogger = stageLogger
		o.Callbacks = callbacks
	}
}
