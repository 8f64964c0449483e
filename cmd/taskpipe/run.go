package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	runArgs    submitFlags
	runTimeout time.Duration
	runOutput  string
)

var runCmd = &cobra.Command{
	Use:   "run <topic>",
	Short: "Run one task through every stage in this process",
	Long: `Start workers for all stages, submit a single task and wait until it
is done or has failed. Works with the memory bus and store, which makes it
the simplest way to try the pipeline locally.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRunCmd,
}

func init() {
	runArgs.register(runCmd)
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 10*time.Minute, "how long to wait for the task")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(runCmd)
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sub, err := runArgs.submission(strings.Join(args, " "))
	if err != nil {
		return err
	}
	set, err := buildStages(a)
	if err != nil {
		return err
	}
	metrics := taskpipe.NewMetricsTracker()
	workers, err := set.Workers(taskpipe.DefaultChain, a.bus, a.store, a.cfg.Worker.Replicas, a.configureWorker(metrics))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	workersCtx, stopWorkers := context.WithCancel(gctx)
	g.Go(func() error { return runWorkers(workersCtx, workers) })

	var task *taskpipe.TaskRecord
	g.Go(func() error {
		defer stopWorkers()
		taskID, err := taskpipe.Submit(gctx, a.bus, a.store, taskpipe.DefaultChain, sub)
		if err != nil {
			return err
		}
		color.Blue("Running task %s: %s", taskID, sub.Topic)
		task, err = waitTask(gctx, a.store, taskID, 200*time.Millisecond)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, metrics.Report())

	view, err := loadTaskView(ctx, a.store, task.TaskID)
	if err != nil {
		return err
	}
	if err := writeTaskView(os.Stdout, view, runOutput); err != nil {
		return err
	}
	if task.Status == taskpipe.TaskStatusFailed {
		return fmt.Errorf("task %s failed: %s", task.TaskID, task.Error)
	}
	return nil
}

// waitTask polls the store until the task is done or has failed
func waitTask(ctx context.Context, store taskpipe.Checkpointer, taskID string, interval time.Duration) (*taskpipe.TaskRecord, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := store.GetTask(ctx, taskID)
		if err != nil && !errors.Is(err, taskpipe.ErrTaskNotFound) {
			return nil, err
		}
		if task != nil && task.Status != taskpipe.TaskStatusRunning {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}
