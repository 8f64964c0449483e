package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/deepnoodle-ai/taskpipe/stages"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	workerStage    string
	workerReplicas int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run stage workers until interrupted",
	Long: `Run workers for one or more stages. Each worker joins the stage's
consumer group, so several processes can share the load of a stage.
The process exits with an error when a worker aborts on an
infrastructure failure, leaving restarts to the supervisor.`,
	RunE: runWorkerCmd,
}

func init() {
	workerCmd.Flags().StringVarP(&workerStage, "stage", "s", "all", "stages to run: all, or a comma separated list of plan, crawl, retrieve, write")
	workerCmd.Flags().IntVarP(&workerReplicas, "replicas", "r", 0, "workers per stage (default from config)")
	rootCmd.AddCommand(workerCmd)
}

func runWorkerCmd(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	names, err := parseStages(workerStage, taskpipe.DefaultChain)
	if err != nil {
		return err
	}
	all, err := buildStages(a)
	if err != nil {
		return err
	}
	replicas := workerReplicas
	if replicas <= 0 {
		replicas = a.cfg.Worker.Replicas
	}

	metrics := taskpipe.NewMetricsTracker()
	workers, err := selectStages(all, names).Workers(taskpipe.DefaultChain, a.bus, a.store, replicas, a.configureWorker(metrics))
	if err != nil {
		return err
	}
	color.Blue("Starting %d workers for %s", len(workers), strings.Join(names, ", "))

	err = runWorkers(ctx, workers)
	fmt.Println(metrics.Report())
	return err
}

// runWorkers runs workers until ctx is done or one of them aborts
func runWorkers(ctx context.Context, workers []*taskpipe.Worker) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// parseStages expands "all" and checks every name against the chain
func parseStages(value string, chain taskpipe.Chain) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "all" {
		return chain.Stages(), nil
	}
	var names []string
	seen := map[string]bool{}
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		if _, err := chain.Route(name); err != nil {
			return nil, err
		}
		seen[name] = true
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no stages selected")
	}
	return names, nil
}

func selectStages(all stages.Set, names []string) stages.Set {
	selected := make(stages.Set, len(names))
	for _, name := range names {
		if stage, ok := all[name]; ok {
			selected[name] = stage
		}
	}
	return selected
}
