package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/deepnoodle-ai/taskpipe/stages"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// submitFlags are shared by the submit and run commands
type submitFlags struct {
	taskID   string
	step     string
	scope    string
	urls     []string
	params   []string
	noMemory bool
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.taskID, "task-id", "", "task ID (generated when empty)")
	cmd.Flags().StringVar(&f.step, "step", taskpipe.DefaultInitialStep, "initial step name")
	cmd.Flags().StringVar(&f.scope, "scope", "", "source scope: all, literature, code, trials or web")
	cmd.Flags().StringSliceVar(&f.urls, "url", nil, "page to crawl in addition to the scope (repeatable)")
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "task parameter as key=value, values may be JSON (repeatable)")
	cmd.Flags().BoolVar(&f.noMemory, "no-memory", false, "always crawl, even when a similar topic was researched")
}

func (f *submitFlags) submission(topic string) (taskpipe.Submission, error) {
	params, err := parseParams(f.params)
	if err != nil {
		return taskpipe.Submission{}, err
	}
	if f.scope != "" {
		params[stages.ParamScope] = f.scope
	}
	if len(f.urls) > 0 {
		params[stages.ParamURLs] = f.urls
	}
	if f.noMemory {
		params[stages.ParamNoMemory] = true
	}
	return taskpipe.Submission{
		TaskID:      f.taskID,
		Topic:       topic,
		InitialStep: f.step,
		Params:      params,
	}, nil
}

var submitArgs submitFlags

var submitCmd = &cobra.Command{
	Use:   "submit <topic>",
	Short: "Submit a research task to the pipeline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		sub, err := submitArgs.submission(strings.Join(args, " "))
		if err != nil {
			return err
		}
		taskID, err := taskpipe.Submit(ctx, a.bus, a.store, taskpipe.DefaultChain, sub)
		if err != nil {
			return err
		}
		color.Green("Submitted task %s", taskID)
		fmt.Println(taskID)
		return nil
	},
}

func init() {
	submitArgs.register(submitCmd)
	rootCmd.AddCommand(submitCmd)
}

// parseParams parses key=value pairs. Values that are valid JSON are
// decoded, everything else is kept as a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}
