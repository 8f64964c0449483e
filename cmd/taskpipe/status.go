package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/deepnoodle-ai/taskpipe/stages"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	statusOutput string
	listStatus   string
	listLimit    int
	listOutput   string
)

// taskView is the task and its steps as printed by the status command
type taskView struct {
	Task  *taskpipe.TaskRecord   `json:"task" yaml:"task"`
	Steps []*taskpipe.StepRecord `json:"steps" yaml:"steps"`
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the status and steps of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		view, err := loadTaskView(ctx, a.store, args[0])
		if err != nil {
			return err
		}
		return writeTaskView(os.Stdout, view, statusOutput)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		lister, ok := a.store.(taskLister)
		if !ok {
			return fmt.Errorf("the %s store cannot list tasks", a.cfg.Store.Driver)
		}
		tasks, err := lister.ListTasks(ctx, taskpipe.TaskStatus(strings.ToUpper(listStatus)), listLimit)
		if err != nil {
			return err
		}
		return writeTaskList(os.Stdout, tasks, listOutput)
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format: text, json or yaml")
	listCmd.Flags().StringVar(&listStatus, "status", "", "only tasks with this status: running, done or failed")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum number of tasks")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd, listCmd)
}

func loadTaskView(ctx context.Context, store taskpipe.Checkpointer, taskID string) (*taskView, error) {
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, taskpipe.ErrTaskNotFound) {
			return nil, fmt.Errorf("task %s not found", taskID)
		}
		return nil, err
	}
	steps, err := store.ListSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &taskView{Task: task, Steps: steps}, nil
}

func writeTaskView(w io.Writer, view *taskView, format string) error {
	switch format {
	case "json":
		return writeJSON(w, view)
	case "yaml":
		return writeYAML(w, view)
	case "text", "":
		renderTaskView(w, view)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeTaskList(w io.Writer, tasks []*taskpipe.TaskRecord, format string) error {
	switch format {
	case "json":
		return writeJSON(w, tasks)
	case "yaml":
		return writeYAML(w, tasks)
	case "text", "":
		if len(tasks) == 0 {
			fmt.Fprintln(w, "No tasks")
			return nil
		}
		for _, t := range tasks {
			fmt.Fprintf(w, "%s  %s  %-8s  %s\n",
				t.CreatedAt.Local().Format(time.DateTime), t.TaskID, statusColor(t.Status), t.Topic)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func renderTaskView(w io.Writer, view *taskView) {
	task := view.Task
	label := color.New(color.FgCyan).SprintFunc()

	fmt.Fprintf(w, "%s %s\n", label("Task:    "), task.TaskID)
	fmt.Fprintf(w, "%s %s\n", label("Topic:   "), task.Topic)
	fmt.Fprintf(w, "%s %s\n", label("Status:  "), statusColor(task.Status))
	if task.LastStep != "" {
		fmt.Fprintf(w, "%s %s\n", label("Step:    "), task.LastStep)
	}
	if task.ArtifactRef != "" {
		fmt.Fprintf(w, "%s %s\n", label("Report:  "), task.ArtifactRef)
	}
	if task.Error != "" {
		fmt.Fprintf(w, "%s %s\n", label("Error:   "), color.RedString(task.Error))
	}
	fmt.Fprintf(w, "%s %s\n", label("Created: "), task.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "%s %s\n", label("Updated: "), task.UpdatedAt.Local().Format(time.DateTime))

	if len(view.Steps) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, color.YellowString("Steps:"))
	for i, step := range view.Steps {
		fmt.Fprintf(w, "  %d. %-10s %s\n", i+1, step.Step, step.CreatedAt.Local().Format(time.DateTime))
		for _, line := range crawlStatusLines(step.OutputData) {
			fmt.Fprintf(w, "       %s\n", line)
		}
	}
	last := view.Steps[len(view.Steps)-1]
	if len(last.History) > 0 {
		fmt.Fprintf(w, "\n%s %s\n", label("History:"), strings.Join(last.History, ", "))
	}
}

func statusColor(status taskpipe.TaskStatus) string {
	switch status {
	case taskpipe.TaskStatusDone:
		return color.GreenString(string(status))
	case taskpipe.TaskStatusFailed:
		return color.RedString(string(status))
	default:
		return color.YellowString(string(status))
	}
}

// crawlStatusLines renders the per source outcome of a crawl step, sorted by
// source name. Decoded records hold the map as map[string]any.
func crawlStatusLines(data map[string]any) []string {
	status := map[string]string{}
	switch v := data[stages.DataKeyCrawlStatus].(type) {
	case map[string]string:
		status = v
	case map[string]any:
		for name, s := range v {
			status[name] = fmt.Sprint(s)
		}
	default:
		return nil
	}
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		s := status[name]
		if s == stages.StatusSuccess {
			s = color.GreenString(s)
		} else {
			s = color.RedString(s)
		}
		lines = append(lines, fmt.Sprintf("%-10s %s", name, s))
	}
	return lines
}
