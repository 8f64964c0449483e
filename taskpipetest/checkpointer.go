// Package taskpipetest provides shared tests and fakes for taskpipe
// implementations.
package taskpipetest

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/stretchr/testify/require"
)

// TestCheckpointer runs the behavior every Checkpointer must provide.
// newCheckpointer must return an empty checkpointer on each call.
func TestCheckpointer(t *testing.T, newCheckpointer func(t *testing.T) taskpipe.Checkpointer) {
	ctx := context.Background()

	t.Run("init task is idempotent", func(t *testing.T) {
		cp := newCheckpointer(t)
		require.NoError(t, cp.InitTask(ctx, "task_a", "crispr", map[string]any{"depth": "deep"}))
		first, err := cp.GetTask(ctx, "task_a")
		require.NoError(t, err)
		require.Equal(t, taskpipe.TaskStatusRunning, first.Status)
		require.Equal(t, "crispr", first.Topic)
		require.Equal(t, "deep", first.Params["depth"])
		require.False(t, first.CreatedAt.IsZero())

		time.Sleep(2 * time.Millisecond)
		require.NoError(t, cp.InitTask(ctx, "task_a", "crispr", map[string]any{"depth": "quick"}))
		second, err := cp.GetTask(ctx, "task_a")
		require.NoError(t, err)
		require.Equal(t, taskpipe.TaskStatusRunning, second.Status)
		require.Equal(t, "quick", second.Params["depth"])
		require.True(t, first.CreatedAt.Equal(second.CreatedAt))
	})

	t.Run("unknown task", func(t *testing.T) {
		cp := newCheckpointer(t)
		_, err := cp.GetTask(ctx, "task_missing")
		require.ErrorIs(t, err, taskpipe.ErrTaskNotFound)
		steps, err := cp.ListSteps(ctx, "task_missing")
		require.NoError(t, err)
		require.Empty(t, steps)
		require.ErrorIs(t, cp.MarkTaskDone(ctx, "task_missing", ""), taskpipe.ErrTaskNotFound)
	})

	t.Run("save checkpoint twice leaves one record", func(t *testing.T) {
		cp := newCheckpointer(t)
		require.NoError(t, cp.InitTask(ctx, "task_b", "topic", nil))
		input := taskpipe.NewPayload("task_b", "topic", "init", nil)
		output := input.Next("plan", map[string]any{"plan": "x"})

		require.NoError(t, cp.SaveCheckpoint(ctx, output, input))
		require.NoError(t, cp.SaveCheckpoint(ctx, output, input))

		steps, err := cp.ListSteps(ctx, "task_b")
		require.NoError(t, err)
		require.Len(t, steps, 1)
		require.Equal(t, "plan", steps[0].Step)
		require.Equal(t, "x", steps[0].OutputData["plan"])
		require.Equal(t, []string{"init -> plan"}, steps[0].History)

		task, err := cp.GetTask(ctx, "task_b")
		require.NoError(t, err)
		require.Equal(t, "plan", task.LastStep)
	})

	t.Run("steps are listed in write order", func(t *testing.T) {
		cp := newCheckpointer(t)
		require.NoError(t, cp.InitTask(ctx, "task_c", "topic", nil))
		p := taskpipe.NewPayload("task_c", "topic", "init", nil)
		for _, step := range []string{"plan", "crawl", "retrieve", "write"} {
			next := p.Next(step, map[string]any{step: true})
			require.NoError(t, cp.SaveCheckpoint(ctx, next, p))
			p = next
			time.Sleep(time.Millisecond)
		}
		// Rewriting an earlier step keeps its position
		first := taskpipe.NewPayload("task_c", "topic", "init", nil)
		require.NoError(t, cp.SaveCheckpoint(ctx, first.Next("plan", nil), first))

		steps, err := cp.ListSteps(ctx, "task_c")
		require.NoError(t, err)
		var names []string
		for _, s := range steps {
			names = append(names, s.Step)
		}
		require.Equal(t, []string{"plan", "crawl", "retrieve", "write"}, names)
		require.Equal(t, true, steps[3].InputData["retrieve"])
	})

	t.Run("mark done and failed", func(t *testing.T) {
		cp := newCheckpointer(t)
		require.NoError(t, cp.InitTask(ctx, "task_d", "topic", nil))
		require.NoError(t, cp.MarkTaskDone(ctx, "task_d", "reports/report_task_d.md"))
		task, err := cp.GetTask(ctx, "task_d")
		require.NoError(t, err)
		require.Equal(t, taskpipe.TaskStatusDone, task.Status)
		require.Equal(t, "reports/report_task_d.md", task.ArtifactRef)

		require.NoError(t, cp.InitTask(ctx, "task_e", "topic", nil))
		require.NoError(t, cp.MarkTaskFailed(ctx, "task_e", "too many deliveries"))
		task, err = cp.GetTask(ctx, "task_e")
		require.NoError(t, err)
		require.Equal(t, taskpipe.TaskStatusFailed, task.Status)
		require.Equal(t, "too many deliveries", task.Error)
	})
}
