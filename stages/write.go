package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/report"
	"github.com/deepnoodle-ai/taskpipe/retry"
)

const summaryLen = 500

// Rememberer stores finished tasks. *index.Memory satisfies it.
type Rememberer interface {
	Remember(ctx context.Context, topic, summary, artifactRef string, tags []string) error
}

// WriteOptions configures the write stage
type WriteOptions struct {
	Generator report.Generator

	// Fallback is used when Generator keeps failing. Optional.
	Fallback report.Generator

	Artifacts report.ArtifactStore

	// Memory is optional
	Memory Rememberer

	Retry []retry.Option
}

// Write produces the final report, stores it and remembers the task
type Write struct {
	generator report.Generator
	fallback  report.Generator
	artifacts report.ArtifactStore
	memory    Rememberer
	retry     []retry.Option
}

var _ taskpipe.Stage = (*Write)(nil)

// NewWrite returns the write stage
func NewWrite(opts WriteOptions) (*Write, error) {
	if opts.Generator == nil {
		return nil, fmt.Errorf("generator required")
	}
	if opts.Artifacts == nil {
		return nil, fmt.Errorf("artifact store required")
	}
	return &Write{
		generator: opts.Generator,
		fallback:  opts.Fallback,
		artifacts: opts.Artifacts,
		memory:    opts.Memory,
		retry:     withTimeout(opts.Retry),
	}, nil
}

func (s *Write) Name() string {
	return taskpipe.StageWrite
}

func (s *Write) Process(ctx context.Context, p taskpipe.Payload) (*taskpipe.Payload, error) {
	logger := taskpipe.LoggerFromContext(ctx)
	chunks, _, err := taskpipe.DataValue[[]index.Chunk](p, taskpipe.DataKeyRAGContext)
	if err != nil {
		return nil, err
	}

	content, err := s.generate(ctx, p.Topic, chunks)
	if err != nil {
		return nil, err
	}

	ref, err := s.artifacts.Save(ctx, p.TaskID, content)
	if err != nil {
		return nil, taskpipe.NewInfrastructureError("artifacts", err)
	}

	summary := Summarize(content)
	if s.memory != nil && p.Step != StepMemoryHit {
		tags := []string{p.ParamString(ParamScope, DefaultScope)}
		if err := s.memory.Remember(ctx, p.Topic, summary, ref, tags); err != nil {
			logger.Warn("failed to remember task", "error", err)
		}
	}
	logger.Info("report written", "artifact_ref", ref, "chunks", len(chunks))

	next := p.Next(taskpipe.StageWrite, map[string]any{
		taskpipe.DataKeyArtifact: ref,
		DataKeySummary:           summary,
	})
	return &next, nil
}

func (s *Write) generate(ctx context.Context, topic string, chunks []index.Chunk) (string, error) {
	var content string
	err := retry.DoContext(ctx, func(ctx context.Context) error {
		var err error
		content, err = s.generator.Generate(ctx, topic, chunks)
		return err
	}, s.retry...)
	if err == nil {
		return content, nil
	}
	if ctx.Err() != nil || s.fallback == nil {
		return "", taskpipe.NewTransientError("report", err)
	}
	taskpipe.LoggerFromContext(ctx).Warn("report generation failed, using fallback", "error", err)
	return s.fallback.Generate(ctx, topic, chunks)
}

// Summarize returns the first 500 characters of a report without markdown
// emphasis or heading marks.
func Summarize(content string) string {
	r := []rune(content)
	if len(r) > summaryLen {
		r = r[:summaryLen]
	}
	return strings.TrimSpace(strings.NewReplacer("#", "", "*", "").Replace(string(r)))
}
