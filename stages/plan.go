// Package stages implements the plan, crawl, retrieve and write stages of
// the research pipeline.
package stages

import (
	"context"
	"fmt"
	"slices"

	"github.com/deepnoodle-ai/taskpipe"
	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/sources"
)

// Step names written by the stages besides the stage names themselves
const (
	StepMemoryHit = "memory_hit"
)

// Keys used in payload params and data
const (
	ParamScope    = "scope"
	ParamPlan     = "plan"
	ParamURLs     = "urls"
	ParamNoMemory = "no_memory"

	DataKeyPlan        = "plan"
	DataKeyMemoryHit   = "memory_hit"
	DataKeyCrawlStatus = "crawl_status"
	DataKeyCrawlCounts = "crawl_counts"
	DataKeySummary     = "summary"
)

// Crawl outcomes recorded per source
const (
	StatusSuccess = "Success"
	StatusFailed  = "Failed"
)

// DefaultScope is used when a task does not name one
const DefaultScope = "all"

var scopes = map[string][]string{
	"all":        {sources.NamePubMed, sources.NameArXiv, sources.NameGitHub, sources.NameTrials},
	"literature": {sources.NamePubMed, sources.NameArXiv},
	"code":       {sources.NameGitHub},
	"trials":     {sources.NameTrials},
	"web":        {sources.NameWebSearch},
}

// PlanSources returns the sources to crawl for a scope. Page extraction is
// added whenever the task lists urls.
func PlanSources(scope string, hasURLs bool) ([]string, error) {
	if scope == "" {
		scope = DefaultScope
	}
	names, ok := scopes[scope]
	if !ok {
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
	plan := slices.Clone(names)
	if hasURLs {
		plan = append(plan, sources.NameWebPages)
	}
	return plan, nil
}

// Recaller finds earlier tasks similar to a topic. *index.Memory satisfies it.
type Recaller interface {
	Recall(ctx context.Context, topic string) (*index.Recollection, error)
}

// PlanOptions configures the plan stage
type PlanOptions struct {
	Checkpointer taskpipe.Checkpointer
	Bus          taskpipe.Bus

	// Memory is optional. Without it every task is crawled.
	Memory Recaller

	// ShortcutTopic receives tasks answered from memory. It defaults to the
	// write stage topic.
	ShortcutTopic string
}

// Plan records the task, short-circuits topics already researched and
// otherwise decides which sources to crawl.
type Plan struct {
	checkpointer  taskpipe.Checkpointer
	bus           taskpipe.Bus
	memory        Recaller
	shortcutTopic string
}

var _ taskpipe.Stage = (*Plan)(nil)

// NewPlan returns the plan stage
func NewPlan(opts PlanOptions) (*Plan, error) {
	if opts.Checkpointer == nil {
		return nil, fmt.Errorf("checkpointer required")
	}
	if opts.Memory != nil && opts.Bus == nil {
		return nil, fmt.Errorf("bus required when memory is enabled")
	}
	if opts.ShortcutTopic == "" {
		opts.ShortcutTopic = taskpipe.TopicWriter
	}
	return &Plan{
		checkpointer:  opts.Checkpointer,
		bus:           opts.Bus,
		memory:        opts.Memory,
		shortcutTopic: opts.ShortcutTopic,
	}, nil
}

func (s *Plan) Name() string {
	return taskpipe.StagePlan
}

func (s *Plan) Process(ctx context.Context, p taskpipe.Payload) (*taskpipe.Payload, error) {
	logger := taskpipe.LoggerFromContext(ctx)
	if err := s.checkpointer.InitTask(ctx, p.TaskID, p.Topic, p.Params); err != nil {
		return nil, taskpipe.NewInfrastructureError("checkpoint", err)
	}

	if rec := s.recall(ctx, p); rec != nil {
		logger.Info("reusing earlier research",
			"similar_topic", rec.Topic,
			"score", rec.Score,
			"artifact_ref", rec.ArtifactRef)
		next := p.Next(StepMemoryHit, map[string]any{
			taskpipe.DataKeyRAGContext: []index.Chunk{{
				Content: "Earlier research summary: " + rec.Summary,
				Source:  "memory",
				Title:   rec.Topic,
				URL:     rec.ArtifactRef,
				Score:   rec.Score,
			}},
			DataKeyMemoryHit: map[string]any{
				"topic":        rec.Topic,
				"artifact_ref": rec.ArtifactRef,
				"score":        rec.Score,
			},
		})
		if err := s.checkpointer.SaveCheckpoint(ctx, next, p); err != nil {
			return nil, taskpipe.NewInfrastructureError("checkpoint", err)
		}
		if _, err := taskpipe.PublishPayload(ctx, s.bus, s.shortcutTopic, next); err != nil {
			return nil, taskpipe.NewInfrastructureError("bus", err)
		}
		return nil, nil
	}

	q := sources.Query{Topic: p.Topic, Params: p.Params}
	plan, err := PlanSources(p.ParamString(ParamScope, DefaultScope), len(q.Strings(ParamURLs)) > 0)
	if err != nil {
		return nil, taskpipe.NewMalformedError(s.Name(), err.Error())
	}
	logger.Info("planned crawl", "sources", plan)
	next := p.Next(taskpipe.StagePlan, map[string]any{DataKeyPlan: plan}).
		WithParams(map[string]any{ParamPlan: plan})
	return &next, nil
}

func (s *Plan) recall(ctx context.Context, p taskpipe.Payload) *index.Recollection {
	if s.memory == nil {
		return nil
	}
	if skip, _ := p.Params[ParamNoMemory].(bool); skip {
		return nil
	}
	rec, err := s.memory.Recall(ctx, p.Topic)
	if err != nil {
		taskpipe.LoggerFromContext(ctx).Warn("task memory lookup failed", "error", err)
		return nil
	}
	return rec
}
