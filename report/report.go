// Package report turns retrieved context into a markdown report and stores
// the result.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/sources"
	"github.com/tmc/langchaingo/llms"
)

// Generator writes a report about topic from retrieved chunks
type Generator interface {
	Generate(ctx context.Context, topic string, chunks []index.Chunk) (string, error)
}

// GeneratorFunc adapts a function into a Generator
type GeneratorFunc func(ctx context.Context, topic string, chunks []index.Chunk) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, topic string, chunks []index.Chunk) (string, error) {
	return f(ctx, topic, chunks)
}

const promptTemplate = `You are a research analyst. Write a structured markdown report about "%s".

Use only the sources below. Include these sections:
# Report: <topic>
## Summary
## Highlights
## Clinical Trials (only when trial records are among the sources)
## Findings
## Conclusions (statements supported by two or more different sources)
## To Verify (statements found in a single source)
## References (numbered, matching the source numbers)

Sources:
%s`

// LLMGenerator asks a language model to write the report
type LLMGenerator struct {
	Model llms.Model
	Opts  []llms.CallOption
}

// NewLLMGenerator returns a generator backed by model
func NewLLMGenerator(model llms.Model, opts ...llms.CallOption) *LLMGenerator {
	return &LLMGenerator{Model: model, Opts: opts}
}

func (g *LLMGenerator) Generate(ctx context.Context, topic string, chunks []index.Chunk) (string, error) {
	var sources strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&sources, "[%d] (%s) %s %s\n%s\n\n", i+1, c.Source, c.Title, c.URL, c.Content)
	}
	if len(chunks) == 0 {
		sources.WriteString("(no sources were found)\n")
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, g.Model, fmt.Sprintf(promptTemplate, topic, sources.String()), g.Opts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("failed to generate report: empty completion")
	}
	return out + "\n", nil
}

// MarkdownGenerator assembles a report from the chunks without a model.
// Clinical trial records get their own overview and appendix, and the
// sentences of all chunks are cross checked between sources.
type MarkdownGenerator struct {
	// ExcerptLen bounds each finding excerpt
	ExcerptLen int
	// MaxFindings bounds the number of findings listed
	MaxFindings int
	// MaxTrials bounds the trials listed in the appendix
	MaxTrials int
}

func (g MarkdownGenerator) Generate(ctx context.Context, topic string, chunks []index.Chunk) (string, error) {
	excerptLen := g.ExcerptLen
	if excerptLen <= 0 {
		excerptLen = 180
	}
	maxFindings := g.MaxFindings
	if maxFindings <= 0 {
		maxFindings = 3
	}
	maxTrials := g.MaxTrials
	if maxTrials <= 0 {
		maxTrials = 5
	}

	var trialChunks, other []index.Chunk
	for _, c := range chunks {
		if c.Source == sources.NameTrials {
			trialChunks = append(trialChunks, c)
		} else {
			other = append(other, c)
		}
	}
	trials := distinctTrials(trialChunks)
	ordered := append(trialChunks, other...)

	var b strings.Builder
	fmt.Fprintf(&b, "# Report: %s\n\n", topic)

	b.WriteString("## Summary\n\n")
	counts := map[string]int{}
	for _, c := range chunks {
		counts[sourceName(c)]++
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(chunks) == 0 {
		fmt.Fprintf(&b, "No source material was retrieved for **%s**.\n\n", topic)
	} else {
		fmt.Fprintf(&b, "This report collects %d excerpts about **%s** from %s.\n\n",
			len(chunks), topic, strings.Join(names, ", "))
	}

	b.WriteString("## Highlights\n\n")
	if len(names) == 0 {
		b.WriteString("None.\n")
	}
	for _, name := range names {
		fmt.Fprintf(&b, "- **%s**: %d excerpts\n", name, counts[name])
	}

	if len(trials) > 0 {
		b.WriteString("\n## Clinical Trials\n\n")
		for _, c := range trials {
			fmt.Fprintf(&b, "- **%s** | status: %s | enrollment: %s ([link](%s))\n",
				trialTitle(c), metaOr(c, "trial_status", "N/A"), metaOr(c, "trial_enrollment", "N/A"), reference(c))
		}
	}

	b.WriteString("\n## Findings\n\n")
	if len(other) == 0 {
		b.WriteString("None.\n")
	}
	for i, c := range other {
		if i == maxFindings {
			break
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", sourceName(c), excerpt(c.Content, excerptLen))
	}

	conclusions, toVerify := ClassifyFacts(ExtractFacts(ordered))
	b.WriteString("\n## Conclusions\n\n")
	writeFacts(&b, conclusions)
	b.WriteString("\n## To Verify\n\n")
	writeFacts(&b, toVerify)

	b.WriteString("\n## Appendix: Clinical Trials\n\n")
	if len(trials) == 0 {
		b.WriteString("No trial records.\n")
	}
	for i, c := range trials {
		if i == maxTrials {
			break
		}
		fmt.Fprintf(&b, "- **%s** (status: %s, id: %s)\n",
			trialTitle(c), metaOr(c, "trial_status", "unknown"), metaOr(c, "trial_id", "unknown"))
	}

	b.WriteString("\n## References\n\n")
	for i, c := range ordered {
		fmt.Fprintf(&b, "[%d] **%s** %s\n", i+1, sourceName(c), reference(c))
	}
	return b.String(), nil
}

func writeFacts(b *strings.Builder, facts []Fact) {
	if len(facts) == 0 {
		b.WriteString("None.\n")
	}
	for _, f := range facts {
		fmt.Fprintf(b, "- %s (%d excerpts from %s)\n", f.Text, len(f.Support), strings.Join(f.Sources(), ", "))
	}
}

// distinctTrials keeps the first chunk of every trial, since long trial
// records are split into several chunks.
func distinctTrials(chunks []index.Chunk) []index.Chunk {
	seen := map[string]bool{}
	var out []index.Chunk
	for _, c := range chunks {
		key := c.Metadata["trial_id"]
		if key == "" {
			key = c.URL
		}
		if key != "" && seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func trialTitle(c index.Chunk) string {
	if c.Title == "" {
		return "untitled"
	}
	return c.Title
}

func metaOr(c index.Chunk, key, fallback string) string {
	if v := c.Metadata[key]; v != "" {
		return v
	}
	return fallback
}

func reference(c index.Chunk) string {
	switch {
	case c.URL != "":
		return c.URL
	case c.Title != "":
		return c.Title
	default:
		return "#"
	}
}

func sourceName(c index.Chunk) string {
	if c.Source == "" {
		return "unknown"
	}
	return c.Source
}

func excerpt(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}
