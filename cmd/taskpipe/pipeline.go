package main

import (
	"fmt"

	"github.com/deepnoodle-ai/taskpipe/config"
	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/report"
	"github.com/deepnoodle-ai/taskpipe/sources"
	"github.com/deepnoodle-ai/taskpipe/stages"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/vectorstores"
	"github.com/tmc/langchaingo/vectorstores/chroma"
)

// buildStages creates the four pipeline stages from the configuration
func buildStages(a *app) (stages.Set, error) {
	cfg := a.cfg
	model, err := newModel(cfg.LLM)
	if err != nil {
		return nil, err
	}
	store, err := newVectorStore(cfg.Index, model)
	if err != nil {
		return nil, err
	}
	docs := index.New(store,
		index.WithNamespace(cfg.Index.Namespace),
		index.WithChunking(cfg.Index.ChunkSize, cfg.Index.ChunkOverlap))
	memory := index.NewMemory(store, cfg.Index.MemoryNamespace, cfg.Index.MemoryThreshold)

	srcs, err := newSources(cfg)
	if err != nil {
		return nil, err
	}
	artifacts, err := report.NewFileArtifacts(cfg.Artifacts.Dir)
	if err != nil {
		return nil, err
	}
	retryOpts := retryOptions(cfg.Retry, a.logger)

	plan, err := stages.NewPlan(stages.PlanOptions{
		Checkpointer: a.store,
		Bus:          a.bus,
		Memory:       memory,
	})
	if err != nil {
		return nil, err
	}
	crawl, err := stages.NewCrawl(stages.CrawlOptions{
		Sources:     srcs,
		Ingester:    docs,
		Concurrency: cfg.Crawl.Concurrency,
		Retry:       retryOpts,
	})
	if err != nil {
		return nil, err
	}
	retrieve, err := stages.NewRetrieve(stages.RetrieveOptions{
		Retriever: docs,
		TopK:      cfg.Index.TopK,
		Retry:     retryOpts,
	})
	if err != nil {
		return nil, err
	}

	writeOpts := stages.WriteOptions{
		Generator: report.MarkdownGenerator{},
		Artifacts: artifacts,
		Memory:    memory,
		Retry:     retryOpts,
	}
	if model != nil {
		writeOpts.Generator = report.NewLLMGenerator(model)
		writeOpts.Fallback = report.MarkdownGenerator{}
	}
	write, err := stages.NewWrite(writeOpts)
	if err != nil {
		return nil, err
	}
	return stages.NewSet(plan, crawl, retrieve, write), nil
}

// newModel returns nil when no provider is configured
func newModel(cfg config.LLMConfig) (*openai.LLM, error) {
	if cfg.Provider != "openai" {
		return nil, nil
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return llm, nil
}

func newVectorStore(cfg config.IndexConfig, model *openai.LLM) (vectorstores.VectorStore, error) {
	switch cfg.Driver {
	case "memory":
		return index.NewKeywordStore(), nil
	case "chroma":
		if model == nil {
			return nil, fmt.Errorf("chroma index requires an embedding provider")
		}
		embedder, err := embeddings.NewEmbedder(model)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		store, err := chroma.New(
			chroma.WithChromaURL(cfg.ChromaURL),
			chroma.WithEmbedder(embedder),
			chroma.WithNameSpace(cfg.Namespace),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to chroma: %w", err)
		}
		return &store, nil
	default:
		return nil, fmt.Errorf("unknown index driver %q", cfg.Driver)
	}
}

func newSources(cfg *config.Config) (sources.Set, error) {
	pubmed := sources.NewPubMed()
	pubmed.MaxResults = cfg.Crawl.PubMedResults
	arxiv := sources.NewArXiv()
	arxiv.MaxResults = cfg.Crawl.ArXivResults
	github := sources.NewGitHub(cfg.Crawl.GitHubToken)
	github.Limit = cfg.Crawl.GitHubRepos
	trials := sources.NewTrials()
	trials.MaxResults = cfg.Crawl.TrialsResults
	web, err := sources.NewWebSearch(cfg.Crawl.WebSearchResults)
	if err != nil {
		return nil, err
	}

	all := []sources.Source{pubmed, arxiv, github, trials.Source(), web, sources.NewWebPages()}
	if cfg.Chaos.Enabled {
		for i, src := range all {
			all[i] = sources.WithChaos(src, cfg.Chaos.FailureRate)
		}
	}
	return sources.NewSet(all...), nil
}
