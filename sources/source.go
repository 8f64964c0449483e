// Package sources fetches research documents from external services.
package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/taskpipe/index"
)

// Source names, used as keys in crawl plans and status maps
const (
	NamePubMed    = "pubmed"
	NameArXiv     = "arxiv"
	NameGitHub    = "github"
	NameTrials    = "trials"
	NameWebSearch = "web_search"
	NameWebPages  = "web_pages"
)

// Query describes what to fetch
type Query struct {
	Topic  string
	Params map[string]any
}

// Strings returns a list parameter. It accepts a JSON array or a comma
// separated string.
func (q Query) Strings(key string) []string {
	switch v := q.Params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Source fetches documents for a query
type Source interface {
	Name() string
	Fetch(ctx context.Context, q Query) ([]index.Document, error)
}

// Set is a named collection of sources
type Set map[string]Source

// NewSet indexes sources by name
func NewSet(srcs ...Source) Set {
	set := make(Set, len(srcs))
	for _, src := range srcs {
		set[src.Name()] = src
	}
	return set
}

// BlockingFunc fetches documents without support for cancellation
type BlockingFunc func(q Query) ([]index.Document, error)

type blockingSource struct {
	name string
	fn   BlockingFunc
}

// Blocking adapts a blocking fetch into a Source. The call runs on its own
// goroutine so the caller returns as soon as ctx is done; the abandoned call
// finishes in the background and its result is discarded.
func Blocking(name string, fn BlockingFunc) Source {
	return &blockingSource{name: name, fn: fn}
}

func (s *blockingSource) Name() string {
	return s.name
}

type fetchResult struct {
	docs []index.Document
	err  error
}

func (s *blockingSource) Fetch(ctx context.Context, q Query) ([]index.Document, error) {
	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: fmt.Errorf("%s fetch panicked: %v", s.name, r)}
			}
		}()
		docs, err := s.fn(q)
		done <- fetchResult{docs: docs, err: err}
	}()
	select {
	case res := <-done:
		return res.docs, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FuncSource adapts a function into a Source
type FuncSource struct {
	SourceName string
	Fn         func(ctx context.Context, q Query) ([]index.Document, error)
}

func (s *FuncSource) Name() string {
	return s.SourceName
}

func (s *FuncSource) Fetch(ctx context.Context, q Query) ([]index.Document, error) {
	return s.Fn(ctx, q)
}
