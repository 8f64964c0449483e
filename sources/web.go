package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/go-shiori/go-readability"
	"github.com/tmc/langchaingo/tools/duckduckgo"
)

const webPageLimit = 50000

// Searcher runs a text web search. *duckduckgo.Tool satisfies it.
type Searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

// WebSearch turns the results of a web search into a single document
type WebSearch struct {
	searcher Searcher
}

// NewWebSearch returns a DuckDuckGo backed web search source
func NewWebSearch(maxResults int) (*WebSearch, error) {
	ddg, err := duckduckgo.New(maxResults, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to create web search client: %w", err)
	}
	return &WebSearch{searcher: ddg}, nil
}

// NewWebSearchWith returns a web search source using searcher
func NewWebSearchWith(searcher Searcher) *WebSearch {
	return &WebSearch{searcher: searcher}
}

func (w *WebSearch) Name() string {
	return NameWebSearch
}

func (w *WebSearch) Fetch(ctx context.Context, q Query) ([]index.Document, error) {
	res, err := w.searcher.Call(ctx, q.Topic)
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}
	res = cleanText(res, webPageLimit)
	if res == "" {
		return nil, nil
	}
	return []index.Document{{
		Source:  NameWebSearch,
		Title:   "Web results: " + q.Topic,
		Content: res,
	}}, nil
}

// WebPages extracts the readable text of the pages listed in the "urls"
// query parameter.
type WebPages struct {
	Client *http.Client
}

// NewWebPages returns a page extraction source
func NewWebPages() *WebPages {
	return &WebPages{Client: defaultClient()}
}

func (w *WebPages) Name() string {
	return NameWebPages
}

// Fetch returns a document per page. Pages that fail are skipped unless all
// of them fail.
func (w *WebPages) Fetch(ctx context.Context, q Query) ([]index.Document, error) {
	var docs []index.Document
	var errs []error
	for _, rawURL := range q.Strings("urls") {
		doc, err := w.page(ctx, rawURL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if doc.Content != "" {
			docs = append(docs, doc)
		}
	}
	if len(docs) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return docs, nil
}

func (w *WebPages) page(ctx context.Context, rawURL string) (index.Document, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return index.Document{}, fmt.Errorf("invalid page url %q", rawURL)
	}
	body, err := get(ctx, w.Client, rawURL, nil)
	if err != nil {
		return index.Document{}, err
	}
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return index.Document{}, fmt.Errorf("failed to parse article %s: %w", rawURL, err)
	}
	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = rawURL
	}
	meta := map[string]any{}
	if article.Excerpt != "" {
		meta["excerpt"] = article.Excerpt
	}
	return index.Document{
		Source:   NameWebPages,
		Title:    title,
		URL:      rawURL,
		Content:  cleanText(article.TextContent, webPageLimit),
		Metadata: meta,
	}, nil
}
