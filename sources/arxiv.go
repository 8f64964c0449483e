package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/retry"
)

// ArXivBaseURL is the arXiv query API endpoint
const ArXivBaseURL = "https://export.arxiv.org/api/query"

// ArXiv searches arXiv preprints through its Atom API
type ArXiv struct {
	BaseURL    string
	Client     *http.Client
	MaxResults int
}

// NewArXiv returns an arXiv source with default settings
func NewArXiv() *ArXiv {
	return &ArXiv{
		BaseURL:    ArXivBaseURL,
		Client:     defaultClient(),
		MaxResults: 20,
	}
}

func (a *ArXiv) Name() string {
	return NameArXiv
}

type atomFeed struct {
	Entries []atomEntry `xml:"http://www.w3.org/2005/Atom entry"`
}

type atomEntry struct {
	ID        string `xml:"http://www.w3.org/2005/Atom id"`
	Title     string `xml:"http://www.w3.org/2005/Atom title"`
	Summary   string `xml:"http://www.w3.org/2005/Atom summary"`
	Published string `xml:"http://www.w3.org/2005/Atom published"`
	DOI       string `xml:"http://arxiv.org/schemas/atom doi"`
}

func (a *ArXiv) Fetch(ctx context.Context, q Query) ([]index.Document, error) {
	params := url.Values{
		"search_query": {"all:" + q.Topic},
		"start":        {"0"},
		"max_results":  {strconv.Itoa(a.MaxResults)},
	}
	body, err := get(ctx, a.Client, a.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("arxiv query failed: %w", err)
	}
	return parseArXiv(body)
}

func parseArXiv(body []byte) ([]index.Document, error) {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, retry.NewNonRecoverableError(fmt.Errorf("failed to parse arxiv feed: %w", err))
	}
	docs := make([]index.Document, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		abstract := strings.TrimSpace(e.Summary)
		if abstract == "" {
			continue
		}
		meta := map[string]any{"date": e.Published}
		if e.DOI != "" {
			meta["doi"] = e.DOI
		}
		docs = append(docs, index.Document{
			Source:   NameArXiv,
			Title:    strings.Join(strings.Fields(e.Title), " "),
			URL:      strings.TrimSpace(e.ID),
			Content:  cleanText(abstract, 0),
			Metadata: meta,
		})
	}
	return docs, nil
}
