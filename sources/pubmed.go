package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/retry"
)

// PubMedBaseURL is the NCBI E-utilities endpoint
const PubMedBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// PubMed searches PubMed abstracts with esearch and efetch
type PubMed struct {
	BaseURL    string
	Client     *http.Client
	MaxResults int

	// Pause is slept before each request to stay under the NCBI rate limit
	Pause time.Duration
}

// NewPubMed returns a PubMed source with default settings
func NewPubMed() *PubMed {
	return &PubMed{
		BaseURL:    PubMedBaseURL,
		Client:     defaultClient(),
		MaxResults: 10,
		Pause:      340 * time.Millisecond,
	}
}

func (p *PubMed) Name() string {
	return NamePubMed
}

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type pubmedArticleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	PMID     string   `xml:"MedlineCitation>PMID"`
	Title    string   `xml:"MedlineCitation>Article>ArticleTitle"`
	Abstract []string `xml:"MedlineCitation>Article>Abstract>AbstractText"`
	Year     string   `xml:"MedlineCitation>Article>Journal>JournalIssue>PubDate>Year"`
	Journal  string   `xml:"MedlineCitation>Article>Journal>Title"`
}

func (p *PubMed) Fetch(ctx context.Context, q Query) ([]index.Document, error) {
	if err := sleep(ctx, p.Pause); err != nil {
		return nil, err
	}
	search := url.Values{
		"db":      {"pubmed"},
		"term":    {q.Topic},
		"retmax":  {strconv.Itoa(p.MaxResults)},
		"retmode": {"json"},
	}
	var found esearchResponse
	if err := getJSON(ctx, p.Client, p.BaseURL+"/esearch.fcgi?"+search.Encode(), nil, &found); err != nil {
		return nil, fmt.Errorf("pubmed search failed: %w", err)
	}
	ids := found.Result.IDList
	if len(ids) == 0 {
		return nil, nil
	}

	if err := sleep(ctx, p.Pause); err != nil {
		return nil, err
	}
	fetch := url.Values{
		"db":      {"pubmed"},
		"id":      {strings.Join(ids, ",")},
		"retmode": {"xml"},
	}
	body, err := get(ctx, p.Client, p.BaseURL+"/efetch.fcgi?"+fetch.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("pubmed fetch failed: %w", err)
	}
	return parsePubMed(body)
}

func parsePubMed(body []byte) ([]index.Document, error) {
	var set pubmedArticleSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, retry.NewNonRecoverableError(fmt.Errorf("failed to parse pubmed response: %w", err))
	}
	var docs []index.Document
	for _, a := range set.Articles {
		abstract := strings.TrimSpace(strings.Join(a.Abstract, "\n"))
		if abstract == "" {
			continue
		}
		docs = append(docs, index.Document{
			Source:  NamePubMed,
			Title:   strings.TrimSpace(a.Title),
			URL:     fmt.Sprintf("https://pubmed.ncbi.nlm.nih.gov/%s/", a.PMID),
			Content: cleanText(abstract, 0),
			Metadata: map[string]any{
				"pmid":    a.PMID,
				"date":    a.Year,
				"journal": a.Journal,
			},
		})
	}
	return docs, nil
}
