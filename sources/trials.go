package sources

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/deepnoodle-ai/taskpipe/index"
	"github.com/deepnoodle-ai/taskpipe/retry"
)

// TrialsBaseURL is the ClinicalTrials.gov v2 studies endpoint
const TrialsBaseURL = "https://clinicaltrials.gov/api/v2/studies"

// Trials queries ClinicalTrials.gov. Its client has no context support, so
// Source wraps it with Blocking.
type Trials struct {
	BaseURL    string
	Client     *http.Client
	MaxResults int
}

// NewTrials returns a ClinicalTrials.gov client with default settings
func NewTrials() *Trials {
	return &Trials{
		BaseURL:    TrialsBaseURL,
		Client:     &http.Client{Timeout: 30 * time.Second},
		MaxResults: 5,
	}
}

// Source returns the client as a cancellable Source
func (t *Trials) Source() Source {
	return Blocking(NameTrials, t.FetchBlocking)
}

type trialsResponse struct {
	Studies []struct {
		Protocol struct {
			Identification struct {
				NCTID      string `json:"nctId"`
				BriefTitle string `json:"briefTitle"`
			} `json:"identificationModule"`
			Status struct {
				OverallStatus string `json:"overallStatus"`
			} `json:"statusModule"`
			Design struct {
				Enrollment struct {
					Count *int `json:"count"`
				} `json:"enrollmentInfo"`
			} `json:"designModule"`
			Description struct {
				BriefSummary string `json:"briefSummary"`
			} `json:"descriptionModule"`
		} `json:"protocolSection"`
	} `json:"studies"`
}

// FetchBlocking performs the query synchronously
func (t *Trials) FetchBlocking(q Query) ([]index.Document, error) {
	params := url.Values{
		"query.term": {q.Topic},
		"pageSize":   {strconv.Itoa(t.MaxResults)},
	}
	rawURL := t.BaseURL + "?" + params.Encode()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trials query failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	var found trialsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&found); err != nil {
		return nil, retry.NewNonRecoverableError(fmt.Errorf("failed to decode trials response: %w", err))
	}

	docs := make([]index.Document, 0, len(found.Studies))
	for _, s := range found.Studies {
		p := s.Protocol
		enrollment := "unknown"
		if p.Design.Enrollment.Count != nil {
			enrollment = strconv.Itoa(*p.Design.Enrollment.Count)
		}
		status := p.Status.OverallStatus
		if status == "" {
			status = "unknown"
		}
		content := fmt.Sprintf("Trial Title: %s\nStatus: %s\nEnrollment: %s\n",
			p.Identification.BriefTitle, status, enrollment)
		if p.Description.BriefSummary != "" {
			content += "Summary: " + p.Description.BriefSummary + "\n"
		}
		docs = append(docs, index.Document{
			Source:  NameTrials,
			Title:   p.Identification.BriefTitle,
			URL:     "https://clinicaltrials.gov/study/" + p.Identification.NCTID,
			Content: cleanText(content, 0),
			Metadata: map[string]any{
				"trial_id":         p.Identification.NCTID,
				"trial_status":     status,
				"trial_enrollment": enrollment,
			},
		})
	}
	return docs, nil
}
