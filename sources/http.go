package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/taskpipe/retry"
)

// DefaultUserAgent is sent with every request
const DefaultUserAgent = "Mozilla/5.0 (compatible; taskpipe/1.0)"

// maxBodySize caps how much of a response is read
const maxBodySize = 10 << 20

func defaultClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// get performs a GET request and returns the body. Non-2xx responses are
// returned as *retry.StatusError.
func get(ctx context.Context, client *http.Client, rawURL string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, &retry.StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", rawURL, err)
	}
	return body, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, header http.Header, v any) error {
	body, err := get(ctx, client, rawURL, header)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return retry.NewNonRecoverableError(fmt.Errorf("failed to decode response from %s: %w", rawURL, err))
	}
	return nil
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
