package orchestrator

import (
	"context"
	"net/http"
	"time"
)

func newWarmupHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

// probe issues a single GET and returns the response status code.
func probe(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
