package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/refineloop/internal/domain"
)

// ScoringClient calls the vision-scoring provider, comparing a
// candidate screenshot against its baseline.
type ScoringClient struct {
	baseURL string
	http    *http.Client
}

// NewScoringClient builds a client with the given request timeout.
func NewScoringClient(baseURL string, timeout time.Duration) *ScoringClient {
	return &ScoringClient{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: timeout}}
}

type scoreRequest struct {
	CandidatePNGBase64 string `json:"candidatePngBase64"`
	BaselinePNGBase64  string `json:"baselinePngBase64"`
	IRSummary          string `json:"irSummary"`
}

// fallbackScore is returned when the provider's response is malformed
// or out of range, so a flaky scoring call never fails an iteration.
var fallbackScore = domain.ScoreVector{Layout: 0.5, Style: 0.5, A11y: 0.5, Perceptual: 0.5}

// Score compares candidatePNG to baselinePNG, summarized by irSummary,
// and returns the per-dimension score. Never returns an error for a
// malformed provider response; only transport-level failures error.
func (c *ScoringClient) Score(ctx context.Context, candidatePNGBase64, baselinePNGBase64, irSummary string) (domain.ScoreVector, error) {
	body, err := json.Marshal(scoreRequest{
		CandidatePNGBase64: candidatePNGBase64,
		BaselinePNGBase64:  baselinePNGBase64,
		IRSummary:          irSummary,
	})
	if err != nil {
		return domain.ScoreVector{}, fmt.Errorf("marshal scoring request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return domain.ScoreVector{}, fmt.Errorf("build scoring request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ScoreVector{}, fmt.Errorf("call scoring provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.ScoreVector{}, fmt.Errorf("scoring provider returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ScoreVector{}, fmt.Errorf("read scoring response: %w", err)
	}

	var parsed domain.ScoreVector
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fallbackScore, nil
	}
	if !validUnitRange(parsed) {
		return fallbackScore, nil
	}
	return parsed, nil
}

func validUnitRange(s domain.ScoreVector) bool {
	for _, v := range []float64{s.Layout, s.Style, s.A11y, s.Perceptual} {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}
