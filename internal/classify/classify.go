// Package classify scores image attachments for content routing. Two
// scorers exist: an HTTP sidecar that fronts a real model, and a local
// color-statistics heuristic used when no sidecar is configured.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Scorer answers how strongly an image matches a single concept. The
// returned score is in [0, 1]; callers compare it to their threshold.
type Scorer interface {
	Score(ctx context.Context, imageURL string) (float64, error)
}

// HTTPScorer asks a local inference sidecar. The sidecar takes the
// image URL as a query parameter and answers {"score": 0.42}.
type HTTPScorer struct {
	base   string
	client *http.Client
}

func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPScorer{
		base:   baseURL,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPScorer) Score(ctx context.Context, imageURL string) (float64, error) {
	u := s.base + "?url=" + url.QueryEscape(imageURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("classify request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("classify request: status %d", resp.StatusCode)
	}
	var body struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("classify response: %w", err)
	}
	if body.Score < 0 || body.Score > 1 {
		return 0, fmt.Errorf("classify response: score %v out of range", body.Score)
	}
	return body.Score, nil
}

// FixedScorer returns a constant score. Useful in tests and as an
// explicit "always pass" or "always fail" policy.
type FixedScorer float64

func (f FixedScorer) Score(context.Context, string) (float64, error) {
	return float64(f), nil
}
