package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ehr/clinwatch/internal/domain/clinical"
	"github.com/ehr/clinwatch/internal/platform/apperror"
)

// HTTPScorer delegates scoring to a remote service. The snapshot is POSTed
// as JSON and the response body must decode into a Result.
type HTTPScorer struct {
	url    string
	client *http.Client
}

type HTTPScorerOption func(*HTTPScorer)

func WithScorerHTTPClient(c *http.Client) HTTPScorerOption {
	return func(s *HTTPScorer) { s.client = c }
}

func NewHTTPScorer(url string, opts ...HTTPScorerOption) *HTTPScorer {
	s := &HTTPScorer{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Score returns an UpstreamScoring error for transport failures, non-2xx
// responses and responses without a valid priority.
func (s *HTTPScorer) Score(ctx context.Context, snap *clinical.Snapshot) (*Result, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build scoring request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperror.UpstreamScoring(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperror.UpstreamScoring(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperror.UpstreamScoring(fmt.Errorf("scorer returned %d", resp.StatusCode))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, apperror.UpstreamScoring(fmt.Errorf("decode scorer response: %w", err))
	}
	if !result.Priority.Valid() {
		return nil, apperror.UpstreamScoring(fmt.Errorf("scorer returned invalid priority %q", result.Priority))
	}
	if result.Alerts == nil {
		result.Alerts = []Alert{}
	}
	return &result, nil
}
