package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RerankerSettings configures the optional external relevance scorer.
// Ratio widens the candidate window sent out: the top limit*Ratio items
// are scored and the final cut is taken from the reranked order.
type RerankerSettings struct {
	Enabled  bool
	BaseURL  string
	APIKey   string
	Model    string
	Ratio    float64
	MinScore float64
	Timeout  time.Duration
}

func DefaultRerankerSettings() RerankerSettings {
	return RerankerSettings{Ratio: 3, MinScore: 0.1, Timeout: 5 * time.Second}
}

type rerankClient struct {
	settings RerankerSettings
	http     *http.Client
}

func newRerankClient(settings RerankerSettings) *rerankClient {
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultRerankerSettings().Timeout
	}
	return &rerankClient{
		settings: settings,
		http:     &http.Client{Timeout: settings.Timeout},
	}
}

func (c *rerankClient) enabled() bool {
	return c != nil && c.settings.Enabled && c.settings.BaseURL != ""
}

type rerankHit struct {
	Index int
	Score float64
}

// rerank scores documents against the query and returns hits above the
// minimum score, best first. Any failure is returned to the caller, who
// falls back to the pre-rerank order.
func (c *rerankClient) rerank(ctx context.Context, query string, documents []string) ([]rerankHit, error) {
	payload, err := json.Marshal(map[string]any{
		"model":     c.settings.Model,
		"query":     query,
		"documents": documents,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode rerank request: %v", ErrExternalService, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	url := strings.TrimRight(c.settings.BaseURL, "/") + "/rerank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build rerank request: %v", ErrExternalService, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: rerank: %v", ErrExternalService, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read rerank response: %v", ErrExternalService, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: rerank returned %d", ErrExternalService, resp.StatusCode)
	}

	var parsed struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode rerank response: %v", ErrExternalService, err)
	}
	if len(parsed.Results) == 0 {
		return nil, fmt.Errorf("%w: rerank returned no results", ErrExternalService)
	}

	hits := make([]rerankHit, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("%w: rerank index %d out of range", ErrExternalService, r.Index)
		}
		if r.RelevanceScore >= c.settings.MinScore {
			hits = append(hits, rerankHit{Index: r.Index, Score: r.RelevanceScore})
		}
	}
	return hits, nil
}
