package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// TavilyConfig configures the Tavily web search client.
type TavilyConfig struct {
	APIKey string `envconfig:"TAVILY_API_KEY"`
	Depth  string `envconfig:"TAVILY_DEPTH" default:"basic"`
}

// Tavily calls the Tavily search API. Implements Retriever for the web side.
type Tavily struct {
	apiKey   string
	depth    string
	endpoint string
	client   *http.Client
}

// NewTavily constructs a Tavily web retriever.
func NewTavily(cfg TavilyConfig) *Tavily {
	depth := cfg.Depth
	if depth == "" {
		depth = "basic"
	}
	return &Tavily{
		apiKey:   cfg.APIKey,
		depth:    depth,
		endpoint: tavilyEndpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// NewTavilyWithClient constructs a Tavily retriever against a custom endpoint
// and HTTP client. Useful for tests and for overriding the default timeout.
func NewTavilyWithClient(cfg TavilyConfig, endpoint string, client *http.Client) *Tavily {
	t := NewTavily(cfg)
	if endpoint != "" {
		t.endpoint = endpoint
	}
	if client != nil {
		t.client = client
	}
	return t
}

// Search posts a query to Tavily and formats the results as passages.
func (t *Tavily) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if strings.TrimSpace(t.apiKey) == "" {
		return nil, errors.New("tavily: API key is missing")
	}
	if k <= 0 {
		k = 5
	}

	body := map[string]any{
		"query":       query,
		"api_key":     t.apiKey,
		"depth":       t.depth,
		"max_results": k,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	delay := 1 * time.Second
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = t.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		resp.Body.Close()

		// Back off and retry on 429, doubling the delay each time up to 30 s.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily http %d", resp.StatusCode)
	}

	var response struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}

	passages := make([]Passage, 0, len(response.Results))
	for _, r := range response.Results {
		passages = append(passages, Passage{
			Text:      fmt.Sprintf("Title: %s\nContent: %s", r.Title, r.Content),
			SourceRef: r.URL,
		})
		if len(passages) >= k {
			break
		}
	}
	return passages, nil
}

var _ Retriever = (*Tavily)(nil)
