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

	"google.golang.org/genai"
)

// PineconeConfig configures the knowledge-base retriever: a Pinecone index
// queried with Gemini embeddings of the user query.
type PineconeConfig struct {
	APIKey         string `envconfig:"PINECONE_API_KEY"`
	IndexHost      string `envconfig:"PINECONE_INDEX_HOST"`
	Namespace      string `envconfig:"PINECONE_NAMESPACE"`
	EmbeddingModel string `envconfig:"PINECONE_EMBEDDING_MODEL" default:"gemini-embedding-001"`
}

// Pinecone implements Retriever over a Pinecone serverless index.
type Pinecone struct {
	cfg    PineconeConfig
	embed  func(ctx context.Context, query string) ([]float32, error)
	client *http.Client
}

// NewPinecone constructs the knowledge-base retriever. The genai client is
// shared with the chat models; only the embedding endpoint is used here.
func NewPinecone(cfg PineconeConfig, embedClient *genai.Client) (*Pinecone, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("pinecone: API key is required")
	}
	if strings.TrimSpace(cfg.IndexHost) == "" {
		return nil, errors.New("pinecone: index host is required")
	}
	if embedClient == nil {
		return nil, errors.New("pinecone: embedding client is required")
	}
	p := &Pinecone{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
	p.embed = func(ctx context.Context, query string) ([]float32, error) {
		return embedQuery(ctx, embedClient, p.cfg.EmbeddingModel, query)
	}
	return p, nil
}

// NewPineconeWithEmbedder constructs a Pinecone retriever with a custom
// embedding function and HTTP client. Useful for tests.
func NewPineconeWithEmbedder(cfg PineconeConfig, embed func(ctx context.Context, query string) ([]float32, error), client *http.Client) *Pinecone {
	p := &Pinecone{
		cfg:    cfg,
		embed:  embed,
		client: client,
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 15 * time.Second}
	}
	return p
}

// Search embeds the query and runs a similarity query against the index,
// returning the text metadata of the top k matches.
func (p *Pinecone) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		k = 3
	}

	vector, err := p.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	body := map[string]any{
		"vector":          vector,
		"topK":            k,
		"includeMetadata": true,
	}
	if p.cfg.Namespace != "" {
		body["namespace"] = p.cfg.Namespace
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	host := strings.TrimSuffix(p.cfg.IndexHost, "/")
	if !strings.HasPrefix(host, "http") {
		host = "https://" + host
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pinecone http %d", resp.StatusCode)
	}

	var response struct {
		Matches []struct {
			ID       string         `json:"id"`
			Score    float64        `json:"score"`
			Metadata map[string]any `json:"metadata"`
		} `json:"matches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}

	passages := make([]Passage, 0, len(response.Matches))
	for _, m := range response.Matches {
		text, _ := m.Metadata["text"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		passages = append(passages, Passage{Text: text, SourceRef: m.ID})
	}
	return passages, nil
}

func embedQuery(ctx context.Context, client *genai.Client, model, query string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(query, genai.RoleUser),
	}

	result, err := client.Models.EmbedContent(ctx,
		model,
		contents,
		&genai.EmbedContentConfig{
			TaskType: "RETRIEVAL_QUERY",
		},
	)
	if err != nil {
		return nil, err
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return result.Embeddings[0].Values, nil
}

var _ Retriever = (*Pinecone)(nil)
