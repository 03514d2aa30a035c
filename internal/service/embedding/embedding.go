// Package embedding turns text into the vectors the retrieval tiers search
// over. Provider is the seam: OpenAI for hosted deployments, Ollama for
// on-prem, noop when nothing is configured.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pgvector/pgvector-go"
)

// Provider generates vector embeddings from text. All vectors from one
// provider share the Dimensions() width, and that width must match the
// vector columns and the Qdrant collection.
type Provider interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch preserves input order in its output.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	Dimensions() int
}

const openAIEmbeddingsURL = "https://api.openai.com/v1/embeddings"

// OpenAIProvider calls the hosted OpenAI embeddings endpoint.
type OpenAIProvider struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider builds a hosted provider. A non-positive dims falls back
// to 1536, the text-embedding-3-small default.
func NewOpenAIProvider(apiKey, model string, dims int) *OpenAIProvider {
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		endpoint:   openAIEmbeddingsURL,
		httpClient: &http.Client{},
		dimensions: dims,
	}
}

func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

// Embed produces one vector for text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one API call. The API may reorder items;
// the response index places each vector back at its input position.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(struct {
		Input      []string `json:"input"`
		Model      string   `json:"model"`
		Dimensions int      `json:"dimensions,omitempty"`
	}{Input: texts, Model: p.model, Dimensions: p.dimensions})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: unexpected status %d: %s", resp.StatusCode, body)
	}

	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: response index %d out of range", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}
	return vecs, nil
}

// NoopProvider emits zero vectors. It keeps the pipeline running with no
// embedding backend configured; vector-tier search degrades to noise and the
// retrieval thresholds filter it out.
type NoopProvider struct {
	dims int
}

func NewNoopProvider(dims int) *NoopProvider { return &NoopProvider{dims: dims} }

func (p *NoopProvider) Dimensions() int { return p.dims }

func (p *NoopProvider) Embed(context.Context, string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}
