package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaStub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEmbed(t *testing.T) {
	var gotModel, gotPrompt string
	srv := ollamaStub(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel, gotPrompt = req.Model, req.Prompt
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{0.1, 0.2, 0.3},
		})
	})

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 3)
	vec, err := p.Embed(context.Background(), "what are your office hours")
	require.NoError(t, err)

	assert.Equal(t, "mxbai-embed-large", gotModel)
	assert.Equal(t, "what are your office hours", gotPrompt)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec.Slice())
	assert.Equal(t, 3, p.Dimensions())
}

func TestOllamaEmbedServerError(t *testing.T) {
	srv := ollamaStub(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	p := NewOllamaProvider(srv.URL, "missing-model", 3)
	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "model not found")
}

func TestOllamaEmbedEmptyVector(t *testing.T) {
	srv := ollamaStub(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{}})
	})

	p := NewOllamaProvider(srv.URL, "m", 3)
	_, err := p.Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "empty embedding")
}

func TestOllamaEmbedBatchPreservesOrder(t *testing.T) {
	srv := ollamaStub(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Encode the prompt's last byte so the test can check ordering.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{float32(req.Prompt[len(req.Prompt)-1])},
		})
	})

	p := NewOllamaProvider(srv.URL, "m", 1)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e", "f"})
	require.NoError(t, err)
	require.Len(t, vecs, 6)
	for i, want := range []string{"a", "b", "c", "d", "e", "f"} {
		assert.Equal(t, float32(want[0]), vecs[i].Slice()[0], "item %d out of order", i)
	}
}

func TestOllamaEmbedBatchBoundedConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := ollamaStub(t, func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1}})
	})

	p := NewOllamaProvider(srv.URL, "m", 1)
	texts := make([]string, 32)
	for i := range texts {
		texts[i] = "t"
	}
	_, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(ollamaParallelism))
}

func TestOllamaEmbedBatchPropagatesFailure(t *testing.T) {
	var calls atomic.Int32
	srv := ollamaStub(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1}})
	})

	p := NewOllamaProvider(srv.URL, "m", 1)
	_, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c", "d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestOllamaEmbedBatchEmptyInput(t *testing.T) {
	p := NewOllamaProvider("http://unreachable.invalid", "m", 1)
	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestOllamaDefaultBaseURL(t *testing.T) {
	p := NewOllamaProvider("", "m", 1)
	assert.Equal(t, "http://localhost:11434", p.baseURL)
}
