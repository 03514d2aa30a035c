package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaProvider generates completions using a local Ollama server.
// This keeps twin responses on-premises: no external API costs, and
// conversation content never leaves the customer's network.
type OllamaProvider struct {
	baseURL    string
	model      string
	judgeModel string
	httpClient *http.Client
}

// NewOllamaProvider creates a provider that calls Ollama's chat API.
// Model should be an instruct model like "llama3.1" or "qwen2.5".
func NewOllamaProvider(baseURL, model, judgeModel string, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		judgeModel: judgeModel,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider.
func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string             `json:"model"`
	Messages []Message          `json:"messages"`
	Stream   bool               `json:"stream"`
	Format   string             `json:"format,omitempty"`
	Options  *ollamaChatOptions `json:"options,omitempty"`
}

type ollamaChatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Complete generates a chat completion.
func (p *OllamaProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return p.chat(ctx, p.model, buildMessages(req), "", &ollamaChatOptions{
		Temperature: req.Temperature,
		NumPredict:  req.MaxTokens,
	})
}

// Judge evaluates a candidate using Ollama's JSON output format.
func (p *OllamaProvider) Judge(ctx context.Context, req JudgeRequest) (Verdict, error) {
	msgs := []Message{
		{Role: RoleSystem, Content: req.Instructions},
		{Role: RoleUser, Content: judgeUserPrompt(req)},
	}
	raw, err := p.chat(ctx, p.judgeModel, msgs, "json", nil)
	if err != nil {
		return Verdict{}, err
	}
	return parseVerdict(raw)
}

func (p *OllamaProvider) chat(ctx context.Context, model string, msgs []Message, format string, opts *ollamaChatOptions) (string, error) {
	reqBody, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   false,
		Format:   format,
		Options:  opts,
	})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(body))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}

	if result.Message.Content == "" {
		return "", fmt.Errorf("ollama: empty completion returned")
	}

	return result.Message.Content, nil
}
