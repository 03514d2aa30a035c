// Package generation provides text completion and structured judging
// for the response pipeline.
//
// Defines a Provider interface with two calls: Complete produces draft
// and rewrite text, Judge returns a structured verdict over a candidate
// response. The interface allows swapping generation backends without
// changing the pipeline.
package generation

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

// Role values for chat messages sent to a provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries an ordered prompt to a provider.
type CompletionRequest struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// JudgeRequest asks a provider to evaluate a candidate response.
type JudgeRequest struct {
	// Instructions describe what the judge checks (policy rules or
	// voice profile) and the verdict schema it must return.
	Instructions string

	// Question and Candidate are the turn being judged.
	Question  string
	Candidate string
}

// Verdict is the structured result of a judge call.
type Verdict struct {
	Pass bool `json:"pass"`

	// Score in [0,1]; higher means closer to the judged standard.
	Score float64 `json:"score"`

	// FailedClauses names the segments of the candidate that violate
	// the judged standard, quoted verbatim so a rewrite can target them.
	FailedClauses []string `json:"failed_clauses"`

	Reason string `json:"reason"`
}

// Provider generates text and structured judgments.
type Provider interface {
	// Complete generates a text completion for the given prompt.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// Judge evaluates a candidate response and returns a verdict.
	Judge(ctx context.Context, req JudgeRequest) (Verdict, error)

	// Name identifies the provider in traces.
	Name() string
}

// OpenAIProvider generates completions using the OpenAI chat API.
type OpenAIProvider struct {
	apiKey     string
	model      string
	judgeModel string
	httpClient *http.Client
}

// NewOpenAIProvider creates a new OpenAI generation provider. judgeModel
// may equal model; judge calls always request a JSON object response.
func NewOpenAIProvider(apiKey, model, judgeModel string, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		judgeModel: judgeModel,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider.
func (p *OpenAIProvider) Name() string { return "openai" }

type openAIChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete generates a chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return p.chat(ctx, p.model, buildMessages(req), req.MaxTokens, req.Temperature, nil)
}

// Judge evaluates a candidate via a JSON-mode chat completion.
func (p *OpenAIProvider) Judge(ctx context.Context, req JudgeRequest) (Verdict, error) {
	msgs := []Message{
		{Role: RoleSystem, Content: req.Instructions},
		{Role: RoleUser, Content: judgeUserPrompt(req)},
	}
	raw, err := p.chat(ctx, p.judgeModel, msgs, 0, 0, &responseFormat{Type: "json_object"})
	if err != nil {
		return Verdict{}, err
	}
	return parseVerdict(raw)
}

func (p *OpenAIProvider) chat(ctx context.Context, model string, msgs []Message, maxTokens int, temperature float64, format *responseFormat) (string, error) {
	reqBody, err := json.Marshal(openAIChatRequest{
		Model:          model,
		Messages:       msgs,
		MaxTokens:      maxTokens,
		Temperature:    temperature,
		ResponseFormat: format,
	})
	if err != nil {
		return "", fmt.Errorf("generation: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("generation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("generation: read response: %w", err)
	}

	var result openAIChatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("generation: unmarshal response: %w", err)
	}

	if result.Error != nil {
		return "", fmt.Errorf("generation: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generation: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("generation: empty choices in response")
	}

	return result.Choices[0].Message.Content, nil
}

func buildMessages(req CompletionRequest) []Message {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: req.System})
	}
	return append(msgs, req.Messages...)
}

func judgeUserPrompt(req JudgeRequest) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(req.Question)
	b.WriteString("\n\nCandidate response:\n")
	b.WriteString(req.Candidate)
	return b.String()
}

// parseVerdict decodes a judge verdict, tolerating markdown code fences
// some models wrap around JSON output.
func parseVerdict(raw string) (Verdict, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return Verdict{}, fmt.Errorf("generation: unmarshal verdict: %w", err)
	}
	if v.Score < 0 || v.Score > 1 {
		return Verdict{}, fmt.Errorf("generation: verdict score %v out of range", v.Score)
	}
	return v, nil
}
