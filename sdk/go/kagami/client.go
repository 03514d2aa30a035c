package kagami

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kagami server (e.g. "http://localhost:8080").
	BaseURL string

	// Email identifies the owner account for authentication. Leave empty for
	// a public client that only uses widget and share endpoints.
	Email string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 60-second timeout is used. Chat streams run as long as the turn
	// takes, so the timeout bounds the whole stream.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 60 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kagami API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{baseURL: baseURL, client: httpClient}
	if cfg.Email != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.Email, cfg.APIKey, httpClient)
	}
	return c
}

// FrameHandler receives each frame of a chat stream as it arrives.
// Returning an error aborts the stream.
type FrameHandler func(TurnFrame) error

// Chat runs one turn against the authenticated owner chat endpoint and
// streams its frames to the handler. The server decides whether the turn is
// an owner_chat or owner_training turn from the twin's training state.
func (c *Client) Chat(ctx context.Context, twinID uuid.UUID, req ChatRequest, handler FrameHandler) error {
	return c.stream(ctx, "/v1/twins/"+twinID.String()+"/chat", req, true, handler)
}

// WidgetChat runs one anonymous turn against the public widget endpoint.
func (c *Client) WidgetChat(ctx context.Context, twinID uuid.UUID, req ChatRequest, handler FrameHandler) error {
	return c.stream(ctx, "/v1/widget/"+twinID.String()+"/chat", req, false, handler)
}

// ShareChat runs one anonymous turn through a share link token.
func (c *Client) ShareChat(ctx context.Context, token string, req ChatRequest, handler FrameHandler) error {
	return c.stream(ctx, "/v1/share/"+url.PathEscape(token)+"/chat", req, false, handler)
}

// ChatTurn runs an owner chat turn and collects the stream into a single
// Turn. Content frames are concatenated; the done frame's variant wins.
func (c *Client) ChatTurn(ctx context.Context, twinID uuid.UUID, req ChatRequest) (*Turn, error) {
	return collectTurn(func(h FrameHandler) error {
		return c.Chat(ctx, twinID, req, h)
	})
}

// WidgetChatTurn is ChatTurn for the public widget endpoint.
func (c *Client) WidgetChatTurn(ctx context.Context, twinID uuid.UUID, req ChatRequest) (*Turn, error) {
	return collectTurn(func(h FrameHandler) error {
		return c.WidgetChat(ctx, twinID, req, h)
	})
}

// ShareChatTurn is ChatTurn for the share-link endpoint.
func (c *Client) ShareChatTurn(ctx context.Context, token string, req ChatRequest) (*Turn, error) {
	return collectTurn(func(h FrameHandler) error {
		return c.ShareChat(ctx, token, req, h)
	})
}

func collectTurn(run func(FrameHandler) error) (*Turn, error) {
	var turn Turn
	var frameErr *ErrorDetail
	err := run(func(f TurnFrame) error {
		switch f.Type {
		case FrameMetadata:
			turn.Trace = f.Trace
		case FrameContent:
			turn.Content += f.Content
		case FrameClarify:
			turn.ClarifyOptions = f.ClarifyOptions
		case FrameDone:
			turn.Variant = f.Variant
		case FrameError:
			frameErr = f.Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if frameErr != nil {
		return nil, &Error{StatusCode: http.StatusInternalServerError, Code: frameErr.Code, Message: frameErr.Message}
	}
	return &turn, nil
}

// ListEscalationsOptions are filters for ListEscalations.
type ListEscalationsOptions struct {
	// Status filters by escalation status (pending, responded, dismissed).
	Status string
	Limit  int
	Offset int
}

// ListEscalations returns a twin's escalations, newest first.
func (c *Client) ListEscalations(ctx context.Context, twinID uuid.UUID, opts *ListEscalationsOptions) (*EscalationList, error) {
	params := url.Values{}
	params.Set("twin_id", twinID.String())
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	var resp EscalationList
	if err := c.get(ctx, "/v1/escalations?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RespondEscalation resolves a pending escalation with the owner's answer.
// When promote is nil or true the answer is promoted into the verified tier.
func (c *Client) RespondEscalation(ctx context.Context, id uuid.UUID, response string, promote *bool) (*RespondEscalationResult, error) {
	body := map[string]any{"response": response}
	if promote != nil {
		body["promote"] = *promote
	}
	var resp RespondEscalationResult
	if err := c.post(ctx, "/v1/escalations/"+id.String()+"/respond", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DismissEscalation marks a pending escalation as dismissed.
func (c *Client) DismissEscalation(ctx context.Context, id uuid.UUID) (*Escalation, error) {
	var resp Escalation
	if err := c.post(ctx, "/v1/escalations/"+id.String()+"/dismiss", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartTraining opens a training session on the twin. Starting while another
// session is active fails with a conflict.
func (c *Client) StartTraining(ctx context.Context, twinID uuid.UUID) (*TrainingSessionResult, error) {
	var resp TrainingSessionResult
	if err := c.post(ctx, "/v1/twins/"+twinID.String()+"/training/start", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopTraining closes the caller's active training session on the twin.
func (c *Client) StopTraining(ctx context.Context, twinID uuid.UUID) (*TrainingSessionResult, error) {
	var resp TrainingSessionResult
	if err := c.post(ctx, "/v1/twins/"+twinID.String()+"/training/stop", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateShareLink mints a share link for the twin. The returned token is the
// only copy of the plaintext secret.
func (c *Client) CreateShareLink(ctx context.Context, twinID uuid.UUID) (*CreateShareLinkResult, error) {
	var resp CreateShareLinkResult
	if err := c.post(ctx, "/v1/twins/"+twinID.String()+"/share-links", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListShareLinks returns the twin's share links.
func (c *Client) ListShareLinks(ctx context.Context, twinID uuid.UUID) ([]ShareLink, error) {
	var resp struct {
		Links []ShareLink `json:"links"`
	}
	if err := c.get(ctx, "/v1/twins/"+twinID.String()+"/share-links", &resp); err != nil {
		return nil, err
	}
	return resp.Links, nil
}

// RevokeShareLink revokes a share link. Revocation takes effect on the next
// turn; it does not cut already-open streams.
func (c *Client) RevokeShareLink(ctx context.Context, id uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/share-links/"+id.String(), nil)
	if err != nil {
		return fmt.Errorf("kagami: create request: %w", err)
	}
	return c.doRequest(ctx, req, nil)
}

// Health fetches the server's health report. No authentication required.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kagami: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kagami: GET /health: %w", err)
	}
	defer resp.Body.Close()

	var health Health
	if err := handleResponse(resp, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ---------------------------------------------------------------------------
// SSE stream transport
// ---------------------------------------------------------------------------

func (c *Client) stream(ctx context.Context, path string, chatReq ChatRequest, authed bool, handler FrameHandler) error {
	encoded, err := json.Marshal(chatReq)
	if err != nil {
		return fmt.Errorf("kagami: marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kagami: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if chatReq.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", chatReq.IdempotencyKey)
	}
	if authed {
		if c.tokenMgr == nil {
			return fmt.Errorf("kagami: owner chat requires Email and APIKey in Config")
		}
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kagami: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, body)
	}

	return readFrames(resp.Body, handler)
}

// readFrames parses an SSE stream of TurnFrame events. The frame type rides
// both in the SSE event name and in the JSON body; the body wins.
func readFrames(r io.Reader, handler FrameHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var frame TurnFrame
			if err := json.Unmarshal([]byte(data.String()), &frame); err != nil {
				return fmt.Errorf("kagami: decode frame: %w", err)
			}
			data.Reset()
			if err := handler(frame); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("kagami: read stream: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// JSON transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kagami: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kagami: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kagami: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	if c.tokenMgr == nil {
		return fmt.Errorf("kagami: owner API requires Email and APIKey in Config")
	}
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kagami: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kagami: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kagami: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
