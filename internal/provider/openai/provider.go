package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"prompt-bridge/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	acceptSSE       = "text/event-stream"
	userAgent       = "prompt-bridge/0.1"
	maxErrorBody    = 64 * 1024
)

// Client performs streaming chat completions against an OpenAI-compatible API.
type Client struct {
	name    string
	headers map[string]string
	client  *http.Client
	chatURL string
}

// New creates a client for the API rooted at baseURL. headers are sent with
// every request after the standard ones.
func New(name, baseURL string, headers map[string]string, client *http.Client) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}

	return &Client{
		name:    name,
		headers: copied,
		client:  client,
		chatURL: baseURL + "/chat/completions",
	}, nil
}

// Stream posts a streaming chat request and returns the raw event-stream body.
// A non-2xx status, an empty body or a transport failure yields a
// *provider.UpstreamError.
func (c *Client) Stream(ctx context.Context, call provider.Call) (io.ReadCloser, error) {
	if strings.TrimSpace(call.Credential) == "" {
		return nil, fmt.Errorf("%s: %w", c.name, provider.ErrMissingCredential)
	}

	httpReq, err := c.newRequest(ctx, call.Credential, buildChatPayload(call))
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &provider.UpstreamError{
			Provider: c.name,
			Message:  err.Error(),
			Err:      err,
		}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(c.name, httpResp)
	}
	if httpResp.Body == nil || httpResp.Body == http.NoBody || httpResp.ContentLength == 0 {
		if httpResp.Body != nil {
			httpResp.Body.Close()
		}
		return nil, &provider.UpstreamError{
			Provider: c.name,
			Status:   httpResp.StatusCode,
			Message:  statusText(httpResp),
		}
	}

	return httpResp.Body, nil
}

func (c *Client) newRequest(ctx context.Context, credential string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", acceptSSE)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+credential)

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatPayload struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(call provider.Call) chatPayload {
	messages := make([]openAIMessage, 0, len(call.Messages))
	for _, msg := range call.Messages {
		messages = append(messages, openAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	return chatPayload{
		Model:    call.Model,
		Messages: messages,
		Stream:   true,
	}
}

func parseAPIError(name string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &provider.UpstreamError{
			Provider: name,
			Status:   resp.StatusCode,
			Message:  statusText(resp),
			Err:      err,
		}
	}

	message := strings.TrimSpace(string(body))
	if message == "" {
		message = statusText(resp)
	}
	return &provider.UpstreamError{
		Provider: name,
		Status:   resp.StatusCode,
		Message:  message,
	}
}

func statusText(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return fmt.Sprintf("upstream status %d", resp.StatusCode)
}
