// Package ai defines the completion provider port shared by the
// generation and evaluation services, plus the default HTTP-backed
// implementation. Errors are classified into the resilience failure
// taxonomy at this boundary so the gateway's guards see the right kinds.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/resilience"
)

// CompletionClient is the port to the AI completion provider.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config configures the HTTP completion client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// HTTPClient calls a chat-completion style endpoint.
type HTTPClient struct {
	cfg    Config
	client *http.Client
}

var _ CompletionClient = (*HTTPClient)(nil)

// NewHTTPClient creates a completion client. A zero timeout defaults to 60s:
// the gateway applies its own, stricter per-attempt timeout on top.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// Complete sends the prompt and returns the provider's text completion.
func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(completionRequest{
		Model:    c.cfg.Model,
		Messages: []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", resilience.Recoverable(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", resilience.Recoverable(err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", resilience.RateLimited(fmt.Errorf("provider returned 429"))
	case resp.StatusCode >= 500:
		return "", resilience.Recoverable(fmt.Errorf("provider returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return "", resilience.ProviderRejected(fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", resilience.ProviderRejected(fmt.Errorf("malformed completion response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", resilience.ProviderRejected(errors.New("completion response has no choices"))
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
