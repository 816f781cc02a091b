// Package completion implements the client for the text-completion service
// used to generate reply bodies.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mailpilot/mailpilot/internal/config"
)

// Client calls the agent completions endpoint over HTTP with bearer-token
// authentication.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	agentID    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a completion client from config. The HTTP client carries
// the configured timeout so a stuck call cannot hang a cycle indefinitely.
func NewClient(cfg config.CompletionConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		agentID:    cfg.AgentID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "completion"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
	AgentID     string        `json:"agent_id"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the prompt as a single user message and returns the
// generated completion. Any non-2xx response is a failure.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody, err := json.Marshal(completionRequest{
		Model:       c.model,
		Temperature: 1.0,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		AgentID:     c.agentID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion request: %w", err)
	}

	url := c.baseURL + "/v1/agents/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.ErrorContext(ctx, "Completion API returned error status",
			"status", resp.StatusCode, "body", string(respBody))
		return "", fmt.Errorf("completion API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion response contains no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}
