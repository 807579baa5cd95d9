// Package chat generates answers and classification replies through an
// OpenAI-compatible chat completions endpoint.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Tier selects the model used for a request.
type Tier string

const (
	// TierDefault is the full-quality answering model.
	TierDefault Tier = "default"
	// TierFast is the low-cost model for short auxiliary calls such as
	// query rewriting.
	TierFast Tier = "fast"
)

// Provider generates chat completions.
type Provider interface {
	Generate(ctx context.Context, prompt, contextBlock string) (string, error)
	GenerateWithTier(ctx context.Context, tier Tier, prompt, contextBlock string) (string, error)
}

// Config holds chat client configuration.
type Config struct {
	BaseURL   string // default https://api.openai.com/v1
	APIKey    string
	Model     string // default gpt-4o
	FastModel string // default gpt-4o-mini
	Timeout   time.Duration
}

// Client calls the chat completions endpoint.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// NewClient creates a chat client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("chat api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.FastModel == "" {
		cfg.FastModel = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate produces a completion on the default tier. The context block, if
// non-empty, is sent as the system message.
func (c *Client) Generate(ctx context.Context, prompt, contextBlock string) (string, error) {
	return c.GenerateWithTier(ctx, TierDefault, prompt, contextBlock)
}

// GenerateWithTier produces a completion on the given tier.
func (c *Client) GenerateWithTier(ctx context.Context, tier Tier, prompt, contextBlock string) (string, error) {
	model := c.cfg.Model
	if tier == TierFast {
		model = c.cfg.FastModel
	}

	var messages []chatMessage
	if contextBlock != "" {
		messages = append(messages, chatMessage{Role: "system", Content: contextBlock})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	payload, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("chat request failed: %s", msg)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response contained no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
