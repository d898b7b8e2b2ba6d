// Package anthropic generates text with the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/postern/internal/config"
	"github.com/nugget/postern/internal/httpkit"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
	maxTokens      = 1024
)

// Client implements expansion.TextGenClient.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for cfg. A nil httpClient gets the shared
// transport with a generous response header timeout, since generation
// can take a while before the first byte.
func New(cfg config.AnthropicConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(120*time.Second),
			httpkit.WithLogger(logger),
		)
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(base, "/"),
		http:    httpClient,
		logger:  logger.With("provider", "anthropic"),
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type response struct {
	Content    []content `json:"content"`
	StopReason string    `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate returns the model's text reply to prompt under the system
// instruction.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	req := request{
		Model:     c.model,
		System:    system,
		Messages:  []message{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	}

	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	header.Set("anthropic-version", apiVersion)

	start := time.Now()
	var resp response
	if err := httpkit.DoJSON(ctx, c.http, http.MethodPost, c.baseURL+"/messages", header, req, &resp); err != nil {
		return "", fmt.Errorf("anthropic: generate: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	c.logger.Debug("generation complete",
		"model", c.model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("anthropic: empty response (stop_reason %q)", resp.StopReason)
	}
	return text, nil
}
