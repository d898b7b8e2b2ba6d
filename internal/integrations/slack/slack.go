// Package slack posts messages to Slack channels through the Web API.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/postern/internal/httpkit"
)

// Client is a minimal Slack Web API client. It implements
// expansion.MessagingClient.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Slack client. baseURL is normally https://slack.com/api.
func New(token, baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.With("integration", "slack"),
	}
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// Slack answers 200 for application errors and reports them in the body.
type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

// PostMessage sends text to channel and returns the message timestamp.
func (c *Client) PostMessage(ctx context.Context, channel, text string) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("slack: channel is required")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	var resp postMessageResponse
	err := httpkit.DoJSON(ctx, c.http, http.MethodPost, c.baseURL+"/chat.postMessage", header,
		postMessageRequest{Channel: channel, Text: text}, &resp)
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	if !resp.OK {
		return "", fmt.Errorf("slack: post message: %s", resp.Error)
	}

	c.logger.Debug("slack message posted", "channel", channel, "ts", resp.TS)
	return resp.TS, nil
}
