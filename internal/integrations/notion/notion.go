// Package notion creates pages through the Notion API.
package notion

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/postern/internal/httpkit"
)

// apiVersion is the Notion-Version header value.
const apiVersion = "2022-06-28"

// maxBlockText is Notion's limit on a single rich text element.
const maxBlockText = 2000

// Client implements expansion.DocStoreClient.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Notion client. baseURL is normally
// https://api.notion.com/v1.
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
		logger:  logger.With("integration", "notion"),
	}
}

type richText struct {
	Type string `json:"type"`
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
}

func plain(s string) []richText {
	rt := richText{Type: "text"}
	rt.Text.Content = s
	return []richText{rt}
}

type block struct {
	Object    string `json:"object"`
	Type      string `json:"type"`
	Paragraph struct {
		RichText []richText `json:"rich_text"`
	} `json:"paragraph"`
}

type createPageRequest struct {
	Parent struct {
		PageID string `json:"page_id"`
	} `json:"parent"`
	Properties map[string]any `json:"properties"`
	Children   []block        `json:"children,omitempty"`
}

type createPageResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreatePage creates a page titled title under parentID. body is split
// into paragraph blocks on blank lines. It returns the page URL.
func (c *Client) CreatePage(ctx context.Context, parentID, title, body string) (string, error) {
	if parentID == "" {
		return "", fmt.Errorf("notion: parent page id is required")
	}

	var req createPageRequest
	req.Parent.PageID = parentID
	req.Properties = map[string]any{
		"title": map[string]any{"title": plain(title)},
	}
	req.Children = paragraphs(body)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("Notion-Version", apiVersion)

	var resp createPageResponse
	if err := httpkit.DoJSON(ctx, c.http, http.MethodPost, c.baseURL+"/pages", header, req, &resp); err != nil {
		return "", fmt.Errorf("notion: create page: %w", err)
	}

	c.logger.Debug("notion page created", "page_id", resp.ID, "blocks", len(req.Children))
	return resp.URL, nil
}

// paragraphs splits text into paragraph blocks no longer than
// maxBlockText runes each.
func paragraphs(text string) []block {
	var out []block
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		for para != "" {
			chunk := para
			if r := []rune(para); len(r) > maxBlockText {
				chunk = string(r[:maxBlockText])
			}
			para = para[len(chunk):]

			b := block{Object: "block", Type: "paragraph"}
			b.Paragraph.RichText = plain(chunk)
			out = append(out, b)
		}
	}
	return out
}
