package expansions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/postern/internal/expansion"
	"github.com/nugget/postern/internal/textconv"
)

// slackExcerpt caps the message body shared to a channel.
const slackExcerpt = 1500

func slack() expansion.Expansion {
	needs := []expansion.Capability{expansion.CapMessaging, expansion.CapSettings}
	return expansion.Expansion{
		ID:          IDSlack,
		DisplayName: "Slack",
		Description: "Announces sent mail in a Slack channel and shares messages on request.",
		Icon:        "slack",
		Interceptors: []expansion.Interceptor{
			{
				Trigger: expansion.TriggerPostSend,
				Kind:    expansion.KindAsync,
				Needs:   needs,
				Execute: announceSent,
			},
			{
				Trigger: ActionShareToSlack,
				Kind:    expansion.KindAPI,
				Needs:   needs,
				Execute: shareToSlack,
			},
		},
	}
}

func announceSent(ctx context.Context, ic *expansion.Context, svc *expansion.Services) (expansion.Result, error) {
	if ic.Draft == nil {
		return expansion.Result{Success: true}, nil
	}
	settings, err := loadSettings(ctx, svc, ic.UserID)
	if err != nil {
		return expansion.Result{}, err
	}
	channel := str(section(settings, keySlack), "channel")
	if channel == "" {
		return expansion.Result{Success: true, Message: "no slack channel configured"}, nil
	}

	text := fmt.Sprintf("Sent %q to %d recipient(s)", ic.Draft.Subject, ic.Draft.Recipients.Count())
	ts, err := svc.Messaging.PostMessage(ctx, channel, text)
	if err != nil {
		return expansion.Result{}, err
	}
	return expansion.Result{Success: true, Data: map[string]any{"channel": channel, "ts": ts}}, nil
}

func shareToSlack(ctx context.Context, ic *expansion.Context, svc *expansion.Services) (expansion.Result, error) {
	if ic.Message == nil {
		return expansion.Result{}, errors.New("no message to share")
	}
	settings, err := loadSettings(ctx, svc, ic.UserID)
	if err != nil {
		return expansion.Result{}, err
	}
	channel := firstNonEmpty(ic.Param("channel"), str(section(settings, keySlack), "channel"))
	if channel == "" {
		return expansion.Result{}, errors.New("no slack channel given or configured")
	}

	ts, err := svc.Messaging.PostMessage(ctx, channel, formatShared(ic.Message, ic.Param("note")))
	if err != nil {
		return expansion.Result{}, err
	}
	return expansion.Result{
		Success: true,
		Message: "Shared to " + channel,
		Data:    map[string]any{"channel": channel, "ts": ts},
	}, nil
}

// formatShared renders a message for a chat channel.
func formatShared(m *expansion.Message, note string) string {
	var sb strings.Builder
	if note != "" {
		sb.WriteString(note)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "*%s*\nFrom: %s\n", m.Subject, m.From)
	if !m.Date.IsZero() {
		fmt.Fprintf(&sb, "Date: %s\n", m.Date.Format("Mon, 02 Jan 2006 15:04"))
	}
	if body := textconv.Plain(m.Body); body != "" {
		sb.WriteString("\n")
		sb.WriteString(textconv.Truncate(body, slackExcerpt))
	}
	return sb.String()
}
