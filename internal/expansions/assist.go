package expansions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/postern/internal/expansion"
	"github.com/nugget/postern/internal/textconv"
)

const (
	// digestWindow is how far back the cron digest looks.
	digestWindow = 24 * time.Hour
	// digestLimit caps the messages summarized per run.
	digestLimit = 25
	// promptExcerpt caps each message body sent to the model.
	promptExcerpt = 4000
)

const draftReplySystem = "You write concise, polite email replies. " +
	"Return only the reply body, without a subject line or signature."

const digestSystem = "You summarize an inbox for its owner. " +
	"Group related messages, call out anything that needs a reply, and keep it short."

// now is replaced in tests.
var now = time.Now

func aiAssist() expansion.Expansion {
	return expansion.Expansion{
		ID:          IDAIAssist,
		DisplayName: "AI Assist",
		Description: "Drafts replies and posts a daily inbox digest.",
		Icon:        "sparkles",
		Interceptors: []expansion.Interceptor{
			{
				Trigger: ActionDraftReply,
				Kind:    expansion.KindAPI,
				Needs:   []expansion.Capability{expansion.CapTextGen},
				Execute: draftReply,
			},
			{
				Trigger: expansion.TriggerCron,
				Kind:    expansion.KindAsync,
				Needs: []expansion.Capability{
					expansion.CapTextGen, expansion.CapInbox, expansion.CapSettings,
				},
				Execute: inboxDigest,
			},
		},
	}
}

func draftReply(ctx context.Context, ic *expansion.Context, svc *expansion.Services) (expansion.Result, error) {
	if ic.Message == nil {
		return expansion.Result{}, errors.New("no message to reply to")
	}
	m := ic.Message

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Draft a reply to this email.\n\nFrom: %s\nSubject: %s\n\n%s\n",
		m.From, m.Subject, textconv.Truncate(textconv.Plain(m.Body), promptExcerpt))
	if instr := ic.Param("instructions"); instr != "" {
		fmt.Fprintf(&prompt, "\nThe reply should: %s\n", instr)
	}

	draft, err := svc.TextGen.Generate(ctx, draftReplySystem, prompt.String())
	if err != nil {
		return expansion.Result{}, err
	}
	return expansion.Result{
		Success: true,
		Data: map[string]any{
			"draft":   draft,
			"subject": replySubject(m.Subject),
		},
	}, nil
}

// replySubject prefixes "Re: " unless already present.
func replySubject(s string) string {
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

func inboxDigest(ctx context.Context, ic *expansion.Context, svc *expansion.Services) (expansion.Result, error) {
	settings, err := loadSettings(ctx, svc, ic.UserID)
	if err != nil {
		return expansion.Result{}, err
	}
	if !flag(section(settings, keyAIAssist), "digest") {
		return expansion.Result{Success: true, Message: "digest disabled"}, nil
	}

	msgs, err := svc.Inbox.Recent(ctx, ic.UserID, now().Add(-digestWindow), digestLimit)
	if err != nil {
		return expansion.Result{}, fmt.Errorf("list recent messages: %w", err)
	}
	if len(msgs) == 0 {
		return expansion.Result{Success: true, Message: "no new messages"}, nil
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Summarize these %d messages:\n", len(msgs))
	for i, m := range msgs {
		fmt.Fprintf(&prompt, "\n%d. From %s: %s\n%s\n", i+1, m.From, m.Subject,
			textconv.Truncate(textconv.Plain(m.Body), 500))
	}

	summary, err := svc.TextGen.Generate(ctx, digestSystem, prompt.String())
	if err != nil {
		return expansion.Result{}, err
	}

	data := map[string]any{"summary": summary, "messages": len(msgs)}

	// Posting is optional: the digest still succeeds without Slack.
	channel := str(section(settings, keySlack), "channel")
	if svc.Messaging != nil && channel != "" {
		ts, err := svc.Messaging.PostMessage(ctx, channel, "Inbox digest\n\n"+summary)
		if err != nil {
			return expansion.Result{}, fmt.Errorf("post digest: %w", err)
		}
		data["channel"] = channel
		data["ts"] = ts
	}

	return expansion.Result{Success: true, Data: data}, nil
}
