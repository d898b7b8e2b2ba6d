package mailflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/postern/internal/email"
	"github.com/nugget/postern/internal/expansion"
)

// Mailboxes is the part of email.Manager the inbox adapters need.
type Mailboxes interface {
	AccountNames() []string
	Account(name string) (*email.Client, error)
}

// Inbox implements expansion.InboxReader over the configured accounts.
// The accounts belong to one owner; other users see an empty inbox.
type Inbox struct {
	mail   Mailboxes
	owner  string
	logger *slog.Logger
}

// NewInbox creates an inbox reader for the mailbox owner.
func NewInbox(mail Mailboxes, owner string, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{mail: mail, owner: owner, logger: logger}
}

// Recent returns up to limit messages per account received after since,
// newest first within each account, with bodies.
func (in *Inbox) Recent(ctx context.Context, userID string, since time.Time, limit int) ([]expansion.Message, error) {
	if userID != in.owner {
		return nil, nil
	}

	var out []expansion.Message
	for _, name := range in.mail.AccountNames() {
		client, err := in.mail.Account(name)
		if err != nil {
			return nil, err
		}
		// SINCE matches by day; the exact cut happens below.
		envs, err := client.Find(ctx, email.Query{Limit: limit, Unseen: true, Since: since})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", name, err)
		}
		for _, env := range envs {
			if env.Date.Before(since) {
				continue
			}
			full, err := client.Read(ctx, email.DefaultFolder, env.UID)
			if err != nil {
				in.logger.Warn("failed to read message for digest",
					"account", name, "uid", env.UID, "error", err)
				out = append(out, FromEnvelope(name, env))
				continue
			}
			out = append(out, FromMessage(name, full))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FromEnvelope converts an envelope to the interceptor message shape.
func FromEnvelope(account string, env email.Envelope) expansion.Message {
	return expansion.Message{
		Account: account,
		Folder:  email.DefaultFolder,
		UID:     env.UID,
		From:    env.From,
		To:      env.To,
		Subject: env.Subject,
		Date:    env.Date,
	}
}

// FromMessage converts a fetched message, including its body.
func FromMessage(account string, m *email.Message) expansion.Message {
	out := FromEnvelope(account, m.Envelope)
	out.MessageID = m.MessageID
	out.Body = m.Text()
	return out
}
