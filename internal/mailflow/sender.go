// Package mailflow connects the mail paths to the expansion dispatcher.
// It owns the send lifecycle (pre-send veto, SMTP, post-send
// notification), the compose-time recipient transform and the adapters
// that turn polled inbox messages into EMAIL_RECEIVED dispatches.
package mailflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nugget/postern/internal/email"
	"github.com/nugget/postern/internal/events"
	"github.com/nugget/postern/internal/expansion"
)

// BlockedError reports a send vetoed by a pre-send interceptor. It is a
// policy outcome, not a server failure.
type BlockedError struct {
	Expansion string
	Message   string
}

func (e *BlockedError) Error() string {
	if e.Expansion == "" {
		return "send blocked: " + e.Message
	}
	return fmt.Sprintf("send blocked by %s: %s", e.Expansion, e.Message)
}

// ErrNoRecipients is returned for a draft with no to, cc or bcc.
var ErrNoRecipients = errors.New("at least one recipient is required")

// ErrInvalidRequest marks a request naming an unusable account.
var ErrInvalidRequest = errors.New("invalid send request")

// SendRequest is an outgoing message as submitted by a client.
type SendRequest struct {
	// Account names the sending account. Empty uses the primary.
	Account    string   `json:"account,omitempty"`
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
}

// SendResult describes an accepted message.
type SendResult struct {
	MessageID  string `json:"message_id"`
	Recipients int    `json:"recipients"`
	DispatchID string `json:"dispatch_id,omitempty"`

	// PostSend completes when the post-send interceptors have finished.
	// Request handlers do not wait on it.
	PostSend *expansion.Pending `json:"-"`
}

// SendFunc delivers a composed message over SMTP.
type SendFunc func(ctx context.Context, cfg email.SMTPConfig, from string, recipients []string, raw []byte) error

// Accounts is the part of email.Manager the sender needs.
type Accounts interface {
	AccountConfig(name string) (email.AccountConfig, error)
	BccOwner() string
	FileSent(ctx context.Context, account string, raw []byte) error
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSendFunc replaces SMTP delivery.
func WithSendFunc(f SendFunc) SenderOption {
	return func(s *Sender) { s.send = f }
}

// WithSenderBus publishes send_blocked and sent events to b.
func WithSenderBus(b *events.Bus) SenderOption {
	return func(s *Sender) { s.bus = b }
}

// WithSenderLogger sets the sender logger.
func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = l }
}

// Sender runs the send lifecycle.
type Sender struct {
	dispatcher *expansion.Dispatcher
	accounts   Accounts
	send       SendFunc
	bus        *events.Bus
	logger     *slog.Logger
}

// NewSender creates a sender over the given dispatcher and accounts.
func NewSender(d *expansion.Dispatcher, accounts Accounts, opts ...SenderOption) *Sender {
	s := &Sender{
		dispatcher: d,
		accounts:   accounts,
		send:       email.SendMail,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send validates req, runs the pre-send interceptors, delivers the
// message and starts the post-send interceptors without waiting for
// them. A veto returns *BlockedError and nothing is sent.
func (s *Sender) Send(ctx context.Context, userID string, req SendRequest) (*SendResult, error) {
	if len(req.To)+len(req.Cc)+len(req.Bcc) == 0 {
		return nil, ErrNoRecipients
	}

	acct, err := s.accounts.AccountConfig(req.Account)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !acct.SMTPConfigured() {
		return nil, fmt.Errorf("%w: email account %q has no SMTP configuration", ErrInvalidRequest, acct.Name)
	}

	draft := &expansion.Draft{
		From: acct.DefaultFrom,
		Recipients: expansion.Recipients{
			To:  slices.Clone(req.To),
			Cc:  slices.Clone(req.Cc),
			Bcc: slices.Clone(req.Bcc),
		},
		Subject:    req.Subject,
		Body:       req.Body,
		InReplyTo:  req.InReplyTo,
		References: slices.Clone(req.References),
	}

	out := s.dispatcher.Enforce(ctx, expansion.TriggerPreSend, &expansion.Context{
		UserID: userID,
		Draft:  draft,
	})
	if out.Blocked() {
		s.logger.Warn("send blocked by policy",
			"user", userID,
			"expansion", out.Expansion,
			"dispatch_id", out.DispatchID,
		)
		s.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceMail,
			Kind:      events.KindSendBlocked,
			Data:      map[string]any{"user": userID, "expansion": out.Expansion, "message": out.Message},
		})
		return nil, &BlockedError{Expansion: out.Expansion, Message: out.Message}
	}

	bcc := draft.Recipients.Bcc
	if owner := s.accounts.BccOwner(); owner != "" && !containsAddress(draft.Recipients.All(), owner) {
		bcc = append(slices.Clone(bcc), owner)
	}

	composed, err := email.ComposeMessage(email.ComposeOptions{
		From:       draft.From,
		To:         draft.Recipients.To,
		Cc:         draft.Recipients.Cc,
		Bcc:        bcc,
		Subject:    draft.Subject,
		Body:       draft.Body,
		InReplyTo:  draft.InReplyTo,
		References: draft.References,
	})
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}

	if err := s.send(ctx, acct.SMTP, draft.From, composed.Recipients, composed.Raw); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	draft.MessageID = composed.MessageID

	s.logger.Info("message sent",
		"user", userID,
		"account", acct.Name,
		"message_id", composed.MessageID,
		"recipients", len(composed.Recipients),
	)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMail,
		Kind:      events.KindSent,
		Data: map[string]any{
			"user":       userID,
			"message_id": composed.MessageID,
			"recipients": len(composed.Recipients),
		},
	})

	// Delivery already succeeded; a failed copy to Sent is only logged.
	if err := s.accounts.FileSent(ctx, acct.Name, composed.Raw); err != nil {
		s.logger.Warn("failed to file sent message",
			"account", acct.Name, "message_id", composed.MessageID, "error", err)
	}

	post := &expansion.Context{UserID: userID, Draft: draft}
	pending := s.dispatcher.Notify(ctx, expansion.TriggerPostSend, post)

	return &SendResult{
		MessageID:  composed.MessageID,
		Recipients: len(composed.Recipients),
		DispatchID: out.DispatchID,
		PostSend:   pending,
	}, nil
}

// containsAddress reports whether addr appears in list, comparing bare
// addresses case-insensitively.
func containsAddress(list []string, addr string) bool {
	want := strings.ToLower(bareAddress(addr))
	for _, a := range list {
		if strings.ToLower(bareAddress(a)) == want {
			return true
		}
	}
	return false
}

// bareAddress strips a display name: "Name <a@b>" becomes "a@b".
func bareAddress(s string) string {
	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			return strings.TrimSpace(s[i+1 : i+j])
		}
	}
	return strings.TrimSpace(s)
}
