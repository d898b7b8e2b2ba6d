// Package email reads mailboxes over IMAP and delivers mail over SMTP
// for the configured accounts. Besides the account plumbing it holds the
// pieces of the mail lifecycle that speak to servers: message lookup, the
// outbound composer, the recipient send policy and the inbox poller that
// feeds received-mail triggers.
package email

import (
	"time"

	"github.com/nugget/postern/internal/textconv"
)

// DefaultFolder is used when a caller does not name a mailbox.
const DefaultFolder = "INBOX"

// defaultLimit caps a Query without an explicit limit.
const defaultLimit = 20

// Envelope is the summary of a message as shown in listings and handed
// to the poller's sink.
type Envelope struct {
	UID     uint32    `json:"uid"`
	Date    time.Time `json:"date"`
	From    string    `json:"from"`
	To      []string  `json:"to,omitempty"`
	Subject string    `json:"subject"`
	Flags   []string  `json:"flags,omitempty"`
	Size    uint32    `json:"size"`
}

// Message is a fetched message with its text bodies.
type Message struct {
	Envelope

	// MessageID is the Message-ID header value without angle brackets.
	MessageID  string   `json:"message_id,omitempty"`
	InReplyTo  []string `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
	Cc         []string `json:"cc,omitempty"`
	ReplyTo    string   `json:"reply_to,omitempty"`

	TextBody string `json:"text_body,omitempty"`
	HTMLBody string `json:"html_body,omitempty"`
}

// Text returns the plain-text body, rendering the HTML part when the
// message has no text/plain alternative.
func (m *Message) Text() string {
	switch {
	case m.TextBody != "":
		return m.TextBody
	case m.HTMLBody != "":
		return textconv.FromHTML(m.HTMLBody)
	}
	return ""
}

// Query selects messages in one folder. Zero fields do not filter.
type Query struct {
	// Folder defaults to DefaultFolder.
	Folder string

	// Limit keeps the newest N matches. Ignored when AfterUID is set.
	Limit int

	Unseen bool

	// Since matches messages with an internal date on or after this day.
	Since time.Time

	// AfterUID matches every message with a greater UID.
	AfterUID uint32

	// From matches the From header.
	From string

	// Text matches anywhere in the message.
	Text string
}

func (q Query) folder() string {
	if q.Folder == "" {
		return DefaultFolder
	}
	return q.Folder
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return defaultLimit
	}
	return q.Limit
}
