package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

const (
	// maxTextSize truncates each extracted body part.
	maxTextSize = 32 << 10
	truncated   = "\n\n[truncated at 32KB]"
)

// ErrMessageNotFound is returned by Read for an unknown UID.
var ErrMessageNotFound = errors.New("message not found")

// Find returns envelopes matching q, newest first.
func (c *Client) Find(ctx context.Context, q Query) ([]Envelope, error) {
	var out []Envelope
	err := c.with(ctx, q.folder(), func(conn *imapclient.Client) error {
		data, err := conn.UIDSearch(q.criteria(), nil).Wait()
		if err != nil {
			return fmt.Errorf("search %s: %w", q.folder(), err)
		}
		uids := data.AllUIDs()
		if q.AfterUID == 0 && len(uids) > q.limit() {
			uids = uids[len(uids)-q.limit():]
		}
		if len(uids) == 0 {
			return nil
		}

		cmd := conn.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			UID:        true,
			Envelope:   true,
			Flags:      true,
			RFC822Size: true,
		})
		for msg := cmd.Next(); msg != nil; msg = cmd.Next() {
			buf, err := msg.Collect()
			if err != nil {
				c.logger.Debug("skipping unreadable message", "error", err)
				continue
			}
			// Servers answer "UID n:*" with the last message even when
			// its UID is lower.
			if uint32(buf.UID) <= q.AfterUID {
				continue
			}
			out = append(out, envelopeOf(buf))
		}
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("fetch %s: %w", q.folder(), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b Envelope) int { return int(b.UID) - int(a.UID) })
	return out, nil
}

func (q Query) criteria() *imap.SearchCriteria {
	c := &imap.SearchCriteria{Since: q.Since}
	if q.Unseen {
		c.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	if q.AfterUID > 0 {
		c.UID = []imap.UIDSet{{imap.UIDRange{Start: imap.UID(q.AfterUID + 1)}}}
	}
	if q.From != "" {
		c.Header = []imap.SearchCriteriaHeaderField{{Key: "From", Value: q.From}}
	}
	if q.Text != "" {
		c.Text = []string{q.Text}
	}
	return c
}

// Read fetches one message with its bodies. Reading sets \Seen.
func (c *Client) Read(ctx context.Context, folder string, uid uint32) (*Message, error) {
	if folder == "" {
		folder = DefaultFolder
	}
	section := &imap.FetchItemBodySection{}

	var m *Message
	err := c.with(ctx, folder, func(conn *imapclient.Client) error {
		cmd := conn.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
			UID:         true,
			Envelope:    true,
			Flags:       true,
			RFC822Size:  true,
			BodySection: []*imap.FetchItemBodySection{section},
		})
		defer cmd.Close()

		msg := cmd.Next()
		if msg == nil {
			return fmt.Errorf("%w: uid %d in %s", ErrMessageNotFound, uid, folder)
		}
		buf, err := msg.Collect()
		if err != nil {
			return fmt.Errorf("fetch uid %d: %w", uid, err)
		}

		m = messageOf(buf)
		if raw := buf.FindBodySection(section); raw != nil {
			if err := extractBodies(m, raw); err != nil {
				c.logger.Debug("partial body parse", "uid", uid, "error", err)
			}
		}
		return cmd.Close()
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func envelopeOf(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID:  uint32(buf.UID),
		Size: uint32(buf.RFC822Size),
	}
	for _, f := range buf.Flags {
		env.Flags = append(env.Flags, string(f))
	}
	if e := buf.Envelope; e != nil {
		env.Date = e.Date
		env.Subject = e.Subject
		if len(e.From) > 0 {
			env.From = formatAddress(e.From[0])
		}
		env.To = formatAddresses(e.To)
	}
	return env
}

func messageOf(buf *imapclient.FetchMessageBuffer) *Message {
	m := &Message{Envelope: envelopeOf(buf)}
	if e := buf.Envelope; e != nil {
		m.MessageID = e.MessageID
		m.InReplyTo = e.InReplyTo
		m.Cc = formatAddresses(e.Cc)
		if len(e.ReplyTo) > 0 {
			m.ReplyTo = formatAddress(e.ReplyTo[0])
		}
	}
	return m
}

// formatAddress renders "Name <addr>", or the bare address when there is
// no display name.
func formatAddress(a imap.Address) string {
	if a.Name == "" {
		return a.Addr()
	}
	return a.Name + " <" + a.Addr() + ">"
}

func formatAddresses(list []imap.Address) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = formatAddress(a)
	}
	return out
}

// extractBodies walks the MIME tree of raw and fills the first text/plain
// and text/html inline parts plus References. Unknown charsets are not
// fatal; the part is kept as decoded so far.
func extractBodies(m *Message, raw []byte) error {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if r == nil {
		if err == nil {
			err = errors.New("no message")
		}
		return fmt.Errorf("parse message: %w", err)
	}
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("parse message: %w", err)
	}
	defer r.Close()

	if refs, err := r.Header.MsgIDList("References"); err == nil {
		m.References = refs
	}

	for {
		part, err := r.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		ct, _, _ := h.ContentType()
		var dst *string
		switch {
		case ct == "text/plain" && m.TextBody == "":
			dst = &m.TextBody
		case ct == "text/html" && m.HTMLBody == "":
			dst = &m.HTMLBody
		default:
			continue
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, maxTextSize+1))
		if err != nil && len(body) == 0 {
			continue
		}
		text := string(body)
		if len(body) > maxTextSize {
			text = text[:maxTextSize] + truncated
		}
		*dst = strings.TrimSpace(text)
	}
}
