package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/nugget/postern/internal/textconv"
)

// markdown renders outbound bodies. Single newlines are kept as line
// breaks since drafts are usually typed as plain text.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

const htmlEnvelope = `<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s</body></html>`

// ComposeOptions describes an outbound message. Body is markdown.
type ComposeOptions struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string

	InReplyTo  string
	References []string

	// Date defaults to now.
	Date time.Time
}

// Composed is a message ready for SMTP.
type Composed struct {
	// Raw is the RFC 5322 message. Bcc never appears in it.
	Raw []byte

	// MessageID is the generated id without angle brackets.
	MessageID string

	// Recipients are the unique envelope addresses, Bcc included.
	Recipients []string
}

// ComposeMessage builds a multipart/alternative message. The HTML part
// is the rendered markdown and the text part is derived from that HTML,
// so both carry the same content.
func ComposeMessage(opts ComposeOptions) (*Composed, error) {
	if len(opts.To)+len(opts.Cc)+len(opts.Bcc) == 0 {
		return nil, errors.New("no recipients")
	}

	h, msgID, err := composeHeader(opts)
	if err != nil {
		return nil, err
	}

	text, htmlBody, err := renderBody(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	var buf bytes.Buffer
	if err := writeAlternative(&buf, h, text, htmlBody); err != nil {
		return nil, err
	}

	return &Composed{
		Raw:        buf.Bytes(),
		MessageID:  msgID,
		Recipients: collectRecipients(opts.To, opts.Cc, opts.Bcc),
	}, nil
}

func composeHeader(opts ComposeOptions) (mail.Header, string, error) {
	var h mail.Header

	date := opts.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetSubject(opts.Subject)

	if err := h.GenerateMessageID(); err != nil {
		return h, "", fmt.Errorf("message-id: %w", err)
	}
	msgID, err := h.MessageID()
	if err != nil {
		return h, "", fmt.Errorf("message-id: %w", err)
	}

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return h, "", fmt.Errorf("from %q: %w", opts.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	for _, f := range []struct {
		name  string
		addrs []string
	}{
		{"To", opts.To},
		{"Cc", opts.Cc},
		{"Bcc", opts.Bcc},
	} {
		parsed, err := parseAddressList(f.addrs)
		if err != nil {
			return h, "", fmt.Errorf("%s: %w", f.name, err)
		}
		// Bcc is checked but never written.
		if len(parsed) > 0 && f.name != "Bcc" {
			h.SetAddressList(f.name, parsed)
		}
	}

	if opts.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{opts.InReplyTo})
	}
	if len(opts.References) > 0 {
		h.SetMsgIDList("References", opts.References)
	}
	return h, msgID, nil
}

// writeAlternative writes a text/plain and text/html pair under h.
func writeAlternative(w io.Writer, h mail.Header, text, htmlBody string) error {
	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("mail writer: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("inline writer: %w", err)
	}

	for _, part := range [][2]string{
		{"text/plain", text},
		{"text/html", htmlBody},
	} {
		var ph mail.InlineHeader
		ph.SetContentType(part[0], map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("%s part: %w", part[0], err)
		}
		if _, err := io.WriteString(pw, part[1]); err != nil {
			pw.Close()
			return fmt.Errorf("%s part: %w", part[0], err)
		}
		if err := pw.Close(); err != nil {
			return fmt.Errorf("%s part: %w", part[0], err)
		}
	}

	if err := iw.Close(); err != nil {
		return err
	}
	return mw.Close()
}

// parseAddressList accepts "Name <addr>" or bare addresses.
func parseAddressList(addrs []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", a, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

// renderBody returns the text and HTML forms of a markdown body.
func renderBody(md string) (text, htmlBody string, err error) {
	var rendered bytes.Buffer
	if err := markdown.Convert([]byte(md), &rendered); err != nil {
		return "", "", err
	}
	return textconv.FromHTML(rendered.String()), fmt.Sprintf(htmlEnvelope, rendered.String()), nil
}
