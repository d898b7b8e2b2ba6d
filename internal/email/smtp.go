package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// smtpTimeout bounds a delivery when ctx has no earlier deadline.
const smtpTimeout = 30 * time.Second

// SendMail submits msg to the server in cfg. from may carry a display
// name; the envelope sender is the bare address. recipients are bare
// addresses.
func SendMail(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error {
	if len(recipients) == 0 {
		return errors.New("no recipients")
	}

	deadline := time.Now().Add(smtpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c, err := dialSMTP(ctx, cfg, deadline)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello(heloName(from)); err != nil {
		return fmt.Errorf("smtp EHLO: %w", err)
	}
	if cfg.Security == SecurityStartTLS {
		if err := c.StartTLS(&tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		if err := c.Auth(sasl.NewPlainClient("", cfg.Username, cfg.Password)); err != nil {
			return fmt.Errorf("smtp AUTH: %w", err)
		}
	}

	if err := c.SendMail(extractAddress(from), recipients, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return c.Quit()
}

func dialSMTP(ctx context.Context, cfg SMTPConfig, deadline time.Time) (*smtp.Client, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	nd := &net.Dialer{Deadline: deadline}

	var (
		conn net.Conn
		err  error
	)
	if cfg.Security == SecurityTLS {
		td := &tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(deadline)
	return smtp.NewClient(conn), nil
}

// extractAddress returns the address inside "Name <addr>", or s as is.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, ">") {
		return s
	}
	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		return s[i+1 : len(s)-1]
	}
	return s
}

// heloName is the sender's domain, or localhost.
func heloName(from string) string {
	if d := addressDomain(extractAddress(from)); d != "" {
		return d
	}
	return "localhost"
}

// collectRecipients returns the unique bare addresses of to, cc and bcc
// in order.
func collectRecipients(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, addr := range list {
			bare := extractAddress(addr)
			if bare == "" || seen[strings.ToLower(bare)] {
				continue
			}
			seen[strings.ToLower(bare)] = true
			out = append(out, bare)
		}
	}
	return out
}
