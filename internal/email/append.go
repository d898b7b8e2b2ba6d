package email

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// AppendMessage stores raw in folder with the given flags.
func (c *Client) AppendMessage(ctx context.Context, folder string, raw []byte, flags ...imap.Flag) error {
	return c.with(ctx, "", func(conn *imapclient.Client) error {
		cmd := conn.Append(folder, int64(len(raw)), &imap.AppendOptions{Flags: flags, Time: time.Now()})
		if _, err := cmd.Write(raw); err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append to %s: %w", folder, err)
		}
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("append to %s: %w", folder, err)
		}
		if _, err := cmd.Wait(); err != nil {
			return fmt.Errorf("append to %s: %w", folder, err)
		}
		return nil
	})
}

// FileSent appends raw to the account's sent folder as \Seen. It is a
// no-op when the account has no SentFolder.
func (m *Manager) FileSent(ctx context.Context, account string, raw []byte) error {
	cfg, err := m.AccountConfig(account)
	if err != nil {
		return err
	}
	if cfg.SentFolder == "" {
		return nil
	}
	client, err := m.Account(cfg.Name)
	if err != nil {
		return err
	}
	return client.AppendMessage(ctx, cfg.SentFolder, raw, imap.FlagSeen)
}
