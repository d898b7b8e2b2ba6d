package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2/imapclient"
)

// Client holds one IMAP connection for an account. Commands are
// serialized and a dead connection is replaced on the next call.
type Client struct {
	cfg    IMAPConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *imapclient.Client
}

// NewClient returns a client that connects on first use.
func NewClient(cfg IMAPConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Ping verifies the connection, dialing again if it has dropped.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.live(ctx)
	return err
}

// Close logs out of the server.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// with runs fn on a live connection with folder selected. An empty
// folder skips SELECT.
func (c *Client) with(ctx context.Context, folder string, fn func(*imapclient.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.live(ctx)
	if err != nil {
		return err
	}
	if folder != "" {
		if _, err := conn.Select(folder, nil).Wait(); err != nil {
			return fmt.Errorf("select %s: %w", folder, err)
		}
	}
	return fn(conn)
}

// live returns the current connection if it answers NOOP, or a fresh
// one. Caller holds c.mu.
func (c *Client) live(ctx context.Context) (*imapclient.Client, error) {
	if c.conn != nil {
		if err := c.conn.Noop().Wait(); err == nil {
			return c.conn, nil
		}
		c.logger.Debug("imap connection lost, redialing", "host", c.cfg.Host)
		_ = c.conn.Close()
		c.conn = nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("imap login %s: %w", c.cfg.Username, err)
	}
	c.conn = conn
	c.logger.Info("imap connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (*imapclient.Client, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12},
	}

	var (
		conn *imapclient.Client
		err  error
	)
	switch c.cfg.Security {
	case SecurityNone:
		var nc net.Conn
		nc, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err == nil {
			conn = imapclient.New(nc, opts)
		}
	case SecurityStartTLS:
		conn, err = imapclient.DialStartTLS(addr, opts)
	default:
		conn, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", addr, err)
	}
	return conn, nil
}
