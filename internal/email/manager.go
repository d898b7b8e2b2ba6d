package email

import (
	"fmt"
	"log/slog"
	"slices"
)

// Manager holds one Client per configured account. An empty account
// name always means the primary, the first account in the config.
type Manager struct {
	accounts map[string]*account
	names    []string
	primary  string
	bccOwner string
	logger   *slog.Logger
}

type account struct {
	cfg    AccountConfig
	client *Client
}

// NewManager creates clients for cfg.Accounts. Nothing connects until
// the first command.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		accounts: make(map[string]*account, len(cfg.Accounts)),
		bccOwner: cfg.BccOwner,
		logger:   logger,
	}
	for _, a := range cfg.Accounts {
		m.accounts[a.Name] = &account{
			cfg:    a,
			client: NewClient(a.IMAP, logger.With("email_account", a.Name)),
		}
		m.names = append(m.names, a.Name)
		if m.primary == "" {
			m.primary = a.Name
		}
	}
	slices.Sort(m.names)
	return m
}

func (m *Manager) lookup(name string) (*account, error) {
	if name == "" {
		name = m.primary
	}
	a, ok := m.accounts[name]
	if !ok {
		return nil, fmt.Errorf("email account %q not found", name)
	}
	return a, nil
}

// Account returns the IMAP client for name.
func (m *Manager) Account(name string) (*Client, error) {
	a, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return a.client, nil
}

// AccountConfig returns the configuration for name.
func (m *Manager) AccountConfig(name string) (AccountConfig, error) {
	a, err := m.lookup(name)
	if err != nil {
		return AccountConfig{}, err
	}
	return a.cfg, nil
}

// Primary is the default account name.
func (m *Manager) Primary() string { return m.primary }

// BccOwner is the audit address copied on outbound mail.
func (m *Manager) BccOwner() string { return m.bccOwner }

// AccountNames lists accounts in sorted order.
func (m *Manager) AccountNames() []string { return slices.Clone(m.names) }

// Close logs out of every account.
func (m *Manager) Close() {
	for _, name := range m.names {
		if err := m.accounts[name].client.Close(); err != nil {
			m.logger.Warn("email client close failed", "account", name, "error", err)
		}
	}
}
