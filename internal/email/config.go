package email

import (
	"errors"
	"fmt"
)

// Security selects how a connection is protected.
type Security string

// Connection security modes. An empty value picks a default from the port.
const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

func (s Security) valid() bool {
	switch s {
	case SecurityTLS, SecurityStartTLS, SecurityNone:
		return true
	}
	return false
}

// Config is the "email" section of the postern config.
type Config struct {
	// BccOwner is blind-copied on every outbound message that does not
	// already include it.
	BccOwner string          `yaml:"bcc_owner"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig is one mailbox. The first account is the primary.
type AccountConfig struct {
	Name string     `yaml:"name"`
	IMAP IMAPConfig `yaml:"imap"`
	// SMTP is optional; accounts without it cannot send.
	SMTP        SMTPConfig `yaml:"smtp"`
	DefaultFrom string     `yaml:"default_from"`
	// SentFolder receives an APPEND copy of each sent message.
	SentFolder string `yaml:"sent_folder"`
}

// IMAPConfig is an IMAP server login.
type IMAPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Security Security `yaml:"security"`
}

// SMTPConfig is an SMTP submission login.
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Security Security `yaml:"security"`
}

// Configured reports whether any account can log in to IMAP.
func (c Config) Configured() bool {
	for _, a := range c.Accounts {
		if a.IMAP.Host != "" && a.IMAP.Username != "" {
			return true
		}
	}
	return false
}

// SMTPConfigured reports whether the account can send.
func (a AccountConfig) SMTPConfigured() bool {
	return a.SMTP.Host != "" && a.SMTP.Username != ""
}

// ApplyDefaults fills ports and security modes. IMAP defaults to 993
// over TLS, or STARTTLS on 143. SMTP defaults to 587 with STARTTLS, or
// TLS on 465.
func (c *Config) ApplyDefaults() {
	for i := range c.Accounts {
		imap := &c.Accounts[i].IMAP
		if imap.Port == 0 {
			imap.Port = 993
		}
		if imap.Security == "" {
			imap.Security = SecurityTLS
			if imap.Port == 143 {
				imap.Security = SecurityStartTLS
			}
		}

		smtp := &c.Accounts[i].SMTP
		if smtp.Host == "" {
			continue
		}
		if smtp.Port == 0 {
			smtp.Port = 587
		}
		if smtp.Security == "" {
			smtp.Security = SecurityStartTLS
			if smtp.Port == 465 {
				smtp.Security = SecurityTLS
			}
		}
	}
}

// Validate reports the first inconsistency in the account list.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("email.accounts[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("email.accounts[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true

		if err := a.validate(); err != nil {
			return fmt.Errorf("email.accounts[%d] (%s): %w", i, a.Name, err)
		}
	}
	return nil
}

func (a AccountConfig) validate() error {
	switch {
	case a.IMAP.Host == "":
		return errors.New("imap.host is required")
	case a.IMAP.Username == "":
		return errors.New("imap.username is required")
	case a.IMAP.Port < 1 || a.IMAP.Port > 65535:
		return fmt.Errorf("imap.port %d out of range", a.IMAP.Port)
	case a.IMAP.Security != "" && !a.IMAP.Security.valid():
		return fmt.Errorf("imap.security %q must be tls, starttls or none", a.IMAP.Security)
	}

	if a.SMTP.Host == "" {
		return nil
	}
	switch {
	case a.SMTP.Username == "":
		return errors.New("smtp.username is required when smtp.host is set")
	case a.SMTP.Port < 1 || a.SMTP.Port > 65535:
		return fmt.Errorf("smtp.port %d out of range", a.SMTP.Port)
	case a.SMTP.Security != "" && !a.SMTP.Security.valid():
		return fmt.Errorf("smtp.security %q must be tls, starttls or none", a.SMTP.Security)
	case a.DefaultFrom == "":
		return errors.New("default_from is required when smtp is configured")
	}
	return nil
}
