package email

import "testing"

func twoAccounts() Config {
	return Config{
		BccOwner: "audit@example.com",
		Accounts: []AccountConfig{
			testAccount(withSMTP),
			{Name: "personal", IMAP: IMAPConfig{Host: "imap.home.example", Port: 993, Username: "me"}},
		},
	}
}

func TestManager_Lookup(t *testing.T) {
	m := NewManager(twoAccounts(), nil)

	if m.Primary() != "work" {
		t.Errorf("Primary() = %q, want first configured account", m.Primary())
	}
	if names := m.AccountNames(); len(names) != 2 || names[0] != "personal" || names[1] != "work" {
		t.Errorf("AccountNames() = %v, want sorted", names)
	}
	if m.BccOwner() != "audit@example.com" {
		t.Errorf("BccOwner() = %q", m.BccOwner())
	}

	tests := []struct {
		name     string
		wantName string
		wantErr  bool
	}{
		{"", "work", false},
		{"work", "work", false},
		{"personal", "personal", false},
		{"missing", "", true},
	}
	for _, tt := range tests {
		cfg, err := m.AccountConfig(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("AccountConfig(%q) err = %v", tt.name, err)
			continue
		}
		if cfg.Name != tt.wantName {
			t.Errorf("AccountConfig(%q).Name = %q, want %q", tt.name, cfg.Name, tt.wantName)
		}
		c, err := m.Account(tt.name)
		if (err != nil) != tt.wantErr || (!tt.wantErr && c == nil) {
			t.Errorf("Account(%q) = %v, %v", tt.name, c, err)
		}
	}
}

func TestManager_NamesAreCopied(t *testing.T) {
	m := NewManager(twoAccounts(), nil)
	names := m.AccountNames()
	names[0] = "mutated"
	if m.AccountNames()[0] != "personal" {
		t.Error("AccountNames exposes internal slice")
	}
}

func TestManager_Empty(t *testing.T) {
	m := NewManager(Config{}, nil)
	if m.Primary() != "" || len(m.AccountNames()) != 0 {
		t.Errorf("empty manager = %q %v", m.Primary(), m.AccountNames())
	}
	if _, err := m.Account(""); err == nil {
		t.Error("Account on empty manager succeeded")
	}
	m.Close()
}
