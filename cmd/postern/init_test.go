package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/postern/internal/config"
)

func TestRunInit_FreshDirectory(t *testing.T) {
	old := syscall.Umask(0o022)
	t.Cleanup(func() { syscall.Umask(old) })

	dir := t.TempDir()
	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "db")); err != nil || !info.IsDir() {
		t.Errorf("db directory: %v", err)
	}
	for _, name := range []string{"config.yaml", vaultEnvFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s mode = %o, want 600", name, perm)
		}
	}
	if n := strings.Count(out.String(), "✓"); n != 2 {
		t.Errorf("created %d files per output:\n%s", n, out.String())
	}

	env, _ := os.ReadFile(filepath.Join(dir, vaultEnvFile))
	key, secret, ok := strings.Cut(strings.TrimSpace(string(env)), "=")
	if !ok || key != "POSTERN_VAULT_SECRET" || len(secret) < 40 {
		t.Fatalf("vault.env = %q", env)
	}

	// The generated pair loads as-is.
	t.Setenv("POSTERN_VAULT_SECRET", secret)
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("default config does not load: %v", err)
	}
	if cfg.Vault.Secret != secret {
		t.Errorf("vault secret = %q, want env expansion", cfg.Vault.Secret)
	}
	if len(cfg.Email.Accounts) != 1 {
		t.Errorf("accounts = %d, want 1", len(cfg.Email.Accounts))
	}
}

func TestRunInit_KeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	existing := map[string]string{
		"config.yaml": "listen:\n  port: 9000\n",
		vaultEnvFile:  "POSTERN_VAULT_SECRET=keep-me\n",
	}
	for name, body := range existing {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	for name, body := range existing {
		if got, _ := os.ReadFile(filepath.Join(dir, name)); string(got) != body {
			t.Errorf("%s overwritten: %q", name, got)
		}
	}
	if strings.Count(out.String(), "exists") != 2 {
		t.Errorf("output = %q", out.String())
	}
}
