package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/postern/internal/defaults"
)

// vaultEnvFile holds a generated POSTERN_VAULT_SECRET for the service
// manager to load.
const vaultEnvFile = "vault.env"

// runInit lays out a working directory: db/, config.yaml and a fresh
// vault secret. Files that already exist are left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Postern workspace in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "db"), 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate vault secret: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{"config.yaml", defaults.ConfigYAML},
		{vaultEnvFile, []byte("POSTERN_VAULT_SECRET=" + base64.RawURLEncoding.EncodeToString(secret) + "\n")},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := createExclusive(path, f.data)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", path)
		}
	}

	fmt.Fprintf(w, "\nLoad %s into the environment before 'postern serve'.\n"+
		"Losing that secret makes stored settings unreadable.\n", vaultEnvFile)
	return nil
}

// createExclusive writes data to a new 0600 file at path. It returns
// false without error when path already exists.
func createExclusive(path string, data []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return false, fmt.Errorf("write %s: %w", path, werr)
	}
	return true, nil
}
