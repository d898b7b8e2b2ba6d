// Package objstore stores opaque blobs by name. The WebDAV backend is
// used when storage.webdav is configured; otherwise blobs live in a
// directory under the data dir.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/emersion/go-webdav"

	"github.com/nugget/postern/internal/config"
	"github.com/nugget/postern/internal/httpkit"
)

// ErrNotFound is returned by Get and Delete for a missing blob.
var ErrNotFound = errors.New("object not found")

// maxObjectSize caps a single Get.
const maxObjectSize = 16 << 20

// Store is a flat blob store. Names may contain one level of "/" to
// group objects; backends create the prefix on demand.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// New returns the backend selected by cfg. dataDir is used for the local
// backend.
func New(cfg config.WebDAVConfig, dataDir string, logger *slog.Logger) (Store, error) {
	if cfg.Configured() {
		return NewWebDAV(cfg, nil, logger)
	}
	return NewLocal(filepath.Join(dataDir, "objects"))
}

// WebDAV stores blobs in a WebDAV collection.
type WebDAV struct {
	client *webdav.Client
	logger *slog.Logger
}

// NewWebDAV connects to the collection at cfg.URL. A nil httpClient
// uses the shared httpkit client.
func NewWebDAV(cfg config.WebDAVConfig, httpClient *http.Client, logger *slog.Logger) (*WebDAV, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithLogger(logger))
	}

	var hc webdav.HTTPClient = httpClient
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, cfg.Username, cfg.Password)
	}
	client, err := webdav.NewClient(hc, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("webdav client: %w", err)
	}
	return &WebDAV{client: client, logger: logger}, nil
}

// Ping stats the collection root.
func (w *WebDAV) Ping(ctx context.Context) error {
	if _, err := w.client.Stat(ctx, "/"); err != nil {
		return fmt.Errorf("webdav stat: %w", err)
	}
	return nil
}

// Put uploads data under name, replacing any existing object.
func (w *WebDAV) Put(ctx context.Context, name string, data []byte) error {
	if dir := path.Dir(name); dir != "." {
		// Fails with 405 when the collection exists.
		if err := w.client.Mkdir(ctx, dir); err != nil {
			w.logger.Log(ctx, config.LevelTrace, "webdav mkdir", "dir", dir, "error", err)
		}
	}

	wc, err := w.client.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("webdav create %s: %w", name, err)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("webdav write %s: %w", name, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("webdav put %s: %w", name, err)
	}
	w.logger.Debug("object stored", "backend", "webdav", "name", name, "bytes", len(data))
	return nil
}

// Get downloads the object under name.
func (w *WebDAV) Get(ctx context.Context, name string) ([]byte, error) {
	rc, err := w.client.Open(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webdav get %s: %w", name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("webdav read %s: %w", name, err)
	}
	return data, nil
}

// Delete removes the object under name.
func (w *WebDAV) Delete(ctx context.Context, name string) error {
	if err := w.client.RemoveAll(ctx, name); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("webdav delete %s: %w", name, err)
	}
	return nil
}

// isNotFound matches the client's HTTP error text; go-webdav does not
// export its status error type.
func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "404")
}

// Local stores blobs as files under a root directory.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) path(name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

// Put writes data under name.
// Ping checks that the root directory exists.
func (l *Local) Ping(context.Context) error {
	fi, err := os.Stat(l.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", l.root)
	}
	return nil
}

func (l *Local) Put(_ context.Context, name string, data []byte) error {
	p, err := l.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// Get reads the object under name.
func (l *Local) Get(_ context.Context, name string) ([]byte, error) {
	p, err := l.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// Delete removes the object under name.
func (l *Local) Delete(_ context.Context, name string) error {
	p, err := l.path(name)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}
