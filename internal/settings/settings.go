// Package settings reads and writes per-user settings documents. Every
// string leaf is sealed by the vault before it reaches the store and
// opened again on the way out, so the database only ever holds
// ciphertext for credentials and webhook URLs.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/postern/internal/events"
	"github.com/nugget/postern/internal/vault"
)

// ErrNoUser is returned when a call has no user id.
var ErrNoUser = errors.New("settings: no user")

// Store persists encrypted settings documents. store.DB implements it.
type Store interface {
	Settings(userID string) (data []byte, updated time.Time, ok bool, err error)
	PutSettings(userID string, data []byte) error
	DeleteSettings(userID string) error
}

// WriteHook runs after a successful write with the decrypted result.
type WriteHook func(ctx context.Context, userID string, tree map[string]any)

// Service is the settings read/write path.
type Service struct {
	store  Store
	vault  *vault.Vault
	bus    *events.Bus
	logger *slog.Logger

	// mu serializes read-modify-write cycles.
	mu    sync.Mutex
	hooks []WriteHook
}

// New creates a settings service.
func New(store Store, v *vault.Vault, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, vault: v, logger: logger}
}

// SetEventBus publishes settings_written events to b.
func (s *Service) SetEventBus(b *events.Bus) { s.bus = b }

// OnWrite registers a hook that runs after every write.
func (s *Service) OnWrite(h WriteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Read returns the user's decrypted settings. A user with no settings
// gets an empty tree, not an error.
func (s *Service) Read(_ context.Context, userID string) (map[string]any, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	return s.read(userID)
}

func (s *Service) read(userID string) (map[string]any, error) {
	raw, _, ok, err := s.store.Settings(userID)
	if err != nil {
		return nil, fmt.Errorf("load settings for %s: %w", userID, err)
	}
	if !ok {
		return map[string]any{}, nil
	}

	var sealed map[string]any
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, fmt.Errorf("decode settings for %s: %w", userID, err)
	}
	tree, _ := s.vault.DecryptObject(sealed).(map[string]any)
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// Write merges patch into the user's settings and stores the result.
// Objects merge recursively; any other value replaces what was there,
// and a nil value deletes the key. It returns the merged tree.
func (s *Service) Write(ctx context.Context, userID string, patch map[string]any) (map[string]any, error) {
	if userID == "" {
		return nil, ErrNoUser
	}

	s.mu.Lock()
	current, err := s.read(userID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	merged := Merge(current, patch)

	raw, err := json.Marshal(s.vault.EncryptObject(merged))
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("encode settings for %s: %w", userID, err)
	}
	if err := s.store.PutSettings(userID, raw); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("store settings for %s: %w", userID, err)
	}
	hooks := append([]WriteHook(nil), s.hooks...)
	s.mu.Unlock()

	s.logger.Debug("settings written", "user", userID, "keys", len(patch))
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSettings,
		Kind:      events.KindSettingsWritten,
		Data:      map[string]any{"user": userID},
	})
	for _, h := range hooks {
		h(ctx, userID, merged)
	}
	return merged, nil
}

// Delete removes all of a user's settings.
func (s *Service) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	s.mu.Lock()
	err := s.store.DeleteSettings(userID)
	hooks := append([]WriteHook(nil), s.hooks...)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete settings for %s: %w", userID, err)
	}
	for _, h := range hooks {
		h(ctx, userID, map[string]any{})
	}
	return nil
}

// Merge returns base with patch applied. Neither input is modified.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = Merge(bm, pm)
			continue
		}
		if pok {
			// Strip nils from a new subtree too.
			out[k] = Merge(nil, pm)
			continue
		}
		out[k] = v
	}
	return out
}
