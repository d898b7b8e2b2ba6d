// Package clientsync mirrors sensitive per-user settings into the
// secure cache so hot paths (compose-time recipient expansion) read a
// local encrypted copy instead of decrypting the settings document on
// every keystroke.
package clientsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/postern/internal/securecache"
)

// SettingsKeyGroups is the settings key holding recipient groups, a
// map of group name to member addresses.
const SettingsKeyGroups = "recipientGroups"

// cacheKeyGroups prefixes the per-user recipient group cache entry.
const cacheKeyGroups = "recipient_groups"

// SettingsReader returns a user's decrypted settings.
type SettingsReader interface {
	Read(ctx context.Context, userID string) (map[string]any, error)
}

// Hydrator writes settings-derived entries into the secure cache and
// serves them back. It implements expansion.GroupSource.
type Hydrator struct {
	cache    *securecache.Cache
	settings SettingsReader
	logger   *slog.Logger
}

// New creates a hydrator. settings is consulted on a cache miss.
func New(cache *securecache.Cache, settings SettingsReader, logger *slog.Logger) *Hydrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hydrator{cache: cache, settings: settings, logger: logger}
}

// CacheKey returns the secure cache key for a user's groups.
func CacheKey(userID string) string {
	return cacheKeyGroups + ":" + userID
}

// Hydrate caches the recipient groups found in tree.
func (h *Hydrator) Hydrate(userID string, tree map[string]any) error {
	groups := GroupsFrom(tree)
	if err := h.cache.Write(CacheKey(userID), groups, userID); err != nil {
		return fmt.Errorf("hydrate recipient groups for %s: %w", userID, err)
	}
	h.logger.Debug("recipient groups hydrated", "user", userID, "groups", len(groups))
	return nil
}

// OnSettingsWritten is a settings write hook. Failures are logged; the
// next read falls back to the settings store.
func (h *Hydrator) OnSettingsWritten(_ context.Context, userID string, tree map[string]any) {
	if err := h.Hydrate(userID, tree); err != nil {
		h.logger.Warn("secure cache hydration failed", "user", userID, "error", err)
	}
}

// Groups returns the user's recipient groups, from the cache when the
// entry is still readable and from settings otherwise. A miss
// re-hydrates the cache.
func (h *Hydrator) Groups(ctx context.Context, userID string) (map[string][]string, error) {
	var groups map[string][]string
	if h.cache.Read(CacheKey(userID), userID, &groups) {
		return groups, nil
	}

	if h.settings == nil {
		return map[string][]string{}, nil
	}
	tree, err := h.settings.Read(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := h.Hydrate(userID, tree); err != nil {
		h.logger.Warn("secure cache hydration failed", "user", userID, "error", err)
	}
	return GroupsFrom(tree), nil
}

// GroupsFrom extracts recipient groups from a settings tree. Members
// that are not strings are skipped.
func GroupsFrom(tree map[string]any) map[string][]string {
	out := map[string][]string{}
	raw, _ := tree[SettingsKeyGroups].(map[string]any)
	for name, v := range raw {
		list, ok := v.([]any)
		if !ok {
			if ss, ok := v.([]string); ok {
				out[name] = append([]string(nil), ss...)
			}
			continue
		}
		members := make([]string, 0, len(list))
		for _, m := range list {
			if s, ok := m.(string); ok {
				members = append(members, s)
			}
		}
		out[name] = members
	}
	return out
}
