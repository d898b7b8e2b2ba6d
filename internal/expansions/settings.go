package expansions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/postern/internal/expansion"
)

// Settings keys read by core expansions. Values are camelCase to match
// the settings documents clients write.
const (
	keySendPolicy = "sendPolicy"
	keySlack      = "slack"
	keyNotion     = "notion"
	keyGitHub     = "github"
	keyAIAssist   = "aiAssist"
)

// loadSettings reads the user's decrypted settings tree.
func loadSettings(ctx context.Context, svc *expansion.Services, userID string) (map[string]any, error) {
	s, err := svc.Settings.Read(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if s == nil {
		s = map[string]any{}
	}
	return s, nil
}

// section returns the object stored at key, or nil.
func section(settings map[string]any, key string) map[string]any {
	m, _ := settings[key].(map[string]any)
	return m
}

// str returns the string at key, or "".
func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// flag returns the bool at key, or false.
func flag(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// strs returns the string list at key. Non-string entries are skipped.
func strs(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// decode converts the object at key into v via JSON. A missing key
// leaves v untouched.
func decode(settings map[string]any, key string, v any) error {
	raw, ok := settings[key]
	if !ok || raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// firstNonEmpty returns the first non-empty argument.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
