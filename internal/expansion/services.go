package expansion

import (
	"context"
	"time"
)

// Capability names a service an interceptor may depend on.
type Capability string

const (
	CapMessaging Capability = "messaging"
	CapDocStore  Capability = "docstore"
	CapTextGen   Capability = "textgen"
	CapIssues    Capability = "issues"
	CapEvents    Capability = "events"
	CapSettings  Capability = "settings"
	CapInbox     Capability = "inbox"
	CapGroups    Capability = "groups"
)

// MessagingClient posts chat messages (Slack).
type MessagingClient interface {
	PostMessage(ctx context.Context, channel, text string) (ts string, err error)
}

// DocStoreClient saves documents (Notion).
type DocStoreClient interface {
	CreatePage(ctx context.Context, parentID, title, body string) (url string, err error)
}

// TextGenClient generates text from a prompt.
type TextGenClient interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// IssueTracker files issues (GitHub).
type IssueTracker interface {
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (url string, err error)
}

// EventPublisher publishes a payload to a topic (MQTT).
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, payload []byte) error
}

// SettingsReader returns a user's decrypted settings tree.
type SettingsReader interface {
	Read(ctx context.Context, userID string) (map[string]any, error)
}

// InboxReader lists recent inbox messages for a user.
type InboxReader interface {
	Recent(ctx context.Context, userID string, since time.Time, limit int) ([]Message, error)
}

// GroupSource returns a user's recipient groups keyed by group name.
type GroupSource interface {
	Groups(ctx context.Context, userID string) (map[string][]string, error)
}

// Services is the set of clients handed to interceptors. Nil fields are
// capabilities that are not configured.
type Services struct {
	Messaging MessagingClient
	DocStore  DocStoreClient
	TextGen   TextGenClient
	Issues    IssueTracker
	Events    EventPublisher
	Settings  SettingsReader
	Inbox     InboxReader
	Groups    GroupSource
}

// Has reports whether capability c is configured.
func (s *Services) Has(c Capability) bool {
	if s == nil {
		return false
	}
	switch c {
	case CapMessaging:
		return s.Messaging != nil
	case CapDocStore:
		return s.DocStore != nil
	case CapTextGen:
		return s.TextGen != nil
	case CapIssues:
		return s.Issues != nil
	case CapEvents:
		return s.Events != nil
	case CapSettings:
		return s.Settings != nil
	case CapInbox:
		return s.Inbox != nil
	case CapGroups:
		return s.Groups != nil
	default:
		return false
	}
}

// Require returns a *CapabilityError listing every entry of needs that
// is not configured, or nil.
func (s *Services) Require(needs []Capability) error {
	var missing []Capability
	for _, c := range needs {
		if !s.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &CapabilityError{Missing: missing}
	}
	return nil
}

// Available lists the configured capabilities.
func (s *Services) Available() []Capability {
	var out []Capability
	for _, c := range []Capability{CapMessaging, CapDocStore, CapTextGen, CapIssues, CapEvents, CapSettings, CapInbox, CapGroups} {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}
