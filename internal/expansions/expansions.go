// Package expansions defines the built-in expansions every postern
// server registers at startup.
package expansions

import (
	"fmt"
	"slices"

	"github.com/nugget/postern/internal/expansion"
)

// Core expansion ids.
const (
	IDRecipientGroups = "recipient-groups"
	IDSendPolicy      = "send-policy"
	IDSlack           = "slack"
	IDNotion          = "notion"
	IDGitHub          = "github"
	IDAIAssist        = "ai-assist"
	IDMQTTRelay       = "mqtt-relay"
)

// API action names.
const (
	ActionShareToSlack      = "share_to_slack"
	ActionSaveToNotion      = "save_to_notion"
	ActionCreateGitHubIssue = "create_github_issue"
	ActionDraftReply        = "draft_reply"
)

// Core returns the built-in expansions in registration order.
func Core() []expansion.Expansion {
	return []expansion.Expansion{
		recipientGroups(),
		sendPolicy(),
		slack(),
		notion(),
		github(),
		aiAssist(),
		mqttRelay(),
	}
}

// EnsureCore registers every core expansion not named in disabled. It
// is idempotent: expansions already in reg are left alone. It returns
// how many were newly registered.
func EnsureCore(reg *expansion.Registry, disabled []string) (int, error) {
	added := 0
	for _, e := range Core() {
		if slices.Contains(disabled, e.ID) {
			continue
		}
		ok, err := reg.Register(e)
		if err != nil {
			return added, fmt.Errorf("register %s: %w", e.ID, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}
