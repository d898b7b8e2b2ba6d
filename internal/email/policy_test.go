package email

import (
	"strings"
	"testing"
)

func TestCheckRecipientPolicy_ZeroValueAllowsAll(t *testing.T) {
	result := CheckRecipientPolicy(SendPolicy{}, []string{"a@example.com", "Bob <b@example.org>"})
	if len(result.Allowed) != 2 {
		t.Errorf("zero policy should allow all, got %d allowed", len(result.Allowed))
	}
	if result.HasIssues() {
		t.Error("zero policy should have no issues")
	}
}

func TestCheckRecipientPolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      SendPolicy
		addrs       []string
		wantAllowed int
		wantBlocked int
		wantReason  string
	}{
		{
			name:        "blocked domain",
			policy:      SendPolicy{BlockedDomains: []string{"competitor.com"}},
			addrs:       []string{"a@competitor.com", "b@friend.com"},
			wantAllowed: 1,
			wantBlocked: 1,
			wantReason:  "domain competitor.com is blocked",
		},
		{
			name:        "blocked subdomain and case",
			policy:      SendPolicy{BlockedDomains: []string{"@Competitor.com"}},
			addrs:       []string{"Eve <eve@Mail.COMPETITOR.com>"},
			wantBlocked: 1,
			wantReason:  "mail.competitor.com is blocked",
		},
		{
			name:        "suffix is not a subdomain",
			policy:      SendPolicy{BlockedDomains: []string{"competitor.com"}},
			addrs:       []string{"x@notcompetitor.com"},
			wantAllowed: 1,
		},
		{
			name:        "allowlist",
			policy:      SendPolicy{AllowedDomains: []string{"corp.example"}},
			addrs:       []string{"a@corp.example", "b@gmail.com"},
			wantAllowed: 1,
			wantBlocked: 1,
			wantReason:  "not on the allowlist",
		},
		{
			name:        "max recipients",
			policy:      SendPolicy{MaxRecipients: 2},
			addrs:       []string{"a@x.com", "b@x.com", "c@x.com"},
			wantAllowed: 3,
			wantBlocked: 1,
			wantReason:  "3 recipients exceeds the limit of 2",
		},
		{
			name:        "not an address",
			policy:      SendPolicy{},
			addrs:       []string{"@team"},
			wantBlocked: 1,
			wantReason:  "not an email address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckRecipientPolicy(tt.policy, tt.addrs)
			if len(result.Allowed) != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %d", result.Allowed, tt.wantAllowed)
			}
			if len(result.Blocked) != tt.wantBlocked {
				t.Errorf("Blocked = %v, want %d", result.Blocked, tt.wantBlocked)
			}
			if tt.wantReason != "" && !strings.Contains(result.FormatIssues(), tt.wantReason) {
				t.Errorf("FormatIssues() = %q, want it to mention %q", result.FormatIssues(), tt.wantReason)
			}
		})
	}
}
