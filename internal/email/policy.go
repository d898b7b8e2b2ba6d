package email

import (
	"fmt"
	"strings"
)

// SendPolicy restricts who an account may send to. The zero value
// allows everything.
type SendPolicy struct {
	// BlockedDomains are never allowed. A domain also blocks its
	// subdomains.
	BlockedDomains []string `json:"blockedDomains,omitempty"`

	// AllowedDomains, when non-empty, is an allowlist: recipients
	// outside it are blocked.
	AllowedDomains []string `json:"allowedDomains,omitempty"`

	// MaxRecipients caps to+cc+bcc. Zero means no cap.
	MaxRecipients int `json:"maxRecipients,omitempty"`
}

// PolicyResult categorizes outbound recipients.
type PolicyResult struct {
	Allowed []string

	// Blocked holds one human-readable reason per rejected address or
	// violated limit.
	Blocked []string
}

// CheckRecipientPolicy evaluates every address against p.
func CheckRecipientPolicy(p SendPolicy, addresses []string) PolicyResult {
	var result PolicyResult

	if p.MaxRecipients > 0 && len(addresses) > p.MaxRecipients {
		result.Blocked = append(result.Blocked,
			fmt.Sprintf("%d recipients exceeds the limit of %d", len(addresses), p.MaxRecipients))
	}

	for _, addr := range addresses {
		bare := extractAddress(addr)
		domain := addressDomain(bare)
		if domain == "" {
			result.Blocked = append(result.Blocked,
				fmt.Sprintf("Cannot send to %q: not an email address", addr))
			continue
		}

		if matchDomain(p.BlockedDomains, domain) {
			result.Blocked = append(result.Blocked,
				fmt.Sprintf("Cannot send to %s: domain %s is blocked", bare, domain))
			continue
		}
		if len(p.AllowedDomains) > 0 && !matchDomain(p.AllowedDomains, domain) {
			result.Blocked = append(result.Blocked,
				fmt.Sprintf("Cannot send to %s: domain %s is not on the allowlist", bare, domain))
			continue
		}
		result.Allowed = append(result.Allowed, addr)
	}

	return result
}

// HasIssues reports whether any address or limit was rejected.
func (r PolicyResult) HasIssues() bool {
	return len(r.Blocked) > 0
}

// FormatIssues returns a human-readable summary of the rejections.
func (r PolicyResult) FormatIssues() string {
	parts := make([]string, len(r.Blocked))
	for i, b := range r.Blocked {
		parts[i] = "✗ " + b
	}
	return "Email not sent, blocked by send policy:\n\n" + strings.Join(parts, "\n")
}

// addressDomain returns the lowercased domain of a bare address.
func addressDomain(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// matchDomain reports whether domain equals, or is a subdomain of, any
// entry in list.
func matchDomain(list []string, domain string) bool {
	for _, d := range list {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@"))
		if d == "" {
			continue
		}
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
