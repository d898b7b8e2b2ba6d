package expansions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/postern/internal/expansion"
)

func recipientGroups() expansion.Expansion {
	return expansion.Expansion{
		ID:          IDRecipientGroups,
		DisplayName: "Recipient Groups",
		Description: "Expands group names like @team into their member addresses while composing.",
		Icon:        "users",
		Interceptors: []expansion.Interceptor{
			{
				Trigger:  expansion.TriggerRecipientsChanged,
				Kind:     expansion.KindSync,
				Priority: 100,
				Needs:    []expansion.Capability{expansion.CapGroups},
				Execute:  expandGroups,
			},
		},
	}
}

func expandGroups(ctx context.Context, ic *expansion.Context, svc *expansion.Services) (expansion.Result, error) {
	if ic.Recipients == nil {
		return expansion.Result{Success: true}, nil
	}

	groups, err := svc.Groups.Groups(ctx, ic.UserID)
	if err != nil {
		return expansion.Result{}, fmt.Errorf("load recipient groups: %w", err)
	}

	out, n := ExpandGroups(groups, ic.Recipients)
	return expansion.Result{
		Success:    true,
		Recipients: out,
		Data:       map[string]any{"expanded": n},
	}, nil
}

// GroupKey normalizes a group name or recipient entry for matching:
// surrounding space and any leading "@" or "#" marker are dropped and
// the rest is lowercased.
func GroupKey(s string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(s), "@#"))
}

// ExpandGroups replaces every to/cc/bcc entry naming a group with that
// group's members, in place. Entries that match no group pass through.
// The result is not de-duplicated. It returns the rewritten fragment
// and the number of entries that were expanded. r is not modified.
func ExpandGroups(groups map[string][]string, r *expansion.Recipients) (*expansion.Recipients, int) {
	if r == nil {
		return nil, 0
	}

	// When two names normalize to the same key, the lexically first
	// name wins so the outcome does not depend on map order.
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	index := make(map[string][]string, len(groups))
	for _, name := range names {
		key := GroupKey(name)
		if key == "" {
			continue
		}
		if _, dup := index[key]; !dup {
			index[key] = groups[name]
		}
	}

	n := 0
	expand := func(in []string) []string {
		if in == nil {
			return nil
		}
		out := make([]string, 0, len(in))
		for _, entry := range in {
			if members, ok := index[GroupKey(entry)]; ok {
				out = append(out, members...)
				n++
				continue
			}
			out = append(out, entry)
		}
		return out
	}

	return &expansion.Recipients{
		To:  expand(r.To),
		Cc:  expand(r.Cc),
		Bcc: expand(r.Bcc),
	}, n
}
