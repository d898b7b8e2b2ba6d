package expansions

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/postern/internal/expansion"
	"github.com/nugget/postern/internal/textconv"
)

func github() expansion.Expansion {
	return expansion.Expansion{
		ID:          IDGitHub,
		DisplayName: "GitHub",
		Description: "Opens a GitHub issue from a message.",
		Icon:        "github",
		Interceptors: []expansion.Interceptor{
			{
				Trigger: ActionCreateGitHubIssue,
				Kind:    expansion.KindAPI,
				Needs:   []expansion.Capability{expansion.CapIssues, expansion.CapSettings},
				Execute: createGitHubIssue,
			},
		},
	}
}

func createGitHubIssue(ctx context.Context, ic *expansion.Context, svc *expansion.Services) (expansion.Result, error) {
	if ic.Message == nil {
		return expansion.Result{}, errors.New("no message to file")
	}
	settings, err := loadSettings(ctx, svc, ic.UserID)
	if err != nil {
		return expansion.Result{}, err
	}
	gh := section(settings, keyGitHub)
	repo := firstNonEmpty(ic.Param("repo"), str(gh, "repo"))
	if repo == "" {
		return expansion.Result{}, errors.New("no github repo given or configured")
	}

	m := ic.Message
	title := firstNonEmpty(ic.Param("title"), m.Subject, "Email from "+m.From)
	body := fmt.Sprintf("> Reported by email from %s on %s\n\n%s",
		m.From, m.Date.Format("2006-01-02"), textconv.Plain(m.Body))

	url, err := svc.Issues.CreateIssue(ctx, repo, title, body, strs(gh, "labels"))
	if err != nil {
		return expansion.Result{}, err
	}
	return expansion.Result{
		Success: true,
		Message: "Issue created",
		Data:    map[string]any{"url": url, "repo": repo},
	}, nil
}
