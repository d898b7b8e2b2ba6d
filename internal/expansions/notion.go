package expansions

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/postern/internal/expansion"
	"github.com/nugget/postern/internal/textconv"
)

func notion() expansion.Expansion {
	return expansion.Expansion{
		ID:          IDNotion,
		DisplayName: "Notion",
		Description: "Saves a message as a Notion page.",
		Icon:        "notion",
		Interceptors: []expansion.Interceptor{
			{
				Trigger: ActionSaveToNotion,
				Kind:    expansion.KindAPI,
				Needs:   []expansion.Capability{expansion.CapDocStore, expansion.CapSettings},
				Execute: saveToNotion,
			},
		},
	}
}

func saveToNotion(ctx context.Context, ic *expansion.Context, svc *expansion.Services) (expansion.Result, error) {
	if ic.Message == nil {
		return expansion.Result{}, errors.New("no message to save")
	}
	settings, err := loadSettings(ctx, svc, ic.UserID)
	if err != nil {
		return expansion.Result{}, err
	}
	parent := firstNonEmpty(ic.Param("parentPageId"), str(section(settings, keyNotion), "parentPageId"))
	if parent == "" {
		return expansion.Result{}, errors.New("no notion parent page given or configured")
	}

	m := ic.Message
	title := firstNonEmpty(m.Subject, "(no subject)")
	body := fmt.Sprintf("From: %s\nDate: %s\n\n%s", m.From, m.Date.Format("2006-01-02 15:04"), textconv.Plain(m.Body))

	url, err := svc.DocStore.CreatePage(ctx, parent, title, body)
	if err != nil {
		return expansion.Result{}, err
	}
	return expansion.Result{
		Success: true,
		Message: "Saved to Notion",
		Data:    map[string]any{"url": url},
	}, nil
}
