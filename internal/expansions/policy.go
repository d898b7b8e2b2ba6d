package expansions

import (
	"context"

	"github.com/nugget/postern/internal/email"
	"github.com/nugget/postern/internal/expansion"
)

func sendPolicy() expansion.Expansion {
	return expansion.Expansion{
		ID:          IDSendPolicy,
		DisplayName: "Send Policy",
		Description: "Blocks sends to disallowed domains or to too many recipients.",
		Icon:        "shield",
		Interceptors: []expansion.Interceptor{
			{
				Trigger:  expansion.TriggerPreSend,
				Kind:     expansion.KindSync,
				Priority: 100,
				Needs:    []expansion.Capability{expansion.CapSettings},
				Execute:  enforceSendPolicy,
			},
		},
	}
}

func enforceSendPolicy(ctx context.Context, ic *expansion.Context, svc *expansion.Services) (expansion.Result, error) {
	if ic.Draft == nil {
		return expansion.Result{Success: true}, nil
	}

	settings, err := loadSettings(ctx, svc, ic.UserID)
	if err != nil {
		return expansion.Result{}, err
	}
	var p email.SendPolicy
	if err := decode(settings, keySendPolicy, &p); err != nil {
		return expansion.Result{}, err
	}

	check := email.CheckRecipientPolicy(p, ic.Draft.Recipients.All())
	if check.HasIssues() {
		return expansion.Result{
			Stop:    true,
			Message: check.FormatIssues(),
			Data:    map[string]any{"blocked": check.Blocked},
		}, nil
	}
	return expansion.Result{Success: true}, nil
}
