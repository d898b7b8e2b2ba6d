package mailflow

import (
	"context"

	"github.com/nugget/postern/internal/expansion"
)

// Composer runs compose-time interceptors.
type Composer struct {
	dispatcher *expansion.Dispatcher
}

// NewComposer creates a composer over d.
func NewComposer(d *expansion.Dispatcher) *Composer {
	return &Composer{dispatcher: d}
}

// ExpandRecipients runs the recipient transform chain over r and
// returns the final fragment along with the dispatch outcome. Faulting
// interceptors are skipped, so the result is always usable.
func (c *Composer) ExpandRecipients(ctx context.Context, userID string, r expansion.Recipients) (expansion.Recipients, expansion.Outcome) {
	out := c.dispatcher.Transform(ctx, expansion.TriggerRecipientsChanged, &expansion.Context{
		UserID:     userID,
		Recipients: r.Clone(),
	})
	if out.Recipients == nil {
		return r, out
	}
	return *out.Recipients, out
}
