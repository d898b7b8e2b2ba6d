package mailflow

import (
	"context"
	"log/slog"

	"github.com/nugget/postern/internal/email"
	"github.com/nugget/postern/internal/expansion"
)

// Received turns polled messages into EMAIL_RECEIVED dispatches for the
// mailbox owner. It implements email.Sink.
type Received struct {
	dispatcher *expansion.Dispatcher
	owner      string
	logger     *slog.Logger
}

// NewReceived creates the poll sink.
func NewReceived(d *expansion.Dispatcher, owner string, logger *slog.Logger) *Received {
	if logger == nil {
		logger = slog.Default()
	}
	return &Received{dispatcher: d, owner: owner, logger: logger}
}

// Received dispatches one new message. Interceptors run in the
// background; the poller moves on immediately.
func (r *Received) Received(ctx context.Context, account string, env email.Envelope) {
	msg := FromEnvelope(account, env)
	r.dispatcher.Notify(ctx, expansion.TriggerReceived, &expansion.Context{
		UserID:  r.owner,
		Message: &msg,
	})
	r.logger.Debug("received message dispatched",
		"account", account, "uid", env.UID, "user", r.owner)
}
