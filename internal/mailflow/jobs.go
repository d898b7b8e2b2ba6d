package mailflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/postern/internal/expansion"
	"github.com/nugget/postern/internal/scheduler"
)

// Job names registered with the scheduler.
const (
	CronJobName = "organization_cron"
	PollJobName = "inbox_poll"
)

// Poller is the inbox poll entry point. *email.Poller implements it.
type Poller interface {
	Poll(ctx context.Context) (int, error)
}

// CronJob returns a job that fires ORGANIZATION_CRON once per user and
// waits for every interceptor to finish, so a slow digest cannot
// overlap the next run. Interceptor failures are logged, not returned.
func CronJob(d *expansion.Dispatcher, users []string, logger *slog.Logger) scheduler.RunFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		var errs []error
		for _, user := range users {
			pending := d.Notify(ctx, expansion.TriggerCron, &expansion.Context{UserID: user})
			runs, err := pending.Wait(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("cron for %s: %w", user, err))
				continue
			}
			failed := 0
			for _, r := range runs {
				if r.Err != nil {
					failed++
				}
			}
			logger.Debug("cron dispatched", "user", user, "ran", len(runs), "failed", failed)
		}
		return errors.Join(errs...)
	}
}

// PollJob returns a job that runs one inbox poll cycle.
func PollJob(p Poller, logger *slog.Logger) scheduler.RunFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		n, err := p.Poll(ctx)
		if err != nil {
			return fmt.Errorf("poll inbox: %w", err)
		}
		if n > 0 {
			logger.Info("inbox poll delivered new messages", "count", n)
		}
		return nil
	}
}
