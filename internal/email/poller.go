package email

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/postern/internal/events"
)

// pollNamespace is the state namespace for inbox high-water marks.
const pollNamespace = "email_poll"

// MarkStore persists poll high-water marks between runs.
type MarkStore interface {
	State(namespace, key string) (string, error)
	SetState(namespace, key, value string) error
}

// Sink receives each new message the poller finds.
type Sink interface {
	Received(ctx context.Context, account string, env Envelope)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, account string, env Envelope)

// Received implements Sink.
func (f SinkFunc) Received(ctx context.Context, account string, env Envelope) { f(ctx, account, env) }

// Poller hands new INBOX messages to a Sink. Each account keeps a
// persisted UID high-water mark; anything above it is new.
type Poller struct {
	manager *Manager
	marks   MarkStore
	sink    Sink
	bus     *events.Bus
	logger  *slog.Logger
}

// NewPoller creates a poller over every account in manager.
func NewPoller(manager *Manager, marks MarkStore, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		manager: manager,
		marks:   marks,
		logger:  logger,
	}
}

// OnReceived sets the sink for new messages.
func (p *Poller) OnReceived(s Sink) { p.sink = s }

// SetEventBus publishes poll_start and poll_complete events to b.
func (p *Poller) SetEventBus(b *events.Bus) { p.bus = b }

// Poll checks every account once and returns how many messages went
// to the sink. An account with no mark yet is seeded with its newest
// UID and reports nothing. Per-account failures are logged and skipped.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	accounts := p.manager.AccountNames()
	p.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEmail,
		Kind:      events.KindPollStart,
		Data:      map[string]any{"accounts": len(accounts)},
	})

	total := 0
	for _, name := range accounts {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		msgs, err := p.pollAccount(ctx, name)
		if err != nil {
			p.logger.Warn("poll failed", "account", name, "error", err)
			continue
		}
		for _, env := range msgs {
			p.logger.Debug("new mail", "account", name, "uid", env.UID, "from", env.From)
			if p.sink != nil {
				p.sink.Received(ctx, name, env)
			}
		}
		total += len(msgs)
	}

	p.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEmail,
		Kind:      events.KindPollComplete,
		Data:      map[string]any{"accounts": len(accounts), "new_messages": total},
	})
	return total, nil
}

func markKey(account string) string { return account + ":" + DefaultFolder }

// loadMark returns the stored UID for key. ok is false when there is no
// usable mark and the account needs seeding.
func (p *Poller) loadMark(key string) (uid uint32, ok bool, err error) {
	raw, err := p.marks.State(pollNamespace, key)
	if err != nil {
		return 0, false, fmt.Errorf("load mark %q: %w", key, err)
	}
	if raw == "" {
		return 0, false, nil
	}
	n, perr := strconv.ParseUint(raw, 10, 32)
	if perr != nil {
		p.logger.Warn("discarding unreadable poll mark", "key", key, "value", raw)
		return 0, false, nil
	}
	return uint32(n), true, nil
}

func (p *Poller) storeMark(key string, uid uint32) error {
	return p.marks.SetState(pollNamespace, key, strconv.FormatUint(uint64(uid), 10))
}

// pollAccount returns the account's new mail oldest first, without
// messages the account sent to itself.
func (p *Poller) pollAccount(ctx context.Context, name string) ([]Envelope, error) {
	client, err := p.manager.Account(name)
	if err != nil {
		return nil, err
	}
	key := markKey(name)

	last, ok, err := p.loadMark(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, p.seed(ctx, client, key)
	}

	msgs, err := client.Find(ctx, Query{AfterUID: last})
	if err != nil {
		return nil, fmt.Errorf("find new mail: %w", err)
	}

	// The mark only moves forward; an expunge can make the server
	// report lower UIDs than we have seen.
	if top := highestUID(msgs); top > last {
		if err := p.storeMark(key, top); err != nil {
			p.logger.Warn("poll mark not saved, next poll repeats", "account", name, "uid", top, "error", err)
		}
	}

	slices.Reverse(msgs)
	return dropSelfSent(p.selfAddress(name), msgs), nil
}

func (p *Poller) seed(ctx context.Context, client *Client, key string) error {
	newest, err := client.Find(ctx, Query{Limit: 1})
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if len(newest) == 0 {
		return nil
	}
	p.logger.Info("seeding poll mark", "key", key, "uid", newest[0].UID)
	return p.storeMark(key, newest[0].UID)
}

// selfAddress is the bare DefaultFrom address of an account, or "".
func (p *Poller) selfAddress(account string) string {
	cfg, err := p.manager.AccountConfig(account)
	if err != nil {
		return ""
	}
	return extractAddress(cfg.DefaultFrom)
}

func highestUID(msgs []Envelope) uint32 {
	var top uint32
	for _, m := range msgs {
		top = max(top, m.UID)
	}
	return top
}

// dropSelfSent returns msgs without those sent from self. msgs is not
// modified.
func dropSelfSent(self string, msgs []Envelope) []Envelope {
	if self == "" {
		return msgs
	}
	out := make([]Envelope, 0, len(msgs))
	for _, m := range msgs {
		if !strings.EqualFold(extractAddress(m.From), self) {
			out = append(out, m)
		}
	}
	return out
}
