package expansion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/postern/internal/events"
)

// DefaultTimeout bounds a single interceptor run.
const DefaultTimeout = 10 * time.Second

// Policy selects how matching interceptors are run.
type Policy string

const (
	// PolicyAuto picks the policy from the trigger.
	PolicyAuto Policy = ""
	// PolicyBlocking runs interceptors one at a time; the first veto or
	// fault halts dispatch.
	PolicyBlocking Policy = "blocking"
	// PolicyFireAndForget starts every interceptor concurrently and
	// returns without waiting.
	PolicyFireAndForget Policy = "fire_and_forget"
	// PolicyTransform chains interceptors, each receiving the previous
	// one's recipients.
	PolicyTransform Policy = "transform"
	// PolicySelect runs exactly one API interceptor.
	PolicySelect Policy = "select"
)

// PolicyFor returns the default policy for trigger.
func PolicyFor(t Trigger) Policy {
	switch t {
	case TriggerPreSend:
		return PolicyBlocking
	case TriggerPostSend, TriggerReceived, TriggerCron:
		return PolicyFireAndForget
	case TriggerRecipientsChanged:
		return PolicyTransform
	default:
		return PolicySelect
	}
}

// Status summarizes a dispatch.
type Status string

const (
	StatusContinue Status = "continue"
	StatusBlocked  Status = "blocked"
	StatusSkipped  Status = "skipped"
	StatusPending  Status = "pending"
	StatusDone     Status = "done"
)

// Outcome is the result of Dispatch.
type Outcome struct {
	DispatchID string
	Policy     Policy
	Status     Status
	// Message and Expansion identify the vetoing interceptor on a block,
	// or the selected interceptor on PolicySelect.
	Message   string
	Expansion string
	// Ran counts interceptors that were started.
	Ran    int
	Faults []*FaultError
	// Recipients is the final fragment of a transform chain.
	Recipients *Recipients
	// Result is the selected interceptor's result on PolicySelect.
	Result *Result
	// Err is set when a select dispatch found no handler or the handler
	// faulted.
	Err error
	// Pending tracks the background interceptors. Blocking and
	// transform dispatches start the KindAsync interceptors bound to the
	// same trigger here; they never affect Status.
	Pending *Pending
}

// Blocked reports whether the dispatch vetoed the operation.
func (o Outcome) Blocked() bool { return o.Status == StatusBlocked }

// Skipped reports whether no interceptor matched.
func (o Outcome) Skipped() bool { return o.Status == StatusSkipped }

// Run records one finished interceptor execution.
type Run struct {
	Expansion string
	Trigger   Trigger
	Result    Result
	Err       error
	Duration  time.Duration
}

// Pending is the handle for a fire-and-forget dispatch. Request
// handlers drop it; background callers may Wait on it.
type Pending struct {
	done chan struct{}
	mu   sync.Mutex
	runs []Run
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func donePending() *Pending {
	p := newPending()
	close(p.done)
	return p
}

// Done is closed once every interceptor has finished.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until every interceptor has finished or ctx is done.
func (p *Pending) Wait(ctx context.Context) ([]Run, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return append([]Run(nil), p.runs...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) add(r Run) {
	p.mu.Lock()
	p.runs = append(p.runs, r)
	p.mu.Unlock()
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithBus publishes a KindInterceptorDone event after every run.
func WithBus(b *events.Bus) Option {
	return func(d *Dispatcher) { d.bus = b }
}

// WithTimeout overrides DefaultTimeout. Zero or negative disables the
// per-interceptor timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// Dispatcher runs interceptors from a Registry.
type Dispatcher struct {
	registry *Registry
	services *Services
	logger   *slog.Logger
	bus      *events.Bus
	timeout  time.Duration
}

// NewDispatcher creates a dispatcher over reg. svc may be nil, in which
// case every capability is missing.
func NewDispatcher(reg *Registry, svc *Services, opts ...Option) *Dispatcher {
	if svc == nil {
		svc = &Services{}
	}
	d := &Dispatcher{
		registry: reg,
		services: svc,
		logger:   slog.Default(),
		timeout:  DefaultTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Registry returns the registry the dispatcher reads from.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Services returns the services handed to interceptors.
func (d *Dispatcher) Services() *Services { return d.services }

// Dispatch runs the interceptors bound to trigger under hint, or under
// PolicyFor(trigger) when hint is PolicyAuto. Zero matching interceptors
// yields StatusSkipped for every policy.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger Trigger, ic *Context, hint Policy) Outcome {
	policy := hint
	if policy == PolicyAuto {
		policy = PolicyFor(trigger)
	}
	if ic == nil {
		ic = &Context{}
	}

	switch policy {
	case PolicyBlocking:
		return d.enforce(ctx, trigger, ic)
	case PolicyFireAndForget:
		id := newDispatchID()
		p := d.notify(ctx, trigger, ic, id, KindSync, KindAsync)
		status := StatusPending
		if p.skipped {
			status = StatusSkipped
		}
		return Outcome{DispatchID: id, Policy: policy, Status: status, Ran: p.count, Pending: p.Pending}
	case PolicyTransform:
		return d.transform(ctx, trigger, ic)
	case PolicySelect:
		return d.selectOne(ctx, Selection{Action: string(trigger)}, ic)
	default:
		return Outcome{Policy: policy, Status: StatusSkipped, Err: fmt.Errorf("unknown dispatch policy %q", policy)}
	}
}

// Enforce runs trigger under PolicyBlocking.
func (d *Dispatcher) Enforce(ctx context.Context, trigger Trigger, ic *Context) Outcome {
	return d.Dispatch(ctx, trigger, ic, PolicyBlocking)
}

// Notify runs trigger under PolicyFireAndForget and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, trigger Trigger, ic *Context) *Pending {
	if ic == nil {
		ic = &Context{}
	}
	return d.notify(ctx, trigger, ic, newDispatchID(), KindSync, KindAsync).Pending
}

// Transform runs trigger under PolicyTransform, starting from ic.Recipients.
func (d *Dispatcher) Transform(ctx context.Context, trigger Trigger, ic *Context) Outcome {
	return d.Dispatch(ctx, trigger, ic, PolicyTransform)
}

// Selection picks one API interceptor. Action, when set, must equal the
// interceptor's trigger; Expansion, when set, restricts the search to
// one expansion. With neither set the first API interceptor wins.
type Selection struct {
	Expansion string
	Action    string
}

// Invoke runs the single API interceptor chosen by sel. No match is a
// *NotFoundError; a failing handler is a *FaultError.
func (d *Dispatcher) Invoke(ctx context.Context, sel Selection, ic *Context) (Result, error) {
	if ic == nil {
		ic = &Context{}
	}
	out := d.selectOne(ctx, sel, ic)
	if out.Err != nil {
		return Result{}, out.Err
	}
	return *out.Result, nil
}

func (d *Dispatcher) enforce(ctx context.Context, trigger Trigger, ic *Context) Outcome {
	out := Outcome{DispatchID: newDispatchID(), Policy: PolicyBlocking}
	matches := d.registry.match(trigger, KindSync)
	bg := d.notify(ctx, trigger, ic, out.DispatchID, KindAsync)
	out.Pending = bg.Pending
	out.Ran = bg.count
	if len(matches) == 0 && bg.skipped {
		out.Status = StatusSkipped
		return out
	}

	ic.Trigger = trigger
	ic.DispatchID = out.DispatchID
	out.Status = StatusContinue

	for _, b := range matches {
		out.Ran++
		res, err := d.run(ctx, b, ic)
		if err != nil {
			fe := asFault(err, b)
			out.Faults = append(out.Faults, fe)
			d.logger.Warn("interceptor fault, failing closed",
				"dispatch_id", out.DispatchID,
				"expansion", b.expansion,
				"trigger", trigger,
				"user", ic.UserID,
				"error", fe.Err,
			)
			out.Status = StatusBlocked
			out.Expansion = b.expansion
			out.Message = fmt.Sprintf("%s failed: %v", b.expansion, fe.Err)
			break
		}
		if res.Stop {
			d.logger.Info("dispatch vetoed",
				"dispatch_id", out.DispatchID,
				"expansion", b.expansion,
				"trigger", trigger,
				"user", ic.UserID,
				"message", res.Message,
			)
			out.Status = StatusBlocked
			out.Expansion = b.expansion
			out.Message = res.Message
			break
		}
	}

	d.publishDispatch(out, trigger)
	return out
}

type notified struct {
	*Pending
	count   int
	skipped bool
}

// notify starts the interceptors of the given kinds bound to trigger in
// the background. Each run gets its own copy of ic, taken before notify
// returns.
func (d *Dispatcher) notify(ctx context.Context, trigger Trigger, ic *Context, id string, kinds ...Kind) notified {
	matches := d.registry.match(trigger, kinds...)
	if len(matches) == 0 {
		return notified{Pending: donePending(), skipped: true}
	}

	ic.Trigger = trigger
	ic.DispatchID = id

	// The caller does not wait, so its cancellation must not reach the
	// background runs.
	bg := context.WithoutCancel(ctx)
	p := newPending()

	var wg sync.WaitGroup
	for _, b := range matches {
		own := ic.clone()
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			res, err := d.run(bg, b, own)
			if err != nil {
				if IsConfiguration(err) {
					d.logger.Debug("background interceptor skipped",
						"dispatch_id", id, "expansion", b.expansion, "trigger", trigger, "error", err)
				} else {
					d.logger.Warn("background interceptor failed",
						"dispatch_id", id, "expansion", b.expansion, "trigger", trigger, "error", err)
				}
			}
			p.add(Run{Expansion: b.expansion, Trigger: trigger, Result: res, Err: err, Duration: time.Since(start)})
		}()
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()

	return notified{Pending: p, count: len(matches)}
}

func (d *Dispatcher) transform(ctx context.Context, trigger Trigger, ic *Context) Outcome {
	out := Outcome{DispatchID: newDispatchID(), Policy: PolicyTransform}
	current := ic.Recipients.Clone()
	if current == nil {
		current = &Recipients{}
	}

	matches := d.registry.match(trigger, KindSync)
	bg := d.notify(ctx, trigger, ic, out.DispatchID, KindAsync)
	out.Pending = bg.Pending
	out.Ran = bg.count
	if len(matches) == 0 && bg.skipped {
		out.Status = StatusSkipped
		out.Recipients = current
		return out
	}

	ic.Trigger = trigger
	ic.DispatchID = out.DispatchID

	for _, b := range matches {
		out.Ran++
		// Each step sees its own copy so a faulting or timed-out
		// handler cannot corrupt the chain.
		step := ic.withRecipients(current.Clone())
		res, err := d.run(ctx, b, step)
		if err != nil {
			fe := asFault(err, b)
			out.Faults = append(out.Faults, fe)
			d.logger.Warn("transform interceptor fault, passing input through",
				"dispatch_id", out.DispatchID,
				"expansion", b.expansion,
				"trigger", trigger,
				"error", fe.Err,
			)
			continue
		}
		if res.Recipients != nil {
			current = res.Recipients.Clone()
		}
	}

	out.Status = StatusDone
	out.Recipients = current
	d.publishDispatch(out, trigger)
	return out
}

func (d *Dispatcher) selectOne(ctx context.Context, sel Selection, ic *Context) Outcome {
	out := Outcome{DispatchID: newDispatchID(), Policy: PolicySelect}

	b, ok := d.registry.selectAPI(sel)
	if !ok {
		key := sel.Action
		if sel.Expansion != "" {
			key = sel.Expansion + "/" + sel.Action
		}
		out.Status = StatusSkipped
		out.Err = &NotFoundError{What: "handler", Key: key}
		return out
	}

	ic.Trigger = b.Trigger
	ic.DispatchID = out.DispatchID
	out.Ran = 1
	out.Expansion = b.expansion

	res, err := d.run(ctx, b, ic)
	if err != nil {
		fe := asFault(err, b)
		out.Faults = append(out.Faults, fe)
		out.Status = StatusDone
		out.Err = fe
		return out
	}
	out.Status = StatusDone
	out.Message = res.Message
	out.Result = &res
	return out
}

// run executes one interceptor with capability checks, the timeout and
// panic recovery. Every error it returns is a *FaultError.
func (d *Dispatcher) run(ctx context.Context, b bound, ic *Context) (res Result, err error) {
	start := time.Now()
	defer func() {
		d.publishRun(ic, b, err == nil, time.Since(start))
	}()

	if err := d.services.Require(b.Needs); err != nil {
		return Result{}, &FaultError{Expansion: b.expansion, Trigger: b.Trigger, Err: err}
	}

	// The handler gets its own copy: after a timeout it may still be
	// running while the caller goes on to use ic.
	own := ic.clone()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	type ret struct {
		res Result
		err error
	}
	ch := make(chan ret, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- ret{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		r, e := b.Execute(ctx, own, d.services)
		ch <- ret{res: r, err: e}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return Result{}, &FaultError{Expansion: b.expansion, Trigger: b.Trigger, Err: r.err}
		}
		return r.res, nil
	case <-ctx.Done():
		return Result{}, &FaultError{Expansion: b.expansion, Trigger: b.Trigger, Err: ctx.Err()}
	}
}

func asFault(err error, b bound) *FaultError {
	var fe *FaultError
	if errors.As(err, &fe) {
		return fe
	}
	return &FaultError{Expansion: b.expansion, Trigger: b.Trigger, Err: err}
}

func (d *Dispatcher) publishRun(ic *Context, b bound, ok bool, elapsed time.Duration) {
	d.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceExpansion,
		Kind:      events.KindInterceptorDone,
		Data: map[string]any{
			"dispatch_id": ic.DispatchID,
			"expansion":   b.expansion,
			"trigger":     string(b.Trigger),
			"user":        ic.UserID,
			"ok":          ok,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
}

func (d *Dispatcher) publishDispatch(out Outcome, trigger Trigger) {
	d.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceExpansion,
		Kind:      events.KindDispatchDone,
		Data: map[string]any{
			"dispatch_id": out.DispatchID,
			"trigger":     string(trigger),
			"policy":      string(out.Policy),
			"status":      string(out.Status),
			"ran":         out.Ran,
		},
	})
}

func newDispatchID() string {
	return "d_" + uuid.NewString()[:8]
}
