// Package expansion implements the plugin model for mail lifecycle
// hooks. An Expansion is a named bundle of interceptors; each interceptor
// is bound to a trigger and runs under that trigger's dispatch policy.
// Interceptors can veto a send, rewrite recipients, or fire background
// side effects.
package expansion

import (
	"context"
	"maps"
	"slices"
	"time"
)

// Trigger names a lifecycle point. The string values are the wire
// contract shared with clients and stored expansion settings.
type Trigger string

// Lifecycle triggers. API actions use their action name as the trigger.
const (
	TriggerPreSend           Trigger = "EMAIL_PRE_SEND"
	TriggerPostSend          Trigger = "EMAIL_POST_SEND"
	TriggerReceived          Trigger = "EMAIL_RECEIVED"
	TriggerCron              Trigger = "ORGANIZATION_CRON"
	TriggerRecipientsChanged Trigger = "ON_RECIPIENTS_CHANGE_HANDLER"
)

// Kind tells the dispatcher how an interceptor expects to be run.
type Kind string

const (
	// KindSync interceptors block the caller and may veto.
	KindSync Kind = "SYNC"
	// KindAsync interceptors run in the background; their results are
	// only logged.
	KindAsync Kind = "ASYNC"
	// KindAPI interceptors are invoked explicitly by action name.
	KindAPI Kind = "API"
)

// Handler executes an interceptor. The returned error is a fault, not a
// veto: vetoes are expressed with Result.Stop. Each call receives its own
// copy of the Context, so writes to it never reach the caller. Handlers
// must return once ctx is done; a handler that outlives its timeout keeps
// running detached.
type Handler func(ctx context.Context, ic *Context, svc *Services) (Result, error)

// Interceptor binds a handler to a trigger.
type Interceptor struct {
	Trigger Trigger
	Kind    Kind
	// Priority orders interceptors on the same trigger, higher first.
	// Equal priorities keep registration order.
	Priority int
	// Needs lists the capabilities that must be present in Services
	// before Execute is called.
	Needs   []Capability
	Execute Handler
}

// Expansion is a registered plugin.
type Expansion struct {
	ID           string
	DisplayName  string
	Description  string
	Icon         string
	Interceptors []Interceptor
}

func (e Expansion) clone() Expansion {
	out := e
	out.Interceptors = make([]Interceptor, len(e.Interceptors))
	for i, ic := range e.Interceptors {
		ic.Needs = slices.Clone(ic.Needs)
		out.Interceptors[i] = ic
	}
	return out
}

// Triggers returns the distinct triggers e binds to, in declaration order.
func (e Expansion) Triggers() []Trigger {
	var out []Trigger
	for _, ic := range e.Interceptors {
		if !slices.Contains(out, ic.Trigger) {
			out = append(out, ic.Trigger)
		}
	}
	return out
}

// Result is what an interceptor reports back.
type Result struct {
	Success bool           `json:"success"`
	Stop    bool           `json:"stop,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	// Recipients is the mutated fragment on transform triggers. Nil
	// leaves the input unchanged.
	Recipients *Recipients `json:"recipients,omitempty"`
}

// Recipients is the to/cc/bcc fragment rewritten by transform chains.
type Recipients struct {
	To  []string `json:"to"`
	Cc  []string `json:"cc,omitempty"`
	Bcc []string `json:"bcc,omitempty"`
}

// Clone returns a deep copy of r. Clone of nil is nil.
func (r *Recipients) Clone() *Recipients {
	if r == nil {
		return nil
	}
	return &Recipients{
		To:  slices.Clone(r.To),
		Cc:  slices.Clone(r.Cc),
		Bcc: slices.Clone(r.Bcc),
	}
}

// Count returns the total number of addresses.
func (r *Recipients) Count() int {
	if r == nil {
		return 0
	}
	return len(r.To) + len(r.Cc) + len(r.Bcc)
}

// All returns every address in to, cc, bcc order.
func (r *Recipients) All() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, r.Count())
	out = append(out, r.To...)
	out = append(out, r.Cc...)
	return append(out, r.Bcc...)
}

// Draft is an outgoing message as seen by pre-send and post-send
// interceptors.
type Draft struct {
	From       string
	Recipients Recipients
	Subject    string
	// Body is markdown; it is rendered to HTML at compose time.
	Body       string
	InReplyTo  string
	References []string
	// MessageID is set once the message has been composed.
	MessageID string
}

// Message is an inbound or referenced message.
type Message struct {
	Account   string    `json:"account"`
	Folder    string    `json:"folder"`
	UID       uint32    `json:"uid"`
	MessageID string    `json:"message_id,omitempty"`
	From      string    `json:"from"`
	To        []string  `json:"to,omitempty"`
	Subject   string    `json:"subject"`
	Date      time.Time `json:"date"`
	Body      string    `json:"body,omitempty"`
}

// Context is the per-invocation input to an interceptor. Which fields
// are set depends on the trigger: pre-send and post-send carry Draft,
// transform triggers carry Recipients, received carries Message, cron
// carries only UserID, API actions carry Params and optionally Message.
type Context struct {
	UserID     string
	Trigger    Trigger
	DispatchID string
	Draft      *Draft
	Recipients *Recipients
	Message    *Message
	Params     map[string]any
}

// clone copies ic along with its Draft, Recipients, Message and Params.
func (ic *Context) clone() *Context {
	cp := *ic
	cp.Recipients = ic.Recipients.Clone()
	cp.Params = maps.Clone(ic.Params)
	if ic.Draft != nil {
		d := *ic.Draft
		d.Recipients = *ic.Draft.Recipients.Clone()
		d.References = slices.Clone(ic.Draft.References)
		cp.Draft = &d
	}
	if ic.Message != nil {
		m := *ic.Message
		m.To = slices.Clone(ic.Message.To)
		cp.Message = &m
	}
	return &cp
}

// withRecipients returns a copy of ic carrying r.
func (ic *Context) withRecipients(r *Recipients) *Context {
	cp := ic.clone()
	cp.Recipients = r
	return cp
}

// Param returns the string parameter named key, or "".
func (ic *Context) Param(key string) string {
	if ic == nil || ic.Params == nil {
		return ""
	}
	s, _ := ic.Params[key].(string)
	return s
}
