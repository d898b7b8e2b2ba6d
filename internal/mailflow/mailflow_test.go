package mailflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/postern/internal/email"
	"github.com/nugget/postern/internal/events"
	"github.com/nugget/postern/internal/expansion"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager(bccOwner string) *email.Manager {
	return email.NewManager(email.Config{
		BccOwner: bccOwner,
		Accounts: []email.AccountConfig{
			{
				Name:        "work",
				IMAP:        email.IMAPConfig{Host: "imap.test", Port: 993, Username: "me"},
				SMTP:        email.SMTPConfig{Host: "smtp.test", Port: 587, Username: "me", Password: "pw"},
				DefaultFrom: "Me <me@example.com>",
			},
			{
				Name: "readonly",
				IMAP: email.IMAPConfig{Host: "imap.test", Port: 993, Username: "ro"},
			},
		},
	}, quietLogger())
}

type delivery struct {
	from       string
	recipients []string
	raw        string
}

type fakeSMTP struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

func (f *fakeSMTP) send(_ context.Context, _ email.SMTPConfig, from string, recipients []string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, delivery{from, recipients, string(raw)})
	return nil
}

func register(t *testing.T, reg *expansion.Registry, id string, ics ...expansion.Interceptor) {
	t.Helper()
	if _, err := reg.Register(expansion.Expansion{ID: id, DisplayName: id, Interceptors: ics}); err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func TestSend(t *testing.T) {
	reg := expansion.NewRegistry()
	var postSubject string
	var postMessageID string
	register(t, reg, "audit", expansion.Interceptor{
		Trigger: expansion.TriggerPostSend,
		Kind:    expansion.KindAsync,
		Execute: func(_ context.Context, ic *expansion.Context, _ *expansion.Services) (expansion.Result, error) {
			postSubject = ic.Draft.Subject
			postMessageID = ic.Draft.MessageID
			return expansion.Result{Success: true}, nil
		},
	})

	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	smtp := &fakeSMTP{}
	s := NewSender(expansion.NewDispatcher(reg, &expansion.Services{}), testManager("archive@example.com"),
		WithSendFunc(smtp.send), WithSenderBus(bus), WithSenderLogger(quietLogger()))

	res, err := s.Send(context.Background(), "u1", SendRequest{
		To:      []string{"Alice <alice@example.com>"},
		Bcc:     []string{"hidden@example.com"},
		Subject: "Hello",
		Body:    "Hi **there**",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := res.PostSend.Wait(context.Background()); err != nil {
		t.Fatalf("PostSend.Wait: %v", err)
	}

	if len(smtp.sent) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(smtp.sent))
	}
	d := smtp.sent[0]
	wantRcpt := []string{"alice@example.com", "hidden@example.com", "archive@example.com"}
	if !reflect.DeepEqual(d.recipients, wantRcpt) {
		t.Errorf("RCPT TO = %v, want %v", d.recipients, wantRcpt)
	}
	if strings.Contains(d.raw, "hidden@example.com") || strings.Contains(d.raw, "archive@example.com") {
		t.Error("Bcc leaked into message headers")
	}
	if res.Recipients != 3 || res.MessageID == "" {
		t.Errorf("result = %+v", res)
	}
	if postSubject != "Hello" || postMessageID != res.MessageID {
		t.Errorf("post-send saw subject %q id %q", postSubject, postMessageID)
	}

	var sawSent bool
	for len(ch) > 0 {
		if e := <-ch; e.Kind == events.KindSent {
			sawSent = true
		}
	}
	if !sawSent {
		t.Error("no sent event published")
	}
}

func TestSend_BccOwnerNotDuplicated(t *testing.T) {
	smtp := &fakeSMTP{}
	s := NewSender(expansion.NewDispatcher(expansion.NewRegistry(), nil), testManager("archive@example.com"),
		WithSendFunc(smtp.send), WithSenderLogger(quietLogger()))

	_, err := s.Send(context.Background(), "u1", SendRequest{
		To:      []string{"Archive <ARCHIVE@example.com>"},
		Subject: "x",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := smtp.sent[0].recipients; len(got) != 1 {
		t.Errorf("RCPT TO = %v, want one address", got)
	}
}

func TestSend_Blocked(t *testing.T) {
	reg := expansion.NewRegistry()
	var postRan bool
	register(t, reg, "guard", expansion.Interceptor{
		Trigger: expansion.TriggerPreSend,
		Kind:    expansion.KindSync,
		Execute: func(context.Context, *expansion.Context, *expansion.Services) (expansion.Result, error) {
			return expansion.Result{Stop: true, Message: "external recipients need approval"}, nil
		},
	})
	register(t, reg, "after", expansion.Interceptor{
		Trigger: expansion.TriggerPostSend,
		Kind:    expansion.KindAsync,
		Execute: func(context.Context, *expansion.Context, *expansion.Services) (expansion.Result, error) {
			postRan = true
			return expansion.Result{Success: true}, nil
		},
	})

	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	smtp := &fakeSMTP{}
	s := NewSender(expansion.NewDispatcher(reg, nil), testManager(""),
		WithSendFunc(smtp.send), WithSenderBus(bus), WithSenderLogger(quietLogger()))

	_, err := s.Send(context.Background(), "u1", SendRequest{To: []string{"a@b.com"}, Subject: "x"})

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want *BlockedError", err)
	}
	if blocked.Expansion != "guard" || blocked.Message != "external recipients need approval" {
		t.Errorf("blocked = %+v", blocked)
	}
	if len(smtp.sent) != 0 {
		t.Error("message delivered despite veto")
	}
	if postRan {
		t.Error("post-send ran after a veto")
	}
	select {
	case e := <-ch:
		if e.Kind != events.KindSendBlocked {
			t.Errorf("event kind = %q", e.Kind)
		}
	default:
		t.Error("no send_blocked event")
	}
}

func TestSend_FaultingPreSendBlocks(t *testing.T) {
	reg := expansion.NewRegistry()
	register(t, reg, "broken", expansion.Interceptor{
		Trigger: expansion.TriggerPreSend,
		Kind:    expansion.KindSync,
		Execute: func(context.Context, *expansion.Context, *expansion.Services) (expansion.Result, error) {
			return expansion.Result{}, errors.New("policy service unreachable")
		},
	})

	smtp := &fakeSMTP{}
	s := NewSender(expansion.NewDispatcher(reg, nil), testManager(""),
		WithSendFunc(smtp.send), WithSenderLogger(quietLogger()))

	_, err := s.Send(context.Background(), "u1", SendRequest{To: []string{"a@b.com"}})
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want *BlockedError", err)
	}
	if len(smtp.sent) != 0 {
		t.Error("message delivered despite faulting pre-send interceptor")
	}
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name    string
		req     SendRequest
		smtp    error
		want    string
		invalid bool
	}{
		{"no recipients", SendRequest{Subject: "x"}, nil, "recipient", false},
		{"unknown account", SendRequest{Account: "nope", To: []string{"a@b.com"}}, nil, "not found", true},
		{"no smtp", SendRequest{Account: "readonly", To: []string{"a@b.com"}}, nil, "no SMTP", true},
		{"bad address", SendRequest{To: []string{"not an address"}}, nil, "compose", false},
		{"smtp failure", SendRequest{To: []string{"a@b.com"}}, errors.New("454 try later"), "454", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			smtp := &fakeSMTP{err: tt.smtp}
			s := NewSender(expansion.NewDispatcher(expansion.NewRegistry(), nil), testManager(""),
				WithSendFunc(smtp.send), WithSenderLogger(quietLogger()))
			_, err := s.Send(context.Background(), "u1", tt.req)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
			if errors.Is(err, ErrInvalidRequest) != tt.invalid {
				t.Errorf("errors.Is(err, ErrInvalidRequest) = %v, want %v", !tt.invalid, tt.invalid)
			}
			var blocked *BlockedError
			if errors.As(err, &blocked) {
				t.Errorf("%s reported as a policy block", tt.name)
			}
		})
	}
}

func TestExpandRecipients(t *testing.T) {
	reg := expansion.NewRegistry()
	register(t, reg, "groups", expansion.Interceptor{
		Trigger: expansion.TriggerRecipientsChanged,
		Kind:    expansion.KindSync,
		Execute: func(_ context.Context, ic *expansion.Context, _ *expansion.Services) (expansion.Result, error) {
			r := ic.Recipients.Clone()
			r.To = append([]string{"a@x.com", "b@x.com"}, r.To[1:]...)
			return expansion.Result{Success: true, Recipients: r}, nil
		},
	})
	c := NewComposer(expansion.NewDispatcher(reg, nil))

	in := expansion.Recipients{To: []string{"@team", "c@x.com"}}
	got, out := c.ExpandRecipients(context.Background(), "u1", in)
	if want := []string{"a@x.com", "b@x.com", "c@x.com"}; !reflect.DeepEqual(got.To, want) {
		t.Errorf("To = %v, want %v", got.To, want)
	}
	if out.Policy != expansion.PolicyTransform {
		t.Errorf("policy = %q", out.Policy)
	}
	if in.To[0] != "@team" {
		t.Error("input modified")
	}
}

func TestExpandRecipients_NoHandlers(t *testing.T) {
	c := NewComposer(expansion.NewDispatcher(expansion.NewRegistry(), nil))
	in := expansion.Recipients{To: []string{"@team"}}
	got, out := c.ExpandRecipients(context.Background(), "u1", in)
	if !out.Skipped() {
		t.Errorf("status = %q, want skipped", out.Status)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("got %+v, want input", got)
	}
}

func TestReceived(t *testing.T) {
	reg := expansion.NewRegistry()
	got := make(chan *expansion.Context, 1)
	register(t, reg, "watch", expansion.Interceptor{
		Trigger: expansion.TriggerReceived,
		Kind:    expansion.KindAsync,
		Execute: func(_ context.Context, ic *expansion.Context, _ *expansion.Services) (expansion.Result, error) {
			got <- ic
			return expansion.Result{Success: true}, nil
		},
	})

	var sink email.Sink = NewReceived(expansion.NewDispatcher(reg, nil), "owner", quietLogger())
	sink.Received(context.Background(), "work", email.Envelope{
		UID: 9, From: "a@b.com", Subject: "Hi", Date: time.Unix(1700000000, 0),
	})

	select {
	case ic := <-got:
		if ic.UserID != "owner" || ic.Trigger != expansion.TriggerReceived {
			t.Errorf("context = %+v", ic)
		}
		if ic.Message.Account != "work" || ic.Message.UID != 9 || ic.Message.Folder != email.DefaultFolder {
			t.Errorf("message = %+v", ic.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("EMAIL_RECEIVED interceptor did not run")
	}
}

func TestInbox_OtherUsersSeeNothing(t *testing.T) {
	in := NewInbox(testManager(""), "owner", quietLogger())
	msgs, err := in.Recent(context.Background(), "someone-else", time.Now().Add(-time.Hour), 10)
	if err != nil || msgs != nil {
		t.Errorf("Recent = %v, %v; want nil, nil", msgs, err)
	}
}

func TestFromMessage(t *testing.T) {
	m := &email.Message{
		Envelope:  email.Envelope{UID: 3, From: "a@b.com", Subject: "S"},
		MessageID: "abc@b.com",
		HTMLBody:  "<p>Hello <b>world</b></p>",
	}
	got := FromMessage("work", m)
	if got.MessageID != "abc@b.com" || got.UID != 3 || got.Account != "work" {
		t.Errorf("FromMessage = %+v", got)
	}
	if !strings.Contains(got.Body, "Hello world") || strings.Contains(got.Body, "<b>") {
		t.Errorf("Body = %q", got.Body)
	}
}

func TestBlockedError(t *testing.T) {
	e := &BlockedError{Expansion: "send-policy", Message: "domain blocked"}
	if e.Error() != "send blocked by send-policy: domain blocked" {
		t.Errorf("Error() = %q", e.Error())
	}
}
