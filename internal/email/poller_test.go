package email

import (
	"context"
	"errors"
	"testing"
)

// memMarks is an in-memory MarkStore.
type memMarks struct {
	m       map[string]string
	failSet bool
}

func newMemMarks() *memMarks { return &memMarks{m: make(map[string]string)} }

func (s *memMarks) State(ns, key string) (string, error) { return s.m[ns+"/"+key], nil }

func (s *memMarks) SetState(ns, key, value string) error {
	if s.failSet {
		return errors.New("disk full")
	}
	s.m[ns+"/"+key] = value
	return nil
}

func TestLoadMark(t *testing.T) {
	tests := []struct {
		stored string
		want   uint32
		wantOK bool
	}{
		{"", 0, false},
		{"391", 391, true},
		{"0", 0, true},
		{"garbage", 0, false},
		{"99999999999", 0, false},
	}
	for _, tt := range tests {
		marks := newMemMarks()
		if tt.stored != "" {
			marks.SetState(pollNamespace, "work:INBOX", tt.stored)
		}
		p := NewPoller(nil, marks, quiet())
		got, ok, err := p.loadMark(markKey("work"))
		if err != nil || got != tt.want || ok != tt.wantOK {
			t.Errorf("loadMark(%q) = %d, %v, %v; want %d, %v", tt.stored, got, ok, err, tt.want, tt.wantOK)
		}
	}
}

func TestHighestUID(t *testing.T) {
	tests := []struct {
		msgs []Envelope
		want uint32
	}{
		{nil, 0},
		{[]Envelope{{UID: 105}, {UID: 103}}, 105},
		{[]Envelope{{UID: 101}, {UID: 109}, {UID: 104}}, 109},
	}
	for _, tt := range tests {
		if got := highestUID(tt.msgs); got != tt.want {
			t.Errorf("highestUID(%v) = %d, want %d", tt.msgs, got, tt.want)
		}
	}
}

func TestDropSelfSent(t *testing.T) {
	msgs := []Envelope{
		{UID: 105, From: "alice@example.com"},
		{UID: 106, From: "Postern User <me@example.com>"},
		{UID: 107, From: "bob@example.com"},
		{UID: 108, From: "ME@example.com"},
	}

	got := dropSelfSent("me@example.com", msgs)
	if len(got) != 2 || got[0].UID != 105 || got[1].UID != 107 {
		t.Errorf("dropSelfSent = %+v", got)
	}
	if len(msgs) != 4 || msgs[1].UID != 106 {
		t.Error("dropSelfSent modified its input")
	}
	if got := dropSelfSent("", msgs); len(got) != 4 {
		t.Errorf("no self address dropped %d messages", 4-len(got))
	}
}

func TestPoller_SelfAddress(t *testing.T) {
	m := NewManager(Config{Accounts: []AccountConfig{
		{Name: "work", IMAP: IMAPConfig{Host: "imap.example.com", Username: "u"}, DefaultFrom: "Me <me@example.com>"},
		{Name: "readonly", IMAP: IMAPConfig{Host: "imap.example.com", Username: "u"}},
	}}, quiet())
	p := NewPoller(m, newMemMarks(), quiet())

	for account, want := range map[string]string{"work": "me@example.com", "readonly": "", "missing": ""} {
		if got := p.selfAddress(account); got != want {
			t.Errorf("selfAddress(%q) = %q, want %q", account, got, want)
		}
	}
}

func TestPoller_MarkFailureRepeats(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{Accounts: []AccountConfig{{Name: "work", IMAP: startIMAP(t)}}}, quiet())
	defer m.Close()
	c, _ := m.Account("work")

	marks := newMemMarks()
	marks.SetState(pollNamespace, markKey("work"), "0")
	marks.failSet = true

	var n int
	p := NewPoller(m, marks, quiet())
	p.OnReceived(SinkFunc(func(context.Context, string, Envelope) { n++ }))

	if err := c.AppendMessage(ctx, DefaultFolder, rawMessage("a@example.com", "one", "x")); err != nil {
		t.Fatal(err)
	}
	p.Poll(ctx)
	p.Poll(ctx)
	if n != 2 {
		t.Errorf("delivered %d times, want 2 while the mark cannot be saved", n)
	}
}

func TestSinkFunc(t *testing.T) {
	var got []uint32
	var s Sink = SinkFunc(func(_ context.Context, account string, env Envelope) {
		if account == "work" {
			got = append(got, env.UID)
		}
	})
	s.Received(context.Background(), "work", Envelope{UID: 7})
	if len(got) != 1 || got[0] != 7 {
		t.Errorf("SinkFunc delivered %v", got)
	}
}
