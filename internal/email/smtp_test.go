package email

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
)

// relay is an in-process SMTP server that records one delivery.
type relay struct {
	mu   sync.Mutex
	from string
	rcpt []string
	data []byte
}

func (r *relay) NewSession(*smtp.Conn) (smtp.Session, error) { return &relaySession{r: r}, nil }

type relaySession struct{ r *relay }

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.rcpt = append(s.r.rcpt, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.data = b
	return nil
}

func (s *relaySession) Reset()                      {}
func (s *relaySession) Logout() error               { return nil }
func (s *relaySession) AuthPlain(_, _ string) error { return nil }

func startRelay(t *testing.T) (*relay, SMTPConfig) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	r := &relay{}
	srv := smtp.NewServer(r)
	srv.Domain = "localhost"
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	host, port, _ := net.SplitHostPort(l.Addr().String())
	p, _ := strconv.Atoi(port)
	return r, SMTPConfig{Host: host, Port: p, Security: SecurityNone}
}

func TestSendMail(t *testing.T) {
	r, cfg := startRelay(t)
	raw := []byte("Subject: hi\r\n\r\nhello\r\n")

	err := SendMail(context.Background(), cfg, "Me <me@example.com>",
		[]string{"a@example.com", "b@example.com"}, raw)
	if err != nil {
		t.Fatalf("SendMail: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.from != "me@example.com" {
		t.Errorf("MAIL FROM = %q", r.from)
	}
	if len(r.rcpt) != 2 || r.rcpt[0] != "a@example.com" || r.rcpt[1] != "b@example.com" {
		t.Errorf("RCPT TO = %v", r.rcpt)
	}
	if string(r.data) != string(raw) {
		t.Errorf("DATA = %q", r.data)
	}
}

func TestSendMail_Errors(t *testing.T) {
	_, cfg := startRelay(t)
	if err := SendMail(context.Background(), cfg, "me@example.com", nil, []byte("x")); err == nil {
		t.Error("SendMail with no recipients succeeded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SendMail(ctx, cfg, "me@example.com", []string{"a@example.com"}, []byte("x")); err == nil {
		t.Error("SendMail with cancelled context succeeded")
	}
}

func TestExtractAddress(t *testing.T) {
	tests := map[string]string{
		"user@example.com":          "user@example.com",
		"Alice <alice@example.com>": "alice@example.com",
		"<bare@example.com>":        "bare@example.com",
		" Bob <bob@example.com> ":   "bob@example.com",
		"Broken <user@example.com":  "Broken <user@example.com",
		"":                          "",
	}
	for in, want := range tests {
		if got := extractAddress(in); got != want {
			t.Errorf("extractAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCollectRecipients(t *testing.T) {
	got := collectRecipients(
		[]string{"Alice <alice@example.com>", "bob@example.com"},
		[]string{"cc@example.com", ""},
		[]string{"ALICE@example.com", "audit@example.com"},
	)
	want := []string{"alice@example.com", "bob@example.com", "cc@example.com", "audit@example.com"}
	if len(got) != len(want) {
		t.Fatalf("collectRecipients = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if collectRecipients(nil, nil, nil) != nil {
		t.Error("empty inputs should give nil")
	}
}

func TestHeloName(t *testing.T) {
	if got := heloName("Me <me@Mail.Example.com>"); got != "mail.example.com" {
		t.Errorf("heloName = %q", got)
	}
	if got := heloName("nobody"); got != "localhost" {
		t.Errorf("heloName = %q, want localhost", got)
	}
}
