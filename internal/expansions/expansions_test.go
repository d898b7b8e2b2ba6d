package expansions

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nugget/postern/internal/expansion"
)

func TestEnsureCore_Idempotent(t *testing.T) {
	reg := expansion.NewRegistry()

	n, err := EnsureCore(reg, nil)
	if err != nil {
		t.Fatalf("EnsureCore: %v", err)
	}
	if n != len(Core()) || reg.Len() != len(Core()) {
		t.Fatalf("first EnsureCore added %d, registry has %d, want %d", n, reg.Len(), len(Core()))
	}

	before := reg.All()
	n, err = EnsureCore(reg, nil)
	if err != nil {
		t.Fatalf("second EnsureCore: %v", err)
	}
	if n != 0 {
		t.Errorf("second EnsureCore added %d, want 0", n)
	}
	after := reg.All()
	if len(after) != len(before) {
		t.Fatalf("registry grew from %d to %d", len(before), len(after))
	}
	for i := range before {
		if len(after[i].Interceptors) != len(before[i].Interceptors) {
			t.Errorf("%s interceptors duplicated", after[i].ID)
		}
	}
}

func TestEnsureCore_Disabled(t *testing.T) {
	reg := expansion.NewRegistry()
	if _, err := EnsureCore(reg, []string{IDGitHub, IDMQTTRelay}); err != nil {
		t.Fatalf("EnsureCore: %v", err)
	}
	for _, id := range []string{IDGitHub, IDMQTTRelay} {
		if _, err := reg.Get(id); err == nil {
			t.Errorf("disabled expansion %s registered", id)
		}
	}
	if _, err := reg.Get(IDRecipientGroups); err != nil {
		t.Errorf("Get(%s): %v", IDRecipientGroups, err)
	}
}

func TestExpandGroups(t *testing.T) {
	groups := map[string][]string{
		"@team": {"a@x.com", "b@x.com"},
		"#ops":  {"ops@x.com"},
	}

	tests := []struct {
		name string
		in   expansion.Recipients
		want expansion.Recipients
		n    int
	}{
		{
			name: "group then address",
			in:   expansion.Recipients{To: []string{"@team", "c@x.com"}},
			want: expansion.Recipients{To: []string{"a@x.com", "b@x.com", "c@x.com"}},
			n:    1,
		},
		{
			name: "case insensitive, marker optional",
			in:   expansion.Recipients{To: []string{"TEAM"}, Cc: []string{"#Team"}, Bcc: []string{"@ops"}},
			want: expansion.Recipients{
				To:  []string{"a@x.com", "b@x.com"},
				Cc:  []string{"a@x.com", "b@x.com"},
				Bcc: []string{"ops@x.com"},
			},
			n: 3,
		},
		{
			name: "no de-duplication",
			in:   expansion.Recipients{To: []string{"a@x.com", "@team"}},
			want: expansion.Recipients{To: []string{"a@x.com", "a@x.com", "b@x.com"}},
			n:    1,
		},
		{
			name: "unknown passes through",
			in:   expansion.Recipients{To: []string{"@nobody", "d@x.com"}},
			want: expansion.Recipients{To: []string{"@nobody", "d@x.com"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in.Clone()
			got, n := ExpandGroups(groups, in)
			if !reflect.DeepEqual(*got, tt.want) {
				t.Errorf("ExpandGroups = %+v, want %+v", *got, tt.want)
			}
			if n != tt.n {
				t.Errorf("expanded %d entries, want %d", n, tt.n)
			}
			if !reflect.DeepEqual(*in, tt.in) {
				t.Errorf("input modified: %+v", *in)
			}
		})
	}
}

func TestGroupKey(t *testing.T) {
	for in, want := range map[string]string{
		"@Team":   "team",
		" #team ": "team",
		"team":    "team",
		"@@x":     "x",
		"@":       "",
	} {
		if got := GroupKey(in); got != want {
			t.Errorf("GroupKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecipientGroups_TransformChain(t *testing.T) {
	svc := &expansion.Services{
		Groups: fakeGroups{"u1": {"@team": {"a", "b"}}},
	}
	d := newDispatcher(t, svc)

	out := d.Transform(context.Background(), expansion.TriggerRecipientsChanged, &expansion.Context{
		UserID:     "u1",
		Recipients: &expansion.Recipients{To: []string{"@team", "c"}},
	})
	if len(out.Faults) != 0 {
		t.Fatalf("faults: %v", out.Faults)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(out.Recipients.To, want) {
		t.Errorf("To = %v, want %v", out.Recipients.To, want)
	}
}

func TestRecipientGroups_SourceFailureIsPassthrough(t *testing.T) {
	svc := &expansion.Services{Groups: fakeGroups{}}
	d := newDispatcher(t, svc)

	in := &expansion.Recipients{To: []string{"@team"}}
	out := d.Transform(context.Background(), expansion.TriggerRecipientsChanged, &expansion.Context{
		UserID:     "unknown",
		Recipients: in,
	})
	if len(out.Faults) != 1 {
		t.Fatalf("faults = %d, want 1", len(out.Faults))
	}
	if !reflect.DeepEqual(out.Recipients.To, []string{"@team"}) {
		t.Errorf("To = %v, want input unchanged", out.Recipients.To)
	}
}

func TestSendPolicy(t *testing.T) {
	settings := fakeSettings{
		"u1": {
			"sendPolicy": map[string]any{
				"blockedDomains": []any{"evil.com"},
				"maxRecipients":  float64(3),
			},
		},
	}

	tests := []struct {
		name    string
		user    string
		to      []string
		blocked bool
		msg     string
	}{
		{"allowed", "u1", []string{"a@good.com"}, false, ""},
		{"blocked domain", "u1", []string{"a@good.com", "x@mail.evil.com"}, true, "evil.com is blocked"},
		{"too many", "u1", []string{"a@g.com", "b@g.com", "c@g.com", "d@g.com"}, true, "exceeds the limit of 3"},
		{"no policy", "u2", []string{"x@evil.com"}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDispatcher(t, &expansion.Services{Settings: settings})
			out := d.Enforce(context.Background(), expansion.TriggerPreSend, &expansion.Context{
				UserID: tt.user,
				Draft:  &expansion.Draft{Recipients: expansion.Recipients{To: tt.to}},
			})
			if out.Blocked() != tt.blocked {
				t.Fatalf("Blocked() = %v (%q), want %v", out.Blocked(), out.Message, tt.blocked)
			}
			if tt.blocked {
				if out.Expansion != IDSendPolicy {
					t.Errorf("blocked by %q", out.Expansion)
				}
				if !strings.Contains(out.Message, tt.msg) {
					t.Errorf("Message = %q, want containing %q", out.Message, tt.msg)
				}
			}
		})
	}
}

func TestSendPolicy_NoSettingsFailsClosed(t *testing.T) {
	d := newDispatcher(t, &expansion.Services{})
	out := d.Enforce(context.Background(), expansion.TriggerPreSend, &expansion.Context{
		UserID: "u1",
		Draft:  &expansion.Draft{Recipients: expansion.Recipients{To: []string{"a@b.com"}}},
	})
	if !out.Blocked() {
		t.Fatalf("pre-send without settings capability = %s, want blocked", out.Status)
	}
}

func testMessage() *expansion.Message {
	return &expansion.Message{
		Account: "work",
		UID:     42,
		From:    "alice@example.com",
		Subject: "Quarterly numbers",
		Date:    time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Body:    "<p>Numbers are <b>up</b>.</p>",
	}
}

func TestShareToSlack(t *testing.T) {
	msg := &fakeMessaging{}
	svc := &expansion.Services{
		Messaging: msg,
		Settings:  fakeSettings{"u1": {"slack": map[string]any{"channel": "#mail"}}},
	}
	d := newDispatcher(t, svc)

	res, err := d.Invoke(context.Background(),
		expansion.Selection{Action: ActionShareToSlack},
		&expansion.Context{UserID: "u1", Message: testMessage()})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success || res.Data["channel"] != "#mail" {
		t.Errorf("result = %+v", res)
	}
	if len(msg.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(msg.posts))
	}
	text := msg.posts[0].text
	if !strings.Contains(text, "*Quarterly numbers*") || !strings.Contains(text, "Numbers are up") {
		t.Errorf("posted text = %q", text)
	}
	if strings.Contains(text, "<b>") {
		t.Errorf("posted text contains HTML: %q", text)
	}
}

func TestShareToSlack_ChannelParamOverrides(t *testing.T) {
	msg := &fakeMessaging{}
	svc := &expansion.Services{
		Messaging: msg,
		Settings:  fakeSettings{"u1": {"slack": map[string]any{"channel": "#mail"}}},
	}
	d := newDispatcher(t, svc)

	_, err := d.Invoke(context.Background(),
		expansion.Selection{Expansion: IDSlack, Action: ActionShareToSlack},
		&expansion.Context{UserID: "u1", Message: testMessage(), Params: map[string]any{"channel": "#other"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if msg.posts[0].channel != "#other" {
		t.Errorf("channel = %q, want #other", msg.posts[0].channel)
	}
}

func TestShareToSlack_MissingCapability(t *testing.T) {
	d := newDispatcher(t, &expansion.Services{Settings: fakeSettings{}})
	_, err := d.Invoke(context.Background(),
		expansion.Selection{Action: ActionShareToSlack},
		&expansion.Context{UserID: "u1", Message: testMessage()})

	var capErr *expansion.CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("err = %v, want CapabilityError", err)
	}
	if !expansion.IsConfiguration(err) {
		t.Error("missing capability not reported as configuration error")
	}
}

func TestAnnounceSent(t *testing.T) {
	tests := []struct {
		name     string
		settings fakeSettings
		posts    int
	}{
		{"configured", fakeSettings{"u1": {"slack": map[string]any{"channel": "#sent"}}}, 1},
		{"no channel", fakeSettings{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &fakeMessaging{}
			d := newDispatcher(t, &expansion.Services{Messaging: msg, Settings: tt.settings})

			p := d.Notify(context.Background(), expansion.TriggerPostSend, &expansion.Context{
				UserID: "u1",
				Draft: &expansion.Draft{
					Subject:    "Lunch",
					Recipients: expansion.Recipients{To: []string{"a@x.com"}, Cc: []string{"b@x.com"}},
				},
			})
			runs, err := p.Wait(context.Background())
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			for _, r := range runs {
				if r.Err != nil {
					t.Errorf("%s: %v", r.Expansion, r.Err)
				}
			}
			if len(msg.posts) != tt.posts {
				t.Fatalf("posts = %d, want %d", len(msg.posts), tt.posts)
			}
			if tt.posts > 0 && msg.posts[0].text != `Sent "Lunch" to 2 recipient(s)` {
				t.Errorf("text = %q", msg.posts[0].text)
			}
		})
	}
}

func TestSaveToNotion(t *testing.T) {
	docs := &fakeDocStore{}
	svc := &expansion.Services{
		DocStore: docs,
		Settings: fakeSettings{"u1": {"notion": map[string]any{"parentPageId": "page-1"}}},
	}
	d := newDispatcher(t, svc)

	res, err := d.Invoke(context.Background(),
		expansion.Selection{Action: ActionSaveToNotion},
		&expansion.Context{UserID: "u1", Message: testMessage()})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Data["url"] != "https://notion.so/page" {
		t.Errorf("result = %+v", res)
	}
	if docs.parent != "page-1" || docs.title != "Quarterly numbers" {
		t.Errorf("page = %+v", docs)
	}
	if !strings.Contains(docs.body, "Numbers are up") || strings.Contains(docs.body, "<p>") {
		t.Errorf("body = %q", docs.body)
	}
}

func TestSaveToNotion_NoParent(t *testing.T) {
	d := newDispatcher(t, &expansion.Services{DocStore: &fakeDocStore{}, Settings: fakeSettings{}})
	_, err := d.Invoke(context.Background(),
		expansion.Selection{Action: ActionSaveToNotion},
		&expansion.Context{UserID: "u1", Message: testMessage()})

	var fe *expansion.FaultError
	if !errors.As(err, &fe) || fe.Expansion != IDNotion {
		t.Fatalf("err = %v, want FaultError from %s", err, IDNotion)
	}
}

func TestCreateGitHubIssue(t *testing.T) {
	issues := &fakeIssues{}
	svc := &expansion.Services{
		Issues: issues,
		Settings: fakeSettings{"u1": {"github": map[string]any{
			"repo":   "acme/support",
			"labels": []any{"email", "triage"},
		}}},
	}
	d := newDispatcher(t, svc)

	res, err := d.Invoke(context.Background(),
		expansion.Selection{Action: ActionCreateGitHubIssue},
		&expansion.Context{UserID: "u1", Message: testMessage()})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Data["url"] != "https://github.com/acme/support/issues/1" {
		t.Errorf("result = %+v", res)
	}
	if issues.repo != "acme/support" || issues.title != "Quarterly numbers" {
		t.Errorf("issue = %+v", issues)
	}
	if !reflect.DeepEqual(issues.labels, []string{"email", "triage"}) {
		t.Errorf("labels = %v", issues.labels)
	}
}

func TestDraftReply(t *testing.T) {
	gen := &fakeTextGen{reply: "Thanks Alice, great news."}
	d := newDispatcher(t, &expansion.Services{TextGen: gen})

	res, err := d.Invoke(context.Background(),
		expansion.Selection{Action: ActionDraftReply},
		&expansion.Context{
			UserID:  "u1",
			Message: testMessage(),
			Params:  map[string]any{"instructions": "ask for the slides"},
		})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Data["draft"] != "Thanks Alice, great news." {
		t.Errorf("draft = %v", res.Data["draft"])
	}
	if res.Data["subject"] != "Re: Quarterly numbers" {
		t.Errorf("subject = %v", res.Data["subject"])
	}
	if !strings.Contains(gen.prompt, "ask for the slides") || !strings.Contains(gen.prompt, "alice@example.com") {
		t.Errorf("prompt = %q", gen.prompt)
	}
}

func TestReplySubject(t *testing.T) {
	for in, want := range map[string]string{
		"Hello":     "Re: Hello",
		"Re: Hello": "Re: Hello",
		"RE: Hello": "RE: Hello",
		"":          "Re: ",
	} {
		if got := replySubject(in); got != want {
			t.Errorf("replySubject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInboxDigest(t *testing.T) {
	fixed := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	tests := []struct {
		name     string
		settings map[string]any
		msgs     []expansion.Message
		message  string
		posts    int
	}{
		{
			name:     "disabled",
			settings: map[string]any{},
			msgs:     []expansion.Message{*testMessage()},
			message:  "digest disabled",
		},
		{
			name:     "empty inbox",
			settings: map[string]any{"aiAssist": map[string]any{"digest": true}},
			message:  "no new messages",
		},
		{
			name:     "summarized without slack",
			settings: map[string]any{"aiAssist": map[string]any{"digest": true}},
			msgs:     []expansion.Message{*testMessage()},
		},
		{
			name: "summarized and posted",
			settings: map[string]any{
				"aiAssist": map[string]any{"digest": true},
				"slack":    map[string]any{"channel": "#digest"},
			},
			msgs:  []expansion.Message{*testMessage()},
			posts: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &fakeMessaging{}
			inbox := &fakeInbox{msgs: tt.msgs}
			svc := &expansion.Services{
				Messaging: msg,
				TextGen:   &fakeTextGen{reply: "One message about numbers."},
				Inbox:     inbox,
				Settings:  fakeSettings{"u1": tt.settings},
			}
			d := newDispatcher(t, svc)

			runs, err := d.Notify(context.Background(), expansion.TriggerCron, &expansion.Context{UserID: "u1"}).
				Wait(context.Background())
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if len(runs) != 1 {
				t.Fatalf("runs = %d, want 1", len(runs))
			}
			r := runs[0]
			if r.Err != nil {
				t.Fatalf("digest failed: %v", r.Err)
			}
			if tt.message != "" && r.Result.Message != tt.message {
				t.Errorf("Message = %q, want %q", r.Result.Message, tt.message)
			}
			if tt.message == "" && r.Result.Data["summary"] != "One message about numbers." {
				t.Errorf("Data = %v", r.Result.Data)
			}
			if len(msg.posts) != tt.posts {
				t.Errorf("posts = %d, want %d", len(msg.posts), tt.posts)
			}
			if tt.message == "" && !inbox.since.Equal(fixed.Add(-digestWindow)) {
				t.Errorf("since = %v", inbox.since)
			}
		})
	}
}

func TestRelayReceived(t *testing.T) {
	ev := &fakeEvents{}
	d := newDispatcher(t, &expansion.Services{Events: ev})

	runs, err := d.Notify(context.Background(), expansion.TriggerReceived, &expansion.Context{
		UserID:  "alice",
		Message: testMessage(),
	}).Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(runs) != 1 || runs[0].Err != nil {
		t.Fatalf("runs = %+v", runs)
	}
	if ev.topic != "alice/received" {
		t.Errorf("topic = %q", ev.topic)
	}

	var got expansion.Message
	if err := json.Unmarshal(ev.payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.UID != 42 || got.Subject != "Quarterly numbers" {
		t.Errorf("envelope = %+v", got)
	}
	if got.Body != "" {
		t.Error("relay published the message body")
	}
}
