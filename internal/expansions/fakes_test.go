package expansions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nugget/postern/internal/expansion"
)

type fakeSettings map[string]map[string]any

func (f fakeSettings) Read(_ context.Context, userID string) (map[string]any, error) {
	return f[userID], nil
}

type fakeGroups map[string]map[string][]string

func (f fakeGroups) Groups(_ context.Context, userID string) (map[string][]string, error) {
	g, ok := f[userID]
	if !ok {
		return nil, errors.New("no such user")
	}
	return g, nil
}

type posted struct{ channel, text string }

type fakeMessaging struct {
	mu    sync.Mutex
	posts []posted
}

func (f *fakeMessaging) PostMessage(_ context.Context, channel, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, posted{channel, text})
	return "ts-1", nil
}

type fakeDocStore struct{ parent, title, body string }

func (f *fakeDocStore) CreatePage(_ context.Context, parentID, title, body string) (string, error) {
	f.parent, f.title, f.body = parentID, title, body
	return "https://notion.so/page", nil
}

type fakeTextGen struct {
	system, prompt string
	reply          string
}

func (f *fakeTextGen) Generate(_ context.Context, system, prompt string) (string, error) {
	f.system, f.prompt = system, prompt
	return f.reply, nil
}

type fakeIssues struct {
	repo, title, body string
	labels            []string
}

func (f *fakeIssues) CreateIssue(_ context.Context, repo, title, body string, labels []string) (string, error) {
	f.repo, f.title, f.body, f.labels = repo, title, body, labels
	return "https://github.com/" + repo + "/issues/1", nil
}

type fakeEvents struct {
	mu      sync.Mutex
	topic   string
	payload []byte
}

func (f *fakeEvents) PublishEvent(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic, f.payload = topic, payload
	return nil
}

type fakeInbox struct {
	msgs  []expansion.Message
	since time.Time
}

func (f *fakeInbox) Recent(_ context.Context, _ string, since time.Time, limit int) ([]expansion.Message, error) {
	f.since = since
	if len(f.msgs) > limit {
		return f.msgs[:limit], nil
	}
	return f.msgs, nil
}

// newDispatcher registers the core expansions against svc.
func newDispatcher(t interface{ Fatalf(string, ...any) }, svc *expansion.Services) *expansion.Dispatcher {
	reg := expansion.NewRegistry()
	if _, err := EnsureCore(reg, nil); err != nil {
		t.Fatalf("EnsureCore: %v", err)
	}
	return expansion.NewDispatcher(reg, svc)
}
