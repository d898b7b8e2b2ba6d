package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/postern/internal/events"
	"github.com/nugget/postern/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestState(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "scheduler_test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestJobNextRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	j := Job{Every: time.Hour}

	tests := []struct {
		name string
		last time.Time
		want time.Time
	}{
		{"never run", time.Time{}, now},
		{"recent", now.Add(-10 * time.Minute), now.Add(50 * time.Minute)},
		{"overdue", now.Add(-3 * time.Hour), now},
		{"exactly due", now.Add(-time.Hour), now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := j.NextRun(tt.last, now); !got.Equal(tt.want) {
				t.Errorf("NextRun = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdd_Validation(t *testing.T) {
	s := New(quietLogger(), nil)
	run := func(context.Context) error { return nil }

	tests := []struct {
		name string
		job  Job
	}{
		{"no name", Job{Every: time.Minute, Run: run}},
		{"no interval", Job{Name: "x", Run: run}},
		{"no run", Job{Name: "x", Every: time.Minute}},
	}
	for _, tt := range tests {
		if err := s.Add(tt.job); err == nil {
			t.Errorf("%s: Add succeeded", tt.name)
		}
	}

	if err := s.Add(Job{Name: "dup", Every: time.Minute, Run: run}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(Job{Name: "dup", Every: time.Minute, Run: run}); err == nil {
		t.Error("duplicate job accepted")
	}
}

func TestStart_RunsDueJobAndPersists(t *testing.T) {
	state := newTestState(t)
	s := New(quietLogger(), state)

	ran := make(chan struct{}, 1)
	s.Add(Job{Name: "cron", Every: time.Hour, Run: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("never-run job did not fire at start")
	}

	// The run time is recorded after Run returns.
	deadline := time.Now().Add(2 * time.Second)
	for {
		v, _ := state.State(stateNamespace, "cron")
		if v != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("last run time not persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStart_RespectsPersistedLastRun(t *testing.T) {
	state := newTestState(t)
	state.SetState(stateNamespace, "cron", time.Now().UTC().Format(time.RFC3339Nano))

	s := New(quietLogger(), state)
	var runs atomic.Int32
	s.Add(Job{Name: "cron", Every: time.Hour, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if n := runs.Load(); n != 0 {
		t.Errorf("job ran %d times within its interval after restart", n)
	}
}

func TestTrigger(t *testing.T) {
	s := New(quietLogger(), nil)
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)
	s.SetEventBus(bus)

	s.Add(Job{Name: "poll", Every: time.Hour, Run: func(context.Context) error {
		return errors.New("imap down")
	}})

	exec, err := s.Trigger(context.Background(), "poll")
	if err == nil {
		t.Fatal("Trigger error = nil, want job error")
	}
	if exec.Status != StatusFailed || exec.Result != "imap down" {
		t.Errorf("execution = %+v", exec)
	}

	hist := s.Executions("poll")
	if len(hist) != 1 || hist[0].ID != exec.ID {
		t.Errorf("Executions = %+v", hist)
	}

	fired := <-ch
	done := <-ch
	if fired.Kind != events.KindTaskFired || done.Kind != events.KindTaskComplete {
		t.Errorf("events = %q, %q", fired.Kind, done.Kind)
	}
	if done.Data["ok"] != false {
		t.Errorf("task_complete ok = %v", done.Data["ok"])
	}

	if _, err := s.Trigger(context.Background(), "missing"); err == nil {
		t.Error("Trigger of unknown job succeeded")
	}
}

func TestExecutions_HistoryBounded(t *testing.T) {
	s := New(quietLogger(), nil)
	s.Add(Job{Name: "j", Every: time.Hour, Run: func(context.Context) error { return nil }})
	for range historySize + 5 {
		s.Trigger(context.Background(), "j")
	}
	hist := s.Executions("j")
	if len(hist) != historySize {
		t.Fatalf("history = %d, want %d", len(hist), historySize)
	}
	if !hist[0].StartedAt.After(hist[len(hist)-1].StartedAt) && hist[0].ID <= hist[len(hist)-1].ID {
		t.Error("history not newest first")
	}
}

func TestJobTimeout(t *testing.T) {
	s := New(quietLogger(), nil)
	s.Add(Job{Name: "slow", Every: time.Hour, Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	_, err := s.Trigger(context.Background(), "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestStop_Idempotent(t *testing.T) {
	s := New(quietLogger(), nil)
	s.Stop()
	s.Start(context.Background())
	s.Stop()
	s.Stop()
	if s.Stats()["running"] != false {
		t.Error("scheduler still running after Stop")
	}
}
