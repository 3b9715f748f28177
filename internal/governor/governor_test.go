package governor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const refusedOutput = "Error: browserType.connect: connect ECONNREFUSED 127.0.0.1:9222"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	c.now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(offset)
	c.mu.Unlock()
}

type countingRecoverer struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (r *countingRecoverer) Recover(_ context.Context, _ string, progress func(string)) error {
	r.calls.Add(1)
	progress("restarting")

	if r.release != nil {
		<-r.release
	}

	return r.err
}

func TestIsConnectionFailure(t *testing.T) {
	g := New(nil, nil, Options{})

	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{name: "error prefix with signature", output: refusedOutput, want: true},
		{name: "explicit flag with signature", output: `{"isError": true, "content": "Target closed"}`, want: true},
		{name: "success mentioning keyword", output: "Navigated. Page text: connection refused is a common error", want: false},
		{name: "failure without signature", output: "Error: element not found", want: false},
		{name: "empty", output: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.IsConnectionFailure(tt.output); got != tt.want {
				t.Fatalf("IsConnectionFailure(%q) = %v, want %v", tt.output, got, tt.want)
			}
		})
	}
}

func TestMatchesTool(t *testing.T) {
	g := New(nil, nil, Options{})

	if !g.MatchesTool("browser_navigate") || !g.MatchesTool("Playwright_click") {
		t.Fatal("expected automation tools to match")
	}

	if g.MatchesTool("bash") || g.MatchesTool("read") {
		t.Fatal("unexpected match for non-automation tool")
	}
}

func TestOnToolCallComplete_TriggersAtThreshold(t *testing.T) {
	clock := newFakeClock()
	rec := &countingRecoverer{}

	var mu sync.Mutex

	var notes []string

	g := New(rec, func(_, msg string) {
		mu.Lock()
		notes = append(notes, msg)
		mu.Unlock()
	}, Options{Clock: clock.Now})

	ctx := context.Background()

	g.OnToolCallComplete(ctx, "t1", "browser_navigate", refusedOutput)
	clock.Set(5 * time.Second)
	g.OnToolCallComplete(ctx, "t1", "browser_navigate", refusedOutput)
	g.Wait()

	if got := rec.calls.Load(); got != 1 {
		t.Fatalf("recoveries = %d, want 1", got)
	}

	if got := g.FailureCount("t1", "browser_navigate"); got != 0 {
		t.Fatalf("window count after recovery = %d, want 0", got)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(notes) != 1 || notes[0] != "restarting" {
		t.Fatalf("notifications = %v", notes)
	}
}

func TestOnToolCallComplete_ExpiredWindowRestarts(t *testing.T) {
	clock := newFakeClock()
	rec := &countingRecoverer{}
	g := New(rec, nil, Options{Clock: clock.Now})

	g.OnToolCallComplete(context.Background(), "t1", "browser_click", refusedOutput)
	clock.Set(15 * time.Second)
	g.OnToolCallComplete(context.Background(), "t1", "browser_click", refusedOutput)
	g.Wait()

	if got := rec.calls.Load(); got != 0 {
		t.Fatalf("recoveries = %d, want 0", got)
	}

	if got := g.FailureCount("t1", "browser_click"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestOnToolCallComplete_InFlightGuard(t *testing.T) {
	clock := newFakeClock()
	rec := &countingRecoverer{release: make(chan struct{})}
	g := New(rec, nil, Options{Clock: clock.Now})
	ctx := context.Background()

	g.OnToolCallComplete(ctx, "t1", "browser_navigate", refusedOutput)
	g.OnToolCallComplete(ctx, "t1", "browser_navigate", refusedOutput)

	deadline := time.Now().Add(2 * time.Second)
	for rec.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	g.OnToolCallComplete(ctx, "t1", "browser_navigate", refusedOutput)
	g.OnToolCallComplete(ctx, "t1", "browser_snapshot", refusedOutput)

	close(rec.release)
	g.Wait()

	if got := rec.calls.Load(); got != 1 {
		t.Fatalf("recoveries = %d, want exactly 1", got)
	}
}

func TestOnToolCallComplete_SuccessClearsWindow(t *testing.T) {
	clock := newFakeClock()
	rec := &countingRecoverer{}
	g := New(rec, nil, Options{Clock: clock.Now})
	ctx := context.Background()

	g.OnToolCallComplete(ctx, "t1", "browser_navigate", refusedOutput)
	g.OnToolCallComplete(ctx, "t1", "browser_navigate", "Navigated to https://example.com")
	g.OnToolCallComplete(ctx, "t1", "browser_navigate", refusedOutput)
	g.Wait()

	if got := rec.calls.Load(); got != 0 {
		t.Fatalf("recoveries = %d, want 0", got)
	}
}

func TestOnToolCallComplete_IgnoresOtherTools(t *testing.T) {
	rec := &countingRecoverer{}
	g := New(rec, nil, Options{Threshold: 1})

	g.OnToolCallComplete(context.Background(), "t1", "bash", refusedOutput)
	g.Wait()

	if got := rec.calls.Load(); got != 0 {
		t.Fatalf("recoveries = %d, want 0", got)
	}
}

func TestOnToolCallComplete_TasksAreIndependent(t *testing.T) {
	rec := &countingRecoverer{}
	g := New(rec, nil, Options{})
	ctx := context.Background()

	g.OnToolCallComplete(ctx, "t1", "browser_navigate", refusedOutput)
	g.OnToolCallComplete(ctx, "t2", "browser_navigate", refusedOutput)
	g.Wait()

	if got := rec.calls.Load(); got != 0 {
		t.Fatalf("recoveries = %d, want 0", got)
	}

	g.Forget("t1")

	if got := g.FailureCount("t1", "browser_navigate"); got != 0 {
		t.Fatalf("t1 count after Forget = %d", got)
	}

	if got := g.FailureCount("t2", "browser_navigate"); got != 1 {
		t.Fatalf("t2 count = %d, want 1", got)
	}
}

func TestRecoveryFailureAndPanicAreContained(t *testing.T) {
	for _, tc := range []struct {
		name string
		rec  Recoverer
	}{
		{name: "error", rec: &countingRecoverer{err: errors.New("restart failed")}},
		{name: "panic", rec: RecovererFunc(func(context.Context, string, func(string)) error { panic("boom") })},
		{name: "nil recoverer", rec: nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := New(tc.rec, nil, Options{Threshold: 1})
			g.OnToolCallComplete(context.Background(), "t1", "browser_navigate", refusedOutput)
			g.Wait()

			// The guard is released, so the next failure can trigger again.
			g.OnToolCallComplete(context.Background(), "t1", "browser_navigate", refusedOutput)
			g.Wait()
		})
	}
}

func TestCommandRecoverer(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")

	var lines []string

	r := &CommandRecoverer{Command: `echo "restarting $TETHER_TASK_ID"`, Timeout: 5 * time.Second}
	if err := r.Recover(context.Background(), "task-9", func(m string) { lines = append(lines, m) }); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "restarting task-9") {
		t.Fatalf("progress = %q", joined)
	}

	failing := &CommandRecoverer{Command: "exit 4", Timeout: 5 * time.Second}
	err := failing.Recover(context.Background(), "task-9", nil)

	if err == nil || !strings.Contains(err.Error(), "code 4") {
		t.Fatalf("Recover() error = %v, want exit code 4", err)
	}

	empty := &CommandRecoverer{}
	if err := empty.Recover(context.Background(), "task-9", nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}
