package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProcess struct {
	pid     int
	out     chan []byte
	done    chan struct{}
	closed  chan struct{}
	once    sync.Once
	close1  sync.Once
	code    int
	sig     string
	killed  atomic.Bool
	onWrite func(p *fakeProcess, b []byte)

	// unkillable ignores Kill, like a process stuck in the kernel.
	unkillable bool

	mu      sync.Mutex
	written bytes.Buffer
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:    pid,
		out:    make(chan []byte),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (p *fakeProcess) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.out:
		return copy(b, chunk), nil
	case <-p.done:
		return 0, io.EOF
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written.Write(b)
	p.mu.Unlock()

	if p.onWrite != nil {
		p.onWrite(p, b)
	}

	return len(b), nil
}

func (p *fakeProcess) Wait() (int, string, error) {
	<-p.done
	return p.code, p.sig, nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	if !p.unkillable {
		p.exit(-1, "SIGKILL")
	}

	return nil
}

func (p *fakeProcess) Close() error {
	p.close1.Do(func() { close(p.closed) })
	return nil
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) exit(code int, sig string) {
	p.once.Do(func() {
		p.code = code
		p.sig = sig
		close(p.done)
	})
}

func (p *fakeProcess) input() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.written.String()
}

// emit delivers a chunk to the reader, failing the test if nobody reads it.
func (p *fakeProcess) emit(t *testing.T, s string) {
	t.Helper()

	select {
	case p.out <- []byte(s):
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not consume %q", s)
	}
}

type fakeLauncher struct {
	mu     sync.Mutex
	specs  []launchSpec
	procs  []*fakeProcess
	before func(n int)
	setup  func(p *fakeProcess)
}

func (l *fakeLauncher) launch(spec launchSpec) (process, error) {
	l.mu.Lock()
	n := len(l.procs)
	before := l.before
	l.mu.Unlock()

	if before != nil {
		before(n)
	}

	p := newFakeProcess(1000 + n)
	if l.setup != nil {
		l.setup(p)
	}

	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	return p, nil
}

func (l *fakeLauncher) proc(t *testing.T, i int) *fakeProcess {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		if len(l.procs) > i {
			p := l.procs[i]
			l.mu.Unlock()

			return p
		}
		l.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatalf("process %d was never launched", i)

	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(2 * time.Millisecond)
	}
}

func testController(t *testing.T, opts Options) (*Controller, *fakeLauncher) {
	t.Helper()

	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}

	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}

	if opts.GracePeriod == 0 {
		opts.GracePeriod = 100 * time.Millisecond
	}

	l := &fakeLauncher{}
	c := newController(opts, l.launch)
	t.Cleanup(c.Dispose)

	return c, l
}

type startResult struct {
	res *Result
	err error
}

func startAsync(c *Controller, flow Flow) <-chan startResult {
	ch := make(chan startResult, 1)

	go func() {
		res, err := c.Start(context.Background(), flow)
		ch <- startResult{res: res, err: err}
	}()

	return ch
}

func await(t *testing.T, ch <-chan startResult) startResult {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}

	return startResult{}
}

func TestStart_PromptsAndURL(t *testing.T) {
	var (
		openMu sync.Mutex
		opened []string
	)

	c, l := testController(t, Options{Opener: func(_ context.Context, u string) error {
		openMu.Lock()
		opened = append(opened, u)
		openMu.Unlock()

		return nil
	}})

	var output bytes.Buffer

	var outMu sync.Mutex

	flow := Flow{
		Name:    "login",
		Command: []string{"agent", "auth", "login"},
		Prompts: PromptScript{
			{Name: "provider", Pattern: regexp.MustCompile(`Select provider`), Response: "openai\r"},
			{Name: "method", Pattern: regexp.MustCompile(`Login method`), Response: "\r"},
		},
		OpenURLs: true,
		OnOutput: func(b []byte) {
			outMu.Lock()
			output.Write(b)
			outMu.Unlock()
		},
	}

	ch := startAsync(c, flow)
	p := l.proc(t, 0)

	waitFor(t, "in progress", c.IsInProgress)

	p.emit(t, "\x1b[1mSelect provider\x1b[0m\r\n")
	waitFor(t, "provider answer", func() bool { return strings.Contains(p.input(), "openai\r") })

	p.emit(t, "Select provider (redrawn)\r\n")
	p.emit(t, "Login method: browser\r\n")
	waitFor(t, "method answer", func() bool { return strings.Count(p.input(), "\r") == 2 })

	p.emit(t, "Go to: https://auth.example.com/authorize?client=1\r\n")
	p.emit(t, "Or visit https://other.example.com/second\r\n")
	p.exit(0, "")

	r := await(t, ch)
	if r.err != nil {
		t.Fatalf("Start() error = %v", r.err)
	}

	if r.res.OpenedURL != "https://auth.example.com/authorize?client=1" {
		t.Fatalf("OpenedURL = %q", r.res.OpenedURL)
	}

	if got := strings.Count(p.input(), "openai\r"); got != 1 {
		t.Fatalf("provider answered %d times, want 1", got)
	}

	openMu.Lock()
	defer openMu.Unlock()

	if len(opened) != 1 {
		t.Fatalf("opened = %v, want exactly one", opened)
	}

	outMu.Lock()
	defer outMu.Unlock()

	if !strings.Contains(output.String(), "Login method") {
		t.Fatalf("OnOutput missed chunks: %q", output.String())
	}

	if c.IsInProgress() {
		t.Fatal("controller should be idle after exit")
	}
}

func TestStart_RejectsNonHTTPAddress(t *testing.T) {
	var calls atomic.Int32

	c, l := testController(t, Options{Opener: func(context.Context, string) error {
		calls.Add(1)
		return nil
	}})

	ch := startAsync(c, Flow{Name: "login", Command: []string{"agent"}, OpenURLs: true})
	p := l.proc(t, 0)

	p.emit(t, "Go to: file:///etc/passwd\r\n")
	p.exit(0, "")

	r := await(t, ch)
	if r.err != nil || r.res.OpenedURL != "" || calls.Load() != 0 {
		t.Fatalf("result = %+v, %v; opener calls %d", r.res, r.err, calls.Load())
	}
}

func TestStart_NonZeroExitCarriesRedactedTail(t *testing.T) {
	c, l := testController(t, Options{})

	ch := startAsync(c, Flow{Name: "agent run", Command: []string{"agent", "run"}})
	p := l.proc(t, 0)

	for i := 0; i < 20; i++ {
		p.emit(t, "progress line\r\n")
	}

	p.emit(t, "using key sk-abcdefghijklmnopqrstuvwx\r\n")
	p.emit(t, "callback at http://localhost:1455/auth/callback?code=xyz failed\r\n")
	p.exit(3, "")

	r := await(t, ch)

	var flowErr *FlowError
	if !errors.As(r.err, &flowErr) {
		t.Fatalf("err = %v, want *FlowError", r.err)
	}

	if flowErr.ExitCode != 3 || flowErr.Cancelled {
		t.Fatalf("flowErr = %+v", flowErr)
	}

	if len(flowErr.Tail) != tailLines {
		t.Fatalf("tail has %d lines, want %d", len(flowErr.Tail), tailLines)
	}

	msg := flowErr.Error()
	for _, want := range []string{"exit code 3", RedactedKey, RedactedURL} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}

	for _, secret := range []string{"sk-abcdef", "localhost:1455", "code=xyz"} {
		if strings.Contains(msg, secret) {
			t.Fatalf("message leaks %q: %s", secret, msg)
		}
	}

	if errors.Is(r.err, ErrFlowCancelled) {
		t.Fatal("plain failure must not match ErrFlowCancelled")
	}
}

func TestStart_SignalledExit(t *testing.T) {
	c, l := testController(t, Options{})

	ch := startAsync(c, Flow{Name: "agent", Command: []string{"agent"}})
	l.proc(t, 0).exit(-1, "SIGSEGV")

	r := await(t, ch)
	if r.err == nil || !strings.Contains(r.err.Error(), "signal SIGSEGV") {
		t.Fatalf("err = %v", r.err)
	}
}

func TestStart_SecondFlowRetiresFirst(t *testing.T) {
	c, l := testController(t, Options{})
	l.setup = func(p *fakeProcess) {
		p.onWrite = func(p *fakeProcess, b []byte) {
			if bytes.Contains(b, interruptKeys) {
				p.exit(130, "")
			}
		}
	}

	var interruptedBeforeSecond atomic.Bool

	l.before = func(n int) {
		if n == 1 {
			l.mu.Lock()
			first := l.procs[0]
			l.mu.Unlock()

			interruptedBeforeSecond.Store(strings.Contains(first.input(), "\x03"))
		}
	}

	first := startAsync(c, Flow{Name: "first", Command: []string{"agent"}})
	l.proc(t, 0)
	waitFor(t, "first in progress", c.IsInProgress)

	second := startAsync(c, Flow{Name: "second", Command: []string{"agent"}})

	r1 := await(t, first)
	if !errors.Is(r1.err, ErrFlowCancelled) {
		t.Fatalf("first flow err = %v, want ErrFlowCancelled", r1.err)
	}

	l.proc(t, 1).exit(0, "")

	r2 := await(t, second)
	if r2.err != nil {
		t.Fatalf("second flow err = %v", r2.err)
	}

	if !interruptedBeforeSecond.Load() {
		t.Fatal("first flow was not interrupted before the second launched")
	}
}

func TestStart_ExitZeroAfterCancelStillFails(t *testing.T) {
	c, l := testController(t, Options{})
	l.setup = func(p *fakeProcess) {
		p.onWrite = func(p *fakeProcess, _ []byte) { p.exit(0, "") }
	}

	ch := startAsync(c, Flow{Name: "agent", Command: []string{"agent"}})
	l.proc(t, 0)
	waitFor(t, "in progress", c.IsInProgress)

	c.Cancel()

	r := await(t, ch)
	if !errors.Is(r.err, ErrFlowCancelled) {
		t.Fatalf("err = %v, want ErrFlowCancelled", r.err)
	}
}

func TestCancel_ForceKillsAfterGrace(t *testing.T) {
	c, l := testController(t, Options{GracePeriod: 30 * time.Millisecond})

	ch := startAsync(c, Flow{Name: "stubborn", Command: []string{"agent"}})
	p := l.proc(t, 0)
	waitFor(t, "in progress", c.IsInProgress)

	c.Cancel()

	if !p.killed.Load() {
		t.Fatal("process ignoring the interrupt should be killed")
	}

	r := await(t, ch)
	if !errors.Is(r.err, ErrFlowCancelled) {
		t.Fatalf("err = %v", r.err)
	}

	if c.IsInProgress() {
		t.Fatal("IsInProgress after Cancel")
	}
}

func TestCancel_ProcessSurvivingKillReleasesStart(t *testing.T) {
	c, l := testController(t, Options{GracePeriod: 20 * time.Millisecond})
	l.setup = func(p *fakeProcess) { p.unkillable = true }

	ch := startAsync(c, Flow{Name: "wedged", Command: []string{"agent"}})
	p := l.proc(t, 0)
	t.Cleanup(func() { p.exit(-1, "SIGKILL") })
	waitFor(t, "in progress", c.IsInProgress)

	c.Cancel()

	if !p.killed.Load() {
		t.Fatal("process should have been killed")
	}

	r := await(t, ch)
	if !errors.Is(r.err, ErrFlowCancelled) {
		t.Fatalf("err = %v, want ErrFlowCancelled", r.err)
	}

	var fe *FlowError
	if !errors.As(r.err, &fe) || !fe.Unreaped {
		t.Fatalf("err = %#v, want an unreaped FlowError", r.err)
	}

	if !strings.Contains(fe.Error(), "did not exit after kill") {
		t.Fatalf("Error() = %q", fe.Error())
	}
}

func TestStart_ContextCancelWithProcessSurvivingKill(t *testing.T) {
	c, l := testController(t, Options{GracePeriod: 20 * time.Millisecond})
	l.setup = func(p *fakeProcess) { p.unkillable = true }

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)

	go func() {
		_, err := c.Start(ctx, Flow{Name: "wedged", Command: []string{"agent"}})
		ch <- err
	}()

	p := l.proc(t, 0)
	t.Cleanup(func() { p.exit(-1, "SIGKILL") })
	cancel()

	select {
	case err := <-ch:
		if !IsCancelled(err) {
			t.Fatalf("err = %v, want cancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on a process that survived kill")
	}
}

func TestCancel_WindowsSendsConfirmation(t *testing.T) {
	c, l := testController(t, Options{GOOS: "windows", GracePeriod: 20 * time.Millisecond})

	ch := startAsync(c, Flow{Name: "agent", Command: []string{"agent"}})
	p := l.proc(t, 0)
	waitFor(t, "in progress", c.IsInProgress)

	c.Cancel()
	await(t, ch)

	if got := p.input(); got != "\x03Y\r" {
		t.Fatalf("input = %q, want interrupt plus confirmation", got)
	}
}

func TestCancel_IdleIsNoop(t *testing.T) {
	c, l := testController(t, Options{})
	c.Cancel()

	if len(l.procs) != 0 || c.IsInProgress() {
		t.Fatal("idle cancel should do nothing")
	}
}

func TestStart_ContextCancellation(t *testing.T) {
	c, l := testController(t, Options{GracePeriod: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)

	go func() {
		_, err := c.Start(ctx, Flow{Name: "agent", Command: []string{"agent"}})
		ch <- err
	}()

	l.proc(t, 0)
	cancel()

	select {
	case err := <-ch:
		if !IsCancelled(err) {
			t.Fatalf("err = %v, want cancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start ignored context cancellation")
	}
}

func TestDispose(t *testing.T) {
	c, l := testController(t, Options{})

	ch := startAsync(c, Flow{Name: "agent", Command: []string{"agent"}})
	p := l.proc(t, 0)
	waitFor(t, "in progress", c.IsInProgress)

	c.Dispose()
	c.Dispose()

	if !p.killed.Load() {
		t.Fatal("Dispose should force-kill the live flow")
	}

	if r := await(t, ch); !errors.Is(r.err, ErrFlowCancelled) {
		t.Fatalf("err = %v", r.err)
	}

	if c.IsInProgress() {
		t.Fatal("disposed controller reports in progress")
	}

	if _, err := c.Start(context.Background(), Flow{Name: "late", Command: []string{"agent"}}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Start after Dispose err = %v", err)
	}
}

func TestStart_WaitsForReservedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = ln.Close()
	}()

	c, l := testController(t, Options{PortPollInterval: 10 * time.Millisecond, PortWaitTimeout: 2 * time.Second})

	started := time.Now()
	ch := startAsync(c, Flow{Name: "login", Command: []string{"agent"}, ReservedPort: port})
	l.proc(t, 0).exit(0, "")

	if r := await(t, ch); r.err != nil {
		t.Fatalf("err = %v", r.err)
	}

	if elapsed := time.Since(started); elapsed < 50*time.Millisecond {
		t.Fatalf("launched after %s, before the port was released", elapsed)
	}
}

func TestStart_BusyPortProceedsAfterTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	c, l := testController(t, Options{PortPollInterval: 10 * time.Millisecond, PortWaitTimeout: 50 * time.Millisecond})

	ch := startAsync(c, Flow{Name: "login", Command: []string{"agent"}, ReservedPort: ln.Addr().(*net.TCPAddr).Port})
	l.proc(t, 0).exit(0, "")

	if r := await(t, ch); r.err != nil {
		t.Fatalf("err = %v", r.err)
	}
}

func TestCommandSpec(t *testing.T) {
	dir := t.TempDir()
	c, l := testController(t, Options{
		WorkDir: dir,
		Shell:   "/bin/zsh",
		Env:     []string{"AGENT_CONFIG=/tmp/agent.json"},
	})

	ch := startAsync(c, Flow{
		Name:    "agent",
		Command: []string{"agent", "run", "fix the user's bug"},
		Env:     []string{"OPENAI_API_KEY=test"},
	})
	l.proc(t, 0).exit(0, "")
	await(t, ch)

	spec := l.specs[0]
	if spec.Path != "/bin/zsh" || spec.Dir != dir || len(spec.Args) != 2 || spec.Args[0] != "-c" {
		t.Fatalf("spec = %+v", spec)
	}

	if !strings.HasPrefix(spec.Args[1], "agent run ") || !strings.Contains(spec.Args[1], "'fix the user'") {
		t.Fatalf("command line not quoted: %q", spec.Args[1])
	}

	env := strings.Join(spec.Env, "\n")
	if !strings.Contains(env, "AGENT_CONFIG=/tmp/agent.json") || !strings.Contains(env, "OPENAI_API_KEY=test") {
		t.Fatal("curated environment missing entries")
	}
}

func TestStart_EmptyCommand(t *testing.T) {
	c, _ := testController(t, Options{})

	if _, err := c.Start(context.Background(), Flow{Name: "empty"}); err == nil {
		t.Fatal("expected error for empty command")
	}
}
