package authz

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds how long a request waits for the operator.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrTimeout reports that no operator decision arrived within the bound.
	ErrTimeout = errors.New("authorization request timed out")
	// ErrNotReady reports that there is no active task or no operator surface.
	ErrNotReady = errors.New("authorization broker not ready")
	// ErrClosed reports that the broker shut down while the request was pending.
	ErrClosed = errors.New("authorization broker closed")
)

// Surface shows requests to the operator. The operator's answer comes back
// through ResolvePermissionRequest or ResolveQuestionRequest. Present must
// not block.
type Surface interface {
	Present(ctx context.Context, req *OperatorRequest)
	// Withdraw tells the surface a request resolved without the operator.
	Withdraw(id string)
}

// Options configures a Broker.
type Options struct {
	PermissionTimeout time.Duration
	QuestionTimeout   time.Duration
	// ActiveTask returns the id of the task currently allowed to ask.
	ActiveTask func() (string, bool)
	Logger     *slog.Logger
	NewID      func() string
}

type pendingRequest struct {
	kind       Kind
	claimed    atomic.Bool
	timer      *time.Timer
	permission *Result[PermissionDecision]
	question   *Result[QuestionResponse]
}

// deny resolves the request to its safe default.
func (p *pendingRequest) deny(err error) {
	switch p.kind {
	case KindPermission:
		p.permission.fulfill(PermissionDecision{Allowed: false}, err)
	case KindQuestion:
		p.question.fulfill(DeniedQuestion(), err)
	}
}

// Broker owns the pending-request map.
type Broker struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	surface Surface
	closed  bool
}

// NewBroker creates a Broker.
func NewBroker(opts Options) *Broker {
	if opts.PermissionTimeout <= 0 {
		opts.PermissionTimeout = DefaultTimeout
	}

	if opts.QuestionTimeout <= 0 {
		opts.QuestionTimeout = DefaultTimeout
	}

	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		opts:    opts,
		logger:  logger.With(slog.String("component", "authz")),
		pending: make(map[string]*pendingRequest),
	}
}

// SetSurface installs the operator surface. Until it is set, requests are rejected.
func (b *Broker) SetSurface(s Surface) {
	b.mu.Lock()
	b.surface = s
	b.mu.Unlock()
}

// Ready returns the active task id and surface, or ErrNotReady.
func (b *Broker) Ready() (string, Surface, error) {
	b.mu.Lock()
	surface := b.surface
	closed := b.closed
	b.mu.Unlock()

	if closed || surface == nil || b.opts.ActiveTask == nil {
		return "", nil, ErrNotReady
	}

	taskID, ok := b.opts.ActiveTask()
	if !ok || taskID == "" {
		return "", nil, ErrNotReady
	}

	return taskID, surface, nil
}

// CreatePermissionRequest registers a pending permission request.
func (b *Broker) CreatePermissionRequest() (string, *Result[PermissionDecision]) {
	res := newResult[PermissionDecision]()
	id := b.register(&pendingRequest{kind: KindPermission, permission: res}, b.opts.PermissionTimeout)

	return id, res
}

// CreateQuestionRequest registers a pending question request.
func (b *Broker) CreateQuestionRequest() (string, *Result[QuestionResponse]) {
	res := newResult[QuestionResponse]()
	id := b.register(&pendingRequest{kind: KindQuestion, question: res}, b.opts.QuestionTimeout)

	return id, res
}

func (b *Broker) register(p *pendingRequest, timeout time.Duration) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.opts.NewID()
	for _, exists := b.pending[id]; exists; _, exists = b.pending[id] {
		id = b.opts.NewID()
	}

	if b.closed {
		p.claimed.Store(true)
		p.deny(ErrClosed)

		return id
	}

	b.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() { b.expire(id) })

	b.logger.Debug("Authorization request created",
		slog.String("event.type", "authz.request.created"),
		slog.String("request.id", id),
		slog.String("request.kind", string(p.kind)),
		slog.Duration("timeout", timeout),
	)

	return id
}

// claim removes id from the pending map and marks it claimed. Only one
// caller ever receives the entry.
func (b *Broker) claim(id string, kind Kind) *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok || p.kind != kind {
		return nil
	}

	if !p.claimed.CompareAndSwap(false, true) {
		return nil
	}

	delete(b.pending, id)

	if p.timer != nil {
		p.timer.Stop()
	}

	return p
}

// ResolvePermissionRequest delivers the operator's decision. It returns false
// when the request is unknown or already resolved.
func (b *Broker) ResolvePermissionRequest(id string, allowed bool) bool {
	p := b.claim(id, KindPermission)
	if p == nil {
		b.logNotFound(id, KindPermission)
		return false
	}

	p.permission.fulfill(PermissionDecision{Allowed: allowed}, nil)

	b.logger.Info("Permission request resolved",
		slog.String("event.type", "authz.request.resolved"),
		slog.String("request.id", id),
		slog.Bool("allowed", allowed),
	)

	return true
}

// ResolveQuestionRequest delivers the operator's answer. It returns false
// when the request is unknown or already resolved.
func (b *Broker) ResolveQuestionRequest(id string, resp QuestionResponse) bool {
	p := b.claim(id, KindQuestion)
	if p == nil {
		b.logNotFound(id, KindQuestion)
		return false
	}

	if resp.SelectedOptions == nil {
		resp.SelectedOptions = []string{}
	}

	p.question.fulfill(resp, nil)

	b.logger.Info("Question request resolved",
		slog.String("event.type", "authz.request.resolved"),
		slog.String("request.id", id),
		slog.Bool("answered", resp.Answered),
		slog.Bool("denied", resp.Denied),
	)

	return true
}

// Abandon denies a pending request whose caller went away.
func (b *Broker) Abandon(id string) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()

	if !ok {
		return false
	}

	if p = b.claim(id, p.kind); p == nil {
		return false
	}

	p.deny(context.Canceled)
	b.withdraw(id)

	return true
}

func (b *Broker) expire(id string) {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()

	if !ok {
		return
	}

	if p = b.claim(id, p.kind); p == nil {
		return
	}

	p.deny(ErrTimeout)

	b.logger.Warn("Authorization request timed out",
		slog.String("event.type", "authz.request.timeout"),
		slog.String("request.id", id),
		slog.String("request.kind", string(p.kind)),
	)

	b.withdraw(id)
}

func (b *Broker) withdraw(id string) {
	b.mu.Lock()
	surface := b.surface
	b.mu.Unlock()

	if surface != nil {
		surface.Withdraw(id)
	}
}

func (b *Broker) logNotFound(id string, kind Kind) {
	b.logger.Debug("Authorization request not found",
		slog.String("event.type", "authz.request.not_found"),
		slog.String("request.id", id),
		slog.String("request.kind", string(kind)),
	)
}

// Pending returns the number of unresolved requests.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// Close denies every pending request and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true

	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		p, ok := b.pending[id]
		b.mu.Unlock()

		if !ok {
			continue
		}

		if p = b.claim(id, p.kind); p != nil {
			p.deny(ErrClosed)
		}
	}
}

// RequestPermission validates readiness, registers the request, shows it to
// the operator and waits for the outcome.
func (b *Broker) RequestPermission(ctx context.Context, in FilePermissionInput) (PermissionDecision, error) {
	taskID, surface, err := b.Ready()
	if err != nil {
		return PermissionDecision{}, err
	}

	id, res := b.CreatePermissionRequest()
	surface.Present(ctx, BuildFilePermissionRequest(id, taskID, in))

	decision, err := res.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		b.Abandon(id)
	}

	return decision, err
}

// AskQuestion validates readiness, registers the question, shows it to the
// operator and waits for the answer.
func (b *Broker) AskQuestion(ctx context.Context, in QuestionInput) (QuestionResponse, error) {
	taskID, surface, err := b.Ready()
	if err != nil {
		return QuestionResponse{}, err
	}

	id, res := b.CreateQuestionRequest()
	surface.Present(ctx, BuildQuestionRequest(id, taskID, in))

	resp, err := res.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		b.Abandon(id)
		resp = DeniedQuestion()
	}

	return resp, err
}
