// Package operator shows permission and question requests to the human at
// the terminal and feeds their answers back to the broker.
package operator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/musher-dev/tether/internal/authz"
	"github.com/musher-dev/tether/internal/prompt"
)

// Resolver receives operator answers. *authz.Broker implements it.
type Resolver interface {
	ResolvePermissionRequest(id string, allowed bool) bool
	ResolveQuestionRequest(id string, resp authz.QuestionResponse) bool
}

// Asker collects one answer from the operator. Implementations must return
// when ctx is cancelled.
type Asker interface {
	AskPermission(ctx context.Context, req *authz.OperatorRequest) (bool, error)
	AskQuestion(ctx context.Context, req *authz.OperatorRequest) (authz.QuestionResponse, error)
}

// Surface queues requests and asks them one at a time in arrival order.
type Surface struct {
	resolver Resolver
	asker    Asker
	logger   *slog.Logger

	mu        sync.Mutex
	queue     []*authz.OperatorRequest
	current   string
	stopAsk   context.CancelFunc
	withdrawn bool
	wake      chan struct{}
}

var _ authz.Surface = (*Surface)(nil)

// New creates a Surface.
func New(resolver Resolver, asker Asker, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}

	return &Surface{
		resolver: resolver,
		asker:    asker,
		logger:   logger.With(slog.String("component", "operator")),
		wake:     make(chan struct{}, 1),
	}
}

// Present queues req. It never blocks.
func (s *Surface) Present(_ context.Context, req *authz.OperatorRequest) {
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Withdraw drops a request that resolved without the operator. A dialog
// already on screen for it is closed.
func (s *Surface) Withdraw(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, req := range s.queue {
		if req.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}

	if s.current == id && s.stopAsk != nil {
		s.withdrawn = true
		s.stopAsk()
	}
}

// Queued returns the number of requests waiting for the operator.
func (s *Surface) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// Run asks queued requests until ctx is cancelled.
func (s *Surface) Run(ctx context.Context) error {
	for {
		req, askCtx := s.next(ctx)
		if req == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}

		s.handle(askCtx, req)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// next dequeues the oldest request and makes it current under one lock, so a
// Withdraw always finds it either queued or showing.
func (s *Surface) next(ctx context.Context) (*authz.OperatorRequest, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, nil
	}

	req := s.queue[0]
	s.queue = s.queue[1:]

	askCtx, cancel := context.WithCancel(ctx)
	s.current = req.ID
	s.stopAsk = cancel
	s.withdrawn = false

	return req, askCtx
}

func (s *Surface) handle(askCtx context.Context, req *authz.OperatorRequest) {
	defer func() {
		s.mu.Lock()
		s.stopAsk()
		s.current = ""
		s.stopAsk = nil
		s.mu.Unlock()
	}()

	logger := s.logger.With(slog.String("request.id", req.ID), slog.String("request.kind", string(req.Kind)))

	if s.isWithdrawn() {
		logger.Debug("Request closed before the operator saw it", slog.String("event.type", "operator.request.closed"))
		return
	}

	switch req.Kind {
	case authz.KindPermission:
		allowed, err := s.asker.AskPermission(askCtx, req)
		if s.skip(err, logger) {
			return
		}

		if err != nil {
			allowed = false
		}

		if !s.resolver.ResolvePermissionRequest(req.ID, allowed) {
			logger.Debug("Permission answer arrived after the request resolved", slog.String("event.type", "operator.answer.late"))
		}
	case authz.KindQuestion:
		resp, err := s.asker.AskQuestion(askCtx, req)
		if s.skip(err, logger) {
			return
		}

		if err != nil {
			resp = authz.DeniedQuestion()
		}

		if !s.resolver.ResolveQuestionRequest(req.ID, resp) {
			logger.Debug("Question answer arrived after the request resolved", slog.String("event.type", "operator.answer.late"))
		}
	default:
		logger.Warn("Unknown request kind", slog.String("event.type", "operator.request.invalid"))
	}
}

// skip reports whether no answer should be sent because the request went
// away or tether is shutting down.
func (s *Surface) skip(err error, logger *slog.Logger) bool {
	if err == nil {
		return false
	}

	if s.isWithdrawn() || prompt.IsCanceled(err) {
		logger.Debug("Request closed before the operator answered", slog.String("event.type", "operator.request.closed"))
		return true
	}

	logger.Warn("Operator prompt failed, denying", slog.String("event.type", "operator.prompt.error"), slog.String("error", err.Error()))

	return false
}

func (s *Surface) isWithdrawn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withdrawn
}
