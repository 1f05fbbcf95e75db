package natsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/isdmx/pysandbox/config"
	"github.com/isdmx/pysandbox/executor"
	"github.com/isdmx/pysandbox/model"
	"github.com/isdmx/pysandbox/pool"
)

// Executor is the execution core the handlers call into
type Executor interface {
	RunOnce(ctx context.Context, req model.ExecutionRequest) (model.ExecutionResult, error)
	EvaluateSubmission(ctx context.Context, req model.SubmissionRequest) (model.SubmissionResult, error)
	PoolStats() pool.Stats
}

// Reply is the body of every response. Exactly one of Result and Error is set.
type Reply struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Server answers run, submit and stats requests on NATS subjects. Every
// subject is joined through the configured queue group so replicas share
// the load.
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	executor Executor

	mu       sync.Mutex
	conn     *nats.Conn
	subs     []*nats.Subscription
	closed   chan struct{}
	inflight sync.WaitGroup
}

// New creates a Server. Nothing is connected until Start.
func New(cfg *config.Config, logger *zap.Logger, exec Executor) *Server {
	return &Server{
		config:   cfg,
		logger:   logger,
		executor: exec,
	}
}

// Start connects to NATS and subscribes to the request subjects
func (s *Server) Start() error {
	closed := make(chan struct{})
	nc, err := nats.Connect(s.config.NATS.URL,
		nats.Name("pysandbox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn("disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.config.NATS.URL, err)
	}

	handlers := map[string]func(context.Context, []byte) []byte{
		s.config.NATS.RunSubject:    s.handleRun,
		s.config.NATS.SubmitSubject: s.handleSubmit,
		s.config.NATS.StatsSubject:  s.handleStats,
	}
	subs := make([]*nats.Subscription, 0, len(handlers))
	for subject, handle := range handlers {
		sub, err := nc.QueueSubscribe(subject, s.config.NATS.QueueGroup, s.dispatch(subject, handle))
		if err != nil {
			nc.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
		s.logger.Info("subscribed", zap.String("subject", subject), zap.String("queue_group", s.config.NATS.QueueGroup))
	}

	s.mu.Lock()
	s.conn = nc
	s.subs = subs
	s.closed = closed
	s.mu.Unlock()
	return nil
}

// dispatch runs each request on its own goroutine so one long execution
// does not hold up the subscription.
func (s *Server) dispatch(subject string, handle func(context.Context, []byte) []byte) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()

			ctx, cancel := context.WithTimeout(context.Background(), s.config.NATS.RequestTimeout)
			defer cancel()

			reply := handle(ctx, msg.Data)
			if msg.Reply == "" {
				return
			}
			if err := msg.Respond(reply); err != nil {
				s.logger.Error("failed to send reply", zap.String("subject", subject), zap.Error(err))
			}
		}()
	}
}

func (s *Server) handleRun(ctx context.Context, data []byte) []byte {
	var req model.ExecutionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return s.encode(Reply{Error: "invalid request body"})
	}
	result, err := s.executor.RunOnce(ctx, req)
	if err != nil {
		return s.encode(Reply{Error: s.publicError(err)})
	}
	return s.encode(Reply{Result: result})
}

func (s *Server) handleSubmit(ctx context.Context, data []byte) []byte {
	var req model.SubmissionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return s.encode(Reply{Error: "invalid request body"})
	}
	result, err := s.executor.EvaluateSubmission(ctx, req)
	if err != nil {
		return s.encode(Reply{Error: s.publicError(err)})
	}
	return s.encode(Reply{Result: result})
}

func (s *Server) handleStats(_ context.Context, _ []byte) []byte {
	return s.encode(Reply{Result: s.executor.PoolStats()})
}

func (s *Server) publicError(err error) string {
	if errors.Is(err, executor.ErrInvalidRequest) {
		return err.Error()
	}
	s.logger.Error("request failed", zap.Error(err))
	return "execution failed"
}

func (s *Server) encode(r Reply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("failed to encode reply", zap.Error(err))
		return []byte(`{"error":"internal error"}`)
	}
	return data
}

// Shutdown stops taking requests, waits for in-flight ones to reply and
// then drains and closes the connection. Drain only starts the process, so
// each stage waits for its completion signal or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	nc, subs, closed := s.conn, s.subs, s.closed
	s.mu.Unlock()
	if nc == nil {
		return nil
	}

	for _, sub := range subs {
		done := sub.StatusChanged(nats.SubscriptionClosed)
		if err := sub.Drain(); err != nil {
			s.logger.Warn("failed to drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
			continue
		}
		if err := waitFor(ctx, done); err != nil {
			return err
		}
	}

	if err := waitFor(ctx, s.idle()); err != nil {
		return err
	}

	if err := nc.Drain(); err != nil {
		s.logger.Warn("failed to drain NATS connection", zap.Error(err))
		nc.Close()
	}
	return waitFor(ctx, closed)
}

// idle is closed once no request goroutine is running
func (s *Server) idle() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	return done
}

func waitFor[T any](ctx context.Context, ch <-chan T) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
