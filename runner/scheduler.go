// Package runner drives the ingestion loop: it polls the mailbox, runs every
// message through the processing pipeline and backs off when the mailbox is
// unreachable.
package runner

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhcgn/dmarc-inbox/metrics"
	"github.com/dhcgn/dmarc-inbox/model"
	"github.com/dhcgn/dmarc-inbox/state"
	"github.com/dhcgn/dmarc-inbox/stats"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateListing
	StateProcessingBatch
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListing:
		return "listing"
	case StateProcessingBatch:
		return "processing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is an open mailbox connection.
type Session interface {
	List(ctx context.Context, filter model.Filter) (iter.Seq[model.MessageHandle], error)
	Fetch(ctx context.Context, h model.MessageHandle) (model.Message, error)
	Acknowledge(ctx context.Context, h model.MessageHandle) error
	Close() error
}

type Dialer interface {
	Connect(ctx context.Context) (Session, error)
}

type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Connect(ctx context.Context) (Session, error) {
	return f(ctx)
}

type Options struct {
	Filter         model.Filter
	PollInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Status is a point-in-time view for operators.
type Status struct {
	State         string         `json:"state"`
	Backoff       string         `json:"backoff,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	LastErrorAt   time.Time      `json:"last_error_at,omitzero"`
	LastSuccessAt time.Time      `json:"last_success_at,omitzero"`
	Stats         stats.Status   `json:"stats"`
	Failures      state.Snapshot `json:"failures"`
}

type Scheduler struct {
	dialer   Dialer
	pipeline *Pipeline
	tracker  state.Tracker
	reporter *stats.Reporter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     Options

	backoff *Backoff
	state   atomic.Int32
	wait    func(context.Context, time.Duration) error

	mu     sync.RWMutex
	status Status
}

func NewScheduler(d Dialer, p *Pipeline, tracker state.Tracker, reporter *stats.Reporter, m *metrics.Metrics, opts Options, logger *slog.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	if opts.Filter == "" {
		opts.Filter = model.FilterUnseen
	}
	if tracker == nil {
		tracker = state.NewMemoryTracker(3)
	}
	if reporter == nil {
		reporter = stats.NewReporter(logger)
	}
	if logger != nil {
		logger = logger.With("component", "scheduler")
	}
	return &Scheduler{
		dialer:   d,
		pipeline: p,
		tracker:  tracker,
		reporter: reporter,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		backoff:  NewBackoff(opts.BackoffInitial, opts.BackoffMax),
		wait:     sleepContext,
	}
}

// Run polls until ctx is cancelled. It only returns once stopped and never
// fails: mailbox errors are retried with backoff.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(StateStopped)
	if s.logger != nil {
		s.logger.Info("scheduler started", "interval", s.opts.PollInterval, "filter", s.opts.Filter)
	}

	for {
		delay, _ := s.RunCycle(ctx)
		if ctx.Err() != nil {
			break
		}
		if err := s.wait(ctx, delay); err != nil {
			break
		}
	}

	if s.logger != nil {
		s.logger.Info("scheduler stopped")
	}
	return nil
}

// RunCycle performs one connect, list and process pass and returns how long
// to wait before the next one.
func (s *Scheduler) RunCycle(ctx context.Context) (time.Duration, error) {
	started := time.Now()

	s.setState(StateConnecting)
	sess, err := s.dialer.Connect(ctx)
	if err != nil {
		return s.connectionFailed(ctx, err)
	}
	defer func() {
		if err := sess.Close(); err != nil && s.logger != nil {
			s.logger.Debug("closing session", "err", err)
		}
	}()

	s.setState(StateListing)
	handles, err := sess.List(ctx, s.opts.Filter)
	if err != nil {
		return s.connectionFailed(ctx, err)
	}

	s.backoff.Reset()
	s.metrics.SetBackoff(0)

	s.setState(StateProcessingBatch)
	for h := range handles {
		if ctx.Err() != nil {
			break
		}
		if err := s.processMessage(ctx, sess, h); err != nil {
			s.reporter.EndCycle(started)
			return s.connectionFailed(ctx, err)
		}
	}
	s.setState(StateIdle)

	duration := time.Since(started)
	s.reporter.EndCycle(started)
	s.metrics.ObserveCycle(duration)
	s.metrics.SetFailing(s.tracker.Snapshot().Failing)

	s.mu.Lock()
	s.status.LastSuccessAt = time.Now().UTC()
	s.status.Backoff = ""
	s.mu.Unlock()

	return s.opts.PollInterval, ctx.Err()
}

// processMessage only returns an error when the connection was lost; the
// message is then neither counted as failed nor acknowledged.
func (s *Scheduler) processMessage(ctx context.Context, sess Session, h model.MessageHandle) error {
	ref := h.Ref()

	msg, err := sess.Fetch(ctx, h)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, model.ErrConnectionLost) {
			return err
		}
		s.pipeline.record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, MessageRef: ref, Err: err})
		s.messageFailed(ref, "", err)
		return nil
	}
	s.pipeline.record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeFetched, MessageRef: ref})

	out := s.pipeline.Process(msg)
	if out.Failed() {
		s.messageFailed(ref, msg.Subject, out.Err())
		return nil
	}

	if err := sess.Acknowledge(ctx, h); err != nil {
		if ctx.Err() == nil && errors.Is(err, model.ErrConnectionLost) {
			return err
		}
		s.pipeline.record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, MessageRef: ref, Err: err})
		if s.logger != nil {
			s.logger.Warn("acknowledge failed, message will be fetched again", "ref", ref, "err", err)
		}
		return nil
	}
	s.pipeline.record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeAcknowledged, MessageRef: ref})
	s.tracker.Clear(ref)
	return nil
}

func (s *Scheduler) messageFailed(ref, subject string, err error) {
	f := s.tracker.RecordFailure(ref, subject, err)
	if s.logger == nil {
		return
	}
	attrs := []any{"ref", ref, "subject", f.Subject, "attempts", f.Count, "err", err}
	if f.Repeated {
		s.logger.Error("message keeps failing", attrs...)
		return
	}
	s.logger.Warn("message left unacknowledged for retry", attrs...)
}

func (s *Scheduler) connectionFailed(ctx context.Context, err error) (time.Duration, error) {
	s.setState(StateIdle)
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	delay := s.backoff.Next()
	s.pipeline.record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err})
	s.metrics.SetBackoff(delay)

	s.mu.Lock()
	s.status.LastError = err.Error()
	s.status.LastErrorAt = time.Now().UTC()
	s.status.Backoff = delay.String()
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Warn("mailbox unavailable, backing off", "delay", delay, "err", err)
	}
	return delay, err
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	status.State = s.State().String()
	status.Stats = s.reporter.Status()
	status.Failures = s.tracker.Snapshot()
	return status
}

func (s *Scheduler) Failures() []state.Failure {
	return s.tracker.Failures()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
