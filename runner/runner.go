package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhcgn/dmarc-inbox/filter"
	"github.com/dhcgn/dmarc-inbox/metrics"
	"github.com/dhcgn/dmarc-inbox/model"
	"github.com/dhcgn/dmarc-inbox/state"
	"github.com/dhcgn/dmarc-inbox/stats"
	"github.com/dhcgn/dmarc-inbox/store"
)

type StageFunc func(context.Context) error

// ImportResult totals a finished batch import.
type ImportResult struct {
	Messages int
	Failed   int
	Duration time.Duration
}

// Importer runs a one-shot batch. Producer stages write envelopes; the
// process stage feeds every message through a Pipeline and the resulting
// events are dispatched to the subscribed recorders.
type Importer struct {
	pipeline *Pipeline
	tracker  state.Tracker
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	envelopes chan model.Envelope
	events    chan stats.Event

	subMu       sync.Mutex
	subscribers stats.Recorders

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	messages atomic.Int64
	failed   atomic.Int64

	closeEnvelopesOnce sync.Once
	closeEventsOnce    sync.Once
	since              time.Time
}

func NewImporter(ctx context.Context, st *store.Store, flt *filter.Filter, tracker state.Tracker, m *metrics.Metrics, logger *slog.Logger) *Importer {
	ctx, cancel := context.WithCancel(ctx)
	if tracker == nil {
		tracker = state.NewMemoryTracker(1)
	}
	if logger != nil {
		logger = logger.With("component", "importer")
	}

	imp := &Importer{
		tracker:   tracker,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		envelopes: make(chan model.Envelope, 32),
		events:    make(chan stats.Event, 128),
	}
	imp.pipeline = NewPipeline(st, flt, imp, m, logger)

	imp.AddStage("process", imp.process)
	return imp
}

func (imp *Importer) Context() context.Context {
	return imp.ctx
}

func (imp *Importer) Tracker() state.Tracker {
	return imp.tracker
}

func (imp *Importer) EnvelopeWriter() chan<- model.Envelope {
	return imp.envelopes
}

func (imp *Importer) CloseEnvelopes() {
	imp.closeEnvelopesOnce.Do(func() {
		close(imp.envelopes)
	})
}

// Record queues evt for the subscribers. It satisfies stats.Recorder so the
// pipeline can report through the importer.
func (imp *Importer) Record(evt stats.Event) {
	select {
	case <-imp.ctx.Done():
	case imp.events <- evt:
	}
}

// SubscribeStats adds a recorder that receives every event. Subscribe before
// calling Start.
func (imp *Importer) SubscribeStats(rec stats.Recorder) {
	imp.subMu.Lock()
	imp.subscribers = append(imp.subscribers, rec)
	imp.subMu.Unlock()
}

func (imp *Importer) AddStage(name string, fn StageFunc) {
	imp.workWG.Add(1)
	go func() {
		defer imp.workWG.Done()
		if err := fn(imp.ctx); err != nil && !errors.Is(err, context.Canceled) {
			imp.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start blocks until every stage finished and all events were dispatched.
// Messages that fail are counted and tracked; only stage errors fail the run.
func (imp *Importer) Start() (ImportResult, error) {
	imp.since = time.Now()

	imp.statsWG.Add(1)
	go imp.dispatch()

	imp.workWG.Wait()
	imp.closeEvents()
	imp.statsWG.Wait()

	imp.cancel()

	res := ImportResult{
		Messages: int(imp.messages.Load()),
		Failed:   int(imp.failed.Load()),
		Duration: time.Since(imp.since),
	}

	imp.errMu.Lock()
	err := imp.err
	imp.errMu.Unlock()
	if err != nil {
		if imp.logger != nil {
			imp.logger.Error("import failed", "duration", res.Duration, "err", err)
		}
		return res, err
	}

	if imp.logger != nil {
		imp.logger.Info("import completed", "duration", res.Duration, "messages", res.Messages, "failed", res.Failed)
	}
	return res, nil
}

func (imp *Importer) dispatch() {
	defer imp.statsWG.Done()
	imp.subMu.Lock()
	subs := imp.subscribers
	imp.subMu.Unlock()

	for evt := range imp.events {
		subs.Record(evt)
	}
}

func (imp *Importer) process(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-imp.envelopes:
			if !ok {
				return nil
			}
			imp.messages.Add(1)

			if envelope.Err != nil {
				imp.failed.Add(1)
				imp.Record(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeError, MessageRef: envelope.Message.Ref(), Err: envelope.Err})
				imp.tracker.RecordFailure(envelope.Message.Ref(), "", envelope.Err)
				continue
			}

			msg := envelope.Message
			imp.Record(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeFetched, MessageRef: msg.Ref()})

			out := imp.pipeline.Process(msg)
			if out.Failed() {
				imp.failed.Add(1)
				imp.tracker.RecordFailure(out.Ref, msg.Subject, out.Err())
			}
		}
	}
}

func (imp *Importer) closeEvents() {
	imp.closeEventsOnce.Do(func() {
		close(imp.events)
	})
}

func (imp *Importer) fail(err error) {
	if err == nil {
		return
	}
	imp.errMu.Lock()
	if imp.err == nil {
		imp.err = err
		imp.cancel()
	}
	imp.errMu.Unlock()
}
