package stats

import (
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageIMAP    Stage = "imap"
	StageMbox    Stage = "mbox"
	StageExtract Stage = "extract"
	StageDecode  Stage = "decode"
	StageStore   Stage = "store"
)

type EventType string

const (
	EventTypeFetched      EventType = "fetched"
	EventTypeSkipped      EventType = "skipped"
	EventTypeExtracted    EventType = "extracted"
	EventTypeDecoded      EventType = "decoded"
	EventTypeMerged       EventType = "merged"
	EventTypeDuplicate    EventType = "duplicate"
	EventTypeAcknowledged EventType = "acknowledged"
	EventTypeError        EventType = "error"
)

type Event struct {
	Stage      Stage
	Type       EventType
	MessageRef string
	Err        error
	Detail     string
}

// Recorder consumes pipeline events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(Event)
}

// Recorders fans an event out to every recorder in order.
type Recorders []Recorder

func (rs Recorders) Record(evt Event) {
	for _, r := range rs {
		if r != nil {
			r.Record(evt)
		}
	}
}

type Summary struct {
	Fetched      int    `json:"fetched"`
	Skipped      int    `json:"skipped"`
	Payloads     int    `json:"payloads"`
	Decoded      int    `json:"decoded"`
	Merged       int    `json:"merged"`
	Duplicates   int    `json:"duplicates"`
	Acknowledged int    `json:"acknowledged"`
	Errors       int    `json:"errors"`
	LastError    string `json:"last_error,omitempty"`
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"skipped", s.Skipped,
		"payloads", s.Payloads,
		"decoded", s.Decoded,
		"merged", s.Merged,
		"duplicates", s.Duplicates,
		"acknowledged", s.Acknowledged,
		"errors", s.Errors,
	}
	if s.LastError != "" {
		attrs = append(attrs, "lastError", s.LastError)
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeExtracted:
		c.summary.Payloads++
	case EventTypeDecoded:
		c.summary.Decoded++
	case EventTypeMerged:
		c.summary.Merged++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeAcknowledged:
		c.summary.Acknowledged++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err.Error()
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Reset returns the current summary and starts over from zero.
func (c *Collector) Reset() Summary {
	c.mu.Lock()
	summary := c.summary
	c.summary = Summary{}
	c.mu.Unlock()
	return summary
}

// Status is the scheduler-facing view of the collected statistics.
type Status struct {
	Cycles      int       `json:"cycles"`
	LastCycleAt time.Time `json:"last_cycle_at,omitzero"`
	LastCycle   Summary   `json:"last_cycle"`
	LastCycleIn string    `json:"last_cycle_duration,omitempty"`
	Total       Summary   `json:"total"`
}

// Reporter keeps a per-cycle and a cumulative summary and logs each cycle.
type Reporter struct {
	cycle  *Collector
	total  *Collector
	logger *slog.Logger

	mu     sync.RWMutex
	status Status
}

func NewReporter(logger *slog.Logger) *Reporter {
	return &Reporter{
		cycle:  NewCollector(),
		total:  NewCollector(),
		logger: logger,
	}
}

func (r *Reporter) Record(evt Event) {
	r.cycle.Record(evt)
	r.total.Record(evt)
}

// EndCycle closes the current cycle, logs its summary and returns it.
func (r *Reporter) EndCycle(started time.Time) Summary {
	summary := r.cycle.Reset()
	duration := time.Since(started)

	r.mu.Lock()
	r.status.Cycles++
	r.status.LastCycleAt = started.UTC()
	r.status.LastCycle = summary
	r.status.LastCycleIn = duration.Round(time.Millisecond).String()
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("poll cycle summary", append(summary.LogAttrs(), "duration", duration)...)
	}
	return summary
}

func (r *Reporter) Summary() Summary {
	return r.total.Snapshot()
}

func (r *Reporter) Status() Status {
	r.mu.RLock()
	status := r.status
	r.mu.RUnlock()
	status.Total = r.total.Snapshot()
	return status
}
