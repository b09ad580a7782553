// Package state remembers messages that keep failing across poll cycles.
package state

import (
	"slices"
	"strings"
	"sync"
	"time"
)

type Tracker interface {
	RecordFailure(ref, subject string, err error) Failure
	Clear(ref string)
	Failures() []Failure
	Snapshot() Snapshot
}

// Failure is the history of one message that could not be processed cleanly.
type Failure struct {
	Ref       string    `json:"ref"`
	Subject   string    `json:"subject,omitempty"`
	Count     int       `json:"count"`
	FirstAt   time.Time `json:"first_at"`
	LastAt    time.Time `json:"last_at"`
	LastError string    `json:"last_error"`
	// Repeated is set once Count reaches the tracker threshold.
	Repeated bool `json:"repeated"`
}

type Snapshot struct {
	Failing  int `json:"failing"`
	Repeated int `json:"repeated"`
}

type MemoryTracker struct {
	mu        sync.RWMutex
	failures  map[string]*Failure
	threshold int
	now       func() time.Time
}

// NewMemoryTracker flags a message as repeated after threshold failures. A
// threshold below one is treated as one.
func NewMemoryTracker(threshold int) *MemoryTracker {
	return &MemoryTracker{
		failures:  make(map[string]*Failure),
		threshold: max(threshold, 1),
		now:       time.Now,
	}
}

func (m *MemoryTracker) RecordFailure(ref, subject string, err error) Failure {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[ref]
	if !ok {
		f = &Failure{Ref: ref, FirstAt: now}
		m.failures[ref] = f
	}
	if subject != "" {
		f.Subject = subject
	}
	f.Count++
	f.LastAt = now
	f.LastError = msg
	f.Repeated = f.Count >= m.threshold
	return *f
}

// Clear forgets ref, typically after the message was processed cleanly.
func (m *MemoryTracker) Clear(ref string) {
	m.mu.Lock()
	delete(m.failures, ref)
	m.mu.Unlock()
}

// Failures lists the tracked failures, most recent first.
func (m *MemoryTracker) Failures() []Failure {
	m.mu.RLock()
	out := make([]Failure, 0, len(m.failures))
	for _, f := range m.failures {
		out = append(out, *f)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Failure) int {
		if c := b.LastAt.Compare(a.LastAt); c != 0 {
			return c
		}
		return strings.Compare(a.Ref, b.Ref)
	})
	return out
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{Failing: len(m.failures)}
	for _, f := range m.failures {
		if f.Repeated {
			s.Repeated++
		}
	}
	return s
}
