// Package store holds the de-duplicated set of decoded reports in memory.
package store

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/dmarc-inbox/model"
)

var (
	ErrNilReport = errors.New("nil report")
	ErrEmptyKey  = errors.New("report has an empty key")
)

type MergeResult int

const (
	Inserted MergeResult = iota + 1
	Duplicate
)

func (r MergeResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	default:
		return "invalid"
	}
}

// Entry is a stored report. The report must be treated as read-only.
type Entry struct {
	ID        uuid.UUID     `json:"id"`
	Report    *model.Report `json:"report"`
	FirstSeen time.Time     `json:"first_seen"`
	// Source is the message the report was first seen in.
	Source string `json:"source"`
}

type Store struct {
	mu       sync.RWMutex
	entries  []Entry
	byKey    map[model.Key]int
	byDomain map[string][]int

	now func() time.Time
}

func New() *Store {
	return &Store{
		byKey:    make(map[model.Key]int),
		byDomain: make(map[string][]int),
		now:      time.Now,
	}
}

// MergeInsert adds report unless a report with the same key is already
// stored. Merging the same report any number of times leaves the store as
// after the first merge.
func (s *Store) MergeInsert(report *model.Report, source string) (MergeResult, error) {
	if report == nil {
		return 0, ErrNilReport
	}
	key := report.Key()
	if key.IsZero() {
		return 0, fmt.Errorf("merge %q: %w", key, ErrEmptyKey)
	}

	if s.contains(key) {
		return Duplicate, nil
	}

	entry := Entry{
		ID:        uuid.New(),
		Report:    report,
		FirstSeen: s.now().UTC(),
		Source:    source,
	}
	domains := report.HeaderFromDomains()
	if policy := strings.ToLower(report.Policy.Domain); policy != "" && !slices.Contains(domains, policy) {
		domains = append(domains, policy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[key]; ok {
		return Duplicate, nil
	}
	idx := len(s.entries)
	s.entries = append(s.entries, entry)
	s.byKey[key] = idx
	for _, d := range domains {
		s.byDomain[d] = append(s.byDomain[d], idx)
	}
	return Inserted, nil
}

func (s *Store) contains(key model.Key) bool {
	s.mu.RLock()
	_, ok := s.byKey[key]
	s.mu.RUnlock()
	return ok
}

// QueryAll returns every entry ordered by first-seen time.
func (s *Store) QueryAll() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

// QueryByDomain returns the entries with at least one record whose header-from
// domain, or whose published policy domain, equals domain (case-insensitive).
func (s *Store) QueryByDomain(domain string) []Entry {
	domain = strings.ToLower(strings.TrimSpace(domain))

	s.mu.RLock()
	defer s.mu.RUnlock()
	idxs := s.byDomain[domain]
	out := make([]Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.entries[i])
	}
	return out
}

func (s *Store) Get(key model.Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byKey[key]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Domains lists every known domain in lexical order.
func (s *Store) Domains() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.byDomain))
	for d := range s.byDomain {
		out = append(out, d)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
