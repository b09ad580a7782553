package runner

import "time"

// Backoff yields exponentially growing delays: initial, then doubling per
// call, capped at max. It is not safe for concurrent use.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return &Backoff{initial: initial, max: maxDelay, next: initial}
}

func (b *Backoff) Next() time.Duration {
	d := b.next
	if b.next < b.max {
		b.next = min(b.next*2, b.max)
	}
	return d
}

func (b *Backoff) Reset() {
	b.next = b.initial
}
