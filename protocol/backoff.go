package protocol

import "time"

// Backoff is a bounded exponential delay for retrying transient failures,
// typically threshold-decrypt unavailability. Not safe for concurrent use;
// each retry loop owns its own instance.
type Backoff struct {
	Min  time.Duration
	Max  time.Duration
	next time.Duration
}

// NewBackoff returns a backoff starting at min and doubling up to max.
func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max}
}

// Next returns the delay to wait before the upcoming attempt and advances
// the schedule.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Min
	}
	d := b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return d
}

// Reset restores the backoff to its initial delay after a success.
func (b *Backoff) Reset() {
	b.next = 0
}
