package syncer

import "time"

// Backoff computes the delay before retrying a failed write. Delays double
// per attempt from Min up to Max; the sequence is monotonically
// non-decreasing, with no jitter so tests and replays are deterministic.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Delay returns the wait before attempt n+1, given n prior attempts.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := b.Min
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
