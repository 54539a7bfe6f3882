package workqueue

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the requeue delay after a failed attempt:
// min(MaxDelay, BaseDelay*2^attempts) plus a random jitter in
// [0, JitterWindow) so that many jobs failing at once do not retry in
// lockstep.
type BackoffPolicy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterWindow time.Duration
}

// Delay returns the backoff before the given attempt count may run again.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	d := p.MaxDelay
	// Shifting past 62 bits overflows time.Duration; the cap applies anyway.
	if attempts >= 0 && attempts < 62 {
		d = p.BaseDelay << uint(attempts)
		if d <= 0 || d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	if p.JitterWindow > 0 {
		d += time.Duration(rand.Int63n(int64(p.JitterWindow)))
	}
	return d
}
