package queue

import (
	"time"

	"github.com/jpillora/backoff"
)

// Backoff paces polling of an empty queue. Each Next grows the wait by the
// factor up to the ceiling; Reset goes back to the floor.
type Backoff struct {
	b *backoff.Backoff
}

func NewBackoff(floor, ceiling time.Duration, factor float64) *Backoff {
	return &Backoff{b: &backoff.Backoff{
		Min:    floor,
		Max:    ceiling,
		Factor: factor,
		Jitter: false,
	}}
}

func (b *Backoff) Next() time.Duration {
	return b.b.Duration()
}

func (b *Backoff) Reset() {
	b.b.Reset()
}
