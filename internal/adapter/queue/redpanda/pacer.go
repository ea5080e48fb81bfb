package redpanda

import (
	"math"
	"sync"
	"time"
)

// pollPacer adapts the delay between fetch polls: empty polls stretch the
// interval toward max, polls that return records or follow a failure streak
// pull it back. Ten consecutive failures pin the interval at max until a
// success resets the streak.
type pollPacer struct {
	mu sync.Mutex

	base          time.Duration
	min           time.Duration
	max           time.Duration
	backoffFactor float64

	consecutiveEmpty   int
	consecutiveFailure int
}

func newPollPacer(base time.Duration) *pollPacer {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &pollPacer{
		base:          base,
		min:           base,
		max:           10 * time.Second,
		backoffFactor: 1.5,
	}
}

// next returns how long the fetch loop should wait before polling again.
func (p *pollPacer) next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.consecutiveFailure >= 10 {
		return p.max
	}

	streak := p.consecutiveFailure
	if streak == 0 {
		streak = p.consecutiveEmpty
	}
	if streak == 0 {
		return p.min
	}
	d := float64(p.base) * math.Pow(p.backoffFactor, float64(streak))
	if d > float64(p.max) {
		d = float64(p.max)
	}
	return time.Duration(d)
}

// recordRecords notes a poll that returned work.
func (p *pollPacer) recordRecords() {
	p.mu.Lock()
	p.consecutiveEmpty = 0
	p.consecutiveFailure = 0
	p.mu.Unlock()
}

// recordEmpty notes a successful poll with no records.
func (p *pollPacer) recordEmpty() {
	p.mu.Lock()
	p.consecutiveEmpty++
	p.consecutiveFailure = 0
	p.mu.Unlock()
}

// recordFailure notes a poll that errored.
func (p *pollPacer) recordFailure() {
	p.mu.Lock()
	p.consecutiveFailure++
	p.mu.Unlock()
}
