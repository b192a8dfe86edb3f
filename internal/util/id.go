package util

import (
	"sync"
	"time"
)

// IDGenerator hands out connection ids derived from the wall clock and a
// rolling counter: unix_seconds*1000 + counter%1000, truncated to 32 bits.
// Ids stay roughly ordered and rarely collide across restarts.
type IDGenerator struct {
	mu      sync.Mutex
	counter uint64
	now     func() time.Time
}

// IDsPerSecond is the number of distinct ids Next can return within one
// second of the clock.
const IDsPerSecond = 1000

// NewIDGenerator returns a generator reading the system clock.
func NewIDGenerator() *IDGenerator {
	return NewIDGeneratorWithClock(time.Now)
}

// NewIDGeneratorWithClock returns a generator reading now.
func NewIDGeneratorWithClock(now func() time.Time) *IDGenerator {
	return &IDGenerator{now: now}
}

// Next returns the next id. It never returns 0, which is reserved for
// tunnel-wide control blocks.
func (g *IDGenerator) Next() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		g.counter++
		id := uint32(uint64(g.now().Unix())*IDsPerSecond + g.counter%IDsPerSecond)
		if id != 0 {
			return id
		}
	}
}
