package capture

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// WallClock reports wall time in seconds. Live captures are windowed against it.
type WallClock struct {
	clock clockwork.Clock
}

func NewWallClock(clock clockwork.Clock) WallClock {
	return WallClock{clock: clock}
}

func (w WallClock) Now() float64 {
	return float64(w.clock.Now().UnixNano()) / 1e9
}

// ReplayClock tracks replay time: the timestamp of the last replayed packet,
// advanced by wall time elapsed since then multiplied by the replay speed.
// Windowing replayed traffic against it keeps historical timestamps
// comparable, and it keeps advancing after the replay ends so buffers drain.
type ReplayClock struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	speed   float64
	last    float64
	wallAt  time.Time
	started bool
}

func NewReplayClock(clock clockwork.Clock, speed float64) *ReplayClock {
	return &ReplayClock{clock: clock, speed: speed}
}

// Observe records the timestamp of a packet that was just replayed
func (c *ReplayClock) Observe(ts float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = ts
	c.wallAt = c.clock.Now()
	c.started = true
}

// Now returns the current replay time, or 0 before the first packet
func (c *ReplayClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return 0
	}
	return c.last + c.clock.Since(c.wallAt).Seconds()*c.speed
}
