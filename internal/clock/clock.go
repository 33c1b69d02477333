package clock

import (
	"sync"
	"time"
)

// Clock returns the current time as epoch milliseconds.
type Clock interface {
	NowMillis() int64
}

// System reads the wall clock.
type System struct{}

func (System) NowMillis() int64 { return time.Now().UnixMilli() }

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now int64
}

func NewManual(start int64) *Manual {
	return &Manual{now: start}
}

func (m *Manual) NowMillis() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to an absolute epoch millisecond value.
func (m *Manual) Set(ms int64) {
	m.mu.Lock()
	m.now = ms
	m.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new reading.
func (m *Manual) Advance(d time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += d.Milliseconds()
	return m.now
}
