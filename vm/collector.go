package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Collector: periodic collection
// ---------------------------------------------------------------------------

// DefaultGCInterval is the default period of a Collector.
const DefaultGCInterval = 30 * time.Second

// Collector runs full collections of a runtime on a fixed interval, on top
// of the collections triggered by allocation failure. Long-running hosts
// use it to keep heap occupancy and unloaded classes in check.
type Collector struct {
	rt       *Runtime
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle

	sweepCount atomic.Uint64
	lastStats  atomic.Pointer[GCStats]
}

// NewCollector creates a collector for rt. A non-positive interval means
// DefaultGCInterval.
func NewCollector(rt *Runtime, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	c := &Collector{rt: rt, interval: interval}
	c.enabled.Store(true)
	return c
}

// Start begins the collection loop. Calling it again while running is a
// no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	go c.loop(c.stop, c.stopped)
}

// Stop halts the loop and waits for it to exit. Safe to call repeatedly or
// on a collector that never started.
func (c *Collector) Stop() {
	c.mu.Lock()
	stopCh, stoppedCh := c.stop, c.stopped
	c.stop, c.stopped = nil, nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled pauses or resumes periodic collections.
func (c *Collector) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

// IsEnabled reports whether periodic collections run.
func (c *Collector) IsEnabled() bool { return c.enabled.Load() }

// Interval returns the collection period.
func (c *Collector) Interval() time.Duration { return c.interval }

// SweepCount is the number of collections this collector ran.
func (c *Collector) SweepCount() uint64 { return c.sweepCount.Load() }

// LastStats returns the statistics of this collector's latest run, or nil.
func (c *Collector) LastStats() *GCStats { return c.lastStats.Load() }

// SweepNow collects immediately.
func (c *Collector) SweepNow() *GCStats {
	stats := c.rt.GarbageCollection()
	c.sweepCount.Add(1)
	c.lastStats.Store(&stats)
	return &stats
}

func (c *Collector) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if c.enabled.Load() {
				c.SweepNow()
			}
		}
	}
}
