package bus

import (
	"sync"
	"time"

	"github.com/bombworks/eventgrid/internal/core/ports"
)

// metricsWindow bounds how far back rolling counters are kept.
const metricsWindow = 5 * time.Minute

type counterSet struct {
	published uint64
	delivered uint64
	failed    uint64
	filtered  uint64
}

// rollingMetrics keeps per-second counter buckets in a ring so rates can be
// computed over an arbitrary trailing window without external I/O.
type rollingMetrics struct {
	mu      sync.Mutex
	buckets []counterSet
	stamps  []int64 // unix second recorded in each bucket
	totals  counterSet
	now     func() time.Time
}

func newRollingMetrics() *rollingMetrics {
	size := int(metricsWindow / time.Second)
	return &rollingMetrics{
		buckets: make([]counterSet, size),
		stamps:  make([]int64, size),
		now:     time.Now,
	}
}

// bucketFor returns the ring bucket for the current second, zeroing it if it
// last recorded a different second.
func (m *rollingMetrics) bucketFor(sec int64) *counterSet {
	idx := int(sec % int64(len(m.buckets)))
	if m.stamps[idx] != sec {
		m.buckets[idx] = counterSet{}
		m.stamps[idx] = sec
	}
	return &m.buckets[idx]
}

func (m *rollingMetrics) incPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketFor(m.now().Unix()).published++
	m.totals.published++
}

func (m *rollingMetrics) incDelivered(n uint64) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketFor(m.now().Unix()).delivered += n
	m.totals.delivered += n
}

func (m *rollingMetrics) incFailed(n uint64) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketFor(m.now().Unix()).failed += n
	m.totals.failed += n
}

func (m *rollingMetrics) incFiltered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketFor(m.now().Unix()).filtered++
	m.totals.filtered++
}

// snapshot computes rates over the trailing window, capped at the ring size.
func (m *rollingMetrics) snapshot(window time.Duration, queueDepth int) ports.BusMetrics {
	if window <= 0 || window > metricsWindow {
		window = metricsWindow
	}
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nowSec := m.now().Unix()
	var win counterSet
	for sec := nowSec - seconds + 1; sec <= nowSec; sec++ {
		idx := int(sec % int64(len(m.buckets)))
		if m.stamps[idx] == sec {
			win.published += m.buckets[idx].published
			win.delivered += m.buckets[idx].delivered
			win.failed += m.buckets[idx].failed
			win.filtered += m.buckets[idx].filtered
		}
	}

	result := ports.BusMetrics{
		Published:    m.totals.published,
		Delivered:    m.totals.delivered,
		Failed:       m.totals.failed,
		Filtered:     m.totals.filtered,
		EventsPerSec: float64(win.published) / float64(seconds),
		QueueDepth:   queueDepth,
	}

	attempts := win.delivered + win.failed
	if attempts > 0 {
		result.ErrorRate = float64(win.failed) / float64(attempts)
	}
	return result
}
