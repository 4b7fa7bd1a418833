package metrics

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	Verifications         map[string]uint64
	VerifyDurationCount   uint64
	VerifyDurationTotalNs int64
	SMTPProbes            map[string]uint64
	DNSCacheHits          uint64
	DNSCacheMisses        uint64
	CreditDebits          map[string]uint64
	TasksFinished         map[string]uint64
	TaskQueueDepth        int64
}

// InMemoryRecorder stores metrics in memory for tests and the /metrics endpoint.
type InMemoryRecorder struct {
	verifyDurationCount   uint64
	verifyDurationTotalNs int64
	dnsCacheHits          uint64
	dnsCacheMisses        uint64
	taskQueueDepth        int64

	mu            sync.Mutex
	verifications map[string]uint64
	smtpProbes    map[string]uint64
	creditDebits  map[string]uint64
	tasksFinished map[string]uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{
		verifications: make(map[string]uint64),
		smtpProbes:    make(map[string]uint64),
		creditDebits:  make(map[string]uint64),
		tasksFinished: make(map[string]uint64),
	}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Verifications:         maps.Clone(m.verifications),
		VerifyDurationCount:   atomic.LoadUint64(&m.verifyDurationCount),
		VerifyDurationTotalNs: atomic.LoadInt64(&m.verifyDurationTotalNs),
		SMTPProbes:            maps.Clone(m.smtpProbes),
		DNSCacheHits:          atomic.LoadUint64(&m.dnsCacheHits),
		DNSCacheMisses:        atomic.LoadUint64(&m.dnsCacheMisses),
		CreditDebits:          maps.Clone(m.creditDebits),
		TasksFinished:         maps.Clone(m.tasksFinished),
		TaskQueueDepth:        atomic.LoadInt64(&m.taskQueueDepth),
	}
}

// IncVerification increments the verdict counter for status.
func (m *InMemoryRecorder) IncVerification(status string) {
	m.inc(m.verifications, status)
}

// ObserveVerifyDuration records a single verification duration.
func (m *InMemoryRecorder) ObserveVerifyDuration(duration time.Duration) {
	atomic.AddUint64(&m.verifyDurationCount, 1)
	atomic.AddInt64(&m.verifyDurationTotalNs, duration.Nanoseconds())
}

// IncSMTPProbe increments the probe counter for outcome.
func (m *InMemoryRecorder) IncSMTPProbe(outcome string) {
	m.inc(m.smtpProbes, outcome)
}

// IncDNSCacheHit increments DNS cache hit counter.
func (m *InMemoryRecorder) IncDNSCacheHit() {
	atomic.AddUint64(&m.dnsCacheHits, 1)
}

// IncDNSCacheMiss increments DNS cache miss counter.
func (m *InMemoryRecorder) IncDNSCacheMiss() {
	atomic.AddUint64(&m.dnsCacheMisses, 1)
}

// IncCreditDebit increments the debit counter for status.
func (m *InMemoryRecorder) IncCreditDebit(status string) {
	m.inc(m.creditDebits, status)
}

// IncTaskFinished increments the finished task counter for status.
func (m *InMemoryRecorder) IncTaskFinished(status string) {
	m.inc(m.tasksFinished, status)
}

// SetTaskQueueDepth records the current bulk queue depth.
func (m *InMemoryRecorder) SetTaskQueueDepth(depth int64) {
	atomic.StoreInt64(&m.taskQueueDepth, depth)
}

func (m *InMemoryRecorder) inc(counter map[string]uint64, label string) {
	m.mu.Lock()
	counter[label]++
	m.mu.Unlock()
}
