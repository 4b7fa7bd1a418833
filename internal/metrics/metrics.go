// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Verification pipeline metrics
	IncVerification(status string)
	ObserveVerifyDuration(duration time.Duration)
	IncSMTPProbe(outcome string)
	IncDNSCacheHit()
	IncDNSCacheMiss()

	// Credit ledger metrics
	IncCreditDebit(status string) // status: "ok" or "insufficient"

	// Bulk task metrics
	IncTaskFinished(status string) // status: "completed" or "failed"
	SetTaskQueueDepth(depth int64)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
