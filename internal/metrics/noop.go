package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncVerification is a no-op.
func (n *NoopRecorder) IncVerification(status string) {}

// ObserveVerifyDuration is a no-op.
func (n *NoopRecorder) ObserveVerifyDuration(duration time.Duration) {}

// IncSMTPProbe is a no-op.
func (n *NoopRecorder) IncSMTPProbe(outcome string) {}

// IncDNSCacheHit is a no-op.
func (n *NoopRecorder) IncDNSCacheHit() {}

// IncDNSCacheMiss is a no-op.
func (n *NoopRecorder) IncDNSCacheMiss() {}

// IncCreditDebit is a no-op.
func (n *NoopRecorder) IncCreditDebit(status string) {}

// IncTaskFinished is a no-op.
func (n *NoopRecorder) IncTaskFinished(status string) {}

// SetTaskQueueDepth is a no-op.
func (n *NoopRecorder) SetTaskQueueDepth(depth int64) {}
