package prober

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultDomainRate is the callouts-per-second allowance for domains not
// listed in domainRates.
const DefaultDomainRate = 20

var domainRates = map[string]int{
	"gmail.com":      10,
	"googlemail.com": 10,
	"outlook.com":    10,
	"hotmail.com":    10,
	"live.com":       10,
	"msn.com":        10,
	"yahoo.com":      8,
	"aol.com":        8,
	"icloud.com":     8,
	"me.com":         8,
}

// DomainRate returns the callouts-per-second allowance for a recipient domain.
func DomainRate(domain string) int {
	if r, ok := domainRates[strings.ToLower(domain)]; ok {
		return r
	}
	return DefaultDomainRate
}

// CappedDomainRate returns DomainRate limited to limit callouts per
// second. A limit of zero or less disables throttling.
func CappedDomainRate(limit int) func(domain string) int {
	return func(domain string) int {
		if limit <= 0 {
			return 0
		}
		return min(DomainRate(domain), limit)
	}
}

// Throttler blocks until a callout to domain is allowed or ctx is done.
type Throttler interface {
	Wait(ctx context.Context, domain string) error
}

// LocalThrottler is an in-process per-domain token bucket. It is used when
// no shared Redis throttle is configured.
type LocalThrottler struct {
	rate     func(domain string) int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalThrottler creates a LocalThrottler allowing perSecond(domain)
// callouts per second. A nil perSecond uses DomainRate.
func NewLocalThrottler(perSecond func(domain string) int) *LocalThrottler {
	if perSecond == nil {
		perSecond = DomainRate
	}
	return &LocalThrottler{rate: perSecond, limiters: make(map[string]*rate.Limiter)}
}

// Wait implements Throttler.
func (t *LocalThrottler) Wait(ctx context.Context, domain string) error {
	l := t.limiter(domain)
	if l == nil {
		return ctx.Err()
	}
	return l.Wait(ctx)
}

func (t *LocalThrottler) limiter(domain string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters[domain]
	if !ok {
		if perSecond := t.rate(domain); perSecond > 0 {
			l = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		}
		t.limiters[domain] = l
	}
	return l
}
