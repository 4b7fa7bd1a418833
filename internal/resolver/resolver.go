// Package resolver provides cached MX resolution with an A/AAAA fallback.
// Concurrent lookups for the same domain are deduplicated and every DNS
// query carries its own timeout.
package resolver

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mailverify/mailverify/internal/metrics"
)

// Defaults.
const (
	DefaultTimeout     = 3 * time.Second
	DefaultCacheTTL    = 5 * time.Minute
	DefaultNegativeTTL = time.Minute
)

// Status is the outcome of resolving a domain's mail hosts.
type Status uint8

const (
	// StatusUnknown means DNS could not answer (timeout, SERVFAIL).
	StatusUnknown Status = iota
	// StatusFound means at least one usable MX record exists.
	StatusFound
	// StatusFallbackA means no MX exists but the domain has an address record.
	StatusFallbackA
	// StatusNone means the domain cannot receive mail.
	StatusNone
)

// String returns a short name for logs.
func (s Status) String() string {
	switch s {
	case StatusFound:
		return "mx"
	case StatusFallbackA:
		return "a_fallback"
	case StatusNone:
		return "none"
	default:
		return "unknown"
	}
}

// Result is the resolution of one domain.
type Result struct {
	// Hosts are mail exchangers in preference order.
	Hosts  []string
	Status Status
}

// DNS is the subset of net.Resolver used here. Injectable for testing.
type DNS interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Config configures a Resolver.
type Config struct {
	Timeout     time.Duration
	CacheTTL    time.Duration
	NegativeTTL time.Duration // TTL for StatusUnknown results
	DNS         DNS
	Metrics     metrics.Recorder
}

// Resolver is a thread-safe caching MX resolver.
type Resolver struct {
	cfg   Config
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
	swept   time.Time
}

type entry struct {
	result  Result
	expires time.Time
}

// New creates a Resolver, filling unset fields with defaults.
func New(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	if cfg.DNS == nil {
		cfg.DNS = net.DefaultResolver
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoop()
	}
	return &Resolver{
		cfg:     cfg,
		entries: make(map[string]entry),
		swept:   time.Now(),
	}
}

// Lookup resolves the mail hosts of domain, using the cache when possible.
// It never returns an error; DNS failures surface as StatusUnknown.
//
// Concurrent callers share one lookup. The lookup is detached from every
// caller, so a caller that gives up gets StatusUnknown without failing the
// others.
func (r *Resolver) Lookup(ctx context.Context, domain string) Result {
	if res, ok := r.cached(domain); ok {
		r.cfg.Metrics.IncDNSCacheHit()
		return res
	}
	if ctx.Err() != nil {
		return Result{Status: StatusUnknown}
	}

	ch := r.group.DoChan(domain, func() (any, error) {
		r.cfg.Metrics.IncDNSCacheMiss()
		res := r.resolve(context.WithoutCancel(ctx), domain)
		r.store(domain, res)
		return res, nil
	})
	select {
	case out := <-ch:
		return copyResult(out.Val.(Result))
	case <-ctx.Done():
		return Result{Status: StatusUnknown}
	}
}

// Len returns the number of cached domains.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Resolver) cached(domain string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[domain]
	if !ok {
		return Result{}, false
	}
	if !time.Now().Before(e.expires) {
		delete(r.entries, domain)
		return Result{}, false
	}
	return copyResult(e.result), true
}

// store caches res and drops expired entries at most once per TTL.
func (r *Resolver) store(domain string, res Result) {
	ttl := r.cfg.CacheTTL
	if res.Status == StatusUnknown {
		ttl = r.cfg.NegativeTTL
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[domain] = entry{result: res, expires: now.Add(ttl)}

	if now.Sub(r.swept) < min(r.cfg.CacheTTL, r.cfg.NegativeTTL) {
		return
	}
	r.swept = now
	for d, e := range r.entries {
		if !now.Before(e.expires) {
			delete(r.entries, d)
		}
	}
}

func (r *Resolver) resolve(ctx context.Context, domain string) Result {
	mxCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	records, err := r.cfg.DNS.LookupMX(mxCtx, domain)
	cancel()

	if err != nil && !isNotFound(err) {
		return Result{Status: StatusUnknown}
	}

	hosts := mxHosts(records)
	if len(hosts) > 0 {
		return Result{Hosts: hosts, Status: StatusFound}
	}
	// RFC 7505 null MX: the domain explicitly accepts no mail.
	if len(records) > 0 {
		return Result{Status: StatusNone}
	}

	aCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	addrs, err := r.cfg.DNS.LookupHost(aCtx, domain)
	switch {
	case err == nil && len(addrs) > 0:
		return Result{Hosts: []string{domain}, Status: StatusFallbackA}
	case err == nil || isNotFound(err):
		return Result{Status: StatusNone}
	default:
		return Result{Status: StatusUnknown}
	}
}

// mxHosts sorts records by preference and drops null MX entries.
func mxHosts(records []*net.MX) []string {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b *net.MX) int {
		return int(a.Pref) - int(b.Pref)
	})

	hosts := make([]string, 0, len(sorted))
	for _, mx := range sorted {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
	}
	return hosts
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}

func copyResult(r Result) Result {
	return Result{Hosts: slices.Clone(r.Hosts), Status: r.Status}
}
