// Package prober performs SMTP mailbox callouts (RCPT TO without DATA)
// against a domain's mail exchangers, with catch-all detection and
// per-domain throttling.
package prober

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	mrand "math/rand"
	"net"
	"strings"
	"time"

	"github.com/mailverify/mailverify/internal/metrics"
	"github.com/mailverify/mailverify/internal/model"
)

// Defaults.
const (
	DefaultPort           = "25"
	DefaultConnectTimeout = 5 * time.Second
	DefaultTimeout        = 10 * time.Second
	DefaultMaxHosts       = 2
	DefaultBackoff        = 250 * time.Millisecond

	// JitterFactor is the ±fraction applied to the backoff between hosts.
	JitterFactor = 0.2

	catchAllLocalLength = 20
	catchAllAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrNoHosts is reported when Probe is called without mail hosts.
var ErrNoHosts = errors.New("no mail hosts")

// Config configures a Prober.
type Config struct {
	HeloDomain     string
	MailFrom       string
	Port           string
	ConnectTimeout time.Duration
	// Timeout bounds a whole SMTP conversation after connect.
	Timeout  time.Duration
	MaxHosts int
	Backoff  time.Duration

	Dial      Dialer
	Throttler Throttler
	CatchAll  CatchAllCache
	Metrics   metrics.Recorder
	Logger    *slog.Logger
}

// Options tune a single probe.
type Options struct {
	// SkipCatchAll disables the random-address probe. Set for free
	// providers, which never accept arbitrary recipients.
	SkipCatchAll bool
}

// Result is the outcome of probing one address.
type Result struct {
	Outcome  model.SMTPOutcome
	Code     int
	Message  string
	CatchAll bool
	Host     string
	// Err is the last connection-level error when no host answered RCPT.
	Err error
}

// Prober runs mailbox callouts. It is safe for concurrent use.
type Prober struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Prober, filling unset fields with defaults.
func New(cfg Config) *Prober {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxHosts <= 0 {
		cfg.MaxHosts = DefaultMaxHosts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	if cfg.Throttler == nil {
		cfg.Throttler = NewLocalThrottler(nil)
	}
	if cfg.CatchAll == nil {
		cfg.CatchAll = NewMemoryCatchAllCache(DefaultCatchAllTTL)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoop()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{cfg: cfg, logger: logger.With("component", "prober")}
}

// Probe checks whether hosts accept mail for address. Connection-level
// failures move on to the next host; any RCPT reply ends the probe.
func (p *Prober) Probe(ctx context.Context, address string, hosts []string, opts Options) Result {
	res := p.probe(ctx, address, hosts, opts)
	p.cfg.Metrics.IncSMTPProbe(res.Outcome.String())
	return res
}

func (p *Prober) probe(ctx context.Context, address string, hosts []string, opts Options) Result {
	if len(hosts) == 0 {
		return Result{Outcome: model.SMTPUnknown, Err: ErrNoHosts}
	}
	domain := domainOf(address)

	limit := min(p.cfg.MaxHosts, len(hosts))
	var lastErr error
	for i := 0; i < limit; i++ {
		if i > 0 {
			if err := sleep(ctx, jitter(p.cfg.Backoff)); err != nil {
				return Result{Outcome: model.SMTPUnknown, Err: err}
			}
		}
		if err := p.cfg.Throttler.Wait(ctx, domain); err != nil {
			return Result{Outcome: model.SMTPUnknown, Err: err}
		}

		host := hosts[i]
		r, err := p.callout(ctx, host, address)
		if err != nil {
			p.logger.Debug("callout failed", "host", host, "error", err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		res := Result{
			Outcome: ClassifyRCPT(r.code, r.msg),
			Code:    r.code,
			Message: r.msg,
			Host:    host,
		}
		if res.Outcome == model.SMTPValid && !opts.SkipCatchAll && p.isCatchAll(ctx, domain, host) {
			res.Outcome = model.SMTPCatchAll
			res.CatchAll = true
		}
		return res
	}

	return Result{Outcome: model.SMTPUnknown, Err: lastErr}
}

// isCatchAll probes a random local part on a fresh connection. Only a
// completed probe is cached; connection failures leave the verdict open.
func (p *Prober) isCatchAll(ctx context.Context, domain, host string) bool {
	if v, ok := p.cfg.CatchAll.GetCatchAll(ctx, domain); ok {
		return v
	}
	if err := p.cfg.Throttler.Wait(ctx, domain); err != nil {
		return false
	}

	r, err := p.callout(ctx, host, randomLocal()+"@"+domain)
	if err != nil {
		p.logger.Debug("catch-all callout failed", "host", host, "error", err)
		return false
	}
	catchAll := ClassifyRCPT(r.code, r.msg) == model.SMTPValid
	p.cfg.CatchAll.SetCatchAll(ctx, domain, catchAll)
	return catchAll
}

func domainOf(address string) string {
	if at := strings.LastIndexByte(address, '@'); at >= 0 {
		return address[at+1:]
	}
	return address
}

func randomLocal() string {
	var b strings.Builder
	b.Grow(catchAllLocalLength)
	size := big.NewInt(int64(len(catchAllAlphabet)))
	for range catchAllLocalLength {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			n = big.NewInt(mrand.Int63n(size.Int64()))
		}
		b.WriteByte(catchAllAlphabet[n.Int64()])
	}
	return b.String()
}

// jitter applies ±JitterFactor to base.
func jitter(base time.Duration) time.Duration {
	spread := float64(base) * JitterFactor
	return time.Duration(float64(base) + (mrand.Float64()*2-1)*spread)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
