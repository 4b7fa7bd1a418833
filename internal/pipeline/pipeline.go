// Package pipeline sequences the classifier, the domain resolver and the
// mailbox prober into one verdict per address.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mailverify/mailverify/internal/classifier"
	"github.com/mailverify/mailverify/internal/metrics"
	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/prober"
	"github.com/mailverify/mailverify/internal/resolver"
)

// Resolver looks up the mail hosts of a domain.
type Resolver interface {
	Lookup(ctx context.Context, domain string) resolver.Result
}

// Prober runs a mailbox callout.
type Prober interface {
	Probe(ctx context.Context, address string, hosts []string, opts prober.Options) prober.Result
}

// Verifier is the contract consumed by the HTTP layer and the bulk runner.
type Verifier interface {
	Verify(ctx context.Context, address string) model.VerificationResult
}

// Pipeline verifies addresses. It is safe for concurrent use.
type Pipeline struct {
	resolver Resolver
	prober   Prober
	metrics  metrics.Recorder
	logger   *slog.Logger
	stages   []stage
}

// New creates a Pipeline.
func New(r Resolver, p Prober, m metrics.Recorder, logger *slog.Logger) *Pipeline {
	if m == nil {
		m = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	pl := &Pipeline{
		resolver: r,
		prober:   p,
		metrics:  m,
		logger:   logger.With("component", "pipeline"),
	}
	pl.stages = []stage{
		{"syntax", checkSyntax},
		{"classify", classify},
		{"blacklist", checkBlacklist},
		{"mx", pl.resolveMX},
		{"smtp", pl.probeMailbox},
	}
	return pl
}

// decision is what a stage returns: continue, or stop with a status.
type decision struct {
	terminal bool
	status   model.Status
}

var next = decision{}

func stop(status model.Status) decision {
	return decision{terminal: true, status: status}
}

type stage struct {
	name string
	run  func(ctx context.Context, st *state) decision
}

// state is the scratch space shared by the stages of one verification.
type state struct {
	res     *model.VerificationResult
	local   string
	domain  string
	hosts   []string
	trusted bool
}

// Verify runs every stage for address. It never fails; errors degrade the
// verdict to unknown and are recorded on the result.
func (p *Pipeline) Verify(ctx context.Context, address string) (res model.VerificationResult) {
	start := time.Now()
	res = model.VerificationResult{
		Email:       classifier.Normalize(address),
		MXValid:     model.Undetermined,
		SMTPOutcome: model.SMTPNotChecked,
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("verification panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res.Status = model.StatusUnknown
			res.Error = fmt.Sprint(r)
		}
		res.IsValid = res.SafeToSend()
		res.Score = Score(&res)
		res.Grade = Grade(res.Score)
		res.TimeTaken = time.Since(start)

		p.metrics.IncVerification(res.Status.String())
		p.metrics.ObserveVerifyDuration(res.TimeTaken)
	}()

	st := &state{res: &res}
	for _, s := range p.stages {
		if d := s.run(ctx, st); d.terminal {
			res.Status = d.status
			p.logger.Debug("verification short-circuited", "stage", s.name, "status", d.status)
			return res
		}
	}
	res.Status = finalStatus(st)
	return res
}

func checkSyntax(_ context.Context, st *state) decision {
	local, domain, err := classifier.CheckSyntax(st.res.Email)
	if err != nil {
		st.res.Reason = err.Error()
		return stop(model.StatusInvalid)
	}
	st.res.SyntaxValid = true
	st.local, st.domain = local, domain
	return next
}

func classify(_ context.Context, st *state) decision {
	flags := classifier.Classify(st.local, st.domain)
	st.res.IsDisposable = flags.Disposable
	st.res.IsRoleAccount = flags.Role
	st.res.IsFreeProvider = flags.FreeProvider
	st.res.IsSpamTrap = flags.SpamTrap
	st.res.IsBlacklisted = flags.Blacklisted
	st.trusted = flags.TrustedProvider
	return next
}

func checkBlacklist(_ context.Context, st *state) decision {
	if st.res.IsBlacklisted {
		st.res.Reason = "domain is blacklisted"
		return stop(model.StatusInvalid)
	}
	return next
}

func (p *Pipeline) resolveMX(ctx context.Context, st *state) decision {
	mx := p.resolver.Lookup(ctx, st.domain)
	switch mx.Status {
	case resolver.StatusFound, resolver.StatusFallbackA:
		st.res.MXValid = model.True
		st.hosts = mx.Hosts
		st.res.MXHost = mx.Hosts[0]
	case resolver.StatusNone:
		st.res.MXValid = model.False
		st.res.Reason = "domain has no mail exchanger"
		return stop(model.StatusInvalid)
	default:
		// DNS flakiness is not proof of invalidity.
		st.res.MXValid = model.Undetermined
	}
	return next
}

func (p *Pipeline) probeMailbox(ctx context.Context, st *state) decision {
	// Disposable and trap addresses get their verdict without touching the
	// mail server.
	if st.res.IsDisposable || st.res.IsSpamTrap {
		return next
	}
	if len(st.hosts) == 0 {
		st.res.SMTPOutcome = model.SMTPUnknown
		st.res.Reason = "mail exchanger could not be resolved"
		return next
	}

	address := st.local + "@" + st.domain
	pr := p.prober.Probe(ctx, address, st.hosts, prober.Options{SkipCatchAll: st.res.IsFreeProvider})
	st.res.SMTPOutcome = pr.Outcome
	st.res.SMTPCode = pr.Code
	st.res.IsCatchAll = pr.CatchAll
	if pr.Host != "" {
		st.res.MXHost = pr.Host
	}
	if pr.Err != nil {
		st.res.Reason = pr.Err.Error()
	}

	switch pr.Outcome {
	case model.SMTPRefused:
		st.res.Reason = pr.Message
		return stop(model.StatusInvalid)
	case model.SMTPInboxFull:
		st.res.Reason = pr.Message
		return stop(model.StatusInboxFull)
	case model.SMTPDisabled:
		st.res.Reason = pr.Message
		return stop(model.StatusDisabled)
	}
	return next
}

// finalStatus assigns the verdict when no stage was terminal. A trusted
// provider with a resolvable MX is valid unless the callout refused it.
func finalStatus(st *state) model.Status {
	res := st.res
	switch {
	case res.IsDisposable:
		return model.StatusDisposable
	case res.IsSpamTrap:
		return model.StatusRisky
	case res.SMTPOutcome == model.SMTPCatchAll:
		return model.StatusCatchAll
	case res.SMTPOutcome == model.SMTPValid:
		return model.StatusValid
	case res.SMTPOutcome == model.SMTPUnknown && res.MXValid == model.True && st.trusted:
		res.Reason = "trusted provider, callout inconclusive"
		return model.StatusValid
	default:
		return model.StatusUnknown
	}
}
