package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailverify/mailverify/internal/metrics"
	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/prober"
	"github.com/mailverify/mailverify/internal/resolver"
)

type fakeResolver struct {
	results map[string]resolver.Result
	calls   atomic.Int32
}

func (f *fakeResolver) Lookup(_ context.Context, domain string) resolver.Result {
	f.calls.Add(1)
	if r, ok := f.results[domain]; ok {
		return r
	}
	return resolver.Result{Status: resolver.StatusNone}
}

type fakeProber struct {
	result   prober.Result
	panicMsg string
	calls    atomic.Int32
	lastOpts prober.Options
}

func (f *fakeProber) Probe(_ context.Context, _ string, hosts []string, opts prober.Options) prober.Result {
	f.calls.Add(1)
	f.lastOpts = opts
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	res := f.result
	if res.Host == "" && len(hosts) > 0 {
		res.Host = hosts[0]
	}
	return res
}

func mxFound(hosts ...string) resolver.Result {
	return resolver.Result{Hosts: hosts, Status: resolver.StatusFound}
}

func newTestPipeline(r *fakeResolver, p *fakeProber) *Pipeline {
	return New(r, p, nil, nil)
}

func TestVerify_SyntaxShortCircuit(t *testing.T) {
	r := &fakeResolver{}
	p := &fakeProber{}
	pl := newTestPipeline(r, p)

	for _, addr := range []string{"", "not-an-email", "a@@b.com", "user@domain..com"} {
		res := pl.Verify(context.Background(), addr)
		assert.Equal(t, model.StatusInvalid, res.Status, addr)
		assert.False(t, res.SyntaxValid)
		assert.False(t, res.IsValid)
		assert.Equal(t, model.SMTPNotChecked, res.SMTPOutcome)
		assert.NotEmpty(t, res.Reason)
	}

	assert.Zero(t, r.calls.Load(), "no DNS lookup for invalid syntax")
	assert.Zero(t, p.calls.Load(), "no SMTP probe for invalid syntax")
}

func TestVerify_ValidMailbox(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{
		"validdomain.com": mxFound("mx.validdomain.com"),
	}}
	p := &fakeProber{result: prober.Result{Outcome: model.SMTPValid, Code: 250}}
	rec := metrics.NewInMemory()
	pl := New(r, p, rec, nil)

	res := pl.Verify(context.Background(), "user@validdomain.com")

	assert.Equal(t, model.StatusValid, res.Status)
	assert.True(t, res.IsValid)
	assert.True(t, res.SyntaxValid)
	assert.Equal(t, model.True, res.MXValid)
	assert.Equal(t, model.SMTPValid, res.SMTPOutcome)
	assert.Equal(t, 250, res.SMTPCode)
	assert.Equal(t, "mx.validdomain.com", res.MXHost)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, "A", res.Grade)
	assert.False(t, p.lastOpts.SkipCatchAll)

	snap := rec.Snapshot()
	assert.Equal(t, uint64(1), snap.Verifications["valid"])
	assert.Equal(t, uint64(1), snap.VerifyDurationCount)
}

func TestVerify_Disposable(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{
		"mailinator.com": mxFound("mail.mailinator.com"),
	}}
	p := &fakeProber{result: prober.Result{Outcome: model.SMTPRefused, Code: 550}}
	pl := newTestPipeline(r, p)

	res := pl.Verify(context.Background(), "test@mailinator.com")

	assert.Equal(t, model.StatusDisposable, res.Status)
	assert.True(t, res.IsDisposable)
	assert.False(t, res.IsValid)
	assert.Zero(t, p.calls.Load(), "disposable verdict does not depend on SMTP")
}

func TestVerify_RoleAccountStaysValid(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{"company.io": mxFound("mx.company.io")}}
	p := &fakeProber{result: prober.Result{Outcome: model.SMTPValid, Code: 250}}
	pl := newTestPipeline(r, p)

	res := pl.Verify(context.Background(), "support@company.io")

	assert.Equal(t, model.StatusValid, res.Status)
	assert.True(t, res.IsRoleAccount)
	assert.True(t, res.IsValid)
}

func TestVerify_SMTPOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		outcome model.SMTPOutcome
		want    model.Status
	}{
		{"refused", model.SMTPRefused, model.StatusInvalid},
		{"inbox full", model.SMTPInboxFull, model.StatusInboxFull},
		{"disabled", model.SMTPDisabled, model.StatusDisabled},
		{"catch all", model.SMTPCatchAll, model.StatusCatchAll},
		{"unknown", model.SMTPUnknown, model.StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeResolver{results: map[string]resolver.Result{"example.org": mxFound("mx.example.org")}}
			p := &fakeProber{result: prober.Result{Outcome: tt.outcome, CatchAll: tt.outcome == model.SMTPCatchAll}}
			res := newTestPipeline(r, p).Verify(context.Background(), "jane@example.org")

			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.outcome, res.SMTPOutcome)
			assert.False(t, res.IsValid)
		})
	}
}

func TestVerify_TrustedProviderFallsBackToMX(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{
		"gmail.com": mxFound("gmail-smtp-in.l.google.com"),
	}}
	p := &fakeProber{result: prober.Result{Outcome: model.SMTPUnknown, Err: errors.New("i/o timeout")}}

	res := newTestPipeline(r, p).Verify(context.Background(), "jane.doe@gmail.com")

	assert.Equal(t, model.StatusValid, res.Status)
	assert.True(t, res.IsValid)
	assert.Equal(t, model.SMTPUnknown, res.SMTPOutcome)
	assert.Equal(t, model.True, res.MXValid)
	assert.Contains(t, res.Reason, "trusted provider")
}

func TestVerify_TrustedProviderRefusalStands(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{
		"outlook.com": mxFound("outlook-com.olc.protection.outlook.com"),
	}}
	p := &fakeProber{result: prober.Result{Outcome: model.SMTPRefused, Code: 550, Message: "5.1.1 unknown"}}

	res := newTestPipeline(r, p).Verify(context.Background(), "ghost@outlook.com")

	assert.Equal(t, model.StatusInvalid, res.Status)
}

func TestVerify_TrustedProviderNeedsMX(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{"yahoo.com": {Status: resolver.StatusUnknown}}}
	res := newTestPipeline(r, &fakeProber{}).Verify(context.Background(), "jane@yahoo.com")

	assert.Equal(t, model.StatusUnknown, res.Status)
}

func TestVerify_NoMX(t *testing.T) {
	p := &fakeProber{}
	pl := newTestPipeline(&fakeResolver{}, p)

	res := pl.Verify(context.Background(), "jane@nomail.org")

	assert.Equal(t, model.StatusInvalid, res.Status)
	assert.Equal(t, model.False, res.MXValid)
	assert.Zero(t, p.calls.Load())
}

func TestVerify_DNSUnknownDegrades(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{"flaky.org": {Status: resolver.StatusUnknown}}}
	p := &fakeProber{}
	pl := newTestPipeline(r, p)

	res := pl.Verify(context.Background(), "jane@flaky.org")

	assert.Equal(t, model.StatusUnknown, res.Status)
	assert.Equal(t, model.Undetermined, res.MXValid)
	assert.Equal(t, model.SMTPUnknown, res.SMTPOutcome)
	assert.Zero(t, p.calls.Load())
}

func TestVerify_FallbackAHost(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{
		"bare.org": {Hosts: []string{"bare.org"}, Status: resolver.StatusFallbackA},
	}}
	p := &fakeProber{result: prober.Result{Outcome: model.SMTPValid, Code: 250}}
	res := newTestPipeline(r, p).Verify(context.Background(), "jane@bare.org")

	assert.Equal(t, model.StatusValid, res.Status)
	assert.Equal(t, "bare.org", res.MXHost)
}

func TestVerify_Blacklisted(t *testing.T) {
	r := &fakeResolver{}
	pl := newTestPipeline(r, &fakeProber{})

	res := pl.Verify(context.Background(), "jane@mailer-daemon.local")

	// .local has a valid TLD shape, so only the blacklist can stop it.
	require.True(t, res.SyntaxValid)
	assert.Equal(t, model.StatusInvalid, res.Status)
	assert.True(t, res.IsBlacklisted)
	assert.Zero(t, r.calls.Load())
}

func TestVerify_SpamTrapIsRisky(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{"company.com": mxFound("mx.company.com")}}
	p := &fakeProber{result: prober.Result{Outcome: model.SMTPValid}}
	res := newTestPipeline(r, p).Verify(context.Background(), "honeypot@company.com")

	assert.Equal(t, model.StatusRisky, res.Status)
	assert.True(t, res.IsSpamTrap)
	assert.Zero(t, p.calls.Load())
}

func TestVerify_FreeProviderSkipsCatchAll(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{"gmail.com": mxFound("gmail-smtp-in.l.google.com")}}
	p := &fakeProber{result: prober.Result{Outcome: model.SMTPValid}}
	res := newTestPipeline(r, p).Verify(context.Background(), "jane@gmail.com")

	assert.True(t, res.IsFreeProvider)
	assert.True(t, p.lastOpts.SkipCatchAll)
}

func TestVerify_PanicIsRecovered(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{"example.org": mxFound("mx.example.org")}}
	p := &fakeProber{panicMsg: "boom"}
	pl := newTestPipeline(r, p)

	res := pl.Verify(context.Background(), "jane@example.org")

	assert.Equal(t, model.StatusUnknown, res.Status)
	assert.Equal(t, "boom", res.Error)
	assert.False(t, res.IsValid)
}

func TestVerify_Idempotent(t *testing.T) {
	r := &fakeResolver{results: map[string]resolver.Result{"example.org": mxFound("mx.example.org")}}
	p := &fakeProber{result: prober.Result{Outcome: model.SMTPValid, Code: 250}}
	pl := newTestPipeline(r, p)

	first := pl.Verify(context.Background(), "Jane@Example.org")
	second := pl.Verify(context.Background(), " jane@example.org ")

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Email, second.Email)
	assert.Equal(t, first.Score, second.Score)
}

func TestScoreAndGrade(t *testing.T) {
	res := &model.VerificationResult{
		SyntaxValid: true,
		MXValid:     model.True,
		SMTPOutcome: model.SMTPCatchAll,
	}
	assert.Equal(t, 81, Score(res))
	assert.Equal(t, "B", Grade(Score(res)))

	res = &model.VerificationResult{SMTPOutcome: model.SMTPDisabled, IsDisposable: true, IsRoleAccount: true, IsBlacklisted: true}
	assert.Equal(t, 0, Score(res))
	assert.Equal(t, "F", Grade(0))
}
