package prober

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailverify/mailverify/internal/metrics"
	"github.com/mailverify/mailverify/internal/model"
)

// fakeMX is a scripted SMTP server reached through net.Pipe.
type fakeMX struct {
	banner string
	handle func(cmd string) string

	mu     sync.Mutex
	dialed []string
	cmds   []string
}

func (f *fakeMX) dial(_ context.Context, _, address string) (net.Conn, error) {
	f.mu.Lock()
	f.dialed = append(f.dialed, address)
	f.mu.Unlock()

	client, server := net.Pipe()
	go f.serve(server)
	return client, nil
}

func (f *fakeMX) serve(server net.Conn) {
	defer func() { _ = server.Close() }()

	banner := f.banner
	if banner == "" {
		banner = "220 mx.example.org ESMTP"
	}
	_, _ = fmt.Fprintf(server, "%s\r\n", banner)

	reader := bufio.NewReader(server)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		f.mu.Lock()
		f.cmds = append(f.cmds, cmd)
		f.mu.Unlock()

		if strings.HasPrefix(cmd, "QUIT") {
			return
		}
		_, _ = fmt.Fprintf(server, "%s\r\n", f.handle(cmd))
	}
}

func (f *fakeMX) dials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dialed...)
}

func (f *fakeMX) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func rcptCommands(cmds []string) []string {
	var out []string
	for _, c := range cmds {
		if strings.HasPrefix(c, "RCPT TO:<") {
			out = append(out, c)
		}
	}
	return out
}

// acceptOnly answers 250 for the given recipient and 550 for anyone else.
func acceptOnly(rcpt string) func(string) string {
	return func(cmd string) string {
		switch {
		case strings.HasPrefix(cmd, "RCPT TO:"):
			if cmd == "RCPT TO:<"+rcpt+">" {
				return "250 2.1.5 OK"
			}
			return "550 5.1.1 User unknown"
		default:
			return "250 OK"
		}
	}
}

func replyRCPT(resp string) func(string) string {
	return func(cmd string) string {
		if strings.HasPrefix(cmd, "RCPT TO:") {
			return resp
		}
		return "250 OK"
	}
}

type noThrottle struct{}

func (noThrottle) Wait(context.Context, string) error { return nil }

func newTestProber(dial Dialer) *Prober {
	return New(Config{
		HeloDomain: "verifier.test",
		MailFrom:   "probe@verifier.test",
		Timeout:    2 * time.Second,
		Backoff:    time.Millisecond,
		Dial:       dial,
		Throttler:  noThrottle{},
	})
}

func TestProbe_Valid(t *testing.T) {
	mx := &fakeMX{handle: acceptOnly("jane@example.org")}
	p := newTestProber(mx.dial)

	res := p.Probe(context.Background(), "jane@example.org", []string{"mx1.example.org"}, Options{})

	assert.Equal(t, model.SMTPValid, res.Outcome)
	assert.Equal(t, 250, res.Code)
	assert.Equal(t, "mx1.example.org", res.Host)
	assert.False(t, res.CatchAll)
	assert.NoError(t, res.Err)
	assert.Len(t, mx.dials(), 2, "mailbox callout plus catch-all callout")
	assert.Equal(t, "mx1.example.org:25", mx.dials()[0])

	cmds := mx.commands()
	require.GreaterOrEqual(t, len(cmds), 3)
	assert.Equal(t, "EHLO verifier.test", cmds[0])
	assert.Equal(t, "MAIL FROM:<probe@verifier.test>", cmds[1])
	assert.Equal(t, "RCPT TO:<jane@example.org>", cmds[2])
	assert.NotContains(t, cmds, "DATA")
	// The server records QUIT after the client has hung up.
	assert.Eventually(t, func() bool {
		return slices.Contains(mx.commands(), "QUIT")
	}, time.Second, time.Millisecond)
}

func TestProbe_Refused(t *testing.T) {
	mx := &fakeMX{handle: replyRCPT("550 5.1.1 No such user")}
	p := newTestProber(mx.dial)

	res := p.Probe(context.Background(), "ghost@example.org", []string{"mx1.example.org", "mx2.example.org"}, Options{})

	assert.Equal(t, model.SMTPRefused, res.Outcome)
	assert.Equal(t, 550, res.Code)
	assert.Contains(t, res.Message, "No such user")
	assert.Len(t, mx.dials(), 1, "a definitive reply ends the probe")
}

func TestProbe_CatchAll(t *testing.T) {
	mx := &fakeMX{handle: replyRCPT("250 OK")}
	p := newTestProber(mx.dial)
	hosts := []string{"mx.catchall.org"}

	res := p.Probe(context.Background(), "anyone@catchall.org", hosts, Options{})
	assert.Equal(t, model.SMTPCatchAll, res.Outcome)
	assert.True(t, res.CatchAll)
	assert.Len(t, mx.dials(), 2)

	rcpts := rcptCommands(mx.commands())
	require.Len(t, rcpts, 2)
	probe := rcpts[1]
	local := strings.TrimSuffix(strings.TrimPrefix(probe, "RCPT TO:<"), "@catchall.org>")
	assert.Len(t, local, catchAllLocalLength)

	// Verdict is cached per domain.
	res = p.Probe(context.Background(), "other@catchall.org", hosts, Options{})
	assert.Equal(t, model.SMTPCatchAll, res.Outcome)
	assert.Len(t, mx.dials(), 3)
}

func TestProbe_SkipCatchAll(t *testing.T) {
	mx := &fakeMX{handle: replyRCPT("250 OK")}
	p := newTestProber(mx.dial)

	res := p.Probe(context.Background(), "jane@gmail.com", []string{"gmail-smtp-in.l.google.com"}, Options{SkipCatchAll: true})

	assert.Equal(t, model.SMTPValid, res.Outcome)
	assert.Len(t, mx.dials(), 1)
}

func TestProbe_FallsBackToNextHost(t *testing.T) {
	mx := &fakeMX{handle: acceptOnly("jane@example.org")}
	var attempts []string
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		attempts = append(attempts, address)
		if strings.HasPrefix(address, "mx1.") {
			return nil, errors.New("connection refused")
		}
		return mx.dial(ctx, network, address)
	}
	p := newTestProber(dial)

	res := p.Probe(context.Background(), "jane@example.org", []string{"mx1.example.org", "mx2.example.org"}, Options{SkipCatchAll: true})

	assert.Equal(t, model.SMTPValid, res.Outcome)
	assert.Equal(t, "mx2.example.org", res.Host)
	assert.Equal(t, []string{"mx1.example.org:25", "mx2.example.org:25"}, attempts)
}

func TestProbe_StopsAfterMaxHosts(t *testing.T) {
	var attempts int
	dial := func(context.Context, string, string) (net.Conn, error) {
		attempts++
		return nil, errors.New("connection refused")
	}
	p := newTestProber(dial)

	res := p.Probe(context.Background(), "jane@example.org", []string{"a", "b", "c"}, Options{})

	assert.Equal(t, model.SMTPUnknown, res.Outcome)
	assert.Error(t, res.Err)
	assert.Equal(t, DefaultMaxHosts, attempts)
}

func TestProbe_BannerRejectedMovesOn(t *testing.T) {
	bad := &fakeMX{banner: "554 No SMTP service here", handle: replyRCPT("250 OK")}
	good := &fakeMX{handle: replyRCPT("250 OK")}
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		if strings.HasPrefix(address, "bad.") {
			return bad.dial(ctx, network, address)
		}
		return good.dial(ctx, network, address)
	}
	p := newTestProber(dial)

	res := p.Probe(context.Background(), "jane@example.org", []string{"bad.example.org", "good.example.org"}, Options{SkipCatchAll: true})

	assert.Equal(t, model.SMTPValid, res.Outcome)
	assert.Equal(t, "good.example.org", res.Host)
}

func TestProbe_GreylistingIsNotRetried(t *testing.T) {
	mx := &fakeMX{handle: replyRCPT("451 4.7.1 Greylisted, try again later")}
	p := newTestProber(mx.dial)

	res := p.Probe(context.Background(), "jane@example.org", []string{"mx1.example.org", "mx2.example.org"}, Options{})

	assert.Equal(t, model.SMTPUnknown, res.Outcome)
	assert.Equal(t, 451, res.Code)
	assert.Len(t, mx.dials(), 1)
}

func TestProbe_HeloFallback(t *testing.T) {
	mx := &fakeMX{handle: func(cmd string) string {
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			return "502 Command not implemented"
		case strings.HasPrefix(cmd, "RCPT TO:"):
			return "250 OK"
		default:
			return "250 OK"
		}
	}}
	p := newTestProber(mx.dial)

	res := p.Probe(context.Background(), "jane@example.org", []string{"mx.example.org"}, Options{SkipCatchAll: true})

	assert.Equal(t, model.SMTPValid, res.Outcome)
	assert.Equal(t, "HELO verifier.test", mx.commands()[1])
}

func TestProbe_NoHosts(t *testing.T) {
	p := newTestProber(func(context.Context, string, string) (net.Conn, error) {
		t.Fatal("dial must not be called")
		return nil, nil
	})

	res := p.Probe(context.Background(), "jane@example.org", nil, Options{})

	assert.Equal(t, model.SMTPUnknown, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrNoHosts)
}

func TestProbe_CancelledContext(t *testing.T) {
	mx := &fakeMX{handle: func(cmd string) string {
		time.Sleep(200 * time.Millisecond)
		return "250 OK"
	}}
	p := newTestProber(mx.dial)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := p.Probe(ctx, "jane@example.org", []string{"mx1.example.org", "mx2.example.org"}, Options{})

	assert.Equal(t, model.SMTPUnknown, res.Outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProbe_RecordsMetric(t *testing.T) {
	rec := metrics.NewInMemory()
	mx := &fakeMX{handle: replyRCPT("550 No such user")}
	p := New(Config{Dial: mx.dial, Throttler: noThrottle{}, Metrics: rec})

	p.Probe(context.Background(), "ghost@example.org", []string{"mx"}, Options{})

	assert.Equal(t, uint64(1), rec.Snapshot().SMTPProbes["refused"])
}

func TestReadResponse_MultiLine(t *testing.T) {
	raw := "250-mx.example.org greets you\r\n250-SIZE 35882577\r\n250 8BITMIME\r\n"
	r, err := readResponse(bufio.NewReader(strings.NewReader(raw)))

	require.NoError(t, err)
	assert.Equal(t, 250, r.code)
	assert.Equal(t, "mx.example.org greets you SIZE 35882577 8BITMIME", r.msg)
}

func TestReadResponse_Malformed(t *testing.T) {
	_, err := readResponse(bufio.NewReader(strings.NewReader("ok\r\n")))
	assert.Error(t, err)

	_, err = readResponse(bufio.NewReader(strings.NewReader("abc hello\r\n")))
	assert.Error(t, err)
}

func TestClassifyRCPT(t *testing.T) {
	tests := []struct {
		code int
		msg  string
		want model.SMTPOutcome
	}{
		{250, "OK", model.SMTPValid},
		{251, "User not local; will forward", model.SMTPValid},
		{452, "Mailbox full", model.SMTPInboxFull},
		{452, "Too many recipients", model.SMTPUnknown},
		{552, "Requested action aborted", model.SMTPInboxFull},
		{422, "Recipient storage", model.SMTPInboxFull},
		{550, "User over quota", model.SMTPInboxFull},
		{554, "Transaction failed", model.SMTPDisabled},
		{550, "Account disabled", model.SMTPDisabled},
		{550, "No such user", model.SMTPRefused},
		{551, "User not local", model.SMTPRefused},
		{553, "Mailbox name not allowed", model.SMTPRefused},
		{521, "", model.SMTPRefused},
		{450, "Mailbox unavailable", model.SMTPUnknown},
		{451, "Account inactive, try later", model.SMTPUnknown},
		{421, "Service not available", model.SMTPUnknown},
		{220, "", model.SMTPUnknown},
		{0, "", model.SMTPUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.code, tt.msg), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRCPT(tt.code, tt.msg))
		})
	}
}

func TestDomainRate(t *testing.T) {
	assert.Equal(t, 10, DomainRate("gmail.com"))
	assert.Equal(t, 10, DomainRate("Outlook.com"))
	assert.Equal(t, 8, DomainRate("yahoo.com"))
	assert.Equal(t, DefaultDomainRate, DomainRate("example.org"))
}

func TestLocalThrottler_RespectsContext(t *testing.T) {
	th := NewLocalThrottler(nil)
	ctx := context.Background()
	for range DomainRate("yahoo.com") {
		require.NoError(t, th.Wait(ctx, "yahoo.com"))
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, th.Wait(cancelled, "yahoo.com"))
}

func TestCappedDomainRate(t *testing.T) {
	assert.Equal(t, 5, CappedDomainRate(5)("gmail.com"))
	assert.Equal(t, 8, CappedDomainRate(50)("yahoo.com"))
	assert.Equal(t, 0, CappedDomainRate(0)("gmail.com"))
}

func TestLocalThrottler_ZeroRateNeverWaits(t *testing.T) {
	th := NewLocalThrottler(CappedDomainRate(0))
	for range 100 {
		require.NoError(t, th.Wait(context.Background(), "gmail.com"))
	}
}

func TestTieredCatchAll_Backfills(t *testing.T) {
	front := NewMemoryCatchAllCache(time.Minute)
	back := NewMemoryCatchAllCache(time.Minute)
	back.SetCatchAll(context.Background(), "example.org", true)

	cache := Tiered{front, back}
	v, ok := cache.GetCatchAll(context.Background(), "example.org")
	require.True(t, ok)
	assert.True(t, v)

	v, ok = front.GetCatchAll(context.Background(), "example.org")
	assert.True(t, ok)
	assert.True(t, v)
}

func TestMemoryCatchAllCache_Expires(t *testing.T) {
	c := NewMemoryCatchAllCache(10 * time.Millisecond)
	c.SetCatchAll(context.Background(), "example.org", false)

	_, ok := c.GetCatchAll(context.Background(), "example.org")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.GetCatchAll(context.Background(), "example.org")
	assert.False(t, ok)
}

func TestRandomLocal(t *testing.T) {
	a, b := randomLocal(), randomLocal()
	assert.Len(t, a, catchAllLocalLength)
	assert.NotEqual(t, a, b)
	for _, c := range a {
		assert.True(t, strings.ContainsRune(catchAllAlphabet, c))
	}
}

func TestJitter_Bounds(t *testing.T) {
	base := 100 * time.Millisecond
	for range 100 {
		d := jitter(base)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestMemoryCatchAllCache_DropsExpired(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatchAllCache(10 * time.Millisecond)
	c.SetCatchAll(ctx, "a.org", true)
	c.SetCatchAll(ctx, "b.org", false)

	v, ok := c.GetCatchAll(ctx, "a.org")
	assert.True(t, ok)
	assert.True(t, v)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.GetCatchAll(ctx, "a.org")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "expired entry removed on read")

	c.SetCatchAll(ctx, "c.org", true)
	assert.Equal(t, 1, c.Len(), "sweep on write removes the rest")
}
