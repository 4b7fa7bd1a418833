package prober

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Dialer opens a TCP connection. Injectable for testing.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Connection-level failures. Any of these moves the probe to the next MX host.
var (
	ErrBannerRejected = errors.New("server rejected connection")
	ErrHeloRejected   = errors.New("HELO rejected")
	ErrSenderRejected = errors.New("MAIL FROM rejected")
)

// reply is a parsed SMTP response.
type reply struct {
	code int
	msg  string
}

// session is one SMTP conversation over a fresh connection.
type session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// callout runs banner, EHLO, MAIL FROM and RCPT TO against host and returns
// the RCPT reply. The connection is always closed; no DATA is ever sent.
func (p *Prober) callout(ctx context.Context, host, rcpt string) (reply, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	address := net.JoinHostPort(host, p.cfg.Port)
	conn, err := p.cfg.Dial(dialCtx, "tcp", address)
	cancel()
	if err != nil {
		return reply{}, fmt.Errorf("connect to %s: %w", address, err)
	}
	defer func() { _ = conn.Close() }()

	// Unblock reads if the caller goes away.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := time.Now().Add(p.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return reply{}, fmt.Errorf("set deadline: %w", err)
	}

	s := &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
	defer s.quit()

	banner, err := readResponse(s.reader)
	if err != nil {
		return reply{}, fmt.Errorf("read banner: %w", err)
	}
	if banner.code >= 400 {
		return reply{}, fmt.Errorf("%w: %d %s", ErrBannerRejected, banner.code, banner.msg)
	}

	if err := s.hello(p.cfg.HeloDomain); err != nil {
		return reply{}, err
	}

	r, err := s.command(fmt.Sprintf("MAIL FROM:<%s>", p.cfg.MailFrom))
	if err != nil {
		return reply{}, fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if r.code >= 400 {
		return reply{}, fmt.Errorf("%w: %d %s", ErrSenderRejected, r.code, r.msg)
	}

	r, err = s.command(fmt.Sprintf("RCPT TO:<%s>", rcpt))
	if err != nil {
		return reply{}, fmt.Errorf("RCPT TO failed: %w", err)
	}
	return r, nil
}

// hello sends EHLO and falls back to HELO when the server refuses it.
func (s *session) hello(domain string) error {
	r, err := s.command("EHLO " + domain)
	if err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}
	if r.code < 400 {
		return nil
	}
	if r.code < 500 {
		return fmt.Errorf("%w: %d %s", ErrHeloRejected, r.code, r.msg)
	}

	r, err = s.command("HELO " + domain)
	if err != nil {
		return fmt.Errorf("HELO failed: %w", err)
	}
	if r.code >= 400 {
		return fmt.Errorf("%w: %d %s", ErrHeloRejected, r.code, r.msg)
	}
	return nil
}

// command sends one SMTP command and reads the response.
func (s *session) command(cmd string) (reply, error) {
	if _, err := s.writer.WriteString(cmd + "\r\n"); err != nil {
		return reply{}, err
	}
	if err := s.writer.Flush(); err != nil {
		return reply{}, err
	}
	return readResponse(s.reader)
}

// quit sends QUIT best-effort and ignores the answer.
func (s *session) quit() {
	_ = s.conn.SetDeadline(time.Now().Add(time.Second))
	_, _ = s.writer.WriteString("QUIT\r\n")
	_ = s.writer.Flush()
}

// readResponse reads a (possibly multi-line) SMTP response.
func readResponse(r *bufio.Reader) (reply, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return reply{}, fmt.Errorf("read SMTP response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 {
			return reply{}, errors.New("SMTP response line too short")
		}
		lines = append(lines, line)
		// Continuation lines carry '-' as the 4th character.
		if len(line) < 4 || line[3] != '-' {
			break
		}
	}

	last := lines[len(lines)-1]
	var code int
	if _, err := fmt.Sscanf(last[:3], "%d", &code); err != nil {
		return reply{}, fmt.Errorf("invalid SMTP response code %q: %w", last[:3], err)
	}

	texts := make([]string, 0, len(lines))
	for _, l := range lines {
		if len(l) > 4 {
			texts = append(texts, l[4:])
		}
	}
	return reply{code: code, msg: strings.Join(texts, " ")}, nil
}
