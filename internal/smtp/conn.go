// Package smtp is a minimal SMTP client speaking the wire protocol directly
// over TCP or TLS. It covers what the mailer needs: greeting, single-line
// commands with multi-line replies, STARTTLS upgrade in place, DATA with
// dot-stuffing, and idempotent teardown.
package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"LokaMail/internal/mailerr"
)

const (
	DefaultDialTimeout  = 30 * time.Second
	DefaultReadTimeout  = 5 * time.Second
	DefaultReplyTimeout = 60 * time.Second
)

// Dialer holds the timeouts applied to every connection it opens.
type Dialer struct {
	DialTimeout time.Duration
	// ReadTimeout bounds each individual read from the socket.
	ReadTimeout time.Duration
	// ReplyTimeout bounds reading one complete (possibly multi-line) reply.
	ReplyTimeout time.Duration
	// TLSConfig overrides the default relaxed-trust TLS settings.
	TLSConfig *tls.Config
}

func DefaultDialer() *Dialer {
	return &Dialer{
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		ReplyTimeout: DefaultReplyTimeout,
	}
}

// Response is one SMTP reply. Text holds every reply line as received,
// line endings included.
type Response struct {
	Code int
	Text string
}

type Conn struct {
	host   string
	conn   net.Conn
	reader *bufio.Reader
	dialer *Dialer
	tls    bool
	closed bool
}

// Dial opens a connection to host:port and consumes the 220 greeting.
// With implicitTLS the socket is wrapped in TLS before the greeting is read.
func (d *Dialer) Dial(ctx context.Context, host string, port int, implicitTLS bool) (*Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	nd := net.Dialer{Timeout: d.dialTimeout()}
	var (
		nc  net.Conn
		err error
	)
	if implicitTLS {
		td := tls.Dialer{NetDialer: &nd, Config: d.tlsConfig(host)}
		nc, err = td.DialContext(ctx, "tcp", addr)
	} else {
		nc, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, mailerr.Connect("dial "+addr, err)
	}

	c := NewConn(nc, host, d)
	c.tls = implicitTLS

	if _, err := c.expect("greeting", 220); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// NewConn wraps an already established connection. No greeting is read.
func NewConn(nc net.Conn, host string, d *Dialer) *Conn {
	if d == nil {
		d = DefaultDialer()
	}
	return &Conn{
		host:   host,
		conn:   nc,
		reader: bufio.NewReader(nc),
		dialer: d,
	}
}

func (c *Conn) isTLS() bool {
	return c != nil && c.tls
}

// Command writes line followed by CRLF and reads the reply. A reply code
// other than expected is returned as a protocol error along with the reply.
func (c *Conn) Command(line string, expected int) (*Response, error) {
	if err := c.writeLine(line); err != nil {
		return nil, err
	}
	return c.expect(commandName(line), expected)
}

// ReadResponse reads one reply. Continuation lines carry a non-space fourth
// character; the reply ends at the first line whose fourth character is a
// space (or that is shorter than four characters).
func (c *Conn) ReadResponse() (*Response, error) {
	if c == nil || c.closed {
		return nil, mailerr.Connect("read response", net.ErrClosed)
	}

	start := time.Now()
	total := start.Add(c.dialer.replyTimeout())

	var (
		text strings.Builder
		code int
	)
	for {
		deadline := time.Now().Add(c.dialer.readTimeout())
		if deadline.After(total) {
			deadline = total
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, mailerr.Connect("set read deadline", err)
		}

		line, err := c.reader.ReadString('\n')
		if err != nil {
			if isTimeout(err) {
				return nil, mailerr.Timeout("read response", err)
			}
			if errors.Is(err, io.EOF) {
				return nil, mailerr.Connect("read response", io.ErrUnexpectedEOF)
			}
			return nil, mailerr.Connect("read response", err)
		}
		text.WriteString(line)

		trimmed := strings.TrimRight(line, "\r\n")
		if len(trimmed) < 3 {
			return nil, mailerr.Malformed("read response", text.String())
		}
		n, err := strconv.Atoi(trimmed[:3])
		if err != nil {
			return nil, mailerr.Malformed("read response", text.String())
		}
		code = n

		if len(trimmed) < 4 || trimmed[3] == ' ' {
			break
		}
	}

	return &Response{Code: code, Text: text.String()}, nil
}

// StartTLS asks the server to upgrade and wraps the existing socket in TLS.
// The caller must issue EHLO again afterwards.
func (c *Conn) StartTLS() error {
	if c.isTLS() {
		return mailerr.Connect("starttls", errors.New("session is already encrypted"))
	}
	if _, err := c.Command("STARTTLS", 220); err != nil {
		return err
	}

	tc := tls.Client(c.conn, c.dialer.tlsConfig(c.host))
	if err := tc.SetDeadline(time.Now().Add(c.dialer.replyTimeout())); err != nil {
		return mailerr.Connect("starttls", err)
	}
	if err := tc.Handshake(); err != nil {
		if isTimeout(err) {
			return mailerr.Timeout("tls handshake", err)
		}
		return mailerr.Connect("tls handshake", err)
	}
	_ = tc.SetDeadline(time.Time{})

	c.conn = tc
	c.reader = bufio.NewReader(tc)
	c.tls = true
	return nil
}

// Data sends DATA, streams the message produced by write through a
// dot-stuffing writer, terminates it with CRLF.CRLF and expects 250.
func (c *Conn) Data(write func(w io.Writer) error) (*Response, error) {
	if _, err := c.Command("DATA", 354); err != nil {
		return nil, err
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.dialer.replyTimeout())); err != nil {
		return nil, mailerr.Connect("set write deadline", err)
	}

	bw := bufio.NewWriter(c.conn)
	dw := textproto.NewWriter(bw).DotWriter()
	if err := write(dw); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	if err := dw.Close(); err != nil {
		return nil, c.writeErr("write message", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, c.writeErr("write message", err)
	}

	return c.expect("end of data", 250)
}

// Alive reports whether the session still answers NOOP.
func (c *Conn) Alive() bool {
	if c == nil || c.closed {
		return false
	}
	_, err := c.Command("NOOP", 250)
	return err == nil
}

// Quit sends QUIT and closes the socket whatever the reply.
func (c *Conn) Quit() error {
	if c == nil || c.closed {
		return nil
	}
	_, err := c.Command("QUIT", 221)
	c.Close()
	return err
}

// Close is safe on a nil or already closed connection.
func (c *Conn) Close() error {
	if c == nil || c.closed || c.conn == nil {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Conn) expect(op string, expected int) (*Response, error) {
	resp, err := c.ReadResponse()
	if err != nil {
		return nil, err
	}
	if resp.Code != expected {
		return resp, mailerr.Protocol(op, expected, resp.Code, strings.TrimRight(resp.Text, "\r\n"))
	}
	return resp, nil
}

func (c *Conn) writeLine(line string) error {
	if c == nil || c.closed {
		return mailerr.Connect("write command", net.ErrClosed)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.dialer.replyTimeout())); err != nil {
		return mailerr.Connect("set write deadline", err)
	}
	if _, err := io.WriteString(c.conn, line+"\r\n"); err != nil {
		return c.writeErr("write "+commandName(line), err)
	}
	return nil
}

func (c *Conn) writeErr(op string, err error) error {
	if isTimeout(err) {
		return mailerr.Timeout(op, err)
	}
	return mailerr.Connect(op, err)
}

var verbs = map[string]bool{
	"EHLO": true, "HELO": true, "STARTTLS": true, "AUTH": true, "MAIL": true,
	"RCPT": true, "DATA": true, "RSET": true, "NOOP": true, "QUIT": true,
}

// commandName keeps credentials and addresses out of error messages.
func commandName(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	verb := strings.ToUpper(fields[0])
	if !verbs[verb] {
		return "AUTH credentials"
	}
	switch verb {
	case "MAIL", "RCPT":
		if i := strings.IndexByte(line, ':'); i > 0 {
			return strings.ToUpper(line[:i])
		}
	case "AUTH":
		if len(fields) > 1 {
			return verb + " " + strings.ToUpper(fields[1])
		}
	}
	return verb
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (d *Dialer) dialTimeout() time.Duration {
	if d.DialTimeout > 0 {
		return d.DialTimeout
	}
	return DefaultDialTimeout
}

func (d *Dialer) readTimeout() time.Duration {
	if d.ReadTimeout > 0 {
		return d.ReadTimeout
	}
	return DefaultReadTimeout
}

func (d *Dialer) replyTimeout() time.Duration {
	if d.ReplyTimeout > 0 {
		return d.ReplyTimeout
	}
	return DefaultReplyTimeout
}

// tlsConfig skips certificate verification unless overridden; the mailer
// talks to arbitrary providers, many with self-signed certificates.
func (d *Dialer) tlsConfig(host string) *tls.Config {
	if d.TLSConfig != nil {
		cfg := d.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		return cfg
	}
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}
}
