// Package smtptest runs an in-process SMTP server for tests. It accepts
// EHLO, STARTTLS, AUTH LOGIN, MAIL, RCPT, DATA, RSET, NOOP and QUIT and
// records every message it receives.
package smtptest

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Message is one accepted DATA transaction.
type Message struct {
	From string
	To   []string
	Data string
}

type Option func(*Server)

// WithImplicitTLS makes the listener speak TLS from the first byte.
func WithImplicitTLS() Option {
	return func(s *Server) { s.implicitTLS = true }
}

// WithStartTLS advertises and accepts STARTTLS.
func WithStartTLS() Option {
	return func(s *Server) { s.startTLS = true }
}

// WithCredentials makes AUTH LOGIN reject anything but user/pass.
func WithCredentials(user, pass string) Option {
	return func(s *Server) {
		s.user = user
		s.pass = pass
	}
}

// WithRejectRecipient answers 550 to RCPT TO for addresses matching fn.
func WithRejectRecipient(fn func(addr string) bool) Option {
	return func(s *Server) { s.rejectRcpt = fn }
}

// WithGreeting replaces the 220 greeting line.
func WithGreeting(line string) Option {
	return func(s *Server) { s.greeting = line }
}

// WithHangUpAfterData closes the connection right after accepting a message.
func WithHangUpAfterData() Option {
	return func(s *Server) { s.hangUpAfterData = true }
}

// WithSilence accepts connections and never writes anything.
func WithSilence() Option {
	return func(s *Server) { s.silent = true }
}

type Server struct {
	Host string
	Port int

	ln              net.Listener
	tlsConfig       *tls.Config
	implicitTLS     bool
	startTLS        bool
	silent          bool
	hangUpAfterData bool
	greeting        string
	user, pass      string
	rejectRcpt      func(string) bool

	mu          sync.Mutex
	messages    []Message
	connections int
	commands    []string
	conns       map[net.Conn]struct{}

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewServer starts a server on 127.0.0.1 with a random port. It is shut
// down automatically when the test ends.
func NewServer(tb testing.TB, opts ...Option) *Server {
	tb.Helper()

	s := &Server{
		greeting: "220 smtptest ESMTP ready",
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	cert, err := selfSignedCert()
	if err != nil {
		tb.Fatalf("smtptest: certificate: %v", err)
	}
	s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("smtptest: listen: %v", err)
	}
	if s.implicitTLS {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.ln = ln

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	s.wg.Add(1)
	go s.serve()

	tb.Cleanup(s.Close)
	return s
}

func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Connections is the number of client connections accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Commands lists every command verb received, in order, across sessions.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.connections++
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, c)
				s.mu.Unlock()
				c.Close()
			}()
			s.handle(c)
		}()
	}
}

type session struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	from string
	to   []string
	tls  bool
}

func (ss *session) reply(lines ...string) bool {
	for _, l := range lines {
		ss.w.WriteString(l + "\r\n")
	}
	return ss.w.Flush() == nil
}

func (ss *session) readLine() (string, bool) {
	_ = ss.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	line, err := ss.r.ReadString('\n')
	if err != nil {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

func (s *Server) handle(c net.Conn) {
	if s.silent {
		<-s.closed
		return
	}

	ss := &session{conn: c, r: bufio.NewReader(c), w: bufio.NewWriter(c), tls: s.implicitTLS}
	if !ss.reply(s.greeting) {
		return
	}

	for {
		line, ok := ss.readLine()
		if !ok {
			return
		}
		verb := strings.ToUpper(strings.Fields(line + " x")[0])
		s.record(verb)

		switch verb {
		case "EHLO":
			lines := []string{"250-smtptest greets you", "250-AUTH LOGIN PLAIN"}
			if s.startTLS && !ss.tls {
				lines = append(lines, "250-STARTTLS")
			}
			lines = append(lines, "250 8BITMIME")
			ok = ss.reply(lines...)
		case "HELO":
			ok = ss.reply("250 smtptest")
		case "STARTTLS":
			if !s.startTLS || ss.tls {
				ok = ss.reply("502 5.5.1 STARTTLS not available")
				break
			}
			if !ss.reply("220 2.0.0 ready to start TLS") {
				return
			}
			tc := tls.Server(c, s.tlsConfig)
			if err := tc.Handshake(); err != nil {
				return
			}
			ss.conn = tc
			ss.r = bufio.NewReader(tc)
			ss.w = bufio.NewWriter(tc)
			ss.tls = true
			ss.from, ss.to = "", nil
		case "AUTH":
			ok = s.auth(ss, line)
		case "MAIL":
			ss.from = address(line)
			ss.to = nil
			ok = ss.reply("250 2.1.0 ok")
		case "RCPT":
			addr := address(line)
			if s.rejectRcpt != nil && s.rejectRcpt(addr) {
				ok = ss.reply("550 5.1.1 mailbox unavailable")
				break
			}
			ss.to = append(ss.to, addr)
			ok = ss.reply("250 2.1.5 ok")
		case "DATA":
			if len(ss.to) == 0 {
				ok = ss.reply("503 5.5.1 need RCPT first")
				break
			}
			if !ss.reply("354 end data with <CR><LF>.<CR><LF>") {
				return
			}
			var data strings.Builder
			for {
				l, more := ss.readLine()
				if !more {
					return
				}
				if l == "." {
					break
				}
				if strings.HasPrefix(l, "..") {
					l = l[1:]
				}
				data.WriteString(l + "\r\n")
			}
			s.mu.Lock()
			s.messages = append(s.messages, Message{From: ss.from, To: ss.to, Data: data.String()})
			s.mu.Unlock()
			ss.from, ss.to = "", nil
			ok = ss.reply("250 2.0.0 queued")
			if s.hangUpAfterData {
				return
			}
		case "RSET":
			ss.from, ss.to = "", nil
			ok = ss.reply("250 2.0.0 reset")
		case "NOOP":
			ok = ss.reply("250 2.0.0 ok")
		case "QUIT":
			ss.reply("221 2.0.0 bye")
			return
		default:
			ok = ss.reply("502 5.5.2 command not recognized")
		}
		if !ok {
			return
		}
	}
}

func (s *Server) auth(ss *session, line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.EqualFold(fields[1], "LOGIN") {
		return ss.reply("504 5.5.4 unrecognized authentication type")
	}

	if !ss.reply("334 " + base64.StdEncoding.EncodeToString([]byte("Username:"))) {
		return false
	}
	u, ok := ss.readLine()
	if !ok {
		return false
	}
	if !ss.reply("334 " + base64.StdEncoding.EncodeToString([]byte("Password:"))) {
		return false
	}
	p, ok := ss.readLine()
	if !ok {
		return false
	}

	user, _ := base64.StdEncoding.DecodeString(u)
	pass, _ := base64.StdEncoding.DecodeString(p)
	if s.user != "" && (string(user) != s.user || string(pass) != s.pass) {
		return ss.reply("535 5.7.8 authentication credentials invalid")
	}
	return ss.reply("235 2.7.0 authentication successful")
}

func (s *Server) record(verb string) {
	s.mu.Lock()
	s.commands = append(s.commands, verb)
	s.mu.Unlock()
}

func address(line string) string {
	i := strings.IndexByte(line, '<')
	j := strings.LastIndexByte(line, '>')
	if i >= 0 && j > i {
		return line[i+1 : j]
	}
	if k := strings.IndexByte(line, ':'); k >= 0 {
		return strings.TrimSpace(line[k+1:])
	}
	return ""
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "smtptest"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
