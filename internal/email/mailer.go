// Package email delivers one message at a time over the raw SMTP transport.
package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"LokaMail/internal/mailerr"
	"LokaMail/internal/smtp"
)

const xMailer = "LokaMail"

// Message is a fully rendered email.
type Message struct {
	To      string
	ToName  string
	Subject string
	Body    string
	// PlainText sends the body as text/plain instead of text/html.
	PlainText bool
}

type Option func(*Mailer)

// WithKeepAlive keeps the SMTP session open after a successful send so the
// next Send skips connect, TLS and AUTH. Close ends the session.
func WithKeepAlive(keep bool) Option {
	return func(m *Mailer) { m.keepAlive = keep }
}

func WithDialer(d *smtp.Dialer) Option {
	return func(m *Mailer) { m.dialer = d }
}

func WithClock(clk clock.Clock) Option {
	return func(m *Mailer) { m.clk = clk }
}

// Mailer is not safe for concurrent use; it owns at most one connection.
type Mailer struct {
	cfg       Config
	dialer    *smtp.Dialer
	logger    *zap.Logger
	clk       clock.Clock
	keepAlive bool

	conn *smtp.Conn
	errs []error
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mailer{
		cfg:    cfg,
		dialer: smtp.DefaultDialer(),
		logger: logger,
		clk:    clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.HeloName == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			m.cfg.HeloName = h
		} else {
			m.cfg.HeloName = "localhost"
		}
	}
	return m
}

// Send delivers msg. On failure every error encountered is also available
// from Errors until the next call to Send.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	m.errs = nil

	m.errs = append(m.errs, m.cfg.Validate()...)
	if !validAddress(msg.To) {
		m.errs = append(m.errs, mailerr.Validation(fmt.Sprintf("recipient address %q is invalid", msg.To)))
	}
	if len(m.errs) > 0 {
		return errors.Join(m.errs...)
	}

	if err := m.deliver(ctx, msg); err != nil {
		m.errs = append(m.errs, err)
		m.disconnect()
		return err
	}

	return nil
}

// Errors returns the errors recorded by the last Send.
func (m *Mailer) Errors() []error {
	out := make([]error, len(m.errs))
	copy(out, m.errs)
	return out
}

// Close ends any open session with QUIT and closes the socket.
func (m *Mailer) Close() error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Quit()
	m.conn = nil
	return err
}

func (m *Mailer) deliver(ctx context.Context, msg Message) error {
	if m.conn != nil && m.conn.Alive() {
		m.logger.Debug("reusing smtp connection", zap.String("host", m.cfg.Host))
	} else {
		m.disconnect()
		if err := m.open(ctx); err != nil {
			return err
		}
	}

	c := m.conn
	if _, err := c.Command("MAIL FROM:<"+m.cfg.FromAddress+">", 250); err != nil {
		return err
	}
	if _, err := c.Command("RCPT TO:<"+msg.To+">", 250); err != nil {
		return err
	}
	if _, err := c.Data(func(w io.Writer) error {
		_, err := m.compose(msg).WriteTo(w)
		return err
	}); err != nil {
		return err
	}

	// The message is accepted once DATA returns 250. Failures while resetting
	// or closing the session must not report it as undelivered.
	if m.keepAlive {
		if _, err := c.Command("RSET", 250); err != nil {
			m.logger.Warn("smtp session reset failed, reconnecting on next send",
				zap.String("host", m.cfg.Host), zap.Error(err))
			m.disconnect()
		}
		return nil
	}

	if err := c.Quit(); err != nil {
		m.logger.Debug("smtp quit after delivery", zap.String("host", m.cfg.Host), zap.Error(err))
	}
	m.conn = nil
	return nil
}

// open connects, negotiates TLS per the configured mode and authenticates.
func (m *Mailer) open(ctx context.Context) error {
	c, err := m.dialer.Dial(ctx, m.cfg.Host, m.cfg.Port, m.cfg.Encryption == EncryptionSSL)
	if err != nil {
		return err
	}
	m.conn = c

	m.logger.Debug("smtp connected",
		zap.String("host", m.cfg.Host),
		zap.Int("port", m.cfg.Port),
		zap.String("encryption", string(m.cfg.Encryption)),
	)

	if _, err := c.Command("EHLO "+m.cfg.HeloName, 250); err != nil {
		return err
	}

	if m.cfg.Encryption == EncryptionTLS {
		if err := c.StartTLS(); err != nil {
			return err
		}
		if _, err := c.Command("EHLO "+m.cfg.HeloName, 250); err != nil {
			return err
		}
	}

	if _, err := c.Command("AUTH LOGIN", 334); err != nil {
		return err
	}
	if _, err := c.Command(base64.StdEncoding.EncodeToString([]byte(m.cfg.Username)), 334); err != nil {
		return err
	}
	if _, err := c.Command(base64.StdEncoding.EncodeToString([]byte(m.cfg.Password)), 235); err != nil {
		return err
	}

	return nil
}

// compose builds the header block and body. Non-ASCII header values are
// Q-encoded; the body is sent as 8bit.
func (m *Mailer) compose(msg Message) *gomail.Message {
	gm := gomail.NewMessage(gomail.SetEncoding(gomail.Unencoded), gomail.SetCharset("UTF-8"))

	gm.SetDateHeader("Date", m.clk.Now())
	if m.cfg.FromName != "" {
		gm.SetAddressHeader("From", m.cfg.FromAddress, m.cfg.FromName)
	} else {
		gm.SetHeader("From", m.cfg.FromAddress)
	}
	if msg.ToName != "" {
		gm.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		gm.SetHeader("To", msg.To)
	}
	gm.SetHeader("Subject", msg.Subject)
	gm.SetHeader("X-Mailer", xMailer)

	contentType := "text/html"
	if msg.PlainText {
		contentType = "text/plain"
	}
	gm.SetBody(contentType, msg.Body)

	return gm
}

func (m *Mailer) disconnect() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
