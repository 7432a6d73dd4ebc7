package email

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"LokaMail/internal/mailerr"
	"LokaMail/internal/smtp"
	"LokaMail/internal/smtp/smtptest"
)

func testConfig(srv *smtptest.Server, enc Encryption) Config {
	return Config{
		Enabled:     true,
		Host:        srv.Host,
		Port:        srv.Port,
		Username:    "mailer",
		Password:    "secret",
		Encryption:  enc,
		FromAddress: "noreply@loka.example",
		FromName:    "LOKA Fleet",
		HeloName:    "test.local",
	}
}

func TestMailer_Send(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithCredentials("mailer", "secret"))
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))

	m := New(testConfig(srv, EncryptionNone), zaptest.NewLogger(t), WithClock(clk))
	err := m.Send(context.Background(), Message{
		To:      "driver@example.com",
		ToName:  "Driver One",
		Subject: "Driver Assigned to Your Trip",
		Body:    "<p>Hello</p>",
	})
	require.NoError(t, err)
	assert.Empty(t, m.Errors())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "noreply@loka.example", msgs[0].From)
	assert.Equal(t, []string{"driver@example.com"}, msgs[0].To)

	data := msgs[0].Data
	assert.Contains(t, data, `From: "LOKA Fleet" <noreply@loka.example>`)
	assert.Contains(t, data, `To: "Driver One" <driver@example.com>`)
	assert.Contains(t, data, "Subject: Driver Assigned to Your Trip")
	assert.Contains(t, data, "Mime-Version: 1.0")
	assert.Contains(t, data, "Content-Type: text/html; charset=UTF-8")
	assert.Contains(t, data, "X-Mailer: LokaMail")
	assert.Contains(t, data, "Date: Mon, 02 Mar 2026 09:30:00 +0000")
	assert.Contains(t, data, "\r\n\r\n<p>Hello</p>")

	assert.Equal(t,
		[]string{"EHLO", "AUTH", "MAIL", "RCPT", "DATA", "QUIT"},
		srv.Commands(),
	)
}

func TestMailer_PlainText(t *testing.T) {
	srv := smtptest.NewServer(t)

	m := New(testConfig(srv, EncryptionNone), zaptest.NewLogger(t))
	require.NoError(t, m.Send(context.Background(), Message{
		To: "a@example.com", Subject: "hi", Body: "plain body", PlainText: true,
	}))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Data, "Content-Type: text/plain; charset=UTF-8")
}

func TestMailer_NonASCIISubjectIsQEncoded(t *testing.T) {
	srv := smtptest.NewServer(t)

	m := New(testConfig(srv, EncryptionNone), zaptest.NewLogger(t))
	require.NoError(t, m.Send(context.Background(), Message{
		To: "a@example.com", Subject: "Solicitud aprobada ✓", Body: "ok",
	}))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Data, "Subject: =?UTF-8?q?")
	assert.NotContains(t, msgs[0].Data, "✓\r\n")
}

func TestMailer_StartTLS(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithStartTLS())

	m := New(testConfig(srv, EncryptionTLS), zaptest.NewLogger(t))
	require.NoError(t, m.Send(context.Background(), Message{To: "a@example.com", Subject: "s", Body: "b"}))

	assert.Equal(t,
		[]string{"EHLO", "STARTTLS", "EHLO", "AUTH", "MAIL", "RCPT", "DATA", "QUIT"},
		srv.Commands(),
	)
	assert.Len(t, srv.Messages(), 1)
}

func TestMailer_ImplicitTLS(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithImplicitTLS())

	m := New(testConfig(srv, EncryptionSSL), zaptest.NewLogger(t))
	require.NoError(t, m.Send(context.Background(), Message{To: "a@example.com", Subject: "s", Body: "b"}))
	assert.Len(t, srv.Messages(), 1)
}

func TestMailer_KeepAliveReusesConnection(t *testing.T) {
	srv := smtptest.NewServer(t)

	m := New(testConfig(srv, EncryptionNone), zaptest.NewLogger(t), WithKeepAlive(true))
	for _, to := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		require.NoError(t, m.Send(context.Background(), Message{To: to, Subject: "s", Body: "b"}))
	}
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, 1, srv.Connections())
	assert.Len(t, srv.Messages(), 3)

	cmds := srv.Commands()
	assert.Equal(t, 1, count(cmds, "AUTH"))
	assert.Equal(t, 2, count(cmds, "NOOP"))
	assert.Equal(t, "QUIT", cmds[len(cmds)-1])
}

func TestMailer_WithoutKeepAliveReconnects(t *testing.T) {
	srv := smtptest.NewServer(t)

	m := New(testConfig(srv, EncryptionNone), zaptest.NewLogger(t))
	for _, to := range []string{"a@example.com", "b@example.com"} {
		require.NoError(t, m.Send(context.Background(), Message{To: to, Subject: "s", Body: "b"}))
	}

	assert.Equal(t, 2, srv.Connections())
}

func TestMailer_DeliveredMessageSurvivesSessionDrop(t *testing.T) {
	for name, keep := range map[string]bool{"keep-alive": true, "single": false} {
		t.Run(name, func(t *testing.T) {
			srv := smtptest.NewServer(t, smtptest.WithHangUpAfterData())

			m := New(testConfig(srv, EncryptionNone), zaptest.NewLogger(t), WithKeepAlive(keep))
			for _, to := range []string{"a@example.com", "b@example.com"} {
				require.NoError(t, m.Send(context.Background(), Message{To: to, Subject: "s", Body: "b"}))
				assert.Empty(t, m.Errors())
			}
			require.NoError(t, m.Close())

			assert.Len(t, srv.Messages(), 2)
			assert.Equal(t, 2, srv.Connections(), "a dropped session is replaced on the next send")
		})
	}
}

func TestMailer_ValidationFailsWithoutNetwork(t *testing.T) {
	srv := smtptest.NewServer(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		to     string
		kind   mailerr.Kind
	}{
		{name: "disabled", mutate: func(c *Config) { c.Enabled = false }, to: "a@example.com", kind: mailerr.KindConfig},
		{name: "no host", mutate: func(c *Config) { c.Host = "" }, to: "a@example.com", kind: mailerr.KindConfig},
		{name: "no credentials", mutate: func(c *Config) { c.Password = "" }, to: "a@example.com", kind: mailerr.KindConfig},
		{name: "bad from", mutate: func(c *Config) { c.FromAddress = "not-an-address" }, to: "a@example.com", kind: mailerr.KindConfig},
		{name: "bad encryption", mutate: func(c *Config) { c.Encryption = "rot13" }, to: "a@example.com", kind: mailerr.KindConfig},
		{name: "bad recipient", mutate: func(c *Config) {}, to: "nope", kind: mailerr.KindValidation},
		{name: "header injection", mutate: func(c *Config) {}, to: "a@example.com\r\nBcc: x@example.com", kind: mailerr.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(srv, EncryptionNone)
			tt.mutate(&cfg)

			m := New(cfg, zaptest.NewLogger(t))
			err := m.Send(context.Background(), Message{To: tt.to, Subject: "s", Body: "b"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, mailerr.KindOf(err))
			assert.NotEmpty(t, m.Errors())
		})
	}

	assert.Equal(t, 0, srv.Connections())
}

func TestMailer_RejectedRecipientDisconnects(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithRejectRecipient(func(addr string) bool {
		return strings.HasPrefix(addr, "bounce")
	}))

	m := New(testConfig(srv, EncryptionNone), zaptest.NewLogger(t), WithKeepAlive(true))

	err := m.Send(context.Background(), Message{To: "bounce@example.com", Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.Equal(t, mailerr.KindProtocol, mailerr.KindOf(err))
	require.Len(t, m.Errors(), 1)

	require.NoError(t, m.Send(context.Background(), Message{To: "ok@example.com", Subject: "s", Body: "b"}))
	assert.Empty(t, m.Errors())
	assert.Equal(t, 2, srv.Connections())
}

func TestMailer_AuthFailure(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithCredentials("mailer", "other"))

	m := New(testConfig(srv, EncryptionNone), zaptest.NewLogger(t))
	err := m.Send(context.Background(), Message{To: "a@example.com", Subject: "s", Body: "b"})
	require.Error(t, err)

	var merr *mailerr.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 235, merr.Expected)
	assert.Equal(t, 535, merr.Got)
}

func TestMailer_ConnectFailure(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithSilence())

	m := New(testConfig(srv, EncryptionNone), zaptest.NewLogger(t),
		WithDialer(&smtp.Dialer{ReadTimeout: 50 * time.Millisecond, ReplyTimeout: 100 * time.Millisecond}))
	err := m.Send(context.Background(), Message{To: "a@example.com", Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.Equal(t, mailerr.KindTimeout, mailerr.KindOf(err))
	assert.NoError(t, m.Close())
}

func TestConfig_ParseEncryption(t *testing.T) {
	assert.Equal(t, EncryptionTLS, ParseEncryption("TLS"))
	assert.Equal(t, EncryptionTLS, ParseEncryption("starttls"))
	assert.Equal(t, EncryptionSSL, ParseEncryption("ssl"))
	assert.Equal(t, EncryptionNone, ParseEncryption(""))
}

func count(items []string, want string) int {
	n := 0
	for _, it := range items {
		if it == want {
			n++
		}
	}
	return n
}
