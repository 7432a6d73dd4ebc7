package smtp

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LokaMail/internal/mailerr"
	"LokaMail/internal/smtp/smtptest"
)

// pipeConn returns a client Conn and the server end of an in-memory pipe.
func pipeConn(t *testing.T, d *Dialer) (*Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewConn(client, "mail.test", d), server
}

func TestReadResponse_MultiLine(t *testing.T) {
	c, server := pipeConn(t, nil)

	go func() {
		io.WriteString(server, "250-First line\r\n250-Second line\r\n250 Third line\r\n")
	}()

	resp, err := c.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, 250, resp.Code)
	assert.Equal(t, "250-First line\r\n250-Second line\r\n250 Third line\r\n", resp.Text)
}

func TestReadResponse_StopsAtSpaceInFourthColumn(t *testing.T) {
	c, server := pipeConn(t, nil)

	go func() {
		io.WriteString(server, "220 ready\r\n250 next reply\r\n")
	}()

	first, err := c.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, 220, first.Code)
	assert.Equal(t, "220 ready\r\n", first.Text)

	second, err := c.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, 250, second.Code)
}

func TestReadResponse_ContinuationIsAnyNonSpace(t *testing.T) {
	c, server := pipeConn(t, nil)

	go func() {
		io.WriteString(server, "250xodd continuation\r\n250 done\r\n")
	}()

	resp, err := c.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, "250xodd continuation\r\n250 done\r\n", resp.Text)
}

func TestReadResponse_BareCode(t *testing.T) {
	c, server := pipeConn(t, nil)

	go func() {
		io.WriteString(server, "250\r\n")
	}()

	resp, err := c.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, 250, resp.Code)
}

func TestReadResponse_Malformed(t *testing.T) {
	c, server := pipeConn(t, nil)

	go func() {
		io.WriteString(server, "hello there\r\n")
	}()

	_, err := c.ReadResponse()
	require.Error(t, err)
	assert.Equal(t, mailerr.KindProtocol, mailerr.KindOf(err))
}

func TestReadResponse_PerReadTimeout(t *testing.T) {
	c, _ := pipeConn(t, &Dialer{ReadTimeout: 50 * time.Millisecond, ReplyTimeout: time.Second})

	start := time.Now()
	_, err := c.ReadResponse()
	require.Error(t, err)
	assert.Equal(t, mailerr.KindTimeout, mailerr.KindOf(err))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestReadResponse_TotalTimeout(t *testing.T) {
	c, server := pipeConn(t, &Dialer{ReadTimeout: 80 * time.Millisecond, ReplyTimeout: 200 * time.Millisecond})

	// A server trickling continuation lines never trips the per-read
	// deadline, only the total one.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(30 * time.Millisecond):
				if _, err := io.WriteString(server, "250-still going\r\n"); err != nil {
					return
				}
			}
		}
	}()

	start := time.Now()
	_, err := c.ReadResponse()
	require.Error(t, err)
	assert.Equal(t, mailerr.KindTimeout, mailerr.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestCommand_UnexpectedCode(t *testing.T) {
	c, server := pipeConn(t, nil)

	go func() {
		r := bufio.NewReader(server)
		r.ReadString('\n')
		io.WriteString(server, "550 5.1.1 mailbox unavailable\r\n")
	}()

	resp, err := c.Command("RCPT TO:<nobody@example.com>", 250)
	require.Error(t, err)
	require.NotNil(t, resp)

	var merr *mailerr.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, mailerr.KindProtocol, merr.Kind)
	assert.Equal(t, 250, merr.Expected)
	assert.Equal(t, 550, merr.Got)
	assert.Equal(t, "RCPT TO", merr.Op)
	assert.Contains(t, merr.Raw, "mailbox unavailable")
	assert.NotContains(t, err.Error(), "nobody@example.com")
}

func TestCommand_WritesCRLF(t *testing.T) {
	c, server := pipeConn(t, nil)

	got := make(chan string, 1)
	go func() {
		r := bufio.NewReader(server)
		line, _ := r.ReadString('\n')
		got <- line
		io.WriteString(server, "250 ok\r\n")
	}()

	_, err := c.Command("NOOP", 250)
	require.NoError(t, err)
	assert.Equal(t, "NOOP\r\n", <-got)
}

func TestClose_Idempotent(t *testing.T) {
	var nilConn *Conn
	assert.NoError(t, nilConn.Close())
	assert.False(t, nilConn.Alive())
	assert.NoError(t, nilConn.Quit())

	c, _ := pipeConn(t, nil)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	_, err := c.Command("NOOP", 250)
	assert.Equal(t, mailerr.KindConnect, mailerr.KindOf(err))
}

func TestDial_Greeting(t *testing.T) {
	srv := smtptest.NewServer(t)

	c, err := DefaultDialer().Dial(context.Background(), srv.Host, srv.Port, false)
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.isTLS())
	assert.True(t, c.Alive())
	require.NoError(t, c.Quit())
	assert.False(t, c.Alive())
}

func TestDial_BadGreeting(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithGreeting("554 go away"))

	_, err := DefaultDialer().Dial(context.Background(), srv.Host, srv.Port, false)
	require.Error(t, err)
	assert.Equal(t, mailerr.KindProtocol, mailerr.KindOf(err))
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = DefaultDialer().Dial(context.Background(), "127.0.0.1", port, false)
	require.Error(t, err)
	assert.Equal(t, mailerr.KindConnect, mailerr.KindOf(err))
}

func TestDial_SilentServerTimesOut(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithSilence())

	d := &Dialer{ReadTimeout: 50 * time.Millisecond, ReplyTimeout: 200 * time.Millisecond}
	_, err := d.Dial(context.Background(), srv.Host, srv.Port, false)
	require.Error(t, err)
	assert.Equal(t, mailerr.KindTimeout, mailerr.KindOf(err))
}

func TestDial_ImplicitTLS(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithImplicitTLS())

	c, err := DefaultDialer().Dial(context.Background(), srv.Host, srv.Port, true)
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.isTLS())
	_, err = c.Command("EHLO client.test", 250)
	require.NoError(t, err)

	err = c.StartTLS()
	require.Error(t, err)
	assert.Equal(t, mailerr.KindConnect, mailerr.KindOf(err))
	assert.NotContains(t, srv.Commands(), "STARTTLS")
}

func TestStartTLS_UpgradesInPlace(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.WithStartTLS())

	c, err := DefaultDialer().Dial(context.Background(), srv.Host, srv.Port, false)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Command("EHLO client.test", 250)
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "STARTTLS")

	require.NoError(t, c.StartTLS())
	assert.True(t, c.isTLS())

	resp, err = c.Command("EHLO client.test", 250)
	require.NoError(t, err)
	assert.NotContains(t, resp.Text, "STARTTLS")
	assert.Equal(t, 1, srv.Connections())
}

func TestData_DotStuffing(t *testing.T) {
	srv := smtptest.NewServer(t)

	c, err := DefaultDialer().Dial(context.Background(), srv.Host, srv.Port, false)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Command("EHLO client.test", 250)
	require.NoError(t, err)
	_, err = c.Command("MAIL FROM:<from@example.com>", 250)
	require.NoError(t, err)
	_, err = c.Command("RCPT TO:<to@example.com>", 250)
	require.NoError(t, err)

	_, err = c.Data(func(w io.Writer) error {
		_, err := io.WriteString(w, "Subject: hi\r\n\r\nline one\r\n.leading dot\r\nlast")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, c.Quit())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "from@example.com", msgs[0].From)
	assert.Equal(t, []string{"to@example.com"}, msgs[0].To)
	assert.True(t, strings.Contains(msgs[0].Data, "\r\n.leading dot\r\n"))
	assert.True(t, strings.HasSuffix(msgs[0].Data, "last\r\n"))
}

func TestCommandName(t *testing.T) {
	tests := map[string]string{
		"EHLO host.example":          "EHLO",
		"MAIL FROM:<a@example.com>":  "MAIL FROM",
		"RCPT TO:<b@example.com>":    "RCPT TO",
		"AUTH LOGIN":                 "AUTH LOGIN",
		"dXNlcm5hbWU=":               "AUTH credentials",
		"QUIT":                       "QUIT",
	}
	for line, want := range tests {
		assert.Equal(t, want, commandName(line), line)
	}
}
