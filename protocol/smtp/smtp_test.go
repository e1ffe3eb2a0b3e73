package smtp_test

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/aoxd/aoxd/log"
	smtpproto "github.com/aoxd/aoxd/protocol/smtp"
	"github.com/stretchr/testify/require"
)

func testDeps() smtpproto.Deps {
	return smtpproto.Deps{
		Users: map[string]string{"alice": "secret"},
		Log:   log.Logger{Name: "smtp-test"},
	}
}

func drive(t *testing.T, c *smtpproto.Conn, out *bytes.Buffer, lines ...string) string {
	t.Helper()
	var before int
	for _, line := range lines {
		before = out.Len()
		require.NoError(t, c.Feed([]byte(line+"\r\n")))
		require.Eventually(t, func() bool { return out.Len() > before }, time.Second, time.Millisecond)
	}
	return out.String()
}

func plainIR(authzid, user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(authzid + "\x00" + user + "\x00" + pass))
}

func TestConn_GreetsOnConnect(t *testing.T) {
	var out bytes.Buffer
	c := smtpproto.NewConn(testDeps(), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	require.Contains(t, out.String(), "220 aoxd ESMTP ready")
}

// TestConn_AuthFailureThenRetrySucceeds exercises spec §8's "SMTP AUTH
// failure path": a bad AUTH PLAIN gets 535 without closing the
// connection, and a subsequent valid AUTH on the same connection
// succeeds.
func TestConn_AuthFailureThenRetrySucceeds(t *testing.T) {
	var out bytes.Buffer
	c := smtpproto.NewConn(testDeps(), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	resp := drive(t, c, &out, `EHLO client.example`)
	require.Contains(t, resp, "250-aoxd greets client.example")
	out.Reset()

	resp = drive(t, c, &out, `AUTH PLAIN `+plainIR("", "alice", "wrong"))
	require.Contains(t, resp, "535 5.0.0 Authentication failed")
	require.False(t, c.Done())
	out.Reset()

	resp = drive(t, c, &out, `AUTH PLAIN `+plainIR("", "alice", "secret"))
	require.Contains(t, resp, "235 2.0.0 OK")
	out.Reset()

	resp = drive(t, c, &out, `MAIL FROM:<alice@example.com>`)
	require.Contains(t, resp, "250 2.1.0 OK")
	out.Reset()

	resp = drive(t, c, &out, `RCPT TO:<bob@example.com>`)
	require.Contains(t, resp, "250 2.1.5 OK")
	out.Reset()

	resp = drive(t, c, &out, `QUIT`)
	require.Contains(t, resp, "221 2.0.0 aoxd closing connection")
	require.Eventually(t, func() bool { return c.Done() }, time.Second, time.Millisecond)
}

func TestConn_MailRequiresAuth(t *testing.T) {
	var out bytes.Buffer
	c := smtpproto.NewConn(testDeps(), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	resp := drive(t, c, &out, `MAIL FROM:<alice@example.com>`)
	require.Contains(t, resp, "530 5.7.0 authentication required")
}

func TestConn_RcptRequiresMailFirst(t *testing.T) {
	var out bytes.Buffer
	c := smtpproto.NewConn(testDeps(), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	resp := drive(t, c, &out, `RCPT TO:<bob@example.com>`)
	require.Contains(t, resp, "503 5.5.1 MAIL FROM required before RCPT TO")
}
