// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/cardlobby/internal/protocol"
)

// WSClient is a lobby protocol client for integration testing.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// WSURL converts an http:// base URL and a path into a ws:// URL.
func WSURL(base, path string) string {
	return "ws" + strings.TrimPrefix(base, "http") + path
}

// NewWSClient dials url and returns a test client.
//
// Precondition: url must use the ws or wss scheme and name a listening server.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	return NewWSClientWithHeader(t, url, nil)
}

// NewWSClientWithHeader dials url with extra request headers.
func NewWSClientWithHeader(t *testing.T, url string, header http.Header) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("ws client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send encodes and writes one envelope.
//
// Postcondition: The frame is written or the test fails.
func (c *WSClient) Send(typ string, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		c.t.Fatalf("encoding %q: %v", typ, err)
	}
	c.SendRaw(frame)
}

// SendRaw writes frame as a text message without encoding it.
func (c *WSClient) SendRaw(frame []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("sending %q: %v", frame, err)
	}
}

// Next reads the next envelope.
//
// Postcondition: Returns the decoded envelope, or fails on timeout.
func (c *WSClient) Next(timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading envelope: %v", err)
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		c.t.Fatalf("decoding %q: %v", frame, err)
	}
	return env
}

// ReadUntil reads envelopes until one of type typ arrives, discarding the rest.
//
// Precondition: typ must be non-empty.
// Postcondition: Returns the matching envelope, or fails on timeout.
func (c *WSClient) ReadUntil(typ string, timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []string
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("reading until %q: saw %v, error: %v", typ, seen, err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.t.Fatalf("decoding %q: %v", frame, err)
		}
		if env.Type == typ {
			return env
		}
		seen = append(seen, env.Type)
	}
}

// ReadClose reads until the server closes the socket and returns the close error.
func (c *WSClient) ReadClose(timeout time.Duration) error {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

// Close sends a normal close frame and closes the connection.
func (c *WSClient) Close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.conn.Close()
}
