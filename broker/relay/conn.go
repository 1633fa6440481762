package relay

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/slatewire/slatewire/address"
)

const (
	// writeWait is the time allowed to write a single message.
	writeWait = 10 * time.Second

	// handshakeWait is the time allowed for the relay to send its
	// challenge after the websocket was opened.
	handshakeWait = 10 * time.Second

	// maxMessageSize is the largest message read from a relay
	// connection.
	maxMessageSize = 4 * 1024 * 1024
)

// conn is a websocket carrying relay protocol messages. Reads must come from
// a single goroutine, writes may come from any.
type conn struct {
	ws *websocket.Conn

	writeMtx sync.Mutex

	// challenge is the string signatures on this connection cover.
	challenge string
}

func newConn(ws *websocket.Conn) *conn {
	ws.SetReadLimit(maxMessageSize)
	return &conn{ws: ws}
}

// dial opens a connection to the relay of addr and reads its challenge.
func dial(ctx context.Context, dialer *websocket.Dialer,
	addr *address.RelayAddress, insecure bool) (*conn, error) {

	ws, resp, err := dialer.DialContext(ctx, relayURL(addr, insecure), nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := newConn(ws)

	deadline := time.Now().Add(handshakeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ws.SetReadDeadline(deadline); err != nil {
		_ = ws.Close()
		return nil, err
	}

	msg, err := c.read()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("no challenge from relay: %w", err)
	}
	if msg.Type != MsgChallenge || msg.Str == "" {
		_ = ws.Close()
		return nil, fmt.Errorf("expected challenge from relay, got %v",
			msg.Type)
	}
	c.challenge = msg.Str

	if err := ws.SetReadDeadline(time.Time{}); err != nil {
		_ = ws.Close()
		return nil, err
	}

	return c, nil
}

// relayURL returns the websocket URL of the relay serving addr.
func relayURL(addr *address.RelayAddress, insecure bool) string {
	scheme := "wss"
	if insecure {
		scheme = "ws"
	}

	u := url.URL{Scheme: scheme, Host: addr.HostPort(), Path: "/"}

	return u.String()
}

func (c *conn) write(msg *Message) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	return c.writeLocked(msg)
}

// writeLocked writes the messages in order.
//
// NOTE: The caller must hold writeMtx.
func (c *conn) writeLocked(msgs ...*Message) error {
	for _, msg := range msgs {
		err := c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err != nil {
			return err
		}

		if err := c.ws.WriteJSON(msg); err != nil {
			return err
		}
	}

	return nil
}

func (c *conn) writeControl(messageType int, data []byte) error {
	return c.ws.WriteControl(
		messageType, data, time.Now().Add(writeWait),
	)
}

func (c *conn) read() (*Message, error) {
	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return nil, err
	}

	return &msg, nil
}

func (c *conn) close() error {
	return c.ws.Close()
}
