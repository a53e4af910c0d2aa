// Package signal implements the client side of the signaling relay: a
// single WebSocket connection used to obtain the local identity and to
// exchange opaque negotiation payloads with other peers. Once direct data
// channels are up, no object traffic flows through here.
package signal

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/scenesync/pkg/protocol"
)

// Client is one connection to the signaling relay.
type Client struct {
	conn         *websocket.Conn
	connMu       sync.Mutex
	msgChan      chan []byte
	done         chan struct{}
	onDisconnect func()
	closed       bool
	closeMu      sync.Mutex
}

// Dial opens the relay connection for a session. The endpoint is the full
// websocket URL including the room path. There is no automatic retry; an
// unreachable relay surfaces as a ConnectionError.
func Dial(endpoint string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, &protocol.ConnectionError{Endpoint: endpoint, Err: err}
	}
	return NewClient(conn), nil
}

// NewClient wraps an established relay connection and starts reading.
func NewClient(conn *websocket.Conn) *Client {
	c := &Client{
		conn:    conn,
		msgChan: make(chan []byte, 100),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer func() {
		close(c.msgChan)
		c.closeMu.Lock()
		if c.onDisconnect != nil && !c.closed {
			c.onDisconnect()
		}
		c.closeMu.Unlock()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("signal: relay read error: %v", err)
			return
		}
		select {
		case c.msgChan <- data:
		case <-c.done:
			return
		}
	}
}

// Messages returns the channel of incoming raw relay messages. It is closed
// when the relay connection ends.
func (c *Client) Messages() <-chan []byte {
	return c.msgChan
}

// Send writes one relay message.
func (c *Client) Send(msg *protocol.RelayMessage) error {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// SetDisconnectHandler sets the callback for when the relay connection is
// lost rather than closed locally.
func (c *Client) SetDisconnectHandler(handler func()) {
	c.closeMu.Lock()
	c.onDisconnect = handler
	c.closeMu.Unlock()
}

// Close shuts down the relay connection. Idempotent.
func (c *Client) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		c.conn.Close()
	}
}
