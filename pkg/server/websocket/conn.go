// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// Conn wraps a frontend websocket.Conn. Writes are serialized and Close is
// idempotent, so both relay directions and a session takeover can use it
// concurrently.
type Conn struct {
	*websocket.Conn
	wio  sync.Mutex
	once sync.Once
}

// NewConn wraps ws.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{Conn: ws}
}

// WriteText writes msg as one text message.
func (c *Conn) WriteText(msg string) error {
	c.wio.Lock()
	defer c.wio.Unlock()
	return c.WriteMessage(websocket.TextMessage, []byte(msg))
}

// ReadText returns the payload of the next data message. Binary messages
// are treated as text.
func (c *Conn) ReadText() (string, error) {
	for {
		typ, data, err := c.ReadMessage()
		if err != nil {
			return "", err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

// CloseWith sends a close frame with code and reason, then closes the
// connection.
func (c *Conn) CloseWith(code int, reason string) error {
	var err error
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = c.Conn.Close()
	})
	return err
}

// Close closes the connection with a normal closure.
func (c *Conn) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}
