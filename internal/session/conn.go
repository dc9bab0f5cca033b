// ABOUTME: Transport abstraction over the client websocket connection
// ABOUTME: Wraps coder/websocket behind a small interface so sessions test without a network

package session

import (
	"context"
	"io"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Conn is the duplex transport a session runs over.
type Conn interface {
	// ReadEvent blocks until the next inbound event or a read error
	// (disconnect, cancellation).
	ReadEvent(ctx context.Context) (*ClientEvent, error)

	// WriteEvent sends one outbound event.
	WriteEvent(ctx context.Context, ev *ServerEvent) error

	// Close closes the transport with a human-readable reason.
	Close(reason string) error
}

// wsConn adapts a coder/websocket connection to Conn.
type wsConn struct {
	ws *websocket.Conn
}

// NewWSConn wraps an accepted websocket connection.
func NewWSConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadEvent(ctx context.Context) (*ClientEvent, error) {
	var ev ClientEvent
	if err := wsjson.Read(ctx, c.ws, &ev); err != nil {
		// Clean closure by the client reads as EOF to the session.
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return &ev, nil
}

func (c *wsConn) WriteEvent(ctx context.Context, ev *ServerEvent) error {
	return wsjson.Write(ctx, c.ws, ev)
}

func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
