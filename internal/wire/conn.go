package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	DefaultSendBuffer = 256
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is a websocket connection with a buffered, single-writer outbound
// queue. Messages sent on one Conn are written in Send order.
type Conn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, buffer int) *Conn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Conn{
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Send queues env for writing without blocking.
func (c *Conn) Send(env Envelope) error {
	const fn = "Conn:Send"
	select {
	case <-c.done:
		return fmt.Errorf("%s:%w", fn, ErrClosed)
	default:
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrEncode, err)
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return fmt.Errorf("%s:%w", fn, ErrClosed)
	default:
		return fmt.Errorf("%s:%w", fn, ErrSendBufferFull)
	}
}

// Close is safe to call more than once and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.ws.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// ReadLoop decodes inbound envelopes and passes them to handle until the
// peer goes away, the context ends or the connection is closed.
func (c *Conn) ReadLoop(ctx context.Context, handle func(Envelope)) error {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			slog.InfoContext(ctx, "Dropping malformed envelope", "remote_addr", c.RemoteAddr(), "error", err)
			continue
		}
		handle(env)
	}
}

// WritePump owns all data writes to the socket; run it in its own goroutine.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Info("WebSocket write failed", "remote_addr", c.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Info("WebSocket ping failed", "remote_addr", c.RemoteAddr(), "error", err)
				return
			}
		}
	}
}
