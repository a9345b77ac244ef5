// Package ws implements the WebSocket caption channel.
//
// The client joins a room on the relay's /ws endpoint and exchanges
// subtitleText envelopes as JSON text frames.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nadzzz/livecaption/internal/caption"
	"github.com/nadzzz/livecaption/internal/transport"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	queueSize    = 64
)

// Channel implements transport.Channel over a WebSocket.
type Channel struct {
	url    string
	room   string
	user   string
	self   string
	dialer *websocket.Dialer
	log    *slog.Logger

	out       chan []byte
	connected atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

var _ transport.Channel = (*Channel)(nil)

// New creates a channel for the relay at rawURL (e.g., ws://host:8080/ws).
func New(rawURL, room, user string) *Channel {
	return &Channel{
		url:    rawURL,
		room:   room,
		user:   user,
		self:   transport.NewSenderID(),
		dialer: websocket.DefaultDialer,
		log:    slog.With("component", "channel", "channel", "ws"),
		out:    make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "ws" }

// Connected reports whether the socket is open.
func (c *Channel) Connected() bool { return c.connected.Load() }

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parsing relay url: %w", err)
	}
	q := u.Query()
	q.Set("room", c.room)
	q.Set("user", c.user)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Listen keeps a connection to the relay open until ctx is cancelled.
func (c *Channel) Listen(ctx context.Context, handler transport.Handler) error {
	target, err := c.endpoint()
	if err != nil {
		return err
	}
	backoff := transport.DefaultBackoff()

	for {
		conn, _, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := backoff.Next()
			c.log.Warn("relay dial failed", "error", err, "retry_in", delay)
			if !transport.Sleep(ctx, c.closed, delay) {
				return nil
			}
			continue
		}

		backoff.Reset()
		c.log.Info("connected to relay", "url", c.url, "room", c.room)
		c.connected.Store(true)
		err = c.serve(ctx, conn, handler)
		c.connected.Store(false)
		c.drain()
		conn.Close()

		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		default:
		}
		c.log.Warn("relay connection lost", "error", err)
		if !transport.Sleep(ctx, c.closed, backoff.Next()) {
			return nil
		}
	}
}

func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, handler transport.Handler) error {
	readErr := make(chan error, 1)

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			transport.DeliverJSON(ctx, c.log, data, c.self, handler)
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeConn(conn)
			return nil
		case <-c.closed:
			c.closeConn(conn)
			return nil
		case err := <-readErr:
			return err
		case data := <-c.out:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("writing caption: %w", err)
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Channel) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// drain discards captions queued for a connection that no longer exists.
func (c *Channel) drain() {
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

// Send enqueues ev. It never blocks.
func (c *Channel) Send(_ context.Context, ev caption.Event) error {
	if !c.Connected() {
		return transport.ErrNotConnected
	}
	data, err := transport.Encode(c.self, ev)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	default:
		return transport.ErrQueueFull
	}
}

// Close stops Listen and closes the connection.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
