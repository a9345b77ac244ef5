// Package transport defines the interface for pluggable caption channels.
//
// A channel connects this participant to the other side of the call through
// a relay (WebSocket, gRPC or MQTT). Outbound captions are best effort: they
// are dropped when the channel is not connected. Inbound captions are handed
// to a Handler on the channel's own goroutine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nadzzz/livecaption/internal/caption"
)

var (
	// ErrNotConnected is returned by Send while the channel has no live
	// connection. The caption is dropped.
	ErrNotConnected = errors.New("caption channel not connected")

	// ErrQueueFull is returned by Send when the outbound queue is full.
	ErrQueueFull = errors.New("caption channel queue full")
)

// Handler receives captions sent by other participants.
type Handler func(ctx context.Context, ev caption.Event)

// Channel is the interface that every caption channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g., "ws", "grpc", "mqtt").
	Name() string

	// Listen connects, reconnecting with backoff, and delivers inbound
	// captions to handler. It blocks until ctx is cancelled or Close is called.
	Listen(ctx context.Context, handler Handler) error

	// Send enqueues ev for delivery without waiting for it.
	Send(ctx context.Context, ev caption.Event) error

	// Connected reports whether a connection is currently established.
	Connected() bool

	// Close shuts the channel down.
	Close() error
}

// NewSenderID returns an identifier used to recognize our own echoes.
func NewSenderID() string { return uuid.NewString() }

// Encode wraps ev in a subtitleText envelope from sender.
func Encode(sender string, ev caption.Event) ([]byte, error) {
	env, err := caption.SubtitleEnvelope(sender, ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Deliver dispatches an inbound envelope. Envelopes from self are dropped.
func Deliver(ctx context.Context, log *slog.Logger, env caption.Envelope, self string, handler Handler) {
	if env.Sender != "" && env.Sender == self {
		return
	}
	switch env.Type {
	case caption.TypeSubtitle:
		ev, err := env.Caption()
		if err != nil {
			log.Warn("dropping malformed caption", "error", err)
			return
		}
		handler(ctx, ev)
	case caption.TypePeerHangup:
		log.Info("peer hung up", "sender", env.Sender)
	default:
		log.Debug("ignoring envelope", "type", env.Type)
	}
}

// DeliverJSON decodes data as an envelope and dispatches it.
func DeliverJSON(ctx context.Context, log *slog.Logger, data []byte, self string, handler Handler) {
	var env caption.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn("dropping undecodable message", "error", err)
		return
	}
	Deliver(ctx, log, env, self, handler)
}

// Backoff produces capped exponential reconnect delays.
type Backoff struct {
	Min, Max time.Duration
	next     time.Duration
}

// DefaultBackoff returns the 1s..60s reconnect policy.
func DefaultBackoff() *Backoff { return &Backoff{Min: time.Second, Max: time.Minute} }

// Next returns the delay before the next attempt and doubles the following one.
func (b *Backoff) Next() time.Duration {
	if b.next < b.Min {
		b.next = b.Min
	}
	d := b.next
	b.next = min(b.next*2, b.Max)
	return d
}

// Reset restarts the sequence after a successful connection.
func (b *Backoff) Reset() { b.next = 0 }

// Sleep waits for d and reports false if ctx or done ended first.
func Sleep(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-done:
		return false
	}
}
