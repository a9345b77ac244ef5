// Package grpc implements the gRPC caption channel.
//
// The channel opens a bidirectional Exchange stream to the relay and keeps it
// open, reconnecting with backoff. It is the preferred channel for
// low-latency links between services on the same network.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/nadzzz/livecaption/internal/caption"
	"github.com/nadzzz/livecaption/internal/transport"
)

const queueSize = 64

// Channel implements transport.Channel over gRPC.
type Channel struct {
	target string
	room   string
	user   string
	self   string
	opts   []grpc.DialOption
	log    *slog.Logger

	out       chan *caption.Envelope
	connected atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

var _ transport.Channel = (*Channel)(nil)

// New creates a channel to the relay at target (host:port).
func New(target, room, user string, opts ...grpc.DialOption) *Channel {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})))
	return &Channel{
		target: target,
		room:   room,
		user:   user,
		self:   transport.NewSenderID(),
		opts:   opts,
		log:    slog.With("component", "channel", "channel", "grpc"),
		out:    make(chan *caption.Envelope, queueSize),
		closed: make(chan struct{}),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "grpc" }

// Connected reports whether an Exchange stream is open.
func (c *Channel) Connected() bool { return c.connected.Load() }

// Listen keeps an Exchange stream open until ctx is cancelled.
func (c *Channel) Listen(ctx context.Context, handler transport.Handler) error {
	conn, err := grpc.NewClient(c.target, c.opts...)
	if err != nil {
		return fmt.Errorf("grpc client: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := transport.DefaultBackoff()
	for {
		err := c.exchange(ctx, conn, handler, backoff)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		delay := backoff.Next()
		c.log.Warn("relay stream ended", "error", err, "retry_in", delay)
		if !transport.Sleep(ctx, c.closed, delay) {
			return nil
		}
	}
}

func (c *Channel) exchange(ctx context.Context, conn *grpc.ClientConn, handler transport.Handler, backoff *transport.Backoff) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, MetadataRoom, c.room, MetadataUser, c.user)

	stream, err := conn.NewStream(streamCtx, &ServiceDesc.Streams[0], ExchangeMethod, grpc.WaitForReady(true))
	if err != nil {
		return fmt.Errorf("opening exchange: %w", err)
	}
	// Headers arrive once the server accepted the stream.
	if _, err := stream.Header(); err != nil {
		return fmt.Errorf("exchange header: %w", err)
	}

	backoff.Reset()
	c.connected.Store(true)
	c.log.Info("connected to relay", "target", c.target, "room", c.room)
	defer c.drain()

	readErr := make(chan error, 1)
	go func() {
		for {
			env := new(caption.Envelope)
			if err := stream.RecvMsg(env); err != nil {
				readErr <- err
				return
			}
			transport.Deliver(ctx, c.log, *env, c.self, handler)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = stream.CloseSend()
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return errors.New("relay closed the stream")
			}
			return err
		case env := <-c.out:
			if err := stream.SendMsg(env); err != nil {
				return fmt.Errorf("sending caption: %w", err)
			}
		}
	}
}

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
	env, err := caption.SubtitleEnvelope(c.self, ev)
	if err != nil {
		return err
	}
	select {
	case c.out <- &env:
		return nil
	default:
		return transport.ErrQueueFull
	}
}

// Close stops Listen.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
