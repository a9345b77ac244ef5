// Package mqtt implements the MQTT caption channel.
//
// Captions for a room are published to "<prefix>/<room>/captions" and every
// participant subscribes to the same topic. The broker plays the part of the
// relay, so echoes of our own publishes are filtered by sender id.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/nadzzz/livecaption/internal/caption"
	"github.com/nadzzz/livecaption/internal/transport"
)

// Channel implements transport.Channel over MQTT.
type Channel struct {
	broker string
	topic  string
	user   string
	self   string
	log    *slog.Logger

	mu     sync.Mutex
	client paho.Client

	closed    chan struct{}
	closeOnce sync.Once
}

var _ transport.Channel = (*Channel)(nil)

// New creates a channel for room on the given broker.
func New(broker, topicPrefix, room, user string) *Channel {
	return &Channel{
		broker: broker,
		topic:  Topic(topicPrefix, room),
		user:   user,
		self:   transport.NewSenderID(),
		log:    slog.With("component", "channel", "channel", "mqtt"),
		closed: make(chan struct{}),
	}
}

// Topic returns the caption topic of a room.
func Topic(prefix, room string) string {
	return fmt.Sprintf("%s/%s/captions", prefix, room)
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "mqtt" }

// Connected reports whether the broker connection is up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnectionOpen()
}

func (c *Channel) options(ctx context.Context, handler transport.Handler) *paho.ClientOptions {
	onMessage := func(_ paho.Client, m paho.Message) {
		transport.DeliverJSON(ctx, c.log, m.Payload(), c.self, handler)
	}

	opts := paho.NewClientOptions().
		AddBroker(c.broker).
		SetClientID("livecaption-" + c.self[:8]).
		SetUsername(c.user).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false)

	// Subscriptions do not survive a clean-session reconnect.
	opts.SetOnConnectHandler(func(cl paho.Client) {
		c.log.Info("connected to broker", "broker", c.broker, "topic", c.topic)
		tok := cl.Subscribe(c.topic, 0, onMessage)
		go func() {
			if tok.Wait() && tok.Error() != nil {
				c.log.Error("subscribe failed", "topic", c.topic, "error", tok.Error())
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.log.Warn("broker connection lost", "error", err)
	})
	return opts
}

// Listen connects to the broker and subscribes to the room topic. It blocks
// until ctx is cancelled or Close is called.
func (c *Channel) Listen(ctx context.Context, handler transport.Handler) error {
	client := paho.NewClient(c.options(ctx, handler))
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	// With ConnectRetry the token only completes once connected, so it is not
	// waited on here.
	client.Connect()

	select {
	case <-ctx.Done():
	case <-c.closed:
	}
	client.Disconnect(250)
	c.log.Info("mqtt channel closed")
	return nil
}

// Send publishes ev without waiting for the broker.
func (c *Channel) Send(_ context.Context, ev caption.Event) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return transport.ErrNotConnected
	}
	data, err := transport.Encode(c.self, ev)
	if err != nil {
		return err
	}
	client.Publish(c.topic, 0, false, data)
	return nil
}

// Close disconnects from the broker.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
