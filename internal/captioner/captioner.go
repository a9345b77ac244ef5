// Package captioner wires the recognition session, the caption channel and
// the display surfaces into one captioning participant.
//
// A Captioner holds all mutable session context (caption and translation
// preferences, surfaces, recognition state). Its methods must run on the
// dispatch loop; Controller is the goroutine-safe front used by the control
// API and the terminal UI.
package captioner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadzzz/livecaption/internal/audio"
	"github.com/nadzzz/livecaption/internal/caption"
	"github.com/nadzzz/livecaption/internal/captions"
	"github.com/nadzzz/livecaption/internal/dispatch"
	"github.com/nadzzz/livecaption/internal/display"
	"github.com/nadzzz/livecaption/internal/recognition"
	"github.com/nadzzz/livecaption/internal/translate"
	"github.com/nadzzz/livecaption/internal/transport"
)

// Config holds the participant settings.
type Config struct {
	UserName string

	Recognition recognition.Config

	QuietPeriod time.Duration
	Indicator   string

	Translation        caption.Preference
	TranslationTimeout time.Duration

	// PreferRemote switches recognition to a remote stream as soon as one is
	// delivered.
	PreferRemote bool
}

// BackendFactory builds the recognition backend around the sink the
// captioner provides. Returning nil marks recognition as unsupported.
type BackendFactory func(sink recognition.Sink) recognition.Backend

// View is a snapshot of everything the UI renders.
type View struct {
	Status           recognition.Status `json:"status"`
	State            string             `json:"state"`
	CaptionsEnabled  bool               `json:"captions_enabled"`
	Source           string             `json:"source"`
	RemoteAvailable  bool               `json:"remote_available"`
	Local            display.Snapshot   `json:"local"`
	Remote           display.Snapshot   `json:"remote"`
	Translation      caption.Preference `json:"translation"`
	Channel          string             `json:"channel"`
	ChannelConnected bool               `json:"channel_connected"`
}

// Captioner is one captioning participant.
type Captioner struct {
	cfg     Config
	exec    dispatch.Executor
	sched   dispatch.Scheduler
	channel transport.Channel
	log     *slog.Logger

	router   *audio.Router
	session  *recognition.Session
	local    *display.Surface
	remote   *display.Surface
	outgoing *captions.Router
	incoming *captions.Receiver

	pref        caption.Preference
	subscribers []func(View)
}

// New assembles a captioner. Backend events and inbound captions are posted
// to exec; timers are armed on sched.
func New(cfg Config, exec dispatch.Executor, sched dispatch.Scheduler, newBackend BackendFactory,
	build audio.Builder, channel transport.Channel, tr translate.Translator) *Captioner {
	c := &Captioner{
		cfg:     cfg,
		exec:    exec,
		sched:   sched,
		channel: channel,
		log:     slog.With("component", "captioner", "user", cfg.UserName),
		pref:    cfg.Translation,
	}
	if c.pref.TargetLanguage == "" {
		c.pref.TargetLanguage = caption.DefaultLanguage
	}

	var backend recognition.Backend
	if newBackend != nil {
		backend = newBackend(func(ev recognition.Event) {
			c.exec.Post(func() { c.session.Handle(ev) })
		})
	}

	surfaceOpts := []display.Option{
		display.WithQuietPeriod(cfg.QuietPeriod),
		display.WithOnChange(func(display.Snapshot) { c.changed() }),
	}
	c.local = display.New("local", sched, c.CaptionsEnabled, surfaceOpts...)
	c.remote = display.New("remote", sched, c.CaptionsEnabled, surfaceOpts...)

	c.router = audio.NewRouter(build)
	c.session = recognition.NewSession(backend, c.router, sched, cfg.Recognition,
		recognition.WithResults(func(r recognition.Result) {
			c.outgoing.HandleResult(context.Background(), r)
		}),
		recognition.WithStatus(func(st recognition.Status) {
			c.log.Info("status changed", "kind", st.Kind, "message", st.Message)
			c.changed()
		}),
	)

	var out captions.Outbound
	if channel != nil {
		out = channel
	}
	c.outgoing = captions.NewRouter(cfg.UserName, out, c.local, cfg.Indicator, sched.Now)
	c.incoming = captions.NewReceiver(exec, c.remote, tr, c.CaptionsEnabled, c.Preference, cfg.TranslationTimeout)
	return c
}

// InboundHandler returns the handler to pass to the channel's Listen. It
// moves each caption onto the loop.
func (c *Captioner) InboundHandler() transport.Handler {
	return func(_ context.Context, ev caption.Event) {
		c.exec.Post(func() { c.incoming.Handle(ev) })
	}
}

// Subscribe registers fn to receive a View after every change.
func (c *Captioner) Subscribe(fn func(View)) {
	c.subscribers = append(c.subscribers, fn)
}

func (c *Captioner) changed() {
	if len(c.subscribers) == 0 {
		return
	}
	v := c.View()
	for _, fn := range c.subscribers {
		fn(v)
	}
}

// CaptionsEnabled reports the user's captioning intent.
func (c *Captioner) CaptionsEnabled() bool { return c.session.Enabled() }

// Preference returns the translation preference.
func (c *Captioner) Preference() caption.Preference { return c.pref }

// SetCaptions turns captioning on or off. Turning it off clears and hides
// both surfaces.
func (c *Captioner) SetCaptions(on bool) {
	if on {
		c.log.Info("captions enabled")
		c.session.Enable()
		if !c.session.Enabled() {
			return
		}
		c.local.Reveal()
		c.remote.Reveal()
	} else {
		c.log.Info("captions disabled")
		c.session.Disable()
		c.incoming.Reset()
		c.local.Hide()
		c.remote.Hide()
	}
	c.changed()
}

// ToggleCaptions flips the captioning intent.
func (c *Captioner) ToggleCaptions() { c.SetCaptions(!c.session.Enabled()) }

// SetTranslation turns translation of remote captions on or off.
func (c *Captioner) SetTranslation(on bool) {
	if c.pref.Enabled == on {
		return
	}
	c.pref.Enabled = on
	c.log.Info("translation toggled", "enabled", on, "target", c.pref.TargetLanguage)
	c.changed()
}

// ToggleTranslation flips translation.
func (c *Captioner) ToggleTranslation() { c.SetTranslation(!c.pref.Enabled) }

// SetLanguage sets the translation target.
func (c *Captioner) SetLanguage(code string) error {
	lang, err := caption.LookupLanguage(code)
	if err != nil {
		return err
	}
	if c.pref.TargetLanguage == lang.Code {
		return nil
	}
	c.pref.TargetLanguage = lang.Code
	c.log.Info("target language changed", "language", lang.Code)
	c.changed()
	return nil
}

// CycleLanguage moves to the next translation target.
func (c *Captioner) CycleLanguage() {
	_ = c.SetLanguage(caption.NextLanguage(c.pref.TargetLanguage).Code)
}

// SelectSource switches the recognition input.
func (c *Captioner) SelectSource(src audio.Source) error {
	switch src {
	case audio.Microphone:
		c.session.SelectMicrophone()
	case audio.RemoteStream:
		if err := c.session.SelectRemote(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown audio source %v", src)
	}
	c.changed()
	return nil
}

// DeliverRemoteStream hands over the other participant's audio.
func (c *Captioner) DeliverRemoteStream(st audio.Stream) {
	c.log.Info("remote stream delivered", "stream", st.ID())
	if c.cfg.PreferRemote {
		c.session.SelectRemoteStream(st)
	} else {
		c.session.OfferRemoteStream(st)
	}
	c.changed()
}

// View returns the current snapshot.
func (c *Captioner) View() View {
	v := View{
		Status:          c.session.Status(),
		State:           c.session.State().String(),
		CaptionsEnabled: c.session.Enabled(),
		Source:          c.session.Source().String(),
		RemoteAvailable: c.session.RemoteAvailable(),
		Local:           c.local.Snapshot(),
		Remote:          c.remote.Snapshot(),
		Translation:     c.pref,
	}
	if c.channel != nil {
		v.Channel = c.channel.Name()
		v.ChannelConnected = c.channel.Connected()
	}
	return v
}

// Shutdown stops recognition and releases audio nodes.
func (c *Captioner) Shutdown() error {
	c.session.Disable()
	if err := c.router.Close(); err != nil {
		return fmt.Errorf("closing audio nodes: %w", err)
	}
	return nil
}
