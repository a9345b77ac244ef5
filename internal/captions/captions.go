// Package captions moves caption text between the recognizer, the caption
// channel and the display surfaces.
//
// Router handles the local side: recognition results show a speaking
// indicator locally and final text goes out on the channel. Receiver handles
// the remote side: inbound captions are optionally translated and shown.
// Both must be driven from the dispatch loop.
package captions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nadzzz/livecaption/internal/caption"
	"github.com/nadzzz/livecaption/internal/dispatch"
	"github.com/nadzzz/livecaption/internal/display"
	"github.com/nadzzz/livecaption/internal/recognition"
	"github.com/nadzzz/livecaption/internal/translate"
	"github.com/nadzzz/livecaption/internal/transport"
)

// DefaultIndicator is shown on the local surface while the user speaks.
const DefaultIndicator = "Speaking..."

// Outbound is the sending half of a caption channel.
type Outbound interface {
	Connected() bool
	Send(ctx context.Context, ev caption.Event) error
}

// Router forwards local recognition results.
type Router struct {
	user      string
	out       Outbound
	local     *display.Surface
	indicator string
	now       func() time.Time
	log       *slog.Logger
}

// NewRouter creates a router for user. An empty indicator selects
// DefaultIndicator.
func NewRouter(user string, out Outbound, local *display.Surface, indicator string, now func() time.Time) *Router {
	if indicator == "" {
		indicator = DefaultIndicator
	}
	if now == nil {
		now = time.Now
	}
	return &Router{
		user:      user,
		out:       out,
		local:     local,
		indicator: indicator,
		now:       now,
		log:       slog.With("component", "captions", "side", "local"),
	}
}

// HandleResult shows the indicator for any speech and sends final text if
// the channel is connected. Nothing is buffered for later delivery.
func (r *Router) HandleResult(ctx context.Context, res recognition.Result) {
	if strings.TrimSpace(res.Combined()) == "" {
		return
	}
	r.local.Show(r.indicator)

	if !res.Final {
		return
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	ev := caption.NewEvent(text, r.user, r.now())
	r.log.Debug("final result", "text", text)

	if r.out == nil || !r.out.Connected() {
		r.log.Warn("caption dropped, channel not connected")
		return
	}
	if err := r.out.Send(ctx, ev); err != nil {
		if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrQueueFull) {
			r.log.Warn("caption dropped", "reason", err)
			return
		}
		r.log.Error("sending caption failed", "error", err)
	}
}

// Receiver renders captions from the other participant.
type Receiver struct {
	exec       dispatch.Executor
	remote     *display.Surface
	translator translate.Translator
	enabled    func() bool
	preference func() caption.Preference
	timeout    time.Duration
	log        *slog.Logger

	seq uint64
}

// NewReceiver creates a receiver. enabled and preference are read on the loop
// each time a caption arrives or a translation completes. A nil translator
// always shows the original text.
func NewReceiver(exec dispatch.Executor, remote *display.Surface, tr translate.Translator,
	enabled func() bool, preference func() caption.Preference, timeout time.Duration) *Receiver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Receiver{
		exec:       exec,
		remote:     remote,
		translator: tr,
		enabled:    enabled,
		preference: preference,
		timeout:    timeout,
		log:        slog.With("component", "captions", "side", "remote"),
	}
}

// Handle renders ev, translating it first when translation is on. Captions
// that arrive while captioning is disabled are discarded.
func (r *Receiver) Handle(ev caption.Event) {
	if !r.enabled() {
		r.log.Debug("caption discarded, captions disabled", "user", ev.UserName)
		return
	}
	if ev.Empty() {
		return
	}
	r.seq++
	seq := r.seq

	pref := r.preference()
	if !pref.Enabled || r.translator == nil {
		r.remote.Show(ev.Text)
		return
	}

	target := pref.TargetLanguage
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		out, err := r.translator.Translate(ctx, ev.Text, target)
		r.exec.Post(func() { r.render(seq, ev, target, out, err) })
	}()
}

// Reset discards every translation still in flight. Captioner calls it when
// captions are turned off so a later re-enable cannot resurrect them.
func (r *Receiver) Reset() { r.seq++ }

// render runs on the loop once a translation settles. Results for captions
// that were superseded, or that arrive after captions were disabled, are
// discarded.
func (r *Receiver) render(seq uint64, ev caption.Event, target, translated string, err error) {
	if seq != r.seq {
		r.log.Debug("translation superseded", "user", ev.UserName)
		return
	}
	if !r.enabled() {
		return
	}
	if err != nil {
		r.log.Warn("translation failed, showing original", "target", target, "error", err)
		r.remote.Show(ev.Text)
		return
	}

	pref := r.preference()
	if !pref.Enabled || pref.TargetLanguage != target || strings.TrimSpace(translated) == "" {
		r.remote.Show(ev.Text)
		return
	}
	r.remote.Show(translated)
}
