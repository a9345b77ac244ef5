package captioner

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadzzz/livecaption/internal/audio"
)

// ErrUnavailable is returned by Controller calls once the loop has stopped.
var ErrUnavailable = errors.New("captioner unavailable")

// DoFunc runs fn on the dispatch loop and waits for it, like dispatch.Loop.Do.
type DoFunc func(ctx context.Context, fn func()) error

// Controller exposes the user intents of a Captioner to other goroutines.
// Every call runs on the loop and returns the resulting View.
type Controller struct {
	c  *Captioner
	do DoFunc
}

// NewController wraps c.
func NewController(c *Captioner, do DoFunc) *Controller {
	return &Controller{c: c, do: do}
}

func (k *Controller) run(ctx context.Context, fn func() error) (View, error) {
	var (
		v     View
		opErr error
	)
	if err := k.do(ctx, func() {
		opErr = fn()
		v = k.c.View()
	}); err != nil {
		return View{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, opErr
}

// View returns the current snapshot.
func (k *Controller) View(ctx context.Context) (View, error) {
	return k.run(ctx, func() error { return nil })
}

// SetCaptions turns captioning on or off.
func (k *Controller) SetCaptions(ctx context.Context, on bool) (View, error) {
	return k.run(ctx, func() error { k.c.SetCaptions(on); return nil })
}

// ToggleCaptions flips captioning.
func (k *Controller) ToggleCaptions(ctx context.Context) (View, error) {
	return k.run(ctx, func() error { k.c.ToggleCaptions(); return nil })
}

// ToggleTranslation flips translation.
func (k *Controller) ToggleTranslation(ctx context.Context) (View, error) {
	return k.run(ctx, func() error { k.c.ToggleTranslation(); return nil })
}

// SetLanguage sets the translation target.
func (k *Controller) SetLanguage(ctx context.Context, code string) (View, error) {
	return k.run(ctx, func() error { return k.c.SetLanguage(code) })
}

// CycleLanguage moves to the next translation target.
func (k *Controller) CycleLanguage(ctx context.Context) (View, error) {
	return k.run(ctx, func() error { k.c.CycleLanguage(); return nil })
}

// SelectSource switches the recognition input.
func (k *Controller) SelectSource(ctx context.Context, src audio.Source) (View, error) {
	return k.run(ctx, func() error { return k.c.SelectSource(src) })
}
