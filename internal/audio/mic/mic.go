// Package mic captures the default input device as an audio.Node.
package mic

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/nadzzz/livecaption/internal/audio"
)

// Node is a running microphone capture.
type Node struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	frames chan []byte

	closeOnce sync.Once
}

// Open starts capturing the default input device as 16-bit mono PCM.
func Open() (*Node, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo context: %w", err)
	}

	n := &Node{ctx: ctx, frames: make(chan []byte, 64)}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = audio.Channels
	cfg.SampleRate = audio.SampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			frame := make([]byte, len(input))
			copy(frame, input)
			select {
			case n.frames <- frame:
			default:
			}
		},
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	n.device = device
	return n, nil
}

// OpenNode adapts Open to the signature recognition backends expect.
func OpenNode() (audio.Node, error) { return Open() }

func (n *Node) ID() string { return "microphone" }

func (n *Node) Frames() <-chan []byte { return n.frames }

// Close stops the capture device and releases the audio context.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		_ = n.device.Stop()
		n.device.Uninit()
		_ = n.ctx.Uninit()
		n.ctx.Free()
	})
	return nil
}
