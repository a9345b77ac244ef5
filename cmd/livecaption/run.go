package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nadzzz/livecaption/internal/audio"
	"github.com/nadzzz/livecaption/internal/audio/mic"
	"github.com/nadzzz/livecaption/internal/audio/rtpsrc"
	"github.com/nadzzz/livecaption/internal/caption"
	"github.com/nadzzz/livecaption/internal/captioner"
	"github.com/nadzzz/livecaption/internal/config"
	"github.com/nadzzz/livecaption/internal/control"
	"github.com/nadzzz/livecaption/internal/dispatch"
	"github.com/nadzzz/livecaption/internal/health"
	"github.com/nadzzz/livecaption/internal/recognition"
	"github.com/nadzzz/livecaption/internal/recognition/deepgram"
	"github.com/nadzzz/livecaption/internal/recognition/whisper"
	"github.com/nadzzz/livecaption/internal/translate"
	"github.com/nadzzz/livecaption/internal/transport"
	grpcchannel "github.com/nadzzz/livecaption/internal/transport/grpc"
	mqttchannel "github.com/nadzzz/livecaption/internal/transport/mqtt"
	wschannel "github.com/nadzzz/livecaption/internal/transport/ws"
	"github.com/nadzzz/livecaption/internal/tui"
)

func newRunCmd() *cobra.Command {
	var startCaptions bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a room and caption the call",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logOut, err := loadConfig(cmd, map[string]string{
				"room":                        "room",
				"user.name":                   "user",
				"channel.backend":             "channel",
				"audio.source":                "source",
				"translation.enabled":         "translate",
				"translation.target_language": "lang",
				"tui":                         "tui",
			})
			if err != nil {
				return err
			}
			defer logOut.Close()

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runParticipant(ctx, cfg, startCaptions)
		},
	}
	cmd.Flags().String("room", "", "room to join")
	cmd.Flags().String("user", "", "name shown to the other participant")
	cmd.Flags().String("channel", "", "caption channel: ws, grpc, mqtt or none")
	cmd.Flags().String("source", "", "recognition input: microphone or remote")
	cmd.Flags().Bool("translate", false, "translate remote captions")
	cmd.Flags().String("lang", "", "translation target language code")
	cmd.Flags().Bool("tui", false, "show the terminal UI")
	cmd.Flags().BoolVar(&startCaptions, "captions", false, "enable captions on start")
	return cmd
}

func runParticipant(ctx context.Context, cfg *config.Config, startCaptions bool) error {
	loop := dispatch.New(256)

	channel := newChannel(cfg)
	src, _ := audio.ParseSource(cfg.Audio.Source)

	c := captioner.New(captioner.Config{
		UserName: cfg.User.Name,
		Recognition: recognition.Config{
			RestartDelay:  cfg.Recognition.RestartDelay,
			RecoveryDelay: cfg.Recognition.RecoveryDelay,
		},
		QuietPeriod: cfg.Display.QuietPeriod,
		Indicator:   cfg.Display.SpeakingIndicator,
		Translation: caption.Preference{
			Enabled:        cfg.Translation.Enabled,
			TargetLanguage: cfg.Translation.TargetLanguage,
		},
		TranslationTimeout: cfg.Translation.Timeout,
		PreferRemote:       src == audio.RemoteStream,
	}, loop, loop, newBackendFactory(cfg), rtpsrc.Build, channel, newTranslator(cfg))
	controller := captioner.NewController(c, loop.Do)

	healthServer := health.New(cfg.Server.ControlPort)
	control.New(controller).Register(healthServer)
	healthServer.AddCheck("loop", func() error {
		checkCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return loop.Do(checkCtx, func() {})
	})
	if channel != nil {
		healthServer.AddCheck("channel", func() error {
			if !channel.Connected() {
				return transport.ErrNotConnected
			}
			return nil
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return healthServer.ListenAndServe(gctx) })
	if channel != nil {
		g.Go(func() error {
			slog.Info("starting caption channel", "name", channel.Name(), "room", cfg.Room)
			if err := channel.Listen(gctx, c.InboundHandler()); err != nil {
				return fmt.Errorf("%s channel: %w", channel.Name(), err)
			}
			return nil
		})
	}

	if cfg.Audio.Remote.Listen != "" {
		stream, err := rtpsrc.Listen(cfg.Audio.Remote.Listen)
		if err != nil {
			slog.Warn("remote audio unavailable", "listen", cfg.Audio.Remote.Listen, "error", err)
		} else {
			defer stream.Close()
			slog.Info("remote audio listening", "stream", stream.ID())
			loop.Post(func() { c.DeliverRemoteStream(stream) })
		}
	}
	if startCaptions {
		loop.Post(func() { c.SetCaptions(true) })
	}

	healthServer.SetReady(true)
	slog.Info("livecaption ready",
		"user", cfg.User.Name,
		"room", cfg.Room,
		"channel", cfg.Channel.Backend,
		"control_port", cfg.Server.ControlPort)

	if cfg.TUI {
		g.Go(func() error {
			initial, err := controller.View(gctx)
			if err != nil {
				return err
			}
			subscribe := func(fn func(captioner.View)) {
				loop.Post(func() {
					c.Subscribe(fn)
					fn(c.View())
				})
			}
			if err := tui.Run(gctx, controller, initial, subscribe); err != nil {
				return err
			}
			// Quitting the UI ends the session.
			return errUserQuit
		})
	}

	err := g.Wait()
	if errors.Is(err, errUserQuit) {
		err = nil
	}

	// The loop has exited; shutdown runs on this goroutine alone.
	if serr := c.Shutdown(); serr != nil {
		slog.Error("captioner shutdown error", "error", serr)
	}
	if channel != nil {
		if cerr := channel.Close(); cerr != nil {
			slog.Error("channel close error", "name", channel.Name(), "error", cerr)
		}
	}
	slog.Info("livecaption stopped")
	return err
}

var errUserQuit = errors.New("terminal UI closed")

// newChannel returns nil when captions stay local.
func newChannel(cfg *config.Config) transport.Channel {
	switch cfg.Channel.Backend {
	case "ws":
		return wschannel.New(cfg.Channel.WS.URL, cfg.Room, cfg.User.Name)
	case "grpc":
		return grpcchannel.New(cfg.Channel.GRPC.Target, cfg.Room, cfg.User.Name)
	case "mqtt":
		return mqttchannel.New(cfg.Channel.MQTT.Broker, cfg.Channel.MQTT.TopicPrefix, cfg.Room, cfg.User.Name)
	default:
		return nil
	}
}

func newTranslator(cfg *config.Config) translate.Translator {
	if cfg.Translation.Backend != "google" {
		return nil
	}
	return translate.NewGoogle(cfg.Translation.Endpoint, cfg.Translation.Timeout)
}

// newBackendFactory returns nil when recognition is switched off, which the
// captioner reports as unsupported.
func newBackendFactory(cfg *config.Config) captioner.BackendFactory {
	switch cfg.Recognition.Backend {
	case "deepgram":
		dg := deepgram.Config{
			APIKey:   cfg.Recognition.Deepgram.APIKey,
			Endpoint: cfg.Recognition.Deepgram.Endpoint,
			Model:    cfg.Recognition.Deepgram.Model,
			Language: cfg.Recognition.Deepgram.Language,
		}
		return func(sink recognition.Sink) recognition.Backend {
			return deepgram.New(dg, sink, deepgram.WithMicrophone(mic.OpenNode))
		}
	case "whisper":
		wc := whisper.Config{
			Endpoint:  cfg.Recognition.Whisper.Endpoint,
			APIKey:    cfg.Recognition.Whisper.APIKey,
			Model:     cfg.Recognition.Whisper.Model,
			Language:  cfg.Recognition.Whisper.Language,
			Flavor:    cfg.Recognition.Whisper.Flavor,
			Chunk:     cfg.Recognition.Whisper.Chunk,
			VADFilter: cfg.Recognition.Whisper.VADFilter,
		}
		return func(sink recognition.Sink) recognition.Backend {
			return whisper.New(wc, sink, whisper.WithMicrophone(mic.OpenNode))
		}
	default:
		return nil
	}
}
