// Package config handles loading and validating the livecaption configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nadzzz/livecaption/internal/audio"
	"github.com/nadzzz/livecaption/internal/caption"
)

// Config is the root configuration for both the participant and the relay.
type Config struct {
	User        UserConfig        `mapstructure:"user"`
	Room        string            `mapstructure:"room"`
	Server      ServerConfig      `mapstructure:"server"`
	Channel     ChannelConfig     `mapstructure:"channel"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Audio       AudioConfig       `mapstructure:"audio"`
	Display     DisplayConfig     `mapstructure:"display"`
	Translation TranslationConfig `mapstructure:"translation"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	TUI         bool              `mapstructure:"tui"`
}

// UserConfig identifies the local participant.
type UserConfig struct {
	Name string `mapstructure:"name"`
}

// ServerConfig holds the participant's health and control server settings.
type ServerConfig struct {
	ControlPort int `mapstructure:"control_port"`
}

// ChannelConfig selects the caption channel.
type ChannelConfig struct {
	Backend string            `mapstructure:"backend"` // "ws", "grpc", "mqtt" or "none"
	WS      WSChannelConfig   `mapstructure:"ws"`
	GRPC    GRPCChannelConfig `mapstructure:"grpc"`
	MQTT    MQTTChannelConfig `mapstructure:"mqtt"`
}

// WSChannelConfig configures the WebSocket channel.
type WSChannelConfig struct {
	URL string `mapstructure:"url"`
}

// GRPCChannelConfig configures the gRPC channel.
type GRPCChannelConfig struct {
	Target string `mapstructure:"target"`
}

// MQTTChannelConfig configures the MQTT channel.
type MQTTChannelConfig struct {
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// RecognitionConfig selects the speech recognition backend and its restart
// policy.
type RecognitionConfig struct {
	Backend       string         `mapstructure:"backend"` // "deepgram", "whisper" or "none"
	RestartDelay  time.Duration  `mapstructure:"restart_delay"`
	RecoveryDelay time.Duration  `mapstructure:"recovery_delay"`
	Deepgram      DeepgramConfig `mapstructure:"deepgram"`
	Whisper       WhisperConfig  `mapstructure:"whisper"`
}

// DeepgramConfig holds Deepgram live API settings.
type DeepgramConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"` // BCP-47, e.g. "en-US"
}

// WhisperConfig holds settings for Whisper-compatible transcription endpoints.
type WhisperConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	Language  string        `mapstructure:"language"` // ISO-639-1, e.g. "en"
	Flavor    string        `mapstructure:"flavor"`   // "openai" or "asr"
	Chunk     time.Duration `mapstructure:"chunk"`
	VADFilter bool          `mapstructure:"vad_filter"`
}

// AudioConfig selects the initial recognition input.
type AudioConfig struct {
	Source string            `mapstructure:"source"` // "microphone" or "remote"
	Remote RemoteAudioConfig `mapstructure:"remote"`
}

// RemoteAudioConfig configures the RTP listener that receives the other
// participant's audio. An empty Listen disables it.
type RemoteAudioConfig struct {
	Listen string `mapstructure:"listen"`
}

// DisplayConfig configures the caption surfaces.
type DisplayConfig struct {
	QuietPeriod       time.Duration `mapstructure:"quiet_period"`
	SpeakingIndicator string        `mapstructure:"speaking_indicator"`
}

// TranslationConfig configures translation of remote captions.
type TranslationConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	TargetLanguage string        `mapstructure:"target_language"`
	Backend        string        `mapstructure:"backend"` // "google" or "none"
	Endpoint       string        `mapstructure:"endpoint"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// RelayConfig holds the relay server ports.
type RelayConfig struct {
	HTTPPort   int `mapstructure:"http_port"`
	GRPCPort   int `mapstructure:"grpc_port"`
	HealthPort int `mapstructure:"health_port"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text, console
	File   string `mapstructure:"file"`   // empty logs to stdout
}

// Option adjusts the viper instance before the configuration is decoded,
// typically to bind command-line flags.
type Option func(v *viper.Viper) error

func defaultUserName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "anonymous"
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./livecaption.yaml, ./configs/livecaption.yaml,
// /etc/livecaption/livecaption.yaml. A .env file in the working directory is
// loaded first when present.
func Load(configFile string, opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()

	// Defaults
	v.SetDefault("user.name", defaultUserName())
	v.SetDefault("room", "lobby")
	v.SetDefault("server.control_port", 8081)
	v.SetDefault("channel.backend", "ws")
	v.SetDefault("channel.ws.url", "ws://localhost:8080/ws")
	v.SetDefault("channel.grpc.target", "localhost:50051")
	v.SetDefault("channel.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("channel.mqtt.topic_prefix", "livecaption")
	v.SetDefault("recognition.backend", "deepgram")
	v.SetDefault("recognition.restart_delay", "1s")
	v.SetDefault("recognition.recovery_delay", "5s")
	v.SetDefault("recognition.deepgram.endpoint", "wss://api.deepgram.com/v1/listen")
	v.SetDefault("recognition.deepgram.model", "nova-2")
	v.SetDefault("recognition.deepgram.language", "en-US")
	v.SetDefault("recognition.whisper.endpoint", "https://api.openai.com/v1/audio/transcriptions")
	v.SetDefault("recognition.whisper.model", "whisper-1")
	v.SetDefault("recognition.whisper.language", "en")
	v.SetDefault("recognition.whisper.flavor", "openai")
	v.SetDefault("recognition.whisper.chunk", "4s")
	v.SetDefault("recognition.whisper.vad_filter", false)
	v.SetDefault("audio.source", "microphone")
	v.SetDefault("audio.remote.listen", ":5004")
	v.SetDefault("display.quiet_period", "3s")
	v.SetDefault("display.speaking_indicator", "Speaking...")
	v.SetDefault("translation.enabled", false)
	v.SetDefault("translation.target_language", caption.DefaultLanguage)
	v.SetDefault("translation.backend", "google")
	v.SetDefault("translation.endpoint", "https://translate.googleapis.com/translate_a/single")
	v.SetDefault("translation.timeout", "5s")
	v.SetDefault("relay.http_port", 8080)
	v.SetDefault("relay.grpc_port", 50051)
	v.SetDefault("relay.health_port", 8082)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("tui", false)

	// Config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("livecaption")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/livecaption")
	}

	// Environment variables: LIVECAPTION_ROOM, LIVECAPTION_RECOGNITION_DEEPGRAM_API_KEY, etc.
	v.SetEnvPrefix("LIVECAPTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, fmt.Errorf("applying config option: %w", err)
		}
	}

	// Read config file (optional, env vars and defaults are sufficient)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Resolve env var references in sensitive fields (e.g., "${DEEPGRAM_API_KEY}")
	cfg.Recognition.Deepgram.APIKey = resolveEnvRef(cfg.Recognition.Deepgram.APIKey)
	cfg.Recognition.Whisper.APIKey = resolveEnvRef(cfg.Recognition.Whisper.APIKey)

	return &cfg, nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// Validate checks the settings used by the captioning participant.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.User.Name) == "" {
		errs = append(errs, errors.New("user.name is required"))
	}
	if strings.TrimSpace(c.Room) == "" {
		errs = append(errs, errors.New("room is required"))
	}

	switch c.Channel.Backend {
	case "ws", "grpc", "mqtt", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown channel.backend %q", c.Channel.Backend))
	}

	switch c.Recognition.Backend {
	case "deepgram":
		if c.Recognition.Deepgram.APIKey == "" {
			errs = append(errs, errors.New("recognition.deepgram.api_key is required"))
		}
	case "whisper":
		switch c.Recognition.Whisper.Flavor {
		case "openai", "asr":
		default:
			errs = append(errs, fmt.Errorf("unknown recognition.whisper.flavor %q", c.Recognition.Whisper.Flavor))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("unknown recognition.backend %q", c.Recognition.Backend))
	}
	if c.Recognition.RestartDelay < 0 || c.Recognition.RecoveryDelay < 0 {
		errs = append(errs, errors.New("recognition delays must not be negative"))
	}

	if _, err := audio.ParseSource(c.Audio.Source); err != nil {
		errs = append(errs, fmt.Errorf("audio.source: %w", err))
	}

	if _, err := caption.LookupLanguage(c.Translation.TargetLanguage); err != nil {
		errs = append(errs, fmt.Errorf("translation.target_language: %w", err))
	}
	switch c.Translation.Backend {
	case "google", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown translation.backend %q", c.Translation.Backend))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogging configures the global slog logger based on config, writing to w.
func SetupLogging(cfg LoggingConfig, w io.Writer) {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "console":
		handler = charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
		})
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// OpenLogOutput returns the writer named by cfg.File, or stdout.
func OpenLogOutput(cfg LoggingConfig) (io.WriteCloser, error) {
	if cfg.File == "" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
