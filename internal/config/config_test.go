package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Room != "lobby" {
		t.Errorf("Room = %q, want lobby", cfg.Room)
	}
	if cfg.Channel.Backend != "ws" {
		t.Errorf("Channel.Backend = %q, want ws", cfg.Channel.Backend)
	}
	if cfg.Recognition.RestartDelay != time.Second {
		t.Errorf("RestartDelay = %v, want 1s", cfg.Recognition.RestartDelay)
	}
	if cfg.Recognition.RecoveryDelay != 5*time.Second {
		t.Errorf("RecoveryDelay = %v, want 5s", cfg.Recognition.RecoveryDelay)
	}
	if cfg.Display.QuietPeriod != 3*time.Second {
		t.Errorf("QuietPeriod = %v, want 3s", cfg.Display.QuietPeriod)
	}
	if cfg.Translation.TargetLanguage != "es" {
		t.Errorf("TargetLanguage = %q, want es", cfg.Translation.TargetLanguage)
	}
	if cfg.User.Name == "" {
		t.Error("User.Name should default to a non-empty value")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "custom.yaml")
	yaml := `
user:
  name: alice
room: standup
channel:
  backend: mqtt
recognition:
  deepgram:
    api_key: ${TEST_DG_KEY}
translation:
  enabled: true
  target_language: fr
  timeout: 250ms
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_DG_KEY", "secret")
	t.Setenv("LIVECAPTION_ROOM", "override")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.User.Name != "alice" {
		t.Errorf("User.Name = %q, want alice", cfg.User.Name)
	}
	if cfg.Room != "override" {
		t.Errorf("Room = %q, want env override", cfg.Room)
	}
	if cfg.Channel.Backend != "mqtt" {
		t.Errorf("Channel.Backend = %q, want mqtt", cfg.Channel.Backend)
	}
	if cfg.Recognition.Deepgram.APIKey != "secret" {
		t.Errorf("APIKey = %q, want resolved env ref", cfg.Recognition.Deepgram.APIKey)
	}
	if !cfg.Translation.Enabled || cfg.Translation.TargetLanguage != "fr" {
		t.Errorf("Translation = %+v", cfg.Translation)
	}
	if cfg.Translation.Timeout != 250*time.Millisecond {
		t.Errorf("Timeout = %v, want 250ms", cfg.Translation.Timeout)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("LIVECAPTION_USER_NAME=dotenv-user\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("LIVECAPTION_USER_NAME") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.User.Name != "dotenv-user" {
		t.Errorf("User.Name = %q, want dotenv-user", cfg.User.Name)
	}
}

func TestLoadOption(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", func(v *viper.Viper) error {
		v.Set("tui", true)
		return nil
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.TUI {
		t.Error("option should have enabled the TUI")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestResolveEnvRef(t *testing.T) {
	t.Setenv("LC_TEST_REF", "value")
	tests := []struct{ in, want string }{
		{"${LC_TEST_REF}", "value"},
		{"${LC_TEST_UNSET}", "${LC_TEST_UNSET}"},
		{"plain", "plain"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := resolveEnvRef(tt.in); got != tt.want {
			t.Errorf("resolveEnvRef(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func validConfig() Config {
	return Config{
		User:        UserConfig{Name: "alice"},
		Room:        "lobby",
		Channel:     ChannelConfig{Backend: "ws"},
		Recognition: RecognitionConfig{Backend: "deepgram", Deepgram: DeepgramConfig{APIKey: "k"}},
		Audio:       AudioConfig{Source: "microphone"},
		Translation: TranslationConfig{TargetLanguage: "es", Backend: "google"},
		Logging:     LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no recognition", func(c *Config) { c.Recognition = RecognitionConfig{Backend: "none"} }, ""},
		{"whisper", func(c *Config) {
			c.Recognition = RecognitionConfig{Backend: "whisper", Whisper: WhisperConfig{Flavor: "asr"}}
		}, ""},
		{"bad whisper flavor", func(c *Config) {
			c.Recognition = RecognitionConfig{Backend: "whisper", Whisper: WhisperConfig{Flavor: "grpc"}}
		}, "whisper.flavor"},
		{"missing user", func(c *Config) { c.User.Name = " " }, "user.name"},
		{"bad channel", func(c *Config) { c.Channel.Backend = "carrier-pigeon" }, "channel.backend"},
		{"missing key", func(c *Config) { c.Recognition.Deepgram.APIKey = "" }, "api_key"},
		{"bad source", func(c *Config) { c.Audio.Source = "line-in" }, "audio.source"},
		{"bad language", func(c *Config) { c.Translation.TargetLanguage = "xx" }, "target_language"},
		{"bad translation backend", func(c *Config) { c.Translation.Backend = "babelfish" }, "translation.backend"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"negative delay", func(c *Config) { c.Recognition.RestartDelay = -time.Second }, "delays"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSetupLoggingJSON(t *testing.T) {
	var buf bytes.Buffer
	SetupLogging(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	t.Cleanup(func() { SetupLogging(LoggingConfig{}, os.Stdout) })

	slog.Info("dropped")
	slog.Warn("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "kept" {
		t.Errorf("msg = %v, want kept", rec["msg"])
	}
}

func TestSetupLoggingConsole(t *testing.T) {
	var buf bytes.Buffer
	SetupLogging(LoggingConfig{Level: "debug", Format: "console"}, &buf)
	t.Cleanup(func() { SetupLogging(LoggingConfig{}, os.Stdout) })

	slog.Warn("console line")
	if !strings.Contains(buf.String(), "console line") {
		t.Fatalf("console output missing message: %q", buf.String())
	}
}

func TestOpenLogOutput(t *testing.T) {
	w, err := OpenLogOutput(LoggingConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("closing stdout wrapper: %v", err)
	}

	path := filepath.Join(t.TempDir(), "lc.log")
	f, err := OpenLogOutput(LoggingConfig{File: path})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if b, _ := os.ReadFile(path); string(b) != "x" {
		t.Errorf("log file contents = %q", b)
	}
}
