// Livecaption captions a two-party call in real time. The run command
// recognizes speech from the microphone or the remote participant's stream,
// shows it locally, and relays final text to the other side; the relay
// command hosts the rooms both participants join.
//
// Usage:
//
//	livecaption run --room standup --user alice
//	livecaption relay
//	livecaption --config /path/to/livecaption.yaml run --tui
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nadzzz/livecaption/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "livecaption",
		Short:        "Real-time captions and translation for two-party calls",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (e.g. configs/livecaption.yaml)")

	root.AddCommand(newRunCmd(), newRelayCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "livecaption %s\n", version)
		},
	}
}

// bindFlags maps viper keys to the command's flag names.
func bindFlags(cmd *cobra.Command, keys map[string]string) config.Option {
	return func(v *viper.Viper) error {
		for key, name := range keys {
			f := cmd.Flags().Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding --%s: %w", name, err)
			}
		}
		return nil
	}
}

// loadConfig loads the configuration and installs the global logger. The
// returned closer releases the log file, if any.
func loadConfig(cmd *cobra.Command, keys map[string]string) (*config.Config, io.Closer, error) {
	cfg, err := config.Load(configFile, bindFlags(cmd, keys))
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	// The terminal UI owns stdout.
	if cfg.TUI && cfg.Logging.File == "" {
		cfg.Logging.File = "livecaption.log"
	}
	out, err := config.OpenLogOutput(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	config.SetupLogging(cfg.Logging, out)
	slog.Info("livecaption starting", "version", version, "command", cmd.Name())
	return cfg, out, nil
}
