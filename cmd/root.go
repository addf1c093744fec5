package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/metrics"
	"github.com/audiolibrelab/screenrec/internal/platform"
	"github.com/audiolibrelab/screenrec/internal/platform/fake"
	"github.com/audiolibrelab/screenrec/internal/platform/ffmpeg"
	"github.com/audiolibrelab/screenrec/internal/service"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	backend      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "screenrec",
	Short: "Screen recorder with microphone and system audio capture",
	Long: `screenrec records the screen together with the microphone, the system
audio or both into a fragmented MP4 file.

Recordings can be paused and resumed, are cut at a maximum duration or when the
disk runs low, and stay playable up to the last fragment written if the
process dies.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		if cfgFile == "" {
			cfgFile = os.ExpandEnv("$HOME/.config/screenrec/config.yaml")
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if backend != "" {
			cfg.Backend.Type = backend
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/screenrec/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "capture backend: ffmpeg or fake (overrides config)")
	rootCmd.PersistentFlags().CountVarP(&verboseLevel, "verbose", "v", "verbosity: -v for info, -vv for debug and ffmpeg output")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(codecsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch {
	case level <= 0:
		slogLevel = slog.LevelWarn
	case level == 1:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))
}

// newPlatform builds the capture backend named in the config.
func newPlatform(c *config.Config) (platform.Platform, error) {
	switch c.Backend.Type {
	case "", "ffmpeg":
		return ffmpeg.New(c.Backend), nil
	case "fake":
		return fake.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (valid: ffmpeg, fake)", c.Backend.Type)
	}
}

// newService wires a recording service for the CLI. rec may be nil.
func newService(rec *metrics.Recorder, opts service.Options) (*service.RecordingService, error) {
	plat, err := newPlatform(cfg)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		opts.Metrics = rec
	}
	return service.New(cfg, cfgFile, plat, opts), nil
}
