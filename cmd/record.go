package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/audiolibrelab/screenrec/internal/engine"
	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/service"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the screen with the configured audio sources",
	Long: `Record the screen into a fragmented MP4 file in the recordings directory.

Press Ctrl+C to stop. Send SIGUSR1 to toggle pause. The recording also stops on
its own at the configured duration limit or when free space runs low.
After a normal stop you are asked whether to keep the file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := startOptions(cmd)
		if err != nil {
			return err
		}
		duration, _ := cmd.Flags().GetDuration("duration")
		keep, _ := cmd.Flags().GetBool("yes")

		events := make(chan engine.Event, 16)
		saved := make(chan string, 1)
		svc, err := newService(nil, service.Options{
			OnEvent: func(ev engine.Event) {
				select {
				case events <- ev:
				default:
				}
			},
			SavePrompt: func(path string) { saved <- path },
		})
		if err != nil {
			return err
		}
		defer svc.Close()

		path, err := svc.Start(opts)
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		fmt.Printf("Recording to %s - press Ctrl+C to stop\n", path)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
		defer signal.Stop(sigChan)

		var limit <-chan time.Time
		if duration > 0 {
			limit = time.After(duration)
		}

		for {
			select {
			case sig := <-sigChan:
				if sig == syscall.SIGUSR1 {
					togglePause(svc)
					continue
				}
				slog.Info("Stopping recording...")
				if err := svc.Stop(); err != nil {
					slog.Debug("Stop", "error", err)
				}
			case <-limit:
				slog.Info("Duration reached, stopping recording", "duration", duration)
				if err := svc.Stop(); err != nil {
					slog.Debug("Stop", "error", err)
				}
			case ev := <-events:
				switch ev.Type {
				case engine.EventInternalAudioNotAvailable:
					fmt.Println("Audio source unavailable, recording continues without it")
				case engine.EventCancelRecord:
					if ev.Path != "" {
						fmt.Printf("Recording failed, partial file kept: %s\n", ev.Path)
					}
					return fmt.Errorf("recording cancelled: %v", ev.Err)
				case engine.EventEndRecord:
					if ev.Reason != engine.StopNormal {
						fmt.Printf("Recording stopped: %s\n", ev.Reason)
					}
					select {
					case p := <-saved:
						return promptSave(svc, p, keep)
					default:
						return nil
					}
				}
			}
		}
	},
}

func togglePause(svc service.Service) {
	var err error
	if svc.GetStatus().State == engine.StatePaused.String() {
		err = svc.Resume()
	} else {
		err = svc.Pause()
	}
	if err != nil {
		slog.Warn("Pause toggle failed", "error", err)
	}
	fmt.Printf("Recording %s\n", svc.GetStatus().State)
}

// promptSave asks whether to keep path and deletes it otherwise.
func promptSave(svc service.Service, path string, keep bool) error {
	if keep {
		fmt.Printf("Saved %s\n", path)
		return nil
	}
	fmt.Printf("Keep %s? [Y/n] ", path)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	if answer == "n" || answer == "no" {
		if err := svc.DeleteLast(); err != nil {
			return err
		}
		fmt.Println("Recording discarded")
		return nil
	}
	fmt.Printf("Saved %s\n", path)
	return nil
}

// startOptions reads the flags shared by record and run.
func startOptions(cmd *cobra.Command) (service.StartOptions, error) {
	var opts service.StartOptions
	if v, _ := cmd.Flags().GetString("mode"); v != "" {
		mode, err := media.ParseSourceMode(v)
		if err != nil {
			return opts, err
		}
		opts.Mode = &mode
	}
	opts.Resolution, _ = cmd.Flags().GetString("resolution")
	opts.Path, _ = cmd.Flags().GetString("output")
	return opts, nil
}

func addStartFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("mode", "m", "", "audio sources: none, mic, internal, both (overrides config)")
	cmd.Flags().StringP("resolution", "r", "", "capture size: 720p, 1080p, 4k (overrides config)")
	cmd.Flags().StringP("output", "o", "", "output file (default is a timestamped name in the recordings directory)")
	cmd.Flags().DurationP("duration", "d", 0, "stop after this long (0 waits for Ctrl+C)")
}

func init() {
	addStartFlags(recordCmd)
	recordCmd.Flags().BoolP("yes", "y", false, "keep the recording without asking")
}
