package cmd

import (
	"fmt"

	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/muxer"
	"github.com/audiolibrelab/screenrec/internal/play"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [recording]",
	Short: "Show the tracks of a recording and the resolved configuration",
	Long: `Probe a recording and print its tracks, duration and fragment count.
Without an argument, print the resolved configuration with inheritance
indicators showing which values come from the default profile.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			printResolvedConfig()
			return nil
		}

		path := play.New(cfg).Resolve(args[0])
		info, err := muxer.Probe(path)
		if err != nil {
			return fmt.Errorf("failed to probe %s: %w", path, err)
		}

		fmt.Printf("=== RECORDING ===\n")
		fmt.Printf("file: %s\n", path)
		fmt.Printf("size: %d bytes\n", info.Size)
		fmt.Printf("duration: %s\n", info.Duration)
		fmt.Printf("fragments: %d\n", info.Parts)
		if info.Truncated {
			fmt.Printf("truncated: yes (readable up to the last complete fragment)\n")
		}

		fmt.Printf("\n=== TRACKS ===\n")
		for _, t := range info.Tracks {
			switch t.Kind {
			case media.KindVideo:
				fmt.Printf("%d. video %s %dx%d, %d samples, %d key frames, %s\n",
					t.ID, t.Codec, t.Width, t.Height, t.Samples, t.KeyFrames, t.Duration)
			default:
				fmt.Printf("%d. audio %s %d Hz, %d ch, %d samples, %s\n",
					t.ID, t.Codec, t.SampleRate, t.ChannelCount, t.Samples, t.Duration)
			}
		}
		return nil
	},
}

func printResolvedConfig() {
	inh := cfg.Inheritance
	if inh == nil {
		inh = &config.InheritanceInfo{}
	}

	fmt.Printf("=== RESOLVED CONFIGURATION ===\n")
	fmt.Printf("\n[Video]\n")
	fmt.Printf("resolution: %s %s\n", cfg.Video.Resolution, getInheritanceIndicator(inh.Video.Resolution))
	fmt.Printf("frame_rate: %d %s\n", cfg.Video.FrameRate, getInheritanceIndicator(inh.Video.FrameRate))
	fmt.Printf("key_frame_interval: %ds\n", cfg.Video.KeyFrameInterval)

	fmt.Printf("\n[Audio]\n")
	fmt.Printf("mic: %t, system audio: %t %s\n", cfg.MicOn(), cfg.SystemAudioOn(), getInheritanceIndicator(inh.Audio.Sources))
	fmt.Printf("wallclock_pts: %t\n", cfg.WallClockPTS())
	fmt.Printf("silent_fill: %t mode=%s %s\n", cfg.SilentFillOn(), cfg.Audio.SilentFill.Mode, getInheritanceIndicator(inh.Audio.SilentFill))

	fmt.Printf("\n[Output]\n")
	fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))
	fmt.Printf("recordings: %s\n", cfg.RecordingsDir())

	fmt.Printf("\n[Limits]\n")
	fmt.Printf("max_duration: %ds, stop below %d MB, warn below %d MB\n",
		cfg.Limits.MaxDurationSeconds, cfg.Limits.StopSpaceMB, cfg.Limits.LowSpaceWarnMB)

	fmt.Printf("\n[Backend]\n")
	fmt.Printf("type: %s %s\n", cfg.Backend.Type, getInheritanceIndicator(inh.Backend.Type))
	fmt.Printf("display: %s\n", cfg.Backend.Display)
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return ""
	}
}
