package cmd

import (
	"fmt"

	"github.com/audiolibrelab/screenrec/internal/play"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [recording]",
	Short: "Play a recording",
	Long: `Play a recording with the first available player (mpv, vlc, ffplay).
A bare name is looked up in the recordings directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		player := play.New(cfg)
		file := player.Resolve(args[0])
		fmt.Printf("Playing: %s\n", file)

		if err := player.Play(args[0]); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
