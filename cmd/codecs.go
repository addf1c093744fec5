package cmd

import (
	"fmt"

	"github.com/audiolibrelab/screenrec/internal/media"

	"github.com/spf13/cobra"
)

var codecsCmd = &cobra.Command{
	Use:   "codecs",
	Short: "List available encoders and the configuration they resolve to",
	Long: `List the H.264 and AAC encoders the capture backend offers, then show the
video and audio configuration that would be used for the configured resolution
and audio sources.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plat, err := newPlatform(cfg)
		if err != nil {
			return err
		}

		for _, kind := range []media.Kind{media.KindVideo, media.KindAudio} {
			infos, err := plat.Encoders(kind)
			if err != nil {
				return fmt.Errorf("failed to list encoders: %w", err)
			}
			fmt.Printf("%s encoders (%d found):\n", kind, len(infos))
			for i, c := range infos {
				impl := "software"
				if media.IsHardware(c) {
					impl = "hardware"
				}
				if kind == media.KindVideo {
					fmt.Printf("  %d. %s [%s] max %dx%d\n", i+1, c.Name, impl, c.MaxWidth, c.MaxHeight)
				} else {
					fmt.Printf("  %d. %s [%s] rates %v, up to %d ch\n", i+1, c.Name, impl, c.SampleRates, c.MaxInputChannels)
				}
			}
			fmt.Println()
		}

		resolver := media.NewResolver(plat)
		vcfg, err := resolver.CreateVideoConfig(media.Resolution(cfg.Video.Resolution), cfg.Video.FrameRate, cfg.Video.KeyFrameInterval)
		if err != nil {
			fmt.Printf("Video: %v\n", err)
		} else {
			fmt.Printf("Video: %s %dx%d @ %d fps, %d bps, %s level %d\n",
				vcfg.Codec, vcfg.Width, vcfg.Height, vcfg.FrameRate, vcfg.Bitrate, vcfg.Profile, vcfg.Level)
		}

		mode := media.SourceModeFor(cfg.MicOn(), cfg.SystemAudioOn())
		if acfg := resolver.CreateAudioConfig(mode); acfg != nil {
			fmt.Printf("Audio (%s): %s %d Hz, %d ch, %d bps, %s\n",
				mode, acfg.Codec, acfg.SampleRate, acfg.ChannelCount, acfg.Bitrate, acfg.Profile)
		} else {
			fmt.Printf("Audio (%s): none, recording video only\n", mode)
		}
		return nil
	},
}
