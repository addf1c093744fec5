package service

import (
	"fmt"
	"time"

	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/engine"
	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/timing"
)

// SettingsFrom converts a resolved configuration into per-session engine
// settings.
func SettingsFrom(cfg *config.Config) (engine.Settings, error) {
	mode, err := timing.ParseFillMode(cfg.Audio.SilentFill.Mode)
	if err != nil {
		return engine.Settings{}, fmt.Errorf("audio.silent_fill.mode: %w", err)
	}

	f := cfg.Audio.SilentFill
	st := engine.DefaultSettings()
	st.Resolution = media.Resolution(cfg.Video.Resolution)
	st.FrameRate = cfg.Video.FrameRate
	st.KeyFrameInterval = cfg.Video.KeyFrameInterval
	st.PTSMode = timing.SampleCount
	if cfg.WallClockPTS() {
		st.PTSMode = timing.WallClock
	}
	st.Fill = timing.FillConfig{
		Enabled:          cfg.SilentFillOn(),
		Mode:             mode,
		NoiseAmplitude:   f.NoiseAmplitude,
		SkipInterval:     f.SkipInterval,
		InitialPeriod:    time.Duration(f.InitialPeriodMs) * time.Millisecond,
		HybridLongGap:    time.Duration(f.HybridLongGapMs) * time.Millisecond,
		SilenceThreshold: f.SilenceThreshold,
	}
	if cfg.Muxer.PartDurationMs > 0 {
		st.PartDuration = time.Duration(cfg.Muxer.PartDurationMs) * time.Millisecond
	}
	return st, nil
}

// ModeFrom derives the audio source mode from the enabled flags.
func ModeFrom(cfg *config.Config) media.SourceMode {
	return media.SourceModeFor(cfg.MicOn(), cfg.SystemAudioOn())
}
