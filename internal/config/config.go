package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig     `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type Config struct {
	Video   VideoConfig   `mapstructure:"video" yaml:"video"`
	Audio   AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
	Limits  LimitsConfig  `mapstructure:"limits" yaml:"limits"`
	Muxer   MuxerConfig   `mapstructure:"muxer" yaml:"muxer"`
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for config show
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type InheritanceInfo struct {
	Video struct {
		Resolution string // "inherited" or "profile-specific"
		FrameRate  string
	}
	Audio struct {
		Sources    string
		SilentFill string
	}
	Output struct {
		Directory string
	}
	Backend struct {
		Type string
	}
}

type VideoConfig struct {
	Resolution       string `mapstructure:"resolution" yaml:"resolution"` // "720p", "1080p", "4k"
	FrameRate        int    `mapstructure:"frame_rate" yaml:"frame_rate"`
	KeyFrameInterval int    `mapstructure:"key_frame_interval" yaml:"key_frame_interval"` // seconds
}

type AudioConfig struct {
	MicEnabled         *bool            `mapstructure:"mic_enabled" yaml:"mic_enabled,omitempty"`
	SystemAudioEnabled *bool            `mapstructure:"system_audio_enabled" yaml:"system_audio_enabled,omitempty"`
	UseWallClockPTS    *bool            `mapstructure:"use_wallclock_pts" yaml:"use_wallclock_pts,omitempty"`
	SilentFill         SilentFillConfig `mapstructure:"silent_fill" yaml:"silent_fill"`
}

type SilentFillConfig struct {
	Enabled          *bool  `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Mode             string `mapstructure:"mode" yaml:"mode"` // name or 1..5
	NoiseAmplitude   int    `mapstructure:"noise_amplitude" yaml:"noise_amplitude"`
	SkipInterval     int    `mapstructure:"skip_interval" yaml:"skip_interval"`
	InitialPeriodMs  int    `mapstructure:"initial_period_ms" yaml:"initial_period_ms"`
	HybridLongGapMs  int    `mapstructure:"hybrid_long_gap_ms" yaml:"hybrid_long_gap_ms"`
	SilenceThreshold int    `mapstructure:"silence_threshold" yaml:"silence_threshold"`
}

type OutputConfig struct {
	Directory    string `mapstructure:"directory" yaml:"directory"`
	Subdirectory string `mapstructure:"subdirectory" yaml:"subdirectory"`
}

type LimitsConfig struct {
	MaxDurationSeconds int `mapstructure:"max_duration_seconds" yaml:"max_duration_seconds"`
	StopSpaceMB        int `mapstructure:"stop_space_mb" yaml:"stop_space_mb"`
	LowSpaceWarnMB     int `mapstructure:"low_space_warn_mb" yaml:"low_space_warn_mb"`
	PollIntervalMs     int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
}

type MuxerConfig struct {
	PartDurationMs int `mapstructure:"part_duration_ms" yaml:"part_duration_ms"`
}

type BackendConfig struct {
	Type          string `mapstructure:"type" yaml:"type"` // "ffmpeg", "fake"
	FFmpegPath    string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	Display       string `mapstructure:"display" yaml:"display"`
	MicSource     string `mapstructure:"mic_source" yaml:"mic_source"`
	MonitorSource string `mapstructure:"monitor_source" yaml:"monitor_source"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

func boolPtr(v bool) *bool { return &v }

func cloneBool(p *bool) *bool {
	if p == nil {
		return nil
	}
	return boolPtr(*p)
}

var defaultConfig = Config{
	Video: VideoConfig{
		Resolution:       "720p",
		FrameRate:        30,
		KeyFrameInterval: 1,
	},
	Audio: AudioConfig{
		MicEnabled:         boolPtr(true),
		SystemAudioEnabled: boolPtr(true),
		UseWallClockPTS:    boolPtr(true),
		SilentFill: SilentFillConfig{
			Enabled:          boolPtr(true),
			Mode:             "LOW_AMPLITUDE_NOISE",
			NoiseAmplitude:   3,
			SkipInterval:     5,
			InitialPeriodMs:  10000,
			HybridLongGapMs:  2000,
			SilenceThreshold: 50,
		},
	},
	Output: OutputConfig{
		Directory:    filepath.Join(os.Getenv("HOME"), "Videos"),
		Subdirectory: "Screen Record",
	},
	Limits: LimitsConfig{
		MaxDurationSeconds: 3600,
		StopSpaceMB:        500,
		LowSpaceWarnMB:     1024,
		PollIntervalMs:     1000,
	},
	Muxer: MuxerConfig{
		PartDurationMs: 1000,
	},
	Backend: BackendConfig{
		Type:       "ffmpeg",
		FFmpegPath: "ffmpeg",
		Display:    ":0.0",
	},
	Server: ServerConfig{
		Listen: ":8090",
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	c := defaultConfig
	c.Audio.MicEnabled = boolPtr(*defaultConfig.Audio.MicEnabled)
	c.Audio.SystemAudioEnabled = boolPtr(*defaultConfig.Audio.SystemAudioEnabled)
	c.Audio.UseWallClockPTS = boolPtr(*defaultConfig.Audio.UseWallClockPTS)
	c.Audio.SilentFill.Enabled = boolPtr(*defaultConfig.Audio.SilentFill.Enabled)
	return &c
}

// LoadWithProfile reads configFile and resolves the requested profile on top of
// the "default" profile and the built-in defaults. A missing file yields the
// built-in defaults unless a profile was explicitly requested.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		if profile != "" {
			return nil, fmt.Errorf("config file %s not found, cannot select profile '%s'", configFile, profile)
		}
		return Default(), nil
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selected, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	result := mergeConfigs(Default(), selected)
	if configName != "default" {
		if base, ok := rootConfig.Configs["default"]; ok {
			result = mergeConfigs(mergeConfigs(Default(), base), selected)
		}
	}

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		result.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
	}

	result.Output.Directory = expandPath(result.Output.Directory)

	if err := Validate(result); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return result, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Separate viper instance so the global one keeps the loaded file
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	configs := v.GetStringMap("configs")
	if _, ok := configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// mergeConfigs overlays every non-zero field of profile on base and records
// which values came from where.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	result.Inheritance = &InheritanceInfo{}

	if base != nil {
		*result = *base
		result.Audio.MicEnabled = cloneBool(base.Audio.MicEnabled)
		result.Audio.SystemAudioEnabled = cloneBool(base.Audio.SystemAudioEnabled)
		result.Audio.UseWallClockPTS = cloneBool(base.Audio.UseWallClockPTS)
		result.Audio.SilentFill.Enabled = cloneBool(base.Audio.SilentFill.Enabled)
		result.Inheritance = &InheritanceInfo{}
		result.Inheritance.Video.Resolution = "inherited"
		result.Inheritance.Video.FrameRate = "inherited"
		result.Inheritance.Audio.Sources = "inherited"
		result.Inheritance.Audio.SilentFill = "inherited"
		result.Inheritance.Output.Directory = "inherited"
		result.Inheritance.Backend.Type = "inherited"
	}

	if profile == nil {
		return result
	}

	// Video
	if profile.Video.Resolution != "" {
		result.Video.Resolution = profile.Video.Resolution
		result.Inheritance.Video.Resolution = "profile-specific"
	}
	if profile.Video.FrameRate != 0 {
		result.Video.FrameRate = profile.Video.FrameRate
		result.Inheritance.Video.FrameRate = "profile-specific"
	}
	if profile.Video.KeyFrameInterval != 0 {
		result.Video.KeyFrameInterval = profile.Video.KeyFrameInterval
	}

	// Audio
	if profile.Audio.MicEnabled != nil {
		result.Audio.MicEnabled = boolPtr(*profile.Audio.MicEnabled)
		result.Inheritance.Audio.Sources = "profile-specific"
	}
	if profile.Audio.SystemAudioEnabled != nil {
		result.Audio.SystemAudioEnabled = boolPtr(*profile.Audio.SystemAudioEnabled)
		result.Inheritance.Audio.Sources = "profile-specific"
	}
	if profile.Audio.UseWallClockPTS != nil {
		result.Audio.UseWallClockPTS = boolPtr(*profile.Audio.UseWallClockPTS)
	}

	fill := profile.Audio.SilentFill
	if fill != (SilentFillConfig{}) {
		result.Inheritance.Audio.SilentFill = "profile-specific"
	}
	if fill.Enabled != nil {
		result.Audio.SilentFill.Enabled = boolPtr(*fill.Enabled)
	}
	if fill.Mode != "" {
		result.Audio.SilentFill.Mode = fill.Mode
	}
	if fill.NoiseAmplitude != 0 {
		result.Audio.SilentFill.NoiseAmplitude = fill.NoiseAmplitude
	}
	if fill.SkipInterval != 0 {
		result.Audio.SilentFill.SkipInterval = fill.SkipInterval
	}
	if fill.InitialPeriodMs != 0 {
		result.Audio.SilentFill.InitialPeriodMs = fill.InitialPeriodMs
	}
	if fill.HybridLongGapMs != 0 {
		result.Audio.SilentFill.HybridLongGapMs = fill.HybridLongGapMs
	}
	if fill.SilenceThreshold != 0 {
		result.Audio.SilentFill.SilenceThreshold = fill.SilenceThreshold
	}

	// Output
	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		result.Inheritance.Output.Directory = "profile-specific"
	}
	if profile.Output.Subdirectory != "" {
		result.Output.Subdirectory = profile.Output.Subdirectory
	}

	// Limits
	if profile.Limits.MaxDurationSeconds != 0 {
		result.Limits.MaxDurationSeconds = profile.Limits.MaxDurationSeconds
	}
	if profile.Limits.StopSpaceMB != 0 {
		result.Limits.StopSpaceMB = profile.Limits.StopSpaceMB
	}
	if profile.Limits.LowSpaceWarnMB != 0 {
		result.Limits.LowSpaceWarnMB = profile.Limits.LowSpaceWarnMB
	}
	if profile.Limits.PollIntervalMs != 0 {
		result.Limits.PollIntervalMs = profile.Limits.PollIntervalMs
	}

	if profile.Muxer.PartDurationMs != 0 {
		result.Muxer.PartDurationMs = profile.Muxer.PartDurationMs
	}

	// Backend
	if profile.Backend.Type != "" {
		result.Backend.Type = profile.Backend.Type
		result.Inheritance.Backend.Type = "profile-specific"
	}
	if profile.Backend.FFmpegPath != "" {
		result.Backend.FFmpegPath = profile.Backend.FFmpegPath
	}
	if profile.Backend.Display != "" {
		result.Backend.Display = profile.Backend.Display
	}
	if profile.Backend.MicSource != "" {
		result.Backend.MicSource = profile.Backend.MicSource
	}
	if profile.Backend.MonitorSource != "" {
		result.Backend.MonitorSource = profile.Backend.MonitorSource
	}

	if profile.Server.Listen != "" {
		result.Server.Listen = profile.Server.Listen
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// RecordingsDir is the directory new recordings are written to.
func (c *Config) RecordingsDir() string {
	if c.Output.Subdirectory == "" {
		return c.Output.Directory
	}
	return filepath.Join(c.Output.Directory, c.Output.Subdirectory)
}

// MicOn reports whether microphone capture is enabled.
func (c *Config) MicOn() bool {
	return c.Audio.MicEnabled == nil || *c.Audio.MicEnabled
}

// SystemAudioOn reports whether internal (monitor) capture is enabled.
func (c *Config) SystemAudioOn() bool {
	return c.Audio.SystemAudioEnabled == nil || *c.Audio.SystemAudioEnabled
}

// WallClockPTS reports whether audio timestamps follow the wall clock.
func (c *Config) WallClockPTS() bool {
	return c.Audio.UseWallClockPTS == nil || *c.Audio.UseWallClockPTS
}

// SilentFillOn reports whether gap filling is enabled.
func (c *Config) SilentFillOn() bool {
	return c.Audio.SilentFill.Enabled == nil || *c.Audio.SilentFill.Enabled
}

var validResolutions = map[string]bool{"720p": true, "1080p": true, "4k": true}

var fillModeNames = map[string]bool{
	"LOW_AMPLITUDE_NOISE":        true,
	"FIXED_LOW_VALUE":            true,
	"REDUCED_SAMPLE_RATE":        true,
	"ZERO_WITH_PTS_COMPENSATION": true,
	"HYBRID":                     true,
}

// Validate checks a resolved configuration.
func Validate(c *Config) error {
	if err := validateVideo(c.Video); err != nil {
		return fmt.Errorf("video: %w", err)
	}
	if err := validateSilentFill(c.Audio.SilentFill); err != nil {
		return fmt.Errorf("audio.silent_fill: %w", err)
	}
	if err := validateLimits(c.Limits); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if c.Muxer.PartDurationMs < 100 {
		return fmt.Errorf("muxer.part_duration_ms must be >= 100, got: %d", c.Muxer.PartDurationMs)
	}
	if c.Backend.Type != "ffmpeg" && c.Backend.Type != "fake" {
		return fmt.Errorf("backend.type must be 'ffmpeg' or 'fake', got: %s", c.Backend.Type)
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	return nil
}

func validateVideo(v VideoConfig) error {
	if !validResolutions[strings.ToLower(v.Resolution)] {
		return fmt.Errorf("resolution must be one of 720p, 1080p, 4k, got: %s", v.Resolution)
	}
	if v.FrameRate <= 0 || v.FrameRate > 120 {
		return fmt.Errorf("frame_rate must be in 1..120, got: %d", v.FrameRate)
	}
	if v.KeyFrameInterval <= 0 {
		return fmt.Errorf("key_frame_interval must be > 0, got: %d", v.KeyFrameInterval)
	}
	return nil
}

func validateSilentFill(f SilentFillConfig) error {
	mode := strings.ToUpper(strings.TrimSpace(f.Mode))
	if n, err := strconv.Atoi(mode); err == nil {
		if n < 1 || n > 5 {
			return fmt.Errorf("mode must be 1..5, got: %d", n)
		}
	} else if !fillModeNames[mode] {
		return fmt.Errorf("unknown mode: %s", f.Mode)
	}
	if f.NoiseAmplitude < 0 || f.NoiseAmplitude > 1000 {
		return fmt.Errorf("noise_amplitude must be in 0..1000, got: %d", f.NoiseAmplitude)
	}
	if f.SkipInterval < 1 {
		return fmt.Errorf("skip_interval must be >= 1, got: %d", f.SkipInterval)
	}
	if f.InitialPeriodMs < 0 {
		return fmt.Errorf("initial_period_ms must be >= 0, got: %d", f.InitialPeriodMs)
	}
	if f.SilenceThreshold < 0 {
		return fmt.Errorf("silence_threshold must be >= 0, got: %d", f.SilenceThreshold)
	}
	return nil
}

func validateLimits(l LimitsConfig) error {
	if l.MaxDurationSeconds < 0 {
		return fmt.Errorf("max_duration_seconds must be >= 0, got: %d", l.MaxDurationSeconds)
	}
	if l.StopSpaceMB < 0 || l.LowSpaceWarnMB < 0 {
		return fmt.Errorf("space thresholds must be >= 0")
	}
	if l.LowSpaceWarnMB != 0 && l.LowSpaceWarnMB < l.StopSpaceMB {
		return fmt.Errorf("low_space_warn_mb (%d) must not be below stop_space_mb (%d)", l.LowSpaceWarnMB, l.StopSpaceMB)
	}
	if l.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be > 0, got: %d", l.PollIntervalMs)
	}
	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	viper.SetConfigFile(configFile)

	viper.SetEnvPrefix("SCREENREC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := viper.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required and cannot be empty")
	}

	for name, profile := range rootConfig.Configs {
		if profile == nil {
			rootConfig.Configs[name] = &Config{}
			continue
		}
		if profile.Video.Resolution != "" && !validResolutions[strings.ToLower(profile.Video.Resolution)] {
			return nil, fmt.Errorf("invalid config '%s': unknown resolution '%s'", name, profile.Video.Resolution)
		}
		if profile.Backend.Type != "" && profile.Backend.Type != "ffmpeg" && profile.Backend.Type != "fake" {
			return nil, fmt.Errorf("invalid config '%s': unknown backend '%s'", name, profile.Backend.Type)
		}
	}

	if rootConfig.ActiveConfig != "" {
		if _, ok := rootConfig.Configs[rootConfig.ActiveConfig]; !ok {
			return nil, fmt.Errorf("active_config '%s' does not name a profile", rootConfig.ActiveConfig)
		}
	}

	return &rootConfig, nil
}
