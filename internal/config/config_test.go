package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	base := Default()
	base.Output.Directory = "~/Videos/Default"

	off := false
	profile := &Config{
		Video: VideoConfig{
			Resolution: "1080p",
		},
		Audio: AudioConfig{
			SystemAudioEnabled: &off,
			SilentFill: SilentFillConfig{
				Mode:         "HYBRID",
				SkipInterval: 3,
			},
		},
		Output: OutputConfig{
			Directory: "~/Videos/Studio",
		},
	}

	result := mergeConfigs(base, profile)

	if result.Video.Resolution != "1080p" {
		t.Errorf("Expected resolution 1080p, got %s", result.Video.Resolution)
	}
	if result.Video.FrameRate != 30 {
		t.Errorf("Expected inherited frame rate 30, got %d", result.Video.FrameRate)
	}
	if !result.MicOn() {
		t.Errorf("Expected mic to stay enabled")
	}
	if result.SystemAudioOn() {
		t.Errorf("Expected system audio to be disabled by the profile")
	}
	if result.Audio.SilentFill.Mode != "HYBRID" || result.Audio.SilentFill.SkipInterval != 3 {
		t.Errorf("Silent fill override not applied: %+v", result.Audio.SilentFill)
	}
	if result.Audio.SilentFill.NoiseAmplitude != 3 {
		t.Errorf("Expected inherited noise amplitude 3, got %d", result.Audio.SilentFill.NoiseAmplitude)
	}
	if result.Output.Directory != "~/Videos/Studio" {
		t.Errorf("Expected profile directory, got %s", result.Output.Directory)
	}

	if result.Inheritance.Video.Resolution != "profile-specific" {
		t.Errorf("Expected resolution to be profile-specific, got %s", result.Inheritance.Video.Resolution)
	}
	if result.Inheritance.Video.FrameRate != "inherited" {
		t.Errorf("Expected frame rate to be inherited, got %s", result.Inheritance.Video.FrameRate)
	}
	if result.Inheritance.Audio.Sources != "profile-specific" {
		t.Errorf("Expected audio sources to be profile-specific, got %s", result.Inheritance.Audio.Sources)
	}
}

func TestMergeConfigs_DoesNotAliasBase(t *testing.T) {
	base := Default()
	on := true
	profile := &Config{Audio: AudioConfig{MicEnabled: &on}}

	result := mergeConfigs(base, profile)
	*result.Audio.MicEnabled = false

	if !*base.Audio.MicEnabled {
		t.Errorf("Modifying merged config changed the base")
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := Default()
	result := mergeConfigs(base, nil)

	if result.Video.Resolution != base.Video.Resolution {
		t.Errorf("Expected base resolution, got %s", result.Video.Resolution)
	}
	if result.Limits.MaxDurationSeconds != 3600 {
		t.Errorf("Expected max duration 3600, got %d", result.Limits.MaxDurationSeconds)
	}
}

func TestDefaultsMatchRecorderLimits(t *testing.T) {
	c := Default()

	if c.Limits.StopSpaceMB != 500 || c.Limits.LowSpaceWarnMB != 1024 {
		t.Errorf("Unexpected space thresholds: %+v", c.Limits)
	}
	if c.Limits.PollIntervalMs != 1000 {
		t.Errorf("Expected 1s poll interval, got %dms", c.Limits.PollIntervalMs)
	}
	if !c.WallClockPTS() || !c.SilentFillOn() {
		t.Errorf("Expected wall-clock PTS and silent fill on by default")
	}
	if c.Audio.SilentFill.InitialPeriodMs != 10000 || c.Audio.SilentFill.SkipInterval != 5 {
		t.Errorf("Unexpected silent fill defaults: %+v", c.Audio.SilentFill)
	}
	if err := Validate(c); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestDefaultReturnsIndependentCopies(t *testing.T) {
	a := Default()
	b := Default()
	*a.Audio.MicEnabled = false
	if !b.MicOn() {
		t.Errorf("Default() copies share state")
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Videos", filepath.Join(homeDir, "Videos")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%s) = %s, expected %s", test.input, result, test.expected)
		}
	}
}

func TestRecordingsDir(t *testing.T) {
	c := Default()
	c.Output.Directory = "/data"
	if got := c.RecordingsDir(); got != filepath.Join("/data", "Screen Record") {
		t.Errorf("Unexpected recordings dir: %s", got)
	}

	c.Output.Subdirectory = ""
	if got := c.RecordingsDir(); got != "/data" {
		t.Errorf("Unexpected recordings dir without subdirectory: %s", got)
	}
}

func TestGlobalsRecordingsDirectory(t *testing.T) {
	configContent := `
active_config: test
globals:
    output:
        recordings_directory: /global/recordings
configs:
    test:
        video:
            resolution: 4k
        output:
            directory: /profile/recordings
`
	configFile := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(configFile, "test")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Output.Directory != "/global/recordings" {
		t.Errorf("Expected directory '/global/recordings' from globals, got '%s'", cfg.Output.Directory)
	}
	if cfg.Video.Resolution != "4k" {
		t.Errorf("Expected resolution '4k' from profile, got '%s'", cfg.Video.Resolution)
	}
}

func TestLoadWithProfile_InheritsDefaultProfile(t *testing.T) {
	configContent := `
active_config: quiet
configs:
    default:
        video:
            resolution: 1080p
        audio:
            silent_fill:
                mode: "4"
    quiet:
        audio:
            mic_enabled: false
`
	configFile := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Video.Resolution != "1080p" {
		t.Errorf("Expected resolution inherited from default profile, got %s", cfg.Video.Resolution)
	}
	if cfg.MicOn() {
		t.Errorf("Expected mic disabled by active profile")
	}
	if cfg.Audio.SilentFill.Mode != "4" {
		t.Errorf("Expected numeric fill mode to survive, got %s", cfg.Audio.SilentFill.Mode)
	}
}

func TestLoadWithProfile_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := LoadWithProfile(missing, "")
	if err != nil {
		t.Fatalf("Expected defaults for missing file, got error: %v", err)
	}
	if cfg.Video.Resolution != "720p" {
		t.Errorf("Expected default resolution, got %s", cfg.Video.Resolution)
	}

	if _, err := LoadWithProfile(missing, "studio"); err == nil {
		t.Errorf("Expected error when selecting a profile from a missing file")
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	configFile := createTempConfig(t, `
configs:
    default:
        video:
            resolution: 720p
`)
	if _, err := LoadWithProfile(configFile, "nope"); err == nil {
		t.Errorf("Expected error for unknown profile")
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: default
configs:
    default:
        video:
            resolution: 720p
    hd:
        video:
            resolution: 1080p
`)

	if err := UpdateActiveConfig(configFile, "hd"); err != nil {
		t.Fatalf("UpdateActiveConfig failed: %v", err)
	}

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to reload configuration: %v", err)
	}
	if cfg.Video.Resolution != "1080p" {
		t.Errorf("Expected hd profile to be active, got resolution %s", cfg.Video.Resolution)
	}

	if err := UpdateActiveConfig(configFile, "missing"); err == nil {
		t.Errorf("Expected error for unknown profile")
	}
}
