package media

import (
	"errors"
	"testing"
	"time"
)

type staticLister struct {
	video []CodecInfo
	audio []CodecInfo
	err   error
}

func (l staticLister) Encoders(kind Kind) ([]CodecInfo, error) {
	if l.err != nil {
		return nil, l.err
	}
	if kind == KindVideo {
		return l.video, nil
	}
	return l.audio, nil
}

func aac(name string, rates []int, channels int, profiles ...int) CodecInfo {
	info := CodecInfo{
		Name:             name,
		Kind:             KindAudio,
		MIMEType:         MIMETypeAAC,
		SampleRates:      rates,
		MaxInputChannels: channels,
		BitrateMin:       8000,
		BitrateMax:       320000,
	}
	for _, p := range profiles {
		info.ProfileLevels = append(info.ProfileLevels, ProfileLevel{Profile: p})
	}
	return info
}

func TestCreateAudioConfig_NoUsableSampleRate(t *testing.T) {
	r := NewResolver(staticLister{audio: []CodecInfo{
		aac("c2.android.aac.encoder", []int{8000, 22050}, 2),
		aac("OMX.qcom.audio.encoder.aac", []int{11025, 96000}, 2),
	}})

	if cfg := r.CreateAudioConfig(SourceMic); cfg != nil {
		t.Errorf("Expected no audio config, got %+v", cfg)
	}
}

func TestCreateAudioConfig_LadderOrder(t *testing.T) {
	tests := []struct {
		rates []int
		want  int
	}{
		{[]int{16000, 32000, 48000, 44100}, 44100},
		{[]int{16000, 32000, 48000}, 48000},
		{[]int{16000, 32000}, 32000},
		{[]int{8000, 16000}, 16000},
	}

	for _, tt := range tests {
		r := NewResolver(staticLister{audio: []CodecInfo{aac("aac", tt.rates, 2)}})
		cfg := r.CreateAudioConfig(SourceInternal)
		if cfg == nil {
			t.Fatalf("rates %v: expected a config", tt.rates)
		}
		if cfg.SampleRate != tt.want {
			t.Errorf("rates %v: expected %d, got %d", tt.rates, tt.want, cfg.SampleRate)
		}
		if cfg.ChannelCount != 1 {
			t.Errorf("Expected mono, got %d channels", cfg.ChannelCount)
		}
		if cfg.Mode != SourceInternal {
			t.Errorf("Expected mode to be carried, got %v", cfg.Mode)
		}
	}
}

func TestCreateAudioConfig_RejectsNoMonoInput(t *testing.T) {
	r := NewResolver(staticLister{audio: []CodecInfo{
		aac("OMX.qcom.audio.encoder.aac", []int{44100}, 0),
		aac("c2.android.aac.encoder", []int{48000}, 1),
	}})

	cfg := r.CreateAudioConfig(SourceMic)
	if cfg == nil {
		t.Fatal("Expected a config")
	}
	if cfg.Codec != "c2.android.aac.encoder" {
		t.Errorf("Expected the encoder with mono input, got %s", cfg.Codec)
	}
	if cfg.SampleRate != 48000 {
		t.Errorf("Expected 48000, got %d", cfg.SampleRate)
	}
}

func TestCreateAudioConfig_PrefersHardware(t *testing.T) {
	r := NewResolver(staticLister{audio: []CodecInfo{
		aac("vendor.custom.aac", []int{44100}, 1),
		aac("c2.android.aac.encoder.sw", []int{44100}, 1),
		aac("c2.exynos.aac.encoder", []int{44100}, 1),
	}})

	cfg := r.CreateAudioConfig(SourceMicAndInternal)
	if cfg == nil {
		t.Fatal("Expected a config")
	}
	if cfg.Codec != "c2.exynos.aac.encoder" || !cfg.Hardware {
		t.Errorf("Expected hardware encoder, got %s (hardware=%v)", cfg.Codec, cfg.Hardware)
	}
}

func TestCreateAudioConfig_SoftwareBeforeUnknown(t *testing.T) {
	r := NewResolver(staticLister{audio: []CodecInfo{
		aac("vendor.custom.aac", []int{44100}, 1),
		aac("OMX.google.aac.encoder", []int{44100}, 1),
	}})

	cfg := r.CreateAudioConfig(SourceMic)
	if cfg == nil || cfg.Codec != "OMX.google.aac.encoder" {
		t.Errorf("Expected google software encoder, got %+v", cfg)
	}
}

func TestCreateAudioConfig_ProfileSelection(t *testing.T) {
	tests := []struct {
		name     string
		profiles []int
		want     AACProfile
	}{
		{"LC present among others", []int{5, 29, 2}, AACProfileLC},
		{"LC absent", []int{5, 29}, AACProfileHE},
		{"nothing reported", nil, AACProfileLC},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(staticLister{audio: []CodecInfo{aac("aac", []int{44100}, 1, tt.profiles...)}})
			cfg := r.CreateAudioConfig(SourceMic)
			if cfg == nil {
				t.Fatal("Expected a config")
			}
			if cfg.Profile != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, cfg.Profile)
			}
		})
	}
}

func TestCreateAudioConfig_NoneModeAndListerError(t *testing.T) {
	r := NewResolver(staticLister{audio: []CodecInfo{aac("aac", []int{44100}, 1)}})
	if cfg := r.CreateAudioConfig(SourceNone); cfg != nil {
		t.Errorf("Expected nil for SourceNone, got %+v", cfg)
	}

	r = NewResolver(staticLister{err: errors.New("boom")})
	if cfg := r.CreateAudioConfig(SourceMic); cfg != nil {
		t.Errorf("Expected nil when listing fails, got %+v", cfg)
	}
}

func TestAudioBitrate(t *testing.T) {
	tests := []struct {
		min, max int
		want     int
	}{
		{8000, 320000, 240000},  // 80,160,240,320
		{64000, 128000, 128000}, // 80,128
		{8000, 64000, 64000},    // 64
		{0, 0, 128000},
	}

	for _, tt := range tests {
		if got := AudioBitrate(tt.min, tt.max); got != tt.want {
			t.Errorf("AudioBitrate(%d, %d) = %d, want %d", tt.min, tt.max, got, tt.want)
		}
	}
}

func avcEncoder(name string, maxW, maxH int, hw bool, pls ...ProfileLevel) CodecInfo {
	return CodecInfo{
		Name:          name,
		Kind:          KindVideo,
		MIMEType:      MIMETypeAVC,
		Hardware:      hw,
		MaxWidth:      maxW,
		MaxHeight:     maxH,
		ProfileLevels: pls,
	}
}

func TestCreateVideoConfig(t *testing.T) {
	r := NewResolver(staticLister{video: []CodecInfo{
		avcEncoder("libx264", 4096, 2304, false,
			ProfileLevel{int(AVCProfileBaseline), 52}, ProfileLevel{int(AVCProfileHigh), 52}),
		avcEncoder("h264_vaapi", 1920, 1088, false,
			ProfileLevel{int(AVCProfileMain), 41}, ProfileLevel{int(AVCProfileHigh), 31}),
	}})

	cfg, err := r.CreateVideoConfig(Resolution1080p, 30, 1)
	if err != nil {
		t.Fatalf("CreateVideoConfig failed: %v", err)
	}
	if cfg.Codec != "h264_vaapi" {
		t.Errorf("Expected hardware encoder, got %s", cfg.Codec)
	}
	if cfg.Width != 1920 || cfg.Height != 1080 {
		t.Errorf("Unexpected size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Bitrate != 5*1920*1080 {
		t.Errorf("Expected bitrate %d, got %d", 5*1920*1080, cfg.Bitrate)
	}
	// High@3.1 cannot carry 1080p30, Main@4.1 can.
	if cfg.Profile != AVCProfileMain || cfg.Level != 41 {
		t.Errorf("Expected main@41, got %v@%d", cfg.Profile, cfg.Level)
	}

	cfg, err = r.CreateVideoConfig(Resolution4K, 30, 1)
	if err != nil {
		t.Fatalf("CreateVideoConfig failed: %v", err)
	}
	if cfg.Codec != "libx264" {
		t.Errorf("Expected the encoder that supports 4K, got %s", cfg.Codec)
	}
	if cfg.Profile != AVCProfileHigh {
		t.Errorf("Expected high profile, got %v", cfg.Profile)
	}
}

func TestCreateVideoConfig_ScalesDown(t *testing.T) {
	r := NewResolver(staticLister{video: []CodecInfo{avcEncoder("OMX.qcom.video.encoder.avc", 1920, 1080, false)}})

	cfg, err := r.CreateVideoConfig(Resolution4K, 30, 1)
	if err != nil {
		t.Fatalf("CreateVideoConfig failed: %v", err)
	}
	if cfg.Width != 1920 || cfg.Height != 1080 {
		t.Errorf("Expected 1920x1080 after scaling, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		t.Errorf("Dimensions must be even")
	}
	if cfg.Profile != 0 {
		t.Errorf("Expected encoder default profile, got %v", cfg.Profile)
	}
}

func TestCreateVideoConfig_NoEncoder(t *testing.T) {
	r := NewResolver(staticLister{video: []CodecInfo{{Name: "libvpx", Kind: KindVideo, MIMEType: "video/x-vnd.on2.vp8"}}})
	if _, err := r.CreateVideoConfig(Resolution720p, 30, 1); !errors.Is(err, ErrNoVideoEncoder) {
		t.Errorf("Expected ErrNoVideoEncoder, got %v", err)
	}
}

func TestRequiredAVCLevel(t *testing.T) {
	tests := []struct {
		w, h, fps int
		want      int
	}{
		{1280, 720, 30, 31},
		{1920, 1080, 30, 40},
		{3840, 2160, 30, 51},
	}
	for _, tt := range tests {
		if got := RequiredAVCLevel(tt.w, tt.h, tt.fps); got != tt.want {
			t.Errorf("RequiredAVCLevel(%d, %d, %d) = %d, want %d", tt.w, tt.h, tt.fps, got, tt.want)
		}
	}
}

func TestResolutionAndNaming(t *testing.T) {
	if w, h := Resolution("4K").Size(); w != 3840 || h != 2160 {
		t.Errorf("Unexpected 4K size %dx%d", w, h)
	}
	if w, h := Resolution("bogus").Size(); w != 1280 || h != 720 {
		t.Errorf("Unknown tag should fall back to 720p, got %dx%d", w, h)
	}

	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	if got := OutputName(ts, 1280, 720); got != "ScreenRecord_20240309-140507_1280x720.mp4" {
		t.Errorf("Unexpected output name %s", got)
	}
}

func TestSourceModes(t *testing.T) {
	if SourceModeFor(true, true) != SourceMicAndInternal || SourceModeFor(false, false) != SourceNone {
		t.Errorf("SourceModeFor mapping is wrong")
	}
	if SourceMicAndInternal.AudioType() != AudioTypeMicAndInternal || SourceInternal.AudioType() != AudioTypeInternal {
		t.Errorf("AudioType mapping is wrong")
	}
	m, err := ParseSourceMode("mic_and_internal")
	if err != nil || m != SourceMicAndInternal {
		t.Errorf("ParseSourceMode failed: %v %v", m, err)
	}
	if _, err := ParseSourceMode("line-in"); err == nil {
		t.Errorf("Expected error for unknown mode")
	}
}
