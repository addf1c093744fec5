package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

const (
	MIMETypeAVC = "video/avc"
	MIMETypeAAC = "audio/mp4a-latm"
)

// ErrNoVideoEncoder is returned when the platform lists no AVC encoder.
var ErrNoVideoEncoder = errors.New("no AVC encoder available")

// ProfileLevel is one profile/level pair an encoder advertises. Profile holds
// an AVCProfile or AACProfile value depending on the codec kind.
type ProfileLevel struct {
	Profile int
	Level   int
}

// CodecInfo describes one encoder instance as reported by the platform.
type CodecInfo struct {
	Name     string
	Kind     Kind
	MIMEType string
	Hardware bool

	// video
	MaxWidth  int
	MaxHeight int

	// audio
	SampleRates      []int
	MaxInputChannels int

	ProfileLevels []ProfileLevel
	BitrateMin    int // bits per second
	BitrateMax    int
}

// CodecLister enumerates the encoders a platform offers.
type CodecLister interface {
	Encoders(kind Kind) ([]CodecInfo, error)
}

var hardwareMarkers = []string{
	"OMX.", "c2.qcom", "c2.mtk", "c2.exynos",
	"_vaapi", "_nvenc", "_qsv", "_v4l2m2m", "_amf", "_videotoolbox",
}

var softwareNames = map[string]bool{"aac": true, "libfdk_aac": true, "libx264": true, "libopenh264": true}

// IsHardware reports whether a codec is hardware backed, trusting the
// platform flag first and the encoder name second.
func IsHardware(info CodecInfo) bool {
	if info.Hardware {
		return true
	}
	for _, m := range hardwareMarkers {
		if strings.Contains(info.Name, m) {
			return !strings.Contains(strings.ToLower(info.Name), "google")
		}
	}
	return false
}

// IsSoftware reports whether a codec is a known software implementation.
func IsSoftware(info CodecInfo) bool {
	if IsHardware(info) {
		return false
	}
	name := strings.ToLower(info.Name)
	return strings.Contains(name, "google") || strings.Contains(name, "sw") || softwareNames[name]
}

func implementationRank(info CodecInfo) int {
	switch {
	case IsHardware(info):
		return 0
	case IsSoftware(info):
		return 1
	default:
		return 2
	}
}

// Resolver picks encoders and encode parameters from what a platform lists.
type Resolver struct {
	lister CodecLister
}

func NewResolver(lister CodecLister) *Resolver {
	return &Resolver{lister: lister}
}

// avcLevels lists level_idc with max frame size (macroblocks) and max
// macroblock rate, in ascending order.
var avcLevels = []struct {
	idc   int
	maxFS int
	maxMB int
}{
	{10, 99, 1485}, {11, 396, 3000}, {12, 396, 6000}, {13, 396, 11880},
	{20, 396, 11880}, {21, 792, 19800}, {22, 1620, 20250},
	{30, 1620, 40500}, {31, 3600, 108000}, {32, 5120, 216000},
	{40, 8192, 245760}, {41, 8192, 245760}, {42, 8704, 522240},
	{50, 22080, 589824}, {51, 36864, 983040}, {52, 36864, 2073600},
}

// RequiredAVCLevel is the lowest H.264 level able to carry the given size and rate.
func RequiredAVCLevel(width, height, frameRate int) int {
	mbs := ((width + 15) / 16) * ((height + 15) / 16)
	for _, l := range avcLevels {
		if mbs <= l.maxFS && mbs*frameRate <= l.maxMB {
			return l.idc
		}
	}
	return avcLevels[len(avcLevels)-1].idc
}

func supportsSize(info CodecInfo, width, height int) bool {
	if info.MaxWidth == 0 || info.MaxHeight == 0 {
		return true
	}
	return width <= info.MaxWidth && height <= info.MaxHeight
}

// fitWithin scales width x height down to fit the encoder limits, keeping the
// aspect ratio and even dimensions.
func fitWithin(width, height, maxWidth, maxHeight int) (int, int) {
	if maxWidth == 0 || maxHeight == 0 || (width <= maxWidth && height <= maxHeight) {
		return width, height
	}
	scale := float64(maxWidth) / float64(width)
	if s := float64(maxHeight) / float64(height); s < scale {
		scale = s
	}
	w := int(float64(width)*scale) &^ 1
	h := int(float64(height)*scale) &^ 1
	return w, h
}

var avcPreference = []AVCProfile{AVCProfileHigh, AVCProfileMain, AVCProfileBaseline}

// bestAVCProfile returns the most capable advertised profile whose level can
// carry the stream. Zero values mean "encoder default".
func bestAVCProfile(levels []ProfileLevel, required int) (AVCProfile, int) {
	if len(levels) == 0 {
		return 0, 0
	}
	for _, want := range avcPreference {
		for _, pl := range levels {
			if AVCProfile(pl.Profile) == want && pl.Level >= required {
				return want, pl.Level
			}
		}
	}
	return AVCProfile(levels[0].Profile), levels[0].Level
}

// CreateVideoConfig selects an AVC encoder and its parameters for the
// requested resolution. It fails only when no AVC encoder exists.
func (r *Resolver) CreateVideoConfig(res Resolution, frameRate, keyFrameInterval int) (VideoEncodeConfig, error) {
	encoders, err := r.lister.Encoders(KindVideo)
	if err != nil {
		return VideoEncodeConfig{}, fmt.Errorf("listing video encoders: %w", err)
	}

	var avc []CodecInfo
	for _, e := range encoders {
		if e.MIMEType == MIMETypeAVC {
			avc = append(avc, e)
		}
	}
	if len(avc) == 0 {
		return VideoEncodeConfig{}, ErrNoVideoEncoder
	}

	width, height := res.Size()

	sort.SliceStable(avc, func(i, j int) bool {
		return IsHardware(avc[i]) && !IsHardware(avc[j])
	})

	chosen := avc[0]
	found := false
	for _, e := range avc {
		if supportsSize(e, width, height) {
			chosen = e
			found = true
			break
		}
	}
	if !found {
		w, h := fitWithin(width, height, chosen.MaxWidth, chosen.MaxHeight)
		slog.Warn("No encoder supports requested resolution, scaling down",
			"resolution", string(res), "encoder", chosen.Name, "width", w, "height", h)
		width, height = w, h
	}

	profile, level := bestAVCProfile(chosen.ProfileLevels, RequiredAVCLevel(width, height, frameRate))

	cfg := VideoEncodeConfig{
		Codec:            chosen.Name,
		MIMEType:         MIMETypeAVC,
		Width:            width,
		Height:           height,
		Bitrate:          BitrateFor(width, height),
		FrameRate:        frameRate,
		KeyFrameInterval: keyFrameInterval,
		Profile:          profile,
		Level:            level,
		Hardware:         IsHardware(chosen),
	}
	slog.Debug("Selected video encoder", "codec", cfg.Codec, "width", cfg.Width, "height", cfg.Height,
		"bitrate", cfg.Bitrate, "profile", cfg.Profile.String(), "level", cfg.Level)
	return cfg, nil
}

// SampleRateLadder is the order in which AAC sample rates are tried.
var SampleRateLadder = []int{44100, 48000, 32000, 16000}

func pickSampleRate(rates []int) (int, bool) {
	for _, want := range SampleRateLadder {
		for _, r := range rates {
			if r == want {
				return want, true
			}
		}
	}
	return 0, false
}

func pickAACProfile(levels []ProfileLevel) AACProfile {
	if len(levels) == 0 {
		return AACProfileLC
	}
	for _, pl := range levels {
		if AACProfile(pl.Profile) == AACProfileLC {
			return AACProfileLC
		}
	}
	return AACProfile(levels[0].Profile)
}

// AudioBitrate picks the middle step of a ladder that starts at
// max(min/1000, 80) kbps, advances by that step and ends at max/1000 kbps.
func AudioBitrate(minBps, maxBps int) int {
	if maxBps <= 0 {
		return 128000
	}
	lower := minBps / 1000
	if lower < 80 {
		lower = 80
	}
	upper := maxBps / 1000
	var rates []int
	for rate := lower; rate < upper; rate += lower {
		rates = append(rates, rate)
	}
	rates = append(rates, upper)
	return rates[len(rates)/2] * 1000
}

type audioCandidate struct {
	info       CodecInfo
	sampleRate int
	profile    AACProfile
	rank       int
}

// CreateAudioConfig selects an AAC encoder for the given source mode. It
// returns nil when the mode is SourceNone or no encoder qualifies; callers
// record video only in that case.
func (r *Resolver) CreateAudioConfig(mode SourceMode) *AudioEncodeConfig {
	if mode == SourceNone {
		return nil
	}

	encoders, err := r.lister.Encoders(KindAudio)
	if err != nil {
		slog.Warn("Listing audio encoders failed, recording video only", "error", err)
		return nil
	}

	var candidates []audioCandidate
	for _, e := range encoders {
		if e.MIMEType != MIMETypeAAC {
			continue
		}
		rate, ok := pickSampleRate(e.SampleRates)
		if !ok {
			slog.Debug("Rejecting audio encoder: no usable sample rate", "codec", e.Name, "rates", e.SampleRates)
			continue
		}
		if e.MaxInputChannels < 1 {
			slog.Debug("Rejecting audio encoder: no mono input", "codec", e.Name)
			continue
		}
		candidates = append(candidates, audioCandidate{
			info:       e,
			sampleRate: rate,
			profile:    pickAACProfile(e.ProfileLevels),
			rank:       implementationRank(e),
		})
	}
	if len(candidates) == 0 {
		slog.Warn("No AAC encoder satisfies constraints, recording video only", "mode", mode.String())
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].rank < candidates[j].rank
	})
	best := candidates[0]

	cfg := &AudioEncodeConfig{
		Codec:        best.info.Name,
		MIMEType:     MIMETypeAAC,
		Bitrate:      AudioBitrate(best.info.BitrateMin, best.info.BitrateMax),
		SampleRate:   best.sampleRate,
		ChannelCount: 1,
		Profile:      best.profile,
		Mode:         mode,
		Hardware:     best.rank == 0,
	}
	slog.Debug("Selected audio encoder", "codec", cfg.Codec, "sample_rate", cfg.SampleRate,
		"bitrate", cfg.Bitrate, "profile", cfg.Profile.String(), "mode", mode.String())
	return cfg
}
