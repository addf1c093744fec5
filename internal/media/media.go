// Package media holds the types shared by the capture, encode and mux stages and
// the codec capability resolver that turns device encoder lists into encode configs.
package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Kind distinguishes video from audio streams and encoders.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SourceMode selects which audio inputs feed a recording.
type SourceMode int

const (
	SourceNone SourceMode = iota
	SourceMic
	SourceInternal
	SourceMicAndInternal
)

func (m SourceMode) String() string {
	switch m {
	case SourceNone:
		return "NONE"
	case SourceMic:
		return "MIC"
	case SourceInternal:
		return "INTERNAL"
	case SourceMicAndInternal:
		return "MIC_AND_INTERNAL"
	default:
		return fmt.Sprintf("SourceMode(%d)", int(m))
	}
}

// ParseSourceMode accepts the names printed by String, case-insensitively.
func ParseSourceMode(s string) (SourceMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return SourceNone, nil
	case "MIC":
		return SourceMic, nil
	case "INTERNAL", "SYSTEM":
		return SourceInternal, nil
	case "MIC_AND_INTERNAL", "BOTH":
		return SourceMicAndInternal, nil
	}
	return SourceNone, fmt.Errorf("unknown audio source mode: %s", s)
}

// SourceModeFor derives the mode from the two settings flags.
func SourceModeFor(mic, internal bool) SourceMode {
	switch {
	case mic && internal:
		return SourceMicAndInternal
	case mic:
		return SourceMic
	case internal:
		return SourceInternal
	default:
		return SourceNone
	}
}

// HasMic reports whether the mode includes the microphone.
func (m SourceMode) HasMic() bool {
	return m == SourceMic || m == SourceMicAndInternal
}

// HasInternal reports whether the mode includes system audio.
func (m SourceMode) HasInternal() bool {
	return m == SourceInternal || m == SourceMicAndInternal
}

// AudioType is the reason code carried by audio-unavailable notices.
type AudioType int

const (
	AudioTypeMic            AudioType = 0
	AudioTypeInternal       AudioType = 1
	AudioTypeMicAndInternal AudioType = 2
)

// AudioType maps a source mode to its notice code. SourceNone has no code and
// maps to AudioTypeMic.
func (m SourceMode) AudioType() AudioType {
	switch m {
	case SourceInternal:
		return AudioTypeInternal
	case SourceMicAndInternal:
		return AudioTypeMicAndInternal
	default:
		return AudioTypeMic
	}
}

// SourceKind names one physical audio input.
type SourceKind int

const (
	SourceKindMic SourceKind = iota
	SourceKindInternal
)

func (k SourceKind) String() string {
	if k == SourceKindInternal {
		return "internal"
	}
	return "mic"
}

// Flags describe an encoded sample.
type Flags uint8

const (
	FlagKeyFrame Flags = 1 << iota
	FlagEndOfStream
	FlagCodecConfig
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// EncodedSample is one access unit produced by an encoder. PTS is in
// microseconds. Ownership of Payload passes to whoever receives the sample.
//
// Video payloads are Annex-B access units; audio payloads are raw AAC frames.
type EncodedSample struct {
	Track   int
	Payload []byte
	PTS     int64
	Flags   Flags
}

// AACProfile identifies an AAC object type.
type AACProfile int

const (
	AACProfileLC   AACProfile = 2
	AACProfileHE   AACProfile = 5
	AACProfileHEv2 AACProfile = 29
)

func (p AACProfile) String() string {
	switch p {
	case AACProfileLC:
		return "AAC-LC"
	case AACProfileHE:
		return "HE-AAC"
	case AACProfileHEv2:
		return "HE-AACv2"
	default:
		return fmt.Sprintf("AAC(%d)", int(p))
	}
}

// AVCProfile is an H.264 profile_idc.
type AVCProfile int

const (
	AVCProfileBaseline AVCProfile = 66
	AVCProfileMain     AVCProfile = 77
	AVCProfileHigh     AVCProfile = 100
)

func (p AVCProfile) String() string {
	switch p {
	case AVCProfileBaseline:
		return "baseline"
	case AVCProfileMain:
		return "main"
	case AVCProfileHigh:
		return "high"
	default:
		return fmt.Sprintf("profile-%d", int(p))
	}
}

// Format is what an encoder reports once its output parameters are known.
type Format struct {
	Kind Kind

	// video
	SPS    []byte
	PPS    []byte
	Width  int
	Height int

	// audio
	SampleRate   int
	ChannelCount int
	Profile      AACProfile
}

// Resolution is a named capture size.
type Resolution string

const (
	Resolution720p  Resolution = "720p"
	Resolution1080p Resolution = "1080p"
	Resolution4K    Resolution = "4k"
)

// Size returns the pixel dimensions. Unknown tags fall back to 720p.
func (r Resolution) Size() (width, height int) {
	switch Resolution(strings.ToLower(string(r))) {
	case Resolution1080p:
		return 1920, 1080
	case Resolution4K:
		return 3840, 2160
	default:
		return 1280, 720
	}
}

// VideoEncodeConfig is fixed for the lifetime of a session.
type VideoEncodeConfig struct {
	Codec            string
	MIMEType         string
	Width            int
	Height           int
	Bitrate          int
	FrameRate        int
	KeyFrameInterval int // seconds
	Profile          AVCProfile
	Level            int // level_idc, e.g. 40 for 4.0
	Hardware         bool
}

// AudioEncodeConfig is fixed for the lifetime of a session. A nil
// *AudioEncodeConfig means the session records video only.
type AudioEncodeConfig struct {
	Codec        string
	MIMEType     string
	Bitrate      int
	SampleRate   int
	ChannelCount int
	Profile      AACProfile
	Mode         SourceMode
	Hardware     bool
}

// BitrateFor is the target video bitrate for a frame size.
func BitrateFor(width, height int) int {
	return 5 * width * height
}

// OutputName builds "ScreenRecord_yyyyMMdd-HHmmss_WxH.mp4".
func OutputName(t time.Time, width, height int) string {
	return fmt.Sprintf("ScreenRecord_%s_%dx%d.mp4", t.Format("20060102-150405"), width, height)
}

// OutputPath joins dir with OutputName.
func OutputPath(dir string, t time.Time, width, height int) string {
	return filepath.Join(dir, OutputName(t, width, height))
}
