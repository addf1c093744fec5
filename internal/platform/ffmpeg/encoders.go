package ffmpeg

import (
	"regexp"
	"strings"

	"github.com/audiolibrelab/screenrec/internal/media"
)

var codecSuffix = regexp.MustCompile(`\(codec ([a-z0-9_]+)\)\s*$`)

// EncoderLine is one row of `ffmpeg -encoders`.
type EncoderLine struct {
	Kind        media.Kind
	Name        string
	Codec       string
	Description string
}

// ParseEncoders reads the table printed by `ffmpeg -hide_banner -encoders`.
// Rows before the dashed separator are the legend and are skipped.
func ParseEncoders(output string) []EncoderLine {
	var lines []EncoderLine
	inTable := false
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "---") {
			inTable = true
			continue
		}
		if !inTable || line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}

		var kind media.Kind
		switch fields[0][0] {
		case 'V':
			kind = media.KindVideo
		case 'A':
			kind = media.KindAudio
		default:
			continue
		}

		desc := strings.TrimSpace(strings.TrimPrefix(line[len(fields[0]):], " "))
		desc = strings.TrimSpace(strings.TrimPrefix(desc, fields[1]))
		codec := fields[1]
		if m := codecSuffix.FindStringSubmatch(desc); m != nil {
			codec = m[1]
		}
		lines = append(lines, EncoderLine{Kind: kind, Name: fields[1], Codec: codec, Description: desc})
	}
	return lines
}

var avcLevels = []media.ProfileLevel{
	{Profile: int(media.AVCProfileHigh), Level: 52},
	{Profile: int(media.AVCProfileMain), Level: 52},
	{Profile: int(media.AVCProfileBaseline), Level: 52},
}

// hwAVC lists the hardware H.264 encoders this backend can drive, with the
// largest frame they accept.
var hwAVC = map[string][2]int{
	"h264_vaapi": {4096, 4096},
	"h264_nvenc": {4096, 4096},
	"h264_qsv":   {4096, 2304},
}

// aacSampleRates are the rates the AAC encoders accept.
var aacSampleRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000}

// CodecInfos turns parsed rows into resolver input, keeping only the H.264
// and AAC encoders this backend knows how to drive.
func CodecInfos(lines []EncoderLine, kind media.Kind) []media.CodecInfo {
	var infos []media.CodecInfo
	for _, l := range lines {
		if l.Kind != kind {
			continue
		}
		switch {
		case kind == media.KindVideo && l.Name == "libx264":
			infos = append(infos, media.CodecInfo{
				Name:          l.Name,
				Kind:          media.KindVideo,
				MIMEType:      media.MIMETypeAVC,
				MaxWidth:      8192,
				MaxHeight:     4320,
				ProfileLevels: avcLevels,
				BitrateMin:    10_000,
				BitrateMax:    200_000_000,
			})
		case kind == media.KindVideo && l.Codec == "h264":
			size, ok := hwAVC[l.Name]
			if !ok {
				continue
			}
			infos = append(infos, media.CodecInfo{
				Name:          l.Name,
				Kind:          media.KindVideo,
				MIMEType:      media.MIMETypeAVC,
				Hardware:      true,
				MaxWidth:      size[0],
				MaxHeight:     size[1],
				ProfileLevels: avcLevels[:],
				BitrateMin:    100_000,
				BitrateMax:    100_000_000,
			})
		case kind == media.KindAudio && (l.Name == "aac" || l.Name == "libfdk_aac"):
			infos = append(infos, media.CodecInfo{
				Name:             l.Name,
				Kind:             media.KindAudio,
				MIMEType:         media.MIMETypeAAC,
				SampleRates:      aacSampleRates,
				MaxInputChannels: 8,
				ProfileLevels:    []media.ProfileLevel{{Profile: int(media.AACProfileLC)}},
				BitrateMin:       8_000,
				BitrateMax:       512_000,
			})
		}
	}
	return infos
}
