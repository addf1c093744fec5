package muxer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"

	"github.com/audiolibrelab/screenrec/internal/media"
)

var ErrNotFragmented = errors.New("not a fragmented MP4 file")

// TrackInfo describes one track found by Probe.
type TrackInfo struct {
	ID        int
	Kind      media.Kind
	Codec     string
	TimeScale uint32
	Samples   int
	KeyFrames int
	Duration  time.Duration

	Width        int
	Height       int
	SampleRate   int
	ChannelCount int
}

// Info summarizes a recording.
type Info struct {
	Tracks   []TrackInfo
	Duration time.Duration
	Parts    int
	Size     int64
	// Truncated is set when trailing bytes did not form a complete box.
	Truncated bool
}

type box struct {
	typ    string
	offset int64
	size   int64
}

// scanBoxes lists the complete top-level boxes of data.
func scanBoxes(data []byte) (boxes []box, truncated bool) {
	var off int64
	n := int64(len(data))
	for off+8 <= n {
		size := int64(binary.BigEndian.Uint32(data[off:]))
		typ := string(data[off+4 : off+8])
		switch size {
		case 0:
			size = n - off
		case 1:
			if off+16 > n {
				return boxes, true
			}
			size = int64(binary.BigEndian.Uint64(data[off+8:]))
		}
		if size < 8 || off+size > n {
			return boxes, true
		}
		boxes = append(boxes, box{typ: typ, offset: off, size: size})
		off += size
	}
	return boxes, off != n
}

// Probe reads a file written by Muxer and reports its tracks. A file cut short
// mid-fragment is read up to the last complete fragment.
func Probe(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info := &Info{Size: int64(len(data))}

	boxes, truncated := scanBoxes(data)
	info.Truncated = truncated

	var initEnd, partsStart, partsEnd int64 = -1, -1, -1
	for _, b := range boxes {
		switch b.typ {
		case "moov":
			initEnd = b.offset + b.size
		case "moof":
			if partsStart < 0 {
				partsStart = b.offset
			}
		case "mdat":
			if partsStart >= 0 {
				partsEnd = b.offset + b.size
			}
		}
	}
	if initEnd < 0 {
		return nil, ErrNotFragmented
	}

	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data[:initEnd])); err != nil {
		return nil, fmt.Errorf("reading init segment: %w", err)
	}

	byID := make(map[int]*TrackInfo)
	for _, it := range init.Tracks {
		ti := TrackInfo{ID: it.ID, TimeScale: it.TimeScale}
		switch c := it.Codec.(type) {
		case *fmp4.CodecH264:
			ti.Kind = media.KindVideo
			ti.Codec = "H.264"
			var sps h264.SPS
			if err := sps.Unmarshal(c.SPS); err == nil {
				ti.Width = sps.Width()
				ti.Height = sps.Height()
			}
		case *fmp4.CodecMPEG4Audio:
			ti.Kind = media.KindAudio
			ti.Codec = "AAC"
			ti.SampleRate = c.SampleRate
			if c.ExtensionSampleRate != 0 {
				ti.SampleRate = c.ExtensionSampleRate
			}
			ti.ChannelCount = c.ChannelCount
		default:
			ti.Codec = fmt.Sprintf("%T", c)
		}
		info.Tracks = append(info.Tracks, ti)
	}
	for i := range info.Tracks {
		byID[info.Tracks[i].ID] = &info.Tracks[i]
	}

	if partsStart < 0 || partsEnd <= partsStart {
		return info, nil
	}

	var parts fmp4.Parts
	if err := parts.Unmarshal(data[partsStart:partsEnd]); err != nil {
		return nil, fmt.Errorf("reading fragments: %w", err)
	}
	info.Parts = len(parts)

	ends := make(map[int]uint64)
	for _, p := range parts {
		for _, pt := range p.Tracks {
			ti, ok := byID[pt.ID]
			if !ok {
				continue
			}
			end := pt.BaseTime
			for _, s := range pt.Samples {
				end += uint64(s.Duration)
				ti.Samples++
				if !s.IsNonSyncSample {
					ti.KeyFrames++
				}
			}
			if end > ends[pt.ID] {
				ends[pt.ID] = end
			}
		}
	}

	for i := range info.Tracks {
		ti := &info.Tracks[i]
		if ti.TimeScale == 0 {
			continue
		}
		ti.Duration = time.Duration(ends[ti.ID] * uint64(time.Second) / uint64(ti.TimeScale))
		if ti.Duration > info.Duration {
			info.Duration = ti.Duration
		}
	}
	return info, nil
}

// VideoTrack returns the first video track, if any.
func (i *Info) VideoTrack() (TrackInfo, bool) {
	for _, t := range i.Tracks {
		if t.Kind == media.KindVideo {
			return t, true
		}
	}
	return TrackInfo{}, false
}

// AudioTracks returns every audio track.
func (i *Info) AudioTracks() []TrackInfo {
	var out []TrackInfo
	for _, t := range i.Tracks {
		if t.Kind == media.KindAudio {
			out = append(out, t)
		}
	}
	return out
}
