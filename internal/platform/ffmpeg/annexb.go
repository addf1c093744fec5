package ffmpeg

import (
	"bytes"
	"io"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

const readChunk = 64 << 10

// naluScanner splits an Annex-B byte stream into NAL units as the bytes
// arrive. h264.AnnexBUnmarshal needs a whole access unit up front, which a
// pipe from ffmpeg never provides.
type naluScanner struct {
	r       io.Reader
	buf     []byte
	scanned int
	synced  bool
	eof     bool
	chunk   []byte
}

func newNALUScanner(r io.Reader) *naluScanner {
	return &naluScanner{r: r, chunk: make([]byte, readChunk)}
}

var startCode = []byte{0, 0, 1}

func trimZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// next returns the next NAL unit without its start code, or io.EOF.
func (s *naluScanner) next() ([]byte, error) {
	for {
		if i := bytes.Index(s.buf[s.scanned:], startCode); i >= 0 {
			i += s.scanned
			nalu := trimZeros(s.buf[:i])
			s.buf = s.buf[i+len(startCode):]
			s.scanned = 0
			wasSynced := s.synced
			s.synced = true
			if !wasSynced || len(nalu) == 0 {
				continue
			}
			return append([]byte(nil), nalu...), nil
		}
		// a start code may straddle two reads
		if len(s.buf) > 2 {
			s.scanned = len(s.buf) - 2
		}

		if s.eof {
			rest := trimZeros(s.buf)
			s.buf, s.scanned = nil, 0
			if s.synced && len(rest) > 0 {
				return append([]byte(nil), rest...), nil
			}
			return nil, io.EOF
		}

		n, err := s.r.Read(s.chunk)
		if !s.synced && len(s.buf) > 2 {
			s.buf = s.buf[len(s.buf)-2:]
			s.scanned = 0
		}
		s.buf = append(s.buf, s.chunk[:n]...)
		if err == io.EOF {
			s.eof = true
		} else if err != nil {
			return nil, err
		}
	}
}

func isVCL(nalu []byte) bool {
	t := h264.NALUType(nalu[0] & 0x1f)
	return t == h264.NALUTypeNonIDR || t == h264.NALUTypeIDR
}

// opensAU reports whether a NAL unit following a slice begins a new access
// unit: a delimiter, parameter set or SEI, or a slice whose first_mb_in_slice
// is zero.
func opensAU(nalu []byte) bool {
	switch h264.NALUType(nalu[0] & 0x1f) {
	case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeSEI:
		return true
	case h264.NALUTypeNonIDR, h264.NALUTypeIDR:
		return len(nalu) > 1 && nalu[1]&0x80 != 0
	}
	return false
}

// auAssembler groups NAL units into access units.
type auAssembler struct {
	nalus *naluScanner
	held  []byte
}

func newAUAssembler(r io.Reader) *auAssembler {
	return &auAssembler{nalus: newNALUScanner(r)}
}

// next returns the next complete access unit. An access unit is only known to
// be complete once the first NAL unit of the following one has arrived, or at
// the end of the stream.
func (a *auAssembler) next() ([][]byte, error) {
	var au [][]byte
	hasSlice := false
	if a.held != nil {
		au = append(au, a.held)
		hasSlice = isVCL(a.held)
		a.held = nil
	}
	for {
		nalu, err := a.nalus.next()
		if err == io.EOF {
			if len(au) > 0 {
				return au, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		if hasSlice && opensAU(nalu) {
			a.held = nalu
			return au, nil
		}
		au = append(au, nalu)
		if isVCL(nalu) {
			hasSlice = true
		}
	}
}

// splitParams separates SPS and PPS from the rest of an access unit and drops
// delimiters, which the muxer does not store.
func splitParams(au [][]byte) (sps, pps []byte, rest [][]byte) {
	for _, nalu := range au {
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		case h264.NALUTypeAccessUnitDelimiter:
		default:
			rest = append(rest, nalu)
		}
	}
	return sps, pps, rest
}
