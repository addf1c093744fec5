package ffmpeg

import (
	"bufio"
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
)

const adtsHeaderSize = 7

// adtsReader cuts an ADTS stream into frames. Bytes before a sync word are
// skipped.
type adtsReader struct {
	r       *bufio.Reader
	skipped int
}

func newADTSReader(r io.Reader) *adtsReader {
	return &adtsReader{r: bufio.NewReaderSize(r, readChunk)}
}

func (a *adtsReader) next() (*mpeg4audio.ADTSPacket, error) {
	for {
		hdr, err := a.r.Peek(adtsHeaderSize)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, io.EOF
			}
			return nil, err
		}
		if hdr[0] != 0xff || hdr[1]&0xf0 != 0xf0 {
			a.r.Discard(1)
			a.skipped++
			continue
		}
		size := int(hdr[3]&0x03)<<11 | int(hdr[4])<<3 | int(hdr[5])>>5
		if size <= adtsHeaderSize {
			a.r.Discard(1)
			a.skipped++
			continue
		}

		frame := make([]byte, size)
		if _, err := io.ReadFull(a.r, frame); err != nil {
			if err == io.ErrUnexpectedEOF {
				return nil, io.EOF
			}
			return nil, err
		}
		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(frame); err != nil {
			return nil, fmt.Errorf("invalid ADTS frame: %w", err)
		}
		return pkts[0], nil
	}
}
