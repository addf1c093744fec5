package ffmpeg

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"

	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/platform"
	"github.com/audiolibrelab/screenrec/internal/platform/fake"
)

const encodersOutput = `Encoders:
 V..... = Video
 A..... = Audio
 S..... = Subtitle
 .F.... = Frame-level multithreading
 ------
 V....D a64multi             Multicolor charset for Commodore 64 (codec a64_multi)
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 V....D h264_v4l2m2m         V4L2 mem2mem H.264 encoder wrapper (codec h264)
 V....D h264_vaapi           H.264/AVC (VAAPI) (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
 A....D libopus              libopus Opus (codec opus)
 S..... srt                  SubRip subtitle
`

func TestParseEncoders(t *testing.T) {
	lines := ParseEncoders(encodersOutput)
	if len(lines) != 7 {
		t.Fatalf("Expected 7 encoder rows, got %d: %+v", len(lines), lines)
	}
	if lines[1].Name != "libx264" || lines[1].Codec != "h264" || lines[1].Kind != media.KindVideo {
		t.Errorf("Unexpected libx264 row %+v", lines[1])
	}
	if lines[5].Name != "aac" || lines[5].Codec != "aac" || lines[5].Kind != media.KindAudio {
		t.Errorf("Unexpected aac row %+v", lines[5])
	}
	if lines[4].Description != "H.264/AVC (VAAPI) (codec h264)" {
		t.Errorf("Unexpected description %q", lines[4].Description)
	}
}

func TestCodecInfos(t *testing.T) {
	lines := ParseEncoders(encodersOutput)

	video := CodecInfos(lines, media.KindVideo)
	var names []string
	for _, c := range video {
		names = append(names, c.Name)
		if c.MIMEType != media.MIMETypeAVC {
			t.Errorf("%s: expected AVC, got %s", c.Name, c.MIMEType)
		}
	}
	if got := strings.Join(names, ","); got != "libx264,h264_nvenc,h264_vaapi" {
		t.Errorf("Unexpected video encoders %s", got)
	}
	if video[0].Hardware || !video[1].Hardware || !video[2].Hardware {
		t.Errorf("Hardware flags wrong: %+v", video)
	}

	audio := CodecInfos(lines, media.KindAudio)
	if len(audio) != 1 || audio[0].Name != "aac" || audio[0].MIMEType != media.MIMETypeAAC {
		t.Fatalf("Unexpected audio encoders %+v", audio)
	}
	if audio[0].ProfileLevels[0].Profile != int(media.AACProfileLC) {
		t.Errorf("AAC encoder should advertise LC")
	}
}

func TestParseSources(t *testing.T) {
	out := "47\talsa_output.pci-0000_00_1f.3.analog-stereo.monitor\tPipeWire\ts32le 2ch 48000Hz\tSUSPENDED\n" +
		"48\talsa_input.pci-0000_00_1f.3.analog-stereo\tPipeWire\ts32le 2ch 48000Hz\tRUNNING\n\n"
	sources := ParseSources(out)
	if len(sources) != 2 {
		t.Fatalf("Expected 2 sources, got %d", len(sources))
	}
	if !sources[0].Monitor || sources[1].Monitor {
		t.Errorf("Monitor detection wrong: %+v", sources)
	}
	if sources[1].Name != "alsa_input.pci-0000_00_1f.3.analog-stereo" {
		t.Errorf("Unexpected name %q", sources[1].Name)
	}
}

func scriptedPactl(replies map[string]string) *pactl {
	return &pactl{run: func(args ...string) (string, error) {
		key := strings.Join(args, " ")
		out, ok := replies[key]
		if !ok {
			return "", errors.New("unexpected pactl call: " + key)
		}
		return out, nil
	}}
}

func TestPactlResolve(t *testing.T) {
	p := scriptedPactl(map[string]string{
		"get-default-source":  "alsa_input.usb-mic\n",
		"get-default-sink":    "alsa_output.speakers\n",
		"list short sources": "1\talsa_input.usb-mic\tPipeWire\ts16le 1ch 48000Hz\tIDLE\n",
	})

	tests := []struct {
		name       string
		kind       media.SourceKind
		configured string
		want       string
		wantErr    bool
	}{
		{"default mic", media.SourceKindMic, "", "alsa_input.usb-mic", false},
		{"default monitor", media.SourceKindInternal, "", "alsa_output.speakers.monitor", false},
		{"configured", media.SourceKindMic, "alsa_input.usb-mic", "alsa_input.usb-mic", false},
		{"configured missing", media.SourceKindInternal, "nope.monitor", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.resolve(tt.kind, tt.configured)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPactlRejectsMonitorAsMic(t *testing.T) {
	p := scriptedPactl(map[string]string{"get-default-source": "alsa_output.speakers.monitor\n"})
	if _, err := p.resolve(media.SourceKindMic, ""); err == nil {
		t.Error("A monitor must not be used as the microphone")
	}
}

var (
	aud    = []byte{0x09, 0xf0}
	idr    = []byte{0x65, 0x88, 0x84, 0x21, 0xa0}
	slice1 = []byte{0x41, 0x9a, 0x02, 0x03}
	slice2 = []byte{0x41, 0x9a, 0x04, 0x05}
)

func annexB(nalus ...[]byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{0xde, 0xad})
	for i, n := range nalus {
		if i%2 == 0 {
			b.Write([]byte{0, 0, 0, 1})
		} else {
			b.Write([]byte{0, 0, 1})
		}
		b.Write(n)
	}
	return b.Bytes()
}

func TestNALUScanner(t *testing.T) {
	stream := annexB(aud, fake.SPS, fake.PPS, idr, slice1)
	s := newNALUScanner(iotest.OneByteReader(bytes.NewReader(stream)))

	want := [][]byte{aud, fake.SPS, fake.PPS, idr, slice1}
	for i, w := range want {
		got, err := s.next()
		if err != nil {
			t.Fatalf("NALU %d: %v", i, err)
		}
		if !bytes.Equal(got, w) {
			t.Errorf("NALU %d: expected %x, got %x", i, w, got)
		}
	}
	if _, err := s.next(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestAUAssembler(t *testing.T) {
	stream := annexB(aud, fake.SPS, fake.PPS, idr, aud, slice1, slice2)
	a := newAUAssembler(bytes.NewReader(stream))

	want := [][][]byte{
		{aud, fake.SPS, fake.PPS, idr},
		{aud, slice1},
		{slice2},
	}
	for i, w := range want {
		au, err := a.next()
		if err != nil {
			t.Fatalf("AU %d: %v", i, err)
		}
		if len(au) != len(w) {
			t.Fatalf("AU %d: expected %d NALUs, got %d", i, len(w), len(au))
		}
		for j := range w {
			if !bytes.Equal(au[j], w[j]) {
				t.Errorf("AU %d NALU %d: expected %x, got %x", i, j, w[j], au[j])
			}
		}
	}
	if _, err := a.next(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestSplitParams(t *testing.T) {
	sps, pps, rest := splitParams([][]byte{aud, fake.SPS, fake.PPS, idr})
	if !bytes.Equal(sps, fake.SPS) || !bytes.Equal(pps, fake.PPS) {
		t.Error("Parameter sets not extracted")
	}
	if len(rest) != 1 || !bytes.Equal(rest[0], idr) {
		t.Errorf("Expected only the slice to remain, got %x", rest)
	}
}

func TestVideoFormatFromSPS(t *testing.T) {
	e := newVideoEncoder("ffmpeg", media.VideoEncodeConfig{Width: 1280, Height: 720})
	f := e.format(fake.SPS, fake.PPS)
	if f.Width != 1920 || f.Height != 1080 {
		t.Errorf("Expected size from SPS 1920x1080, got %dx%d", f.Width, f.Height)
	}
	f = e.format([]byte{0x67}, fake.PPS)
	if f.Width != 1280 || f.Height != 720 {
		t.Errorf("Expected configured size on bad SPS, got %dx%d", f.Width, f.Height)
	}
}

func TestVideoArgs(t *testing.T) {
	args := strings.Join(VideoArgs(":0.0", media.VideoEncodeConfig{
		Codec:            "libx264",
		Width:            1920,
		Height:           1080,
		Bitrate:          8_000_000,
		FrameRate:        30,
		KeyFrameInterval: 2,
		Profile:          media.AVCProfileHigh,
		Level:            42,
	}), " ")
	for _, want := range []string{
		"-f x11grab -framerate 30 -draw_mouse 1 -i :0.0",
		"scale=1920:1080:force_original_aspect_ratio=decrease",
		"-c:v libx264 -preset veryfast",
		"-profile:v high -level:v 4.2",
		"-b:v 8000000",
		"-g 60 -bf 0",
		"-f h264 pipe:1",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("Missing %q in %s", want, args)
		}
	}

	vaapi := strings.Join(VideoArgs(":1", media.VideoEncodeConfig{Codec: "h264_vaapi", Width: 1280, Height: 720}), " ")
	if !strings.HasPrefix(vaapi, "-hide_banner -loglevel warning -nostdin -vaapi_device") {
		t.Errorf("VAAPI device must precede the input: %s", vaapi)
	}
	if !strings.Contains(vaapi, "format=nv12,hwupload") {
		t.Errorf("VAAPI needs hwupload: %s", vaapi)
	}
}

func TestAACArgs(t *testing.T) {
	args := strings.Join(AACArgs(media.AudioEncodeConfig{SampleRate: 44100, ChannelCount: 2, Bitrate: 128000}), " ")
	for _, want := range []string{"-f s16le -ar 44100 -ac 2 -i pipe:0", "-c:a aac -profile:a aac_low", "-b:a 128000", "-f adts"} {
		if !strings.Contains(args, want) {
			t.Errorf("Missing %q in %s", want, args)
		}
	}
}

func TestSourceArgs(t *testing.T) {
	args := strings.Join(SourceArgs("sink.monitor", 48000, 2), " ")
	if !strings.Contains(args, "-f pulse -sample_rate 48000 -channels 2 -fragment_size 3840 -i sink.monitor") {
		t.Errorf("Unexpected args %s", args)
	}
}

func TestADTSReader(t *testing.T) {
	pkts := mpeg4audio.ADTSPackets{
		{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: 44100, ChannelCount: 2, AU: []byte{1, 2, 3}},
		{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: 44100, ChannelCount: 2, AU: []byte{4, 5, 6, 7}},
	}
	stream, err := pkts.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	stream = append([]byte{0x00, 0x12}, stream...)

	r := newADTSReader(iotest.HalfReader(bytes.NewReader(stream)))
	for i, want := range pkts {
		got, err := r.next()
		if err != nil {
			t.Fatalf("Packet %d: %v", i, err)
		}
		if !bytes.Equal(got.AU, want.AU) || got.SampleRate != 44100 || got.ChannelCount != 2 {
			t.Errorf("Packet %d: unexpected %+v", i, got)
		}
	}
	if _, err := r.next(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
	if r.skipped != 2 {
		t.Errorf("Expected 2 skipped bytes, got %d", r.skipped)
	}
}

func TestPTSMap(t *testing.T) {
	m := ptsMap{rate: 48000}
	if got := m.at(1024); got != 21333 {
		t.Errorf("Without marks expected 21333, got %d", got)
	}
	m.add(0, 1_000_000)
	m.add(4800, 5_000_000)

	tests := []struct {
		frame int64
		want  int64
	}{
		{0, 1_000_000},
		{2400, 1_050_000},
		{4800, 5_000_000},
		{9600, 5_100_000},
	}
	for _, tt := range tests {
		if got := m.at(tt.frame); got != tt.want {
			t.Errorf("at(%d): expected %d, got %d", tt.frame, tt.want, got)
		}
	}
	if len(m.marks) != 1 {
		t.Errorf("Passed marks should be dropped, %d left", len(m.marks))
	}
}

func TestDecodePCM(t *testing.T) {
	got := decodePCM([]byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80})
	want := []int16{1, -1, -32768}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestDisplayAttachesSurface(t *testing.T) {
	proj := &Projection{display: ":1"}
	vd, err := proj.CreateVirtualDisplay("screenrec", 1280, 720)
	if err != nil {
		t.Fatal(err)
	}
	enc := newVideoEncoder("ffmpeg", media.VideoEncodeConfig{Width: 1280, Height: 720})
	if err := enc.Start(); err == nil {
		t.Error("Start without a display should fail")
	}

	if err := vd.SetSurface(enc.Surface()); err != nil {
		t.Fatal(err)
	}
	if got := enc.surface.source(); got != ":1" {
		t.Errorf("Expected surface attached to :1, got %q", got)
	}
	if err := vd.SetSurface(&fake.Surface{}); !errors.Is(err, platform.ErrSurfaceMismatch) {
		t.Errorf("Expected ErrSurfaceMismatch, got %v", err)
	}
	vd.SetSurface(nil)
	if got := enc.surface.source(); got != "" {
		t.Errorf("Surface should be detached, got %q", got)
	}

	proj.Stop()
	if _, err := proj.CreateVirtualDisplay("again", 1, 1); err == nil {
		t.Error("A stopped projection must not create displays")
	}
}

func TestOutputQueue(t *testing.T) {
	q := newOutputQueue()
	if _, err := q.pop(10 * time.Millisecond); !errors.Is(err, platform.ErrTryAgain) {
		t.Errorf("Expected ErrTryAgain, got %v", err)
	}
	q.push(platform.Output{Sample: &media.EncodedSample{PTS: 1}})
	q.finish(nil)
	out, err := q.pop(time.Second)
	if err != nil || out.Sample.PTS != 1 {
		t.Fatalf("Expected queued sample, got %+v %v", out, err)
	}
	if _, err := q.pop(time.Second); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}

	failed := newOutputQueue()
	boom := errors.New("boom")
	failed.finish(boom)
	if _, err := failed.pop(time.Second); !errors.Is(err, boom) {
		t.Errorf("Expected the stored error, got %v", err)
	}
}
