package ffmpeg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/platform"
)

// samplesPerAACFrame is the frame length of AAC-LC.
const samplesPerAACFrame = 1024

// AudioSource records a PulseAudio source as interleaved s16le PCM.
type AudioSource struct {
	proc     *process
	channels int

	chunks  chan []int16
	pending []int16

	mu     sync.Mutex
	closed bool
	err    error
}

// SourceArgs builds the ffmpeg command line for recording a pulse source.
func SourceArgs(source string, sampleRate, channels int) []string {
	rate, ch := strconv.Itoa(sampleRate), strconv.Itoa(channels)
	return []string{
		"-hide_banner", "-loglevel", "warning", "-nostdin",
		"-f", "pulse",
		"-sample_rate", rate,
		"-channels", ch,
		"-fragment_size", strconv.Itoa(sampleRate / 50 * channels * 2),
		"-i", source,
		"-f", "s16le", "-ar", rate, "-ac", ch,
		"pipe:1",
	}
}

func openAudioSource(bin, source string, sampleRate, channels int) (*AudioSource, error) {
	proc, err := startProcess("audio:"+source, bin, SourceArgs(source, sampleRate, channels), false)
	if err != nil {
		return nil, err
	}
	s := &AudioSource{proc: proc, channels: channels, chunks: make(chan []int16, 64)}
	go s.readPCM()
	return s, nil
}

func (s *AudioSource) readPCM() {
	defer close(s.chunks)
	buf := make([]byte, 8192)
	var carry []byte
	for {
		n, err := s.proc.out.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			even := len(data) &^ 1
			s.chunks <- decodePCM(data[:even])
			carry = append([]byte(nil), data[even:]...)
		}
		if err != nil {
			if err != io.EOF {
				s.setErr(fmt.Errorf("reading audio: %w", err))
			}
			break
		}
	}
	s.proc.outputDone()
	<-s.proc.done
	if err := s.proc.exitError(); err != nil {
		s.setErr(err)
	}
}

func (s *AudioSource) setErr(err error) {
	s.mu.Lock()
	if s.err == nil && !s.closed {
		s.err = err
	}
	s.mu.Unlock()
}

func decodePCM(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// Read implements platform.AudioSource. It only returns whole frames.
func (s *AudioSource) Read(buf []int16, timeout time.Duration) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, errors.New("source closed")
	}

	want := len(buf) - len(buf)%s.channels
	if len(s.pending) < want {
		deadline := time.After(timeout)
	fill:
		for len(s.pending) < want {
			select {
			case chunk, ok := <-s.chunks:
				if !ok {
					s.mu.Lock()
					err := s.err
					s.mu.Unlock()
					if len(s.pending) >= s.channels {
						break fill
					}
					if err == nil {
						err = errors.New("audio source ended")
					}
					return 0, err
				}
				s.pending = append(s.pending, chunk...)
			case <-deadline:
				break fill
			}
		}
	}

	n := len(s.pending)
	if n > want {
		n = want
	}
	n -= n % s.channels
	copy(buf, s.pending[:n])
	s.pending = s.pending[n:]
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return n, nil
}

func (s *AudioSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	go func() {
		for range s.chunks {
		}
	}()
	return s.proc.stop()
}

// ptsMark ties the first frame of an Encode call to its timestamp.
type ptsMark struct {
	frame int64
	pts   int64
}

// ptsMap recovers packet timestamps from the frame offsets of the chunks
// that were fed in, since ffmpeg's ADTS output carries none.
type ptsMap struct {
	rate  int64
	marks []ptsMark
}

func (m *ptsMap) add(frame, pts int64) {
	m.marks = append(m.marks, ptsMark{frame: frame, pts: pts})
}

// at returns the timestamp of the given input frame and forgets marks that
// later lookups can no longer need.
func (m *ptsMap) at(frame int64) int64 {
	i := len(m.marks) - 1
	for i > 0 && m.marks[i].frame > frame {
		i--
	}
	if i < 0 {
		return frame * 1_000_000 / m.rate
	}
	mk := m.marks[i]
	m.marks = m.marks[i:]
	return mk.pts + (frame-mk.frame)*1_000_000/m.rate
}

// AudioEncoder pipes PCM through ffmpeg's AAC-LC encoder and reads ADTS back.
type AudioEncoder struct {
	bin   string
	cfg   media.AudioEncodeConfig
	queue *outputQueue

	mu       sync.Mutex
	proc     *process
	framesIn int64
	eos      bool

	// ptsMu is separate from mu so the stdout reader never waits on a
	// blocked stdin write.
	ptsMu sync.Mutex
	pts   ptsMap
}

func newAudioEncoder(bin string, cfg media.AudioEncodeConfig) *AudioEncoder {
	return &AudioEncoder{
		bin:   bin,
		cfg:   cfg,
		queue: newOutputQueue(),
		pts:   ptsMap{rate: int64(cfg.SampleRate)},
	}
}

// AACArgs builds the ffmpeg command line for encoding raw PCM to ADTS.
func AACArgs(cfg media.AudioEncodeConfig) []string {
	codec := cfg.Codec
	if codec == "" {
		codec = "aac"
	}
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.ChannelCount),
		"-i", "pipe:0",
		"-c:a", codec,
	}
	if codec == "libfdk_aac" {
		args = append(args, "-profile:a", "aac_low", "-afterburner", "1")
	} else {
		args = append(args, "-profile:a", "aac_low")
	}
	if cfg.Bitrate > 0 {
		args = append(args, "-b:a", strconv.Itoa(cfg.Bitrate))
	}
	return append(args, "-f", "adts", "-write_id3v2", "0", "pipe:1")
}

func (e *AudioEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		return errors.New("encoder already started")
	}
	proc, err := startProcess("aac", e.bin, AACArgs(e.cfg), true)
	if err != nil {
		return err
	}
	e.proc = proc
	e.queue.push(platform.Output{Format: &media.Format{
		Kind:         media.KindAudio,
		SampleRate:   e.cfg.SampleRate,
		ChannelCount: e.cfg.ChannelCount,
		Profile:      media.AACProfileLC,
	}})
	go e.readPackets(proc)
	return nil
}

func (e *AudioEncoder) Encode(pcm []int16, pts int64) error {
	e.mu.Lock()
	if e.proc == nil {
		e.mu.Unlock()
		return errors.New("encoder not started")
	}
	if e.eos {
		e.mu.Unlock()
		return errors.New("encode after end of stream")
	}
	e.ptsMu.Lock()
	e.pts.add(e.framesIn, pts)
	e.ptsMu.Unlock()
	e.framesIn += int64(len(pcm) / e.cfg.ChannelCount)
	stdin := e.proc.stdin
	e.mu.Unlock()

	buf := make([]byte, 0, 2*len(pcm))
	for _, v := range pcm {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
	}
	if _, err := stdin.Write(buf); err != nil {
		return fmt.Errorf("writing PCM to encoder: %w", err)
	}
	return nil
}

func (e *AudioEncoder) readPackets(proc *process) {
	r := newADTSReader(proc.out)
	var packets int64
	var lastPTS int64
	var readErr error
	for {
		pkt, err := r.next()
		if err != nil {
			if err != io.EOF {
				readErr = fmt.Errorf("reading AAC stream: %w", err)
			}
			break
		}
		e.ptsMu.Lock()
		lastPTS = e.pts.at(packets * samplesPerAACFrame)
		e.ptsMu.Unlock()
		e.queue.push(platform.Output{Sample: &media.EncodedSample{Payload: pkt.AU, PTS: lastPTS}})
		packets++
	}
	if readErr != nil {
		io.Copy(io.Discard, proc.out)
	}
	proc.outputDone()
	<-proc.done
	if r.skipped > 0 {
		slog.Warn("Skipped bytes outside ADTS frames", "bytes", r.skipped)
	}

	if readErr == nil {
		readErr = proc.exitError()
	}
	if readErr == nil {
		e.queue.push(platform.Output{Sample: &media.EncodedSample{Flags: media.FlagEndOfStream, PTS: lastPTS}})
	}
	slog.Debug("Audio stream ended", "packets", packets, "error", readErr)
	e.queue.finish(readErr)
}

func (e *AudioEncoder) Drain(timeout time.Duration) (platform.Output, error) {
	return e.queue.pop(timeout)
}

// SignalEndOfStream closes ffmpeg's stdin so it flushes and exits.
func (e *AudioEncoder) SignalEndOfStream() error {
	e.mu.Lock()
	if e.eos || e.proc == nil {
		e.mu.Unlock()
		return nil
	}
	e.eos = true
	proc := e.proc
	e.mu.Unlock()
	go func() {
		if err := proc.stop(); err != nil {
			slog.Debug("Audio encoder stop", "error", err)
		}
	}()
	return nil
}

func (e *AudioEncoder) Release() error {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc != nil {
		proc.kill()
	}
	e.queue.clear()
	return nil
}
