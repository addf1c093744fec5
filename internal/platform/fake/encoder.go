package fake

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/platform"
)

// VideoEncoder emits one access unit per frame interval in real time.
type VideoEncoder struct {
	cfg      media.VideoEncodeConfig
	surface  *Surface
	interval time.Duration
	gop      int

	failAfter int

	mu          sync.Mutex
	started     time.Time
	running     bool
	formatSent  bool
	frame       int
	keyRequests int
	eos         chan struct{}
	eosOnce     sync.Once
	eosSent     bool
	released    bool
}

func newVideoEncoder(cfg media.VideoEncodeConfig) *VideoEncoder {
	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 30
	}
	gop := fps * cfg.KeyFrameInterval
	if gop <= 0 {
		gop = fps
	}
	return &VideoEncoder{
		cfg:      cfg,
		surface:  &Surface{width: cfg.Width, height: cfg.Height},
		interval: time.Second / time.Duration(fps),
		gop:      gop,
		eos:      make(chan struct{}),
	}
}

func (e *VideoEncoder) Surface() platform.Surface { return e.surface }

func (e *VideoEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return errors.New("encoder released")
	}
	e.started = time.Now()
	e.running = true
	return nil
}

func (e *VideoEncoder) RequestKeyFrame() error {
	e.mu.Lock()
	e.keyRequests++
	e.mu.Unlock()
	return nil
}

// KeyFrameRequests reports how often RequestKeyFrame was called.
func (e *VideoEncoder) KeyFrameRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keyRequests
}

func (e *VideoEncoder) Drain(timeout time.Duration) (platform.Output, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return platform.Output{}, errors.New("encoder not started")
	}
	if !e.formatSent {
		e.formatSent = true
		e.mu.Unlock()
		return platform.Output{Format: &media.Format{
			Kind:   media.KindVideo,
			SPS:    SPS,
			PPS:    PPS,
			Width:  e.cfg.Width,
			Height: e.cfg.Height,
		}}, nil
	}
	select {
	case <-e.eos:
		defer e.mu.Unlock()
		if e.eosSent {
			return platform.Output{}, io.EOF
		}
		e.eosSent = true
		return platform.Output{Sample: &media.EncodedSample{Flags: media.FlagEndOfStream}}, nil
	default:
	}
	due := e.started.Add(time.Duration(e.frame) * e.interval)
	e.mu.Unlock()

	if wait := time.Until(due); wait > 0 {
		if wait > timeout {
			select {
			case <-time.After(timeout):
			case <-e.eos:
			}
			return platform.Output{}, platform.ErrTryAgain
		}
		select {
		case <-time.After(wait):
		case <-e.eos:
			return platform.Output{}, platform.ErrTryAgain
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAfter > 0 && e.frame >= e.failAfter {
		return platform.Output{}, errors.New("encoder hardware error")
	}
	n := e.frame
	e.frame++
	payload, flags := nonIDRAU, media.Flags(0)
	if n%e.gop == 0 || e.keyRequests > 0 {
		payload, flags = idrAU, media.FlagKeyFrame
		e.keyRequests = 0
	}
	return platform.Output{Sample: &media.EncodedSample{
		Payload: append([]byte(nil), payload...),
		PTS:     int64(n) * e.interval.Microseconds(),
		Flags:   flags,
	}}, nil
}

func (e *VideoEncoder) SignalEndOfStream() error {
	e.eosOnce.Do(func() { close(e.eos) })
	return nil
}

func (e *VideoEncoder) Release() error {
	e.mu.Lock()
	e.released = true
	e.running = false
	e.mu.Unlock()
	e.SignalEndOfStream()
	return nil
}

// AudioEncoder packs PCM into 1024-frame packets. Payloads are placeholder
// bytes, not decodable AAC.
type AudioEncoder struct {
	cfg      media.AudioEncodeConfig
	startErr error

	mu        sync.Mutex
	running   bool
	pending   []int16
	framesIn  int64
	framesOut int64
	marks     []chunkMark
	pts       int64
	queue     []platform.Output
	notify  chan struct{}
	eos     bool
	done    bool
}

const framesPerPacket = 1024

// chunkMark records the timestamp of the first frame of an input chunk.
type chunkMark struct {
	frame, pts int64
}

func newAudioEncoder(cfg media.AudioEncodeConfig) *AudioEncoder {
	return &AudioEncoder{cfg: cfg, notify: make(chan struct{}, 1)}
}

func (e *AudioEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	profile := e.cfg.Profile
	if profile == 0 {
		profile = media.AACProfileLC
	}
	e.queue = append(e.queue, platform.Output{Format: &media.Format{
		Kind:         media.KindAudio,
		SampleRate:   e.cfg.SampleRate,
		ChannelCount: e.cfg.ChannelCount,
		Profile:      profile,
	}})
	e.signal()
	return nil
}

func (e *AudioEncoder) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *AudioEncoder) packetDuration() int64 {
	return framesPerPacket * 1_000_000 / int64(e.cfg.SampleRate)
}

// ptsAt maps an input frame to a timestamp through the chunk holding it, so
// steps between chunks survive packetization.
func (e *AudioEncoder) ptsAt(frame int64) int64 {
	i := len(e.marks) - 1
	for i > 0 && e.marks[i].frame > frame {
		i--
	}
	mk := e.marks[i]
	e.marks = e.marks[i:]
	return mk.pts + (frame-mk.frame)*1_000_000/int64(e.cfg.SampleRate)
}

func (e *AudioEncoder) Encode(pcm []int16, pts int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return errors.New("encoder not started")
	}
	if e.eos {
		return errors.New("encode after end of stream")
	}
	e.marks = append(e.marks, chunkMark{frame: e.framesIn, pts: pts})
	e.framesIn += int64(len(pcm) / e.cfg.ChannelCount)
	e.pending = append(e.pending, pcm...)
	size := framesPerPacket * e.cfg.ChannelCount
	for len(e.pending) >= size {
		at := e.ptsAt(e.framesOut)
		e.queue = append(e.queue, platform.Output{Sample: &media.EncodedSample{
			Payload: []byte{0x21, 0x10, 0x05, 0x20, 0xa4, 0x1b, 0xff, 0xc0},
			PTS:     at,
		}})
		e.pending = e.pending[size:]
		e.framesOut += framesPerPacket
		e.pts = at + e.packetDuration()
	}
	if len(e.pending) == 0 {
		e.pending = nil
	}
	e.signal()
	return nil
}

func (e *AudioEncoder) Drain(timeout time.Duration) (platform.Output, error) {
	deadline := time.Now().Add(timeout)
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			out := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return out, nil
		}
		if e.eos {
			if !e.done {
				e.done = true
				e.mu.Unlock()
				return platform.Output{Sample: &media.EncodedSample{Flags: media.FlagEndOfStream, PTS: e.pts}}, nil
			}
			e.mu.Unlock()
			return platform.Output{}, io.EOF
		}
		e.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return platform.Output{}, platform.ErrTryAgain
		}
		select {
		case <-e.notify:
		case <-time.After(wait):
			return platform.Output{}, platform.ErrTryAgain
		}
	}
}

func (e *AudioEncoder) SignalEndOfStream() error {
	e.mu.Lock()
	e.eos = true
	e.mu.Unlock()
	e.signal()
	return nil
}

func (e *AudioEncoder) Release() error {
	e.mu.Lock()
	e.running = false
	e.queue = nil
	e.mu.Unlock()
	return nil
}
