// Package muxer interleaves encoded video and audio samples into a fragmented
// MP4 file. Every fragment is self-contained, so a file cut short is playable
// up to the last fragment written.
package muxer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/pkg/formats/fmp4/seekablebuffer"

	"github.com/audiolibrelab/screenrec/internal/media"
)

var (
	ErrClosed       = errors.New("muxer is closed")
	ErrNoSamples    = errors.New("no samples were written")
	ErrUnknownTrack = errors.New("unknown track")
	ErrStarted      = errors.New("muxer already started")
)

const videoTimeScale = 90000

// Options tune fragmenting.
type Options struct {
	PartDuration time.Duration
}

// TrackStats summarizes what was written for one track.
type TrackStats struct {
	Index   int
	Kind    media.Kind
	Samples int
	Bytes   int64
	Dropped bool
}

type sample struct {
	pts     int64
	payload []byte
	nonSync bool
}

type track struct {
	index     int
	id        int
	kind      media.Kind
	format    *media.Format
	dropped   bool
	timeScale uint32

	lastPTS int64
	hasPTS  bool

	next     *sample
	samples  []*fmp4.PartSample
	baseTime uint64
	baseSet  bool
	totalDur uint64
	count    int
	bytes    int64
}

func (t *track) ticks(pts int64) uint64 {
	if pts < 0 {
		pts = 0
	}
	return uint64(pts) * uint64(t.timeScale) / 1_000_000
}

// Muxer owns one output file. All methods are safe for concurrent use; writes
// are serialized.
type Muxer struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	opts     Options
	tracks   []*track
	started  bool
	closed   bool
	pending  []*media.EncodedSample
	seq      uint32
	partFrom int64
	partSet  bool
	written  int

	onFirst    func()
	firstFired bool
}

// Create opens path for writing, truncating any existing file.
func Create(path string, opts Options) (*Muxer, error) {
	if opts.PartDuration <= 0 {
		opts.PartDuration = time.Second
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	return &Muxer{path: path, f: f, opts: opts}, nil
}

func (m *Muxer) Path() string { return m.path }

// OnFirstSample registers fn to run once, after the first sample has been
// accepted by a started muxer. fn runs without the muxer lock held.
func (m *Muxer) OnFirstSample(fn func()) {
	m.mu.Lock()
	m.onFirst = fn
	m.mu.Unlock()
}

// AddTrack declares a track that must report its format before the muxer
// starts. It returns the track index used in EncodedSample.Track.
func (m *Muxer) AddTrack(kind media.Kind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if m.started {
		return 0, ErrStarted
	}
	idx := len(m.tracks)
	m.tracks = append(m.tracks, &track{index: idx, id: idx + 1, kind: kind})
	return idx, nil
}

func (m *Muxer) track(idx int) (*track, error) {
	if idx < 0 || idx >= len(m.tracks) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTrack, idx)
	}
	return m.tracks[idx], nil
}

// Started reports whether the init segment has been written.
func (m *Muxer) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// SetFormat records the output format of a track. Once every remaining track
// has a format the muxer starts and flushes buffered samples in timestamp
// order. A format change after start is ignored.
func (m *Muxer) SetFormat(idx int, format media.Format) error {
	m.mu.Lock()
	fire, err := m.setFormatLocked(idx, format)
	m.mu.Unlock()
	if fire != nil {
		fire()
	}
	return err
}

func (m *Muxer) setFormatLocked(idx int, format media.Format) (func(), error) {
	if m.closed {
		return nil, ErrClosed
	}
	t, err := m.track(idx)
	if err != nil {
		return nil, err
	}
	if m.started {
		if t.format != nil {
			slog.Debug("Ignoring format change after start", "track", idx, "kind", t.kind.String())
		}
		return nil, nil
	}
	f := format
	t.format = &f
	return m.maybeStartLocked()
}

// DropTrack removes a track that will never produce a format. The muxer may
// start as a result.
func (m *Muxer) DropTrack(idx int) error {
	m.mu.Lock()
	fire, err := m.dropTrackLocked(idx)
	m.mu.Unlock()
	if fire != nil {
		fire()
	}
	return err
}

func (m *Muxer) dropTrackLocked(idx int) (func(), error) {
	if m.closed {
		return nil, ErrClosed
	}
	t, err := m.track(idx)
	if err != nil {
		return nil, err
	}
	if m.started {
		return nil, ErrStarted
	}
	t.dropped = true
	return m.maybeStartLocked()
}

func (m *Muxer) maybeStartLocked() (func(), error) {
	active := 0
	for _, t := range m.tracks {
		if t.dropped {
			continue
		}
		if t.format == nil {
			return nil, nil
		}
		active++
	}
	if active == 0 {
		return nil, nil
	}
	return m.startLocked()
}

func initCodec(t *track) (fmp4.Codec, error) {
	switch t.kind {
	case media.KindVideo:
		if len(t.format.SPS) == 0 || len(t.format.PPS) == 0 {
			return nil, fmt.Errorf("video format lacks SPS/PPS")
		}
		return &fmp4.CodecH264{SPS: t.format.SPS, PPS: t.format.PPS}, nil
	case media.KindAudio:
		if t.format.SampleRate <= 0 || t.format.ChannelCount <= 0 {
			return nil, fmt.Errorf("invalid audio format %d Hz, %d channels", t.format.SampleRate, t.format.ChannelCount)
		}
		return &fmp4.CodecMPEG4Audio{Config: audioConfig(t.format)}, nil
	}
	return nil, fmt.Errorf("unsupported track kind %v", t.kind)
}

// audioConfig builds the AudioSpecificConfig. HE profiles are signalled
// explicitly with an AAC-LC core at half the output rate.
func audioConfig(f *media.Format) mpeg4audio.Config {
	conf := mpeg4audio.Config{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   f.SampleRate,
		ChannelCount: f.ChannelCount,
	}
	switch f.Profile {
	case media.AACProfileHE:
		conf.ExtensionType = mpeg4audio.ObjectTypeSBR
	case media.AACProfileHEv2:
		conf.ExtensionType = mpeg4audio.ObjectTypePS
	default:
		return conf
	}
	conf.ExtensionSampleRate = f.SampleRate
	conf.SampleRate = f.SampleRate / 2
	return conf
}

func (m *Muxer) buildInit() (*fmp4.Init, error) {
	init := &fmp4.Init{}
	for _, t := range m.tracks {
		if t.dropped {
			continue
		}
		codec, err := initCodec(t)
		if err != nil {
			return nil, fmt.Errorf("track %d (%s): %w", t.index, t.kind, err)
		}
		switch t.kind {
		case media.KindVideo:
			t.timeScale = videoTimeScale
		case media.KindAudio:
			t.timeScale = uint32(t.format.SampleRate)
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{ID: t.id, TimeScale: t.timeScale, Codec: codec})
	}
	return init, nil
}

func (m *Muxer) marshalInit() ([]byte, error) {
	init, err := m.buildInit()
	if err != nil {
		return nil, err
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Muxer) startLocked() (func(), error) {
	data, err := m.marshalInit()
	if err != nil {
		// Audio problems degrade to a video-only file.
		var retry bool
		for _, t := range m.tracks {
			if t.kind == media.KindAudio && !t.dropped {
				slog.Warn("Audio track rejected by container, recording video only", "error", err)
				t.dropped = true
				retry = true
			}
		}
		if !retry {
			return nil, fmt.Errorf("writing init segment: %w", err)
		}
		if data, err = m.marshalInit(); err != nil {
			return nil, fmt.Errorf("writing init segment: %w", err)
		}
	}
	if _, err := m.f.Write(data); err != nil {
		return nil, fmt.Errorf("writing init segment: %w", err)
	}
	m.started = true

	pending := m.pending
	m.pending = nil
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].PTS < pending[j].PTS })

	slog.Debug("Muxer started", "path", m.path, "tracks", len(m.tracks), "buffered", len(pending))

	var fire func()
	for _, s := range pending {
		f, err := m.writeLocked(s)
		if err != nil {
			return fire, err
		}
		if f != nil {
			fire = f
		}
	}
	return fire, nil
}

// WriteSample accepts one encoded sample. Before start it is buffered.
// Codec-config and empty end-of-stream samples are ignored.
func (m *Muxer) WriteSample(s *media.EncodedSample) error {
	m.mu.Lock()
	fire, err := m.writeSampleLocked(s)
	m.mu.Unlock()
	if fire != nil {
		fire()
	}
	return err
}

func (m *Muxer) writeSampleLocked(s *media.EncodedSample) (func(), error) {
	if m.closed {
		return nil, ErrClosed
	}
	t, err := m.track(s.Track)
	if err != nil {
		return nil, err
	}
	if s.Flags.Has(media.FlagCodecConfig) || len(s.Payload) == 0 || t.dropped {
		return nil, nil
	}
	if !m.started {
		m.pending = append(m.pending, s)
		return nil, nil
	}
	return m.writeLocked(s)
}

func (m *Muxer) toSample(t *track, s *media.EncodedSample) (*sample, error) {
	pts := s.PTS
	if t.hasPTS && pts < t.lastPTS {
		pts = t.lastPTS
	}
	t.lastPTS = pts
	t.hasPTS = true

	if t.kind != media.KindVideo {
		return &sample{pts: pts, payload: s.Payload}, nil
	}

	au, err := h264.AnnexBUnmarshal(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("parsing access unit: %w", err)
	}
	avcc, err := h264.AVCCMarshal(au)
	if err != nil {
		return nil, fmt.Errorf("encoding access unit: %w", err)
	}
	key := s.Flags.Has(media.FlagKeyFrame) || h264.IDRPresent(au)
	return &sample{pts: pts, payload: avcc, nonSync: !key}, nil
}

func (m *Muxer) writeLocked(s *media.EncodedSample) (func(), error) {
	t, err := m.track(s.Track)
	if err != nil {
		return nil, err
	}
	if t.dropped {
		return nil, nil
	}
	smp, err := m.toSample(t, s)
	if err != nil {
		return nil, err
	}

	prev := t.next
	t.next = smp
	if prev != nil {
		m.appendLocked(t, prev, t.ticks(smp.pts)-t.ticks(prev.pts))
	}
	if !m.partSet {
		m.partFrom = smp.pts
		m.partSet = true
	}

	var fire func()
	if !m.firstFired {
		m.firstFired = true
		fire = m.onFirst
	}

	if m.cutsPart(t) && smp.pts-m.partFrom >= m.opts.PartDuration.Microseconds() {
		if err := m.flushPartLocked(); err != nil {
			return fire, err
		}
		m.partFrom = smp.pts
	}
	return fire, nil
}

// cutsPart reports whether t drives fragment boundaries: the video track at
// sync samples, or any track when video is gone.
func (m *Muxer) cutsPart(t *track) bool {
	if t.kind == media.KindVideo {
		return t.next != nil && !t.next.nonSync
	}
	for _, o := range m.tracks {
		if o.kind == media.KindVideo && !o.dropped {
			return false
		}
	}
	return true
}

func (m *Muxer) appendLocked(t *track, s *sample, duration uint64) {
	if !t.baseSet {
		t.baseTime = t.ticks(s.pts)
		t.baseSet = true
	}
	t.samples = append(t.samples, &fmp4.PartSample{
		Duration:        uint32(duration),
		IsNonSyncSample: s.nonSync,
		Payload:         s.payload,
	})
	t.totalDur += duration
	t.count++
	t.bytes += int64(len(s.payload))
}

func (m *Muxer) flushPartLocked() error {
	part := &fmp4.Part{SequenceNumber: m.seq}
	for _, t := range m.tracks {
		if t.dropped || len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: t.baseTime,
			Samples:  t.samples,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("encoding fragment: %w", err)
	}
	if _, err := m.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing fragment: %w", err)
	}

	for _, t := range m.tracks {
		for _, s := range t.samples {
			t.baseTime += uint64(s.Duration)
		}
		t.samples = nil
	}
	m.written += len(part.Tracks)
	m.seq++
	return nil
}

// closingDuration is used for the last held sample of a track, which has no
// successor to measure against. An AAC access unit always covers the same
// number of frames, whatever gaps preceded it.
func closingDuration(t *track) uint64 {
	if t.kind == media.KindAudio {
		return mpeg4audio.SamplesPerAccessUnit
	}
	if t.count > 0 {
		return t.totalDur / uint64(t.count)
	}
	return uint64(t.timeScale) / 30
}

// Close writes the final fragment and closes the file. If no track ever
// produced a format, tracks without one are dropped and the muxer starts with
// what it has. It returns ErrNoSamples when the file holds no media.
func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true

	var errs []error
	if !m.started {
		for _, t := range m.tracks {
			if t.format == nil {
				t.dropped = true
			}
		}
		hasVideo := false
		for _, t := range m.tracks {
			if t.kind == media.KindVideo && !t.dropped {
				hasVideo = true
			}
		}
		if hasVideo {
			if _, err := m.startLocked(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if m.started {
		for _, t := range m.tracks {
			if t.dropped || t.next == nil {
				continue
			}
			m.appendLocked(t, t.next, closingDuration(t))
			t.next = nil
		}
		if err := m.flushPartLocked(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := m.f.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("syncing output file: %w", err))
	}
	if err := m.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing output file: %w", err))
	}

	if len(errs) == 0 && m.written == 0 {
		return ErrNoSamples
	}
	return errors.Join(errs...)
}

// Stats returns per-track counters.
func (m *Muxer) Stats() []TrackStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrackStats, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, TrackStats{
			Index:   t.index,
			Kind:    t.kind,
			Samples: t.count,
			Bytes:   t.bytes,
			Dropped: t.dropped,
		})
	}
	return out
}
