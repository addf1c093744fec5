package engine

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/muxer"
	"github.com/audiolibrelab/screenrec/internal/platform/fake"
	"github.com/audiolibrelab/screenrec/internal/timing"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan Event, 64)}
}

func (l *eventLog) OnEvent(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.ch <- ev
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) count(t EventType) int {
	n := 0
	for _, got := range l.types() {
		if got == t {
			n++
		}
	}
	return n
}

func (l *eventLog) waitFor(t *testing.T, want EventType) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %v, saw %v", want, l.types())
			return Event{}
		}
	}
}

func newTestEngine(t *testing.T, p *fake.Platform) (*Engine, *eventLog) {
	t.Helper()
	log := newEventLog()
	e := New(p, log)
	proj, err := p.RequestProjection()
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Grant(proj); err != nil {
		t.Fatal(err)
	}
	return e, log
}

func testRequest(dir string, mode media.SourceMode) Request {
	st := DefaultSettings()
	st.PartDuration = 100 * time.Millisecond
	return Request{Mode: mode, Path: filepath.Join(dir, "out.mp4"), Settings: st}
}

func TestRecordEachSourceMode(t *testing.T) {
	modes := []media.SourceMode{media.SourceNone, media.SourceMic, media.SourceInternal, media.SourceMicAndInternal}
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			e, log := newTestEngine(t, fake.New())
			req := testRequest(t.TempDir(), mode)

			if err := e.Start(req); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			log.waitFor(t, EventStartRecord)
			if e.State() != StateRecording {
				t.Fatalf("Expected recording, got %v", e.State())
			}
			time.Sleep(300 * time.Millisecond)
			if err := e.Stop(StopNormal); err != nil {
				t.Fatal(err)
			}

			end := log.waitFor(t, EventEndRecord)
			if end.Path != req.Path || end.Reason != StopNormal {
				t.Errorf("Unexpected end event %+v", end)
			}
			types := log.types()
			if types[0] != EventBeforeRecord || types[1] != EventStartRecord {
				t.Errorf("Unexpected event order %v", types)
			}
			if e.State() != StateIdle {
				t.Errorf("Expected idle, got %v", e.State())
			}

			info, err := muxer.Probe(req.Path)
			if err != nil {
				t.Fatalf("Probe failed: %v", err)
			}
			wantTracks := 2
			if mode == media.SourceNone {
				wantTracks = 1
			}
			if len(info.Tracks) != wantTracks {
				t.Errorf("Expected %d tracks, got %d", wantTracks, len(info.Tracks))
			}
			if v, _ := info.VideoTrack(); v.Samples < 3 {
				t.Errorf("Expected video samples, got %d", v.Samples)
			}
			if log.count(EventInternalAudioNotAvailable) != 0 {
				t.Error("Working sources must not raise a notice")
			}
		})
	}
}

func TestIdleMicAudioSpansRecording(t *testing.T) {
	modes := []timing.FillMode{
		timing.FillLowAmplitudeNoise,
		timing.FillFixedLowValue,
		timing.FillReducedSampleRate,
		timing.FillZeroWithPTSCompensation,
		timing.FillHybrid,
	}
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			p := fake.New()
			p.Mic = fake.SourceBehavior{Idle: true}
			e, log := newTestEngine(t, p)
			req := testRequest(t.TempDir(), media.SourceMic)
			req.Settings.Fill.Mode = mode
			req.Settings.Fill.HybridLongGap = 200 * time.Millisecond

			if err := e.Start(req); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			log.waitFor(t, EventStartRecord)
			time.Sleep(time.Second)
			if err := e.Stop(StopNormal); err != nil {
				t.Fatal(err)
			}
			log.waitFor(t, EventEndRecord)

			info, err := muxer.Probe(req.Path)
			if err != nil {
				t.Fatalf("Probe failed: %v", err)
			}
			video, _ := info.VideoTrack()
			audio := info.AudioTracks()
			if len(audio) != 1 || audio[0].Samples == 0 {
				t.Fatalf("Expected one non-empty audio track, got %+v", audio)
			}
			chunk := time.Duration(1024) * time.Second / time.Duration(audio[0].SampleRate)
			slack := time.Duration(req.Settings.Fill.SkipInterval) * chunk
			if d := video.Duration - audio[0].Duration; d < -slack || d > slack {
				t.Errorf("Audio lasts %v, video %v", audio[0].Duration, video.Duration)
			}
		})
	}
}

func TestPauseResume(t *testing.T) {
	e, log := newTestEngine(t, fake.New())
	if err := e.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Pause while idle: expected ErrInvalidState, got %v", err)
	}

	req := testRequest(t.TempDir(), media.SourceMic)
	e.Start(req)
	log.waitFor(t, EventStartRecord)

	if err := e.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume while recording: expected ErrInvalidState, got %v", err)
	}
	if err := e.Pause(); err != nil {
		t.Fatal(err)
	}
	if e.State() != StatePaused {
		t.Errorf("Expected paused, got %v", e.State())
	}
	frozen := e.Status().Elapsed
	time.Sleep(100 * time.Millisecond)
	if got := e.Status().Elapsed; got != frozen {
		t.Errorf("Elapsed moved while paused: %v -> %v", frozen, got)
	}
	if err := e.Resume(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	e.Stop(StopTimeLimit)

	want := []EventType{EventBeforeRecord, EventStartRecord, EventPauseRecord, EventResumeRecord, EventEndRecord}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if ev := log.waitFor(t, EventEndRecord); ev.Reason != StopTimeLimit {
		t.Errorf("Expected TIME_LIMIT, got %v", ev.Reason)
	}
}

func TestStartWithoutGrant(t *testing.T) {
	e := New(fake.New(), nil)
	if err := e.Start(testRequest(t.TempDir(), media.SourceNone)); !errors.Is(err, ErrNoGrant) {
		t.Errorf("Expected ErrNoGrant, got %v", err)
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle, got %v", e.State())
	}
}

func TestGrantConsumedOnce(t *testing.T) {
	var g grant
	if _, err := g.consume(); !errors.Is(err, ErrNoGrant) {
		t.Errorf("Expected ErrNoGrant, got %v", err)
	}
	g.install(&fake.Projection{})
	if _, err := g.consume(); err != nil {
		t.Fatal(err)
	}
	if _, err := g.consume(); !errors.Is(err, ErrGrantConsumed) {
		t.Errorf("Expected ErrGrantConsumed, got %v", err)
	}
}

func TestDisplayReusedAndResized(t *testing.T) {
	p := fake.New()
	e, log := newTestEngine(t, p)
	dir := t.TempDir()

	req := testRequest(dir, media.SourceNone)
	e.Start(req)
	log.waitFor(t, EventStartRecord)
	e.Stop(StopNormal)

	req.Settings.Resolution = media.Resolution1080p
	req.Path = filepath.Join(dir, "second.mp4")
	if err := e.Start(req); err != nil {
		t.Fatalf("Second session should reuse the display: %v", err)
	}
	log.waitFor(t, EventStartRecord)
	e.Stop(StopNormal)

	displays := p.Projections()[0].Displays()
	if len(displays) != 1 {
		t.Fatalf("Expected one display per grant, got %d", len(displays))
	}
	d := displays[0]
	if w, h := d.Size(); w != 1920 || h != 1080 {
		t.Errorf("Expected display resized to 1920x1080, got %dx%d", w, h)
	}
	if d.Resizes() != 1 {
		t.Errorf("Expected one resize, got %d", d.Resizes())
	}
	if d.Attached() {
		t.Error("Surface should be detached after stop")
	}

	e.Close()
	if !p.Projections()[0].Stopped() {
		t.Error("Close should stop the projection")
	}
}

func TestSetupFailureCancels(t *testing.T) {
	p := fake.New()
	p.VideoEncoderErr = errors.New("codec busy")
	e, log := newTestEngine(t, p)
	req := testRequest(t.TempDir(), media.SourceMic)

	if err := e.Start(req); err == nil {
		t.Fatal("Expected Start to fail")
	}
	ev := log.waitFor(t, EventCancelRecord)
	if ev.Err == nil {
		t.Error("Cancel event should carry the error")
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle, got %v", e.State())
	}
	if _, err := os.Stat(req.Path); !os.IsNotExist(err) {
		t.Error("No file should be left behind by a failed setup")
	}
}

func TestEncoderFailureStopsWithCancel(t *testing.T) {
	p := fake.New()
	p.VideoFailAfter = 5
	e, log := newTestEngine(t, p)
	req := testRequest(t.TempDir(), media.SourceNone)
	e.Start(req)

	ev := log.waitFor(t, EventCancelRecord)
	if ev.Err == nil {
		t.Fatal("Expected the encoder error")
	}
	if ev.Path != req.Path {
		t.Errorf("Partial file should be kept, got path %q", ev.Path)
	}
	if _, err := os.Stat(req.Path); err != nil {
		t.Errorf("Output should be preserved: %v", err)
	}
	if log.count(EventEndRecord) != 0 {
		t.Error("A failed session must not also end normally")
	}
	if err := e.Stop(StopNormal); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop after failure: expected ErrInvalidState, got %v", err)
	}
}

func TestStopWhileStarting(t *testing.T) {
	p := fake.New()
	p.EncoderGate = make(chan struct{})
	e, log := newTestEngine(t, p)
	req := testRequest(t.TempDir(), media.SourceNone)

	started := make(chan error, 1)
	go func() { started <- e.Start(req) }()
	for e.State() != StateStarting {
		time.Sleep(time.Millisecond)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop(StopTimeLimit) }()
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before setup settled: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(p.EncoderGate)
	if err := <-started; err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop while starting should succeed, got %v", err)
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle after the deferred stop, got %v", e.State())
	}
	types := log.types()
	last := types[len(types)-1]
	if last != EventEndRecord && last != EventCancelRecord {
		t.Errorf("Expected the session to end, saw %v", types)
	}
}

func TestAudioStartFailureRecordsVideoOnly(t *testing.T) {
	p := fake.New()
	p.AudioStartErr = errors.New("encoder busy")
	e, log := newTestEngine(t, p)
	req := testRequest(t.TempDir(), media.SourceMic)

	if err := e.Start(req); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	log.waitFor(t, EventStartRecord)
	if e.Status().Audio {
		t.Error("Status should not report audio after the track failed to start")
	}
	time.Sleep(200 * time.Millisecond)
	e.Stop(StopNormal)
	log.waitFor(t, EventEndRecord)

	info, err := muxer.Probe(req.Path)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if len(info.Tracks) != 1 || len(info.AudioTracks()) != 0 {
		t.Errorf("Expected a video-only file, got %+v", info.Tracks)
	}
}

func TestVideoFailureDuringAudioStartFailure(t *testing.T) {
	p := fake.New()
	p.AudioStartErr = errors.New("encoder busy")
	p.VideoFailAfter = 1
	e, log := newTestEngine(t, p)

	if err := e.Start(testRequest(t.TempDir(), media.SourceMic)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	log.waitFor(t, EventCancelRecord)
	for i := 0; i < 100 && e.State() != StateIdle; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle after the failure, got %v", e.State())
	}
	if n := log.count(EventCancelRecord); n != 1 {
		t.Errorf("Expected one cancel, got %d", n)
	}
}

func TestConcurrentStop(t *testing.T) {
	e, log := newTestEngine(t, fake.New())
	e.Start(testRequest(t.TempDir(), media.SourceMic))
	log.waitFor(t, EventStartRecord)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Stop(StopNormal)
		}()
	}
	wg.Wait()

	if n := log.count(EventEndRecord) + log.count(EventCancelRecord); n != 1 {
		t.Errorf("Expected exactly one terminal event, got %d", n)
	}
}

func TestInternalAudioUnavailable(t *testing.T) {
	p := fake.New()
	p.Internal = fake.SourceBehavior{OpenErr: errors.New("capture blocked")}
	e, log := newTestEngine(t, p)
	e.Start(testRequest(t.TempDir(), media.SourceInternal))

	ev := log.waitFor(t, EventInternalAudioNotAvailable)
	if ev.AudioType != media.AudioTypeInternal {
		t.Errorf("Expected INTERNAL, got %v", ev.AudioType)
	}
	log.waitFor(t, EventStartRecord)
	time.Sleep(200 * time.Millisecond)
	e.Stop(StopNormal)
	log.waitFor(t, EventEndRecord)

	if n := log.count(EventInternalAudioNotAvailable); n != 1 {
		t.Errorf("Notice must be raised once per session, got %d", n)
	}
}

func TestDeleteLastOutput(t *testing.T) {
	e, log := newTestEngine(t, fake.New())
	if err := e.DeleteLastOutput(); !errors.Is(err, ErrNoOutput) {
		t.Errorf("Expected ErrNoOutput, got %v", err)
	}

	req := testRequest(t.TempDir(), media.SourceNone)
	e.Start(req)
	log.waitFor(t, EventStartRecord)
	if err := e.DeleteLastOutput(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Delete while recording: expected ErrInvalidState, got %v", err)
	}
	e.Stop(StopNormal)

	if e.LastOutput() != req.Path {
		t.Fatalf("Expected last output %s, got %s", req.Path, e.LastOutput())
	}
	if err := e.DeleteLastOutput(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(req.Path); !os.IsNotExist(err) {
		t.Error("File should be gone")
	}
}

func TestStartWhileRecording(t *testing.T) {
	e, log := newTestEngine(t, fake.New())
	dir := t.TempDir()
	e.Start(testRequest(dir, media.SourceNone))
	log.waitFor(t, EventStartRecord)
	defer e.Stop(StopNormal)

	if err := e.Start(testRequest(dir, media.SourceNone)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}
