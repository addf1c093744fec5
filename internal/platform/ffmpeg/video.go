package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"

	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/platform"
)

// VideoEncoder grabs an X display with ffmpeg and reads raw H.264 from its
// stdout.
type VideoEncoder struct {
	bin     string
	cfg     media.VideoEncodeConfig
	surface *Surface
	queue   *outputQueue

	mu       sync.Mutex
	proc     *process
	released bool
	stopOnce sync.Once
}

func newVideoEncoder(bin string, cfg media.VideoEncodeConfig) *VideoEncoder {
	return &VideoEncoder{
		bin:     bin,
		cfg:     cfg,
		surface: &Surface{width: cfg.Width, height: cfg.Height},
		queue:   newOutputQueue(),
	}
}

func (e *VideoEncoder) Surface() platform.Surface { return e.surface }

func (e *VideoEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return errors.New("encoder released")
	}
	if e.proc != nil {
		return errors.New("encoder already started")
	}
	input := e.surface.source()
	if input == "" {
		return errors.New("no display attached to the encoder surface")
	}

	proc, err := startProcess("video", e.bin, VideoArgs(input, e.cfg), false)
	if err != nil {
		return err
	}
	e.proc = proc
	go e.readAccessUnits(proc)
	return nil
}

// VideoArgs builds the ffmpeg command line for grabbing input and encoding it
// with cfg. Output is an Annex-B stream without B-frames.
func VideoArgs(input string, cfg media.VideoEncodeConfig) []string {
	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 30
	}
	gop := fps * cfg.KeyFrameInterval
	if gop <= 0 {
		gop = fps
	}
	size := fmt.Sprintf("%d:%d", cfg.Width, cfg.Height)
	filter := "scale=" + size + ":force_original_aspect_ratio=decrease,pad=" + size + ":(ow-iw)/2:(oh-ih)/2"

	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	if cfg.Codec == "h264_vaapi" {
		args = append(args, "-vaapi_device", "/dev/dri/renderD128")
	}
	args = append(args,
		"-f", "x11grab",
		"-framerate", strconv.Itoa(fps),
		"-draw_mouse", "1",
		"-i", input,
	)

	switch cfg.Codec {
	case "h264_vaapi":
		args = append(args, "-vf", filter+",format=nv12,hwupload")
	case "h264_qsv":
		args = append(args, "-vf", filter+",format=nv12")
	default:
		args = append(args, "-vf", filter+",format=yuv420p")
	}

	codec := cfg.Codec
	if codec == "" {
		codec = "libx264"
	}
	args = append(args, "-c:v", codec)
	switch codec {
	case "libx264":
		args = append(args, "-preset", "veryfast", "-tune", "zerolatency")
	case "h264_nvenc":
		args = append(args, "-preset", "p4", "-tune", "ll")
	}
	if cfg.Profile != 0 {
		args = append(args, "-profile:v", cfg.Profile.String())
	}
	if cfg.Level > 0 {
		args = append(args, "-level:v", fmt.Sprintf("%d.%d", cfg.Level/10, cfg.Level%10))
	}
	if cfg.Bitrate > 0 {
		args = append(args,
			"-b:v", strconv.Itoa(cfg.Bitrate),
			"-maxrate", strconv.Itoa(cfg.Bitrate),
			"-bufsize", strconv.Itoa(2*cfg.Bitrate),
		)
	}
	args = append(args,
		"-g", strconv.Itoa(gop),
		"-bf", "0",
		"-fps_mode", "cfr",
		"-r", strconv.Itoa(fps),
		"-f", "h264",
		"pipe:1",
	)
	return args
}

func (e *VideoEncoder) readAccessUnits(proc *process) {
	asm := newAUAssembler(proc.out)
	fps := e.cfg.FrameRate
	if fps <= 0 {
		fps = 30
	}

	var sps, pps []byte
	var frame int64
	var readErr error
	for {
		au, err := asm.next()
		if err != nil {
			if err != io.EOF {
				readErr = fmt.Errorf("reading video stream: %w", err)
			}
			break
		}

		newSPS, newPPS, rest := splitParams(au)
		if newSPS != nil && newPPS != nil && (!bytes.Equal(newSPS, sps) || !bytes.Equal(newPPS, pps)) {
			sps, pps = newSPS, newPPS
			e.queue.push(platform.Output{Format: e.format(sps, pps)})
		}
		if sps == nil || len(rest) == 0 {
			continue
		}

		payload, err := h264.AnnexBMarshal(rest)
		if err != nil {
			readErr = fmt.Errorf("packing access unit: %w", err)
			break
		}
		var flags media.Flags
		if h264.IDRPresent(rest) {
			flags |= media.FlagKeyFrame
		}
		e.queue.push(platform.Output{Sample: &media.EncodedSample{
			Payload: payload,
			PTS:     frame * 1_000_000 / int64(fps),
			Flags:   flags,
		}})
		frame++
	}
	if readErr != nil {
		io.Copy(io.Discard, proc.out)
	}
	proc.outputDone()
	<-proc.done

	if readErr == nil {
		readErr = proc.exitError()
	}
	if readErr == nil {
		e.queue.push(platform.Output{Sample: &media.EncodedSample{Flags: media.FlagEndOfStream}})
	}
	slog.Debug("Video stream ended", "frames", frame, "error", readErr)
	e.queue.finish(readErr)
}

// format reports the encoded size from the SPS, falling back to the
// configured size when the SPS cannot be parsed.
func (e *VideoEncoder) format(sps, pps []byte) *media.Format {
	f := &media.Format{
		Kind:   media.KindVideo,
		SPS:    sps,
		PPS:    pps,
		Width:  e.cfg.Width,
		Height: e.cfg.Height,
	}
	var parsed h264.SPS
	if err := parsed.Unmarshal(sps); err == nil {
		f.Width, f.Height = parsed.Width(), parsed.Height()
	} else {
		slog.Debug("Could not parse SPS", "error", err)
	}
	return f
}

func (e *VideoEncoder) Drain(timeout time.Duration) (platform.Output, error) {
	e.mu.Lock()
	started := e.proc != nil
	e.mu.Unlock()
	if !started {
		return platform.Output{}, errors.New("encoder not started")
	}
	return e.queue.pop(timeout)
}

// SignalEndOfStream interrupts ffmpeg, which flushes the encoder and exits.
// The remaining output and the end of stream marker follow through Drain.
func (e *VideoEncoder) SignalEndOfStream() error {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc == nil {
		return nil
	}
	e.stopOnce.Do(func() {
		go func() {
			if err := proc.stop(); err != nil {
				slog.Debug("Video encoder stop", "error", err)
			}
		}()
	})
	return nil
}

func (e *VideoEncoder) Release() error {
	e.mu.Lock()
	proc := e.proc
	e.released = true
	e.mu.Unlock()
	if proc != nil {
		proc.kill()
	}
	e.queue.clear()
	return nil
}
