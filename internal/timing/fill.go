package timing

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// FillMode is the strategy used to synthesize audio when a source has no data.
type FillMode int

const (
	FillLowAmplitudeNoise FillMode = iota + 1
	FillFixedLowValue
	FillReducedSampleRate
	FillZeroWithPTSCompensation
	FillHybrid
)

var fillModeNames = map[FillMode]string{
	FillLowAmplitudeNoise:       "LOW_AMPLITUDE_NOISE",
	FillFixedLowValue:           "FIXED_LOW_VALUE",
	FillReducedSampleRate:       "REDUCED_SAMPLE_RATE",
	FillZeroWithPTSCompensation: "ZERO_WITH_PTS_COMPENSATION",
	FillHybrid:                  "HYBRID",
}

func (m FillMode) String() string {
	if name, ok := fillModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("FillMode(%d)", int(m))
}

// ParseFillMode accepts a mode name or its number (1 to 5). An empty string
// selects LOW_AMPLITUDE_NOISE.
func ParseFillMode(s string) (FillMode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return FillLowAmplitudeNoise, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := fillModeNames[FillMode(n)]; ok {
			return FillMode(n), nil
		}
		return 0, fmt.Errorf("fill mode %d out of range 1..5", n)
	}
	for mode, name := range fillModeNames {
		if name == s {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown fill mode: %s", s)
}

// FillConfig is read once per session.
type FillConfig struct {
	Enabled          bool
	Mode             FillMode
	NoiseAmplitude   int
	SkipInterval     int
	InitialPeriod    time.Duration
	HybridLongGap    time.Duration
	SilenceThreshold int
}

func DefaultFillConfig() FillConfig {
	return FillConfig{
		Enabled:          true,
		Mode:             FillLowAmplitudeNoise,
		NoiseAmplitude:   3,
		SkipInterval:     5,
		InitialPeriod:    10 * time.Second,
		HybridLongGap:    2 * time.Second,
		SilenceThreshold: 50,
	}
}

// SilentWarnAfter is the number of consecutive silent chunks before a warning is logged.
const SilentWarnAfter = 10

// IsSilent reports whether every sample is below threshold in magnitude.
// A zero threshold only accepts digital silence.
func IsSilent(pcm []int16, threshold int) bool {
	for _, s := range pcm {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v >= threshold && v != 0 {
			return false
		}
	}
	return true
}

// Filler applies a FillConfig to one audio track. It is not safe for
// concurrent use.
type Filler struct {
	cfg       FillConfig
	rng       *rand.Rand
	silentRun int
	reduced   int
	phase     bool

	// Synthesized counts the frames produced for gaps and silent chunks.
	Synthesized int64
}

func NewFiller(cfg FillConfig, seed int64) *Filler {
	if cfg.SkipInterval < 1 {
		cfg.SkipInterval = 1
	}
	return &Filler{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (f *Filler) Config() FillConfig { return f.cfg }

func (f *Filler) noise(n int) []int16 {
	out := make([]int16, n)
	amp := f.cfg.NoiseAmplitude
	if amp <= 0 {
		return out
	}
	for i := range out {
		out[i] = int16(f.rng.Intn(2*amp+1) - amp)
	}
	return out
}

func (f *Filler) fixed(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		if f.phase {
			out[i] = -1
		} else {
			out[i] = 1
		}
		f.phase = !f.phase
	}
	return out
}

// Gap returns synthetic samples for a gap of the given length. It may return
// fewer samples than asked; the caller covers the remainder by advancing the
// timestamp. The timestamp-compensating modes still return one unit of
// silence so the track keeps growing while the source is idle. sinceStart is
// the recorded time so far.
func (f *Filler) Gap(samples, unit int64, gap, sinceStart time.Duration) []int16 {
	if !f.cfg.Enabled || samples <= 0 {
		return nil
	}
	var out []int16
	switch f.cfg.Mode {
	case FillLowAmplitudeNoise:
		out = f.noise(int(samples))
	case FillFixedLowValue:
		out = f.fixed(int(samples))
	case FillReducedSampleRate:
		n := samples / int64(f.cfg.SkipInterval)
		if n == 0 {
			n = 1
		}
		out = f.fixed(int(n))
	case FillZeroWithPTSCompensation:
		out = silence(samples, unit)
	case FillHybrid:
		if gap >= f.cfg.HybridLongGap {
			out = silence(samples, unit)
		} else {
			out = f.noise(int(samples))
		}
	}
	f.Synthesized += int64(len(out))
	return out
}

func silence(samples, unit int64) []int16 {
	if unit <= 0 || unit > samples {
		unit = samples
	}
	return make([]int16, unit)
}

// Chunk filters one chunk of real audio. Audible chunks pass through
// unchanged. Silent chunks are replaced according to the mode; a nil result
// means the chunk is dropped and its duration must be skipped.
func (f *Filler) Chunk(pcm []int16, sinceStart time.Duration) []int16 {
	if !IsSilent(pcm, f.cfg.SilenceThreshold) {
		f.silentRun = 0
		return pcm
	}

	f.silentRun++
	if f.silentRun == SilentWarnAfter {
		slog.Warn("Audio source is delivering silence", "consecutive_chunks", f.silentRun, "fill_mode", f.cfg.Mode.String())
	}

	if !f.cfg.Enabled {
		return pcm
	}

	var out []int16
	switch f.cfg.Mode {
	case FillLowAmplitudeNoise:
		out = f.noise(len(pcm))
	case FillFixedLowValue:
		out = f.fixed(len(pcm))
	case FillReducedSampleRate:
		f.reduced++
		if f.reduced%f.cfg.SkipInterval != 0 {
			return nil
		}
		out = f.fixed(len(pcm))
	case FillZeroWithPTSCompensation:
		return make([]int16, len(pcm))
	case FillHybrid:
		if sinceStart < f.cfg.InitialPeriod {
			return pcm
		}
		out = f.noise(len(pcm))
	default:
		return pcm
	}
	f.Synthesized += int64(len(out))
	return out
}

// SilentRun returns the number of consecutive silent chunks seen.
func (f *Filler) SilentRun() int { return f.silentRun }
