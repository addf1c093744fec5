// Package metrics exposes recording counters to Prometheus on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/screenrec/internal/media"
)

var engineStates = []string{"idle", "starting", "recording", "paused", "stopping"}

// Recorder implements engine.Metrics.
type Recorder struct {
	// Totals across sessions
	VideoSamples atomic.Uint64
	AudioSamples atomic.Uint64
	BytesWritten atomic.Uint64
	FillFramesN  atomic.Uint64

	samples     *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	unavailable *prometheus.CounterVec
	sessions    *prometheus.CounterVec
	state       *prometheus.GaugeVec

	registry *prometheus.Registry
}

func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}
	r.register()
	r.StateChanged("idle")
	return r
}

func (r *Recorder) register() {
	r.samples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screenrec_samples_written_total",
		Help: "Encoded samples handed to the muxer",
	}, []string{"kind"})
	r.bytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screenrec_bytes_written_total",
		Help: "Encoded payload bytes handed to the muxer",
	}, []string{"kind"})
	r.unavailable = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screenrec_audio_unavailable_total",
		Help: "Audio unavailability notices by audio type",
	}, []string{"audio_type"})
	r.sessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screenrec_sessions_total",
		Help: "Finished sessions by outcome",
	}, []string{"outcome"})
	r.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "screenrec_engine_state",
		Help: "1 for the current engine state, 0 otherwise",
	}, []string{"state"})

	r.registry.MustRegister(r.samples, r.bytes, r.unavailable, r.sessions, r.state)

	r.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "screenrec_fill_frames_total",
			Help: "Synthetic audio frames inserted to cover gaps",
		},
		func() float64 { return float64(r.FillFramesN.Load()) },
	))
}

func (r *Recorder) SampleWritten(kind media.Kind, bytes int) {
	label := kind.String()
	r.samples.WithLabelValues(label).Inc()
	r.bytes.WithLabelValues(label).Add(float64(bytes))
	if kind == media.KindVideo {
		r.VideoSamples.Add(1)
	} else {
		r.AudioSamples.Add(1)
	}
	r.BytesWritten.Add(uint64(bytes))
}

func (r *Recorder) FillFrames(frames int64) {
	if frames > 0 {
		r.FillFramesN.Add(uint64(frames))
	}
}

func (r *Recorder) AudioUnavailable(t media.AudioType) {
	r.unavailable.WithLabelValues(strconv.Itoa(int(t))).Inc()
}

func (r *Recorder) SessionEnded(outcome string) {
	r.sessions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) StateChanged(state string) {
	for _, s := range engineStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.state.WithLabelValues(s).Set(v)
	}
}

// Registry is exposed for tests and for callers adding their own collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns the Prometheus HTTP handler
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
