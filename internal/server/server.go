package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/audiolibrelab/screenrec/internal/engine"
	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/service"
)

// Server exposes the recording service as a JSON control API
type Server struct {
	service service.Service
	metrics http.Handler
	listen  string
}

// CodecsResponse represents the JSON response for the codecs endpoint
type CodecsResponse struct {
	Video []CodecEntry `json:"video"`
	Audio []CodecEntry `json:"audio"`
}

// CodecEntry describes one encoder
type CodecEntry struct {
	Name        string `json:"name"`
	MIMEType    string `json:"mime_type"`
	Hardware    bool   `json:"hardware"`
	MaxWidth    int    `json:"max_width,omitempty"`
	MaxHeight   int    `json:"max_height,omitempty"`
	SampleRates []int  `json:"sample_rates,omitempty"`
}

// RecordingsResponse represents the JSON response for the recordings endpoint
type RecordingsResponse struct {
	Recordings []service.RecordingInfo `json:"recordings"`
	TotalCount int                     `json:"total_count"`
	Directory  string                  `json:"directory"`
}

// New creates a server. metrics may be nil, in which case /metrics is not
// served.
func New(svc service.Service, metrics http.Handler, listen string) *Server {
	return &Server{service: svc, metrics: metrics, listen: listen}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/pause", s.post(s.service.Pause, "Recording paused"))
	mux.HandleFunc("/resume", s.post(s.service.Resume, "Recording resumed"))
	mux.HandleFunc("/stop", s.post(s.service.Stop, "Recording stopped"))
	mux.HandleFunc("/user-switch", s.post(s.service.UserSwitch, "Recording stopped for user switch"))
	mux.HandleFunc("/delete-last", s.post(s.service.DeleteLast, "Recording deleted"))
	mux.HandleFunc("/recordings", s.handleRecordings)
	mux.HandleFunc("/recordings/", s.handleRecordingAnalysis)
	mux.HandleFunc("/codecs", s.handleCodecs)
	mux.HandleFunc("/config/profile", s.handleSelectProfile)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start serves until the listener fails
func (s *Server) Start() error {
	_, port, _ := net.SplitHostPort(s.listen)
	slog.Info("Starting screenrec control server",
		"listen", s.listen,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), port))

	return http.ListenAndServe(s.listen, s.Handler())
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encoding response failed", "error", err)
	}
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidState), errors.Is(err, engine.ErrGrantConsumed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNoOutput):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// post wraps an argument-less service operation.
func (s *Server) post(op func() error, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w)
			return
		}
		if err := op(); err != nil {
			s.sendErrorResponse(w, statusFor(err), err.Error(), "path", r.URL.Path)
			return
		}
		s.sendJSON(w, map[string]interface{}{
			"success": true,
			"message": message,
			"status":  s.service.GetStatus(),
		})
	}
}

// handleStart accepts form values "mode" and "resolution", both optional.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	var opts service.StartOptions
	if v := r.FormValue("mode"); v != "" {
		mode, err := media.ParseSourceMode(v)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "start")
			return
		}
		opts.Mode = &mode
	}
	opts.Resolution = r.FormValue("resolution")

	slog.Debug("Start request received", "mode", r.FormValue("mode"), "resolution", opts.Resolution)

	path, err := s.service.Start(opts)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err), "operation", "start")
		return
	}

	s.sendJSON(w, map[string]interface{}{
		"success": true,
		"message": "Recording started",
		"path":    path,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	s.sendJSON(w, s.service.GetStatus())
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "list_recordings")
		return
	}
	s.sendJSON(w, RecordingsResponse{
		Recordings: recordings,
		TotalCount: len(recordings),
		Directory:  s.service.GetConfig().RecordingsDir(),
	})
}

func (s *Server) handleRecordingAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/recordings/")
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid recording name")
		return
	}

	analysis, err := s.service.AnalyzeRecording(name)
	if err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "recording", name)
		return
	}
	s.sendJSON(w, analysis)
}

func (s *Server) handleCodecs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	video, audio, err := s.service.Codecs()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "codecs")
		return
	}

	resp := CodecsResponse{Video: []CodecEntry{}, Audio: []CodecEntry{}}
	for _, c := range video {
		resp.Video = append(resp.Video, codecEntry(c))
	}
	for _, c := range audio {
		resp.Audio = append(resp.Audio, codecEntry(c))
	}
	s.sendJSON(w, resp)
}

func codecEntry(c media.CodecInfo) CodecEntry {
	return CodecEntry{
		Name:        c.Name,
		MIMEType:    c.MIMEType,
		Hardware:    media.IsHardware(c),
		MaxWidth:    c.MaxWidth,
		MaxHeight:   c.MaxHeight,
		SampleRates: c.SampleRates,
	}
}

// handleSelectProfile switches the configuration profile used by the next
// recording.
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	profile := r.FormValue("profile")
	if profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required")
		return
	}
	if err := s.service.LoadProfile(profile); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrInvalidState) {
			status = http.StatusConflict
		}
		s.sendErrorResponse(w, status, err.Error(), "profile", profile)
		return
	}
	s.sendJSON(w, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile '%s' loaded", profile),
	})
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
