package service

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/audiolibrelab/screenrec/internal/muxer"
)

// RecordingInfo describes one file in the recordings directory.
type RecordingInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	AnalyzeURL   string    `json:"analyze_url"`
}

// RecordingAnalysis is the probed content of a recording.
type RecordingAnalysis struct {
	Name            string      `json:"name"`
	DurationSeconds float64     `json:"duration_seconds"`
	Parts           int         `json:"parts"`
	Truncated       bool        `json:"truncated"`
	Tracks          []TrackInfo `json:"tracks"`
}

// TrackInfo contains information about a single track within a recording
type TrackInfo struct {
	ID              int     `json:"id"`
	Kind            string  `json:"kind"`
	Codec           string  `json:"codec"`
	Samples         int     `json:"samples"`
	KeyFrames       int     `json:"key_frames,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Channels        int     `json:"channels,omitempty"`
}

// ListRecordings returns the MP4 files in the recordings directory, newest
// first.
func (s *RecordingService) ListRecordings() ([]RecordingInfo, error) {
	recordingDir := s.GetConfig().RecordingsDir()

	if err := os.MkdirAll(recordingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	files, err := os.ReadDir(recordingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	recordings := []RecordingInfo{}
	for _, file := range files {
		if file.IsDir() || strings.ToLower(filepath.Ext(file.Name())) != ".mp4" {
			continue
		}

		info, err := file.Info()
		if err != nil {
			slog.Warn("Failed to get file info for recording", "file", file.Name(), "error", err)
			continue
		}

		recordings = append(recordings, RecordingInfo{
			Name:         file.Name(),
			Path:         filepath.Join(recordingDir, file.Name()),
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
			AnalyzeURL:   fmt.Sprintf("/recordings/%s", file.Name()),
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})

	return recordings, nil
}

// AnalyzeRecording probes a recording by file name.
func (s *RecordingService) AnalyzeRecording(name string) (*RecordingAnalysis, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid recording name: %s", name)
	}
	path := filepath.Join(s.GetConfig().RecordingsDir(), name)

	info, err := muxer.Probe(path)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", name, err)
	}

	analysis := &RecordingAnalysis{
		Name:            name,
		DurationSeconds: info.Duration.Seconds(),
		Parts:           info.Parts,
		Truncated:       info.Truncated,
	}
	for _, t := range info.Tracks {
		analysis.Tracks = append(analysis.Tracks, TrackInfo{
			ID:              t.ID,
			Kind:            t.Kind.String(),
			Codec:           t.Codec,
			Samples:         t.Samples,
			KeyFrames:       t.KeyFrames,
			DurationSeconds: t.Duration.Seconds(),
			Width:           t.Width,
			Height:          t.Height,
			SampleRate:      t.SampleRate,
			Channels:        t.ChannelCount,
		})
	}

	slog.Debug("Recording analysis completed", "name", name, "tracks", len(analysis.Tracks))
	return analysis, nil
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
