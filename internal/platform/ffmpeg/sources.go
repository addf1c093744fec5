package ffmpeg

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/screenrec/internal/media"
)

// PulseSource is one row of `pactl list short sources`.
type PulseSource struct {
	Name    string
	Monitor bool
}

// ParseSources reads the tab separated output of `pactl list short sources`.
func ParseSources(output string) []PulseSource {
	var sources []PulseSource
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 2 || fields[1] == "" {
			continue
		}
		sources = append(sources, PulseSource{
			Name:    fields[1],
			Monitor: strings.HasSuffix(fields[1], ".monitor"),
		})
	}
	return sources
}

// pactl wraps the PulseAudio control tool, which PipeWire also serves.
type pactl struct {
	run func(args ...string) (string, error)
}

func newPactl() *pactl {
	return &pactl{run: func(args ...string) (string, error) {
		out, err := exec.Command("pactl", args...).Output()
		if err != nil {
			return "", fmt.Errorf("pactl %s failed: %w", strings.Join(args, " "), err)
		}
		return string(out), nil
	}}
}

func (p *pactl) sources() ([]PulseSource, error) {
	out, err := p.run("list", "short", "sources")
	if err != nil {
		return nil, err
	}
	return ParseSources(out), nil
}

// resolve picks the pulse source for a kind. A configured name must exist;
// otherwise the mic is the default source and internal audio is the monitor
// of the default sink.
func (p *pactl) resolve(kind media.SourceKind, configured string) (string, error) {
	if configured != "" {
		sources, err := p.sources()
		if err != nil {
			return "", err
		}
		for _, s := range sources {
			if s.Name == configured {
				return configured, nil
			}
		}
		return "", fmt.Errorf("%s source not found: %s", kind, configured)
	}

	if kind == media.SourceKindMic {
		out, err := p.run("get-default-source")
		if err != nil {
			return "", err
		}
		name := strings.TrimSpace(out)
		if name == "" || strings.HasSuffix(name, ".monitor") {
			return "", fmt.Errorf("no microphone source available")
		}
		return name, nil
	}

	out, err := p.run("get-default-sink")
	if err != nil {
		return "", err
	}
	sink := strings.TrimSpace(out)
	if sink == "" {
		return "", fmt.Errorf("no default sink to monitor")
	}
	return sink + ".monitor", nil
}
