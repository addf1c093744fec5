// Package play opens finished recordings in an external video player.
package play

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/screenrec/internal/config"
)

// Players in order of preference.
var Players = []string{"mpv", "vlc", "ffplay"}

type Player struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Player {
	return &Player{cfg: cfg, lookPath: exec.LookPath}
}

// Resolve turns a bare recording name into a path inside the recordings
// directory. Paths with a separator are used as given.
func (p *Player) Resolve(name string) string {
	if strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	if filepath.Ext(name) == "" {
		name += ".mp4"
	}
	return filepath.Join(p.cfg.RecordingsDir(), name)
}

// Command builds the player invocation for a file.
func (p *Player) Command(file string) (*exec.Cmd, error) {
	player, err := p.findPlayer()
	if err != nil {
		return nil, fmt.Errorf("no suitable video player found: %w", err)
	}

	switch player {
	case "mpv":
		return exec.Command("mpv", "--keep-open=no", file), nil
	case "vlc":
		return exec.Command("vlc", "--play-and-exit", file), nil
	case "ffplay":
		return exec.Command("ffplay", "-autoexit", file), nil
	default:
		return nil, fmt.Errorf("unsupported player: %s", player)
	}
}

func (p *Player) Play(name string) error {
	file := p.Resolve(name)
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("recording not found: %s", file)
	}

	cmd, err := p.Command(file)
	if err != nil {
		return err
	}
	slog.Info("Playing recording", "file", file, "player", cmd.Args[0])

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", cmd.Args[0], err)
	}
	return nil
}

func (p *Player) findPlayer() (string, error) {
	for _, player := range Players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no video player found (tried: %s)", strings.Join(Players, ", "))
}
