package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// StopTimeout bounds how long a child gets to finalize after SIGINT.
const StopTimeout = 5 * time.Second

// process is one ffmpeg child whose stdout carries media data and whose
// stderr is logged.
type process struct {
	label string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   io.ReadCloser

	readers sync.WaitGroup

	mu        sync.Mutex
	stderrBuf strings.Builder
	done      chan struct{}
	waitErr   error
	stopping  bool
}

func startProcess(label, bin string, args []string, withStdin bool) (*process, error) {
	cmd := exec.Command(bin, args...)
	p := &process{label: label, cmd: cmd, done: make(chan struct{})}

	var err error
	if withStdin {
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
	}
	if p.out, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	slog.Info("Starting FFmpeg", "role", label, "command", bin+" "+strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	// Wait closes the pipes, so it runs only after both readers are done.
	p.readers.Add(2)
	go p.readOutput(stderr)
	go p.reap()
	return p, nil
}

// outputDone is called by the stdout consumer once it has read to EOF.
func (p *process) outputDone() {
	p.readers.Done()
}

func (p *process) reap() {
	p.readers.Wait()
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// readOutput logs stderr line by line.
func (p *process) readOutput(pipe io.ReadCloser) {
	defer p.readers.Done()
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		p.mu.Lock()
		if p.stderrBuf.Len() < 64<<10 {
			p.stderrBuf.WriteString(line + "\n")
		}
		p.mu.Unlock()
		slog.Debug("FFmpeg output", "role", p.label, "stream", "stderr", "line", line)
	}
	io.Copy(io.Discard, pipe)
}

// exitError returns nil for a clean exit or one caused by our own stop.
func (p *process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.waitErr
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Exit code 255 is what ffmpeg reports after an interrupt
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if p.stopping && exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				return nil
			}
		}
	}
	return fmt.Errorf("FFmpeg %s failed: %w: %s", p.label, err, lastLines(p.stderrBuf.String(), 3))
}

// stop interrupts the child, or closes its stdin when it reads from it, and
// kills it if it has not exited within StopTimeout.
func (p *process) stop() error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return p.exitError()
	default:
	}

	if p.stdin != nil {
		slog.Debug("Closing FFmpeg stdin", "role", p.label)
		p.stdin.Close()
	} else if p.cmd.Process != nil {
		slog.Debug("Sending SIGINT to FFmpeg process", "role", p.label)
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to send interrupt to FFmpeg, killing", "error", err)
			p.cmd.Process.Kill()
		}
	}

	select {
	case <-p.done:
		return p.exitError()
	case <-time.After(StopTimeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing", "role", p.label)
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-p.done
		return nil
	}
}

func (p *process) kill() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	<-p.done
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
