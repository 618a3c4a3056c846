// Package proc supervises the external media processes the control plane
// spawns for encoding and recording. Supervision is deliberately small: start,
// observe exit, stop with a graceful signal and a bounded wait before the
// hard kill.
package proc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"streamhaven/internal/errs"
)

// State enumerates the supervision lifecycle of a spawned process.
type State string

const (
	StateStarting State = "starting"
	StateHealthy  State = "healthy"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Process is a supervised external process.
type Process interface {
	// State returns the current supervision state.
	State() State

	// Done is closed once the process has exited and its exit handler ran.
	Done() <-chan struct{}

	// Stop requests a graceful shutdown and escalates to a kill when the
	// process outlives the grace period. Stop is idempotent.
	Stop(ctx context.Context) error
}

// Starter launches supervised processes. The onExit callback runs exactly
// once, after the process has exited, with the exit error if any.
type Starter interface {
	Start(ctx context.Context, name string, args []string, onExit func(error)) (Process, error)
}

// ExecStarter launches real OS processes.
type ExecStarter struct {
	Logger *slog.Logger
	// StopGrace bounds the wait between the termination signal and the
	// hard kill. Zero means 5 seconds.
	StopGrace time.Duration
	// StartupGrace is how long a spawned process must survive before it is
	// considered healthy. An errored exit inside the window marks the
	// attempt failed. Zero means 2 seconds.
	StartupGrace time.Duration
}

type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	grace  time.Duration

	mu    sync.Mutex
	state State
}

func (s *ExecStarter) Start(ctx context.Context, name string, args []string, onExit func(error)) (Process, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := s.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	startup := s.StartupGrace
	if startup <= 0 {
		startup = 2 * time.Second
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, name, args...)
	cmd.Stdout = newLogWriter(logger, name, "stdout")
	cmd.Stderr = newLogWriter(logger, name, "stderr")
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errs.Process(err, "start %s", name)
	}

	p := &execProcess{
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
		grace:  grace,
		state:  StateStarting,
	}
	healthTimer := time.AfterFunc(startup, func() {
		p.mu.Lock()
		if p.state == StateStarting {
			p.state = StateHealthy
		}
		p.mu.Unlock()
	})
	go func() {
		err := cmd.Wait()
		healthTimer.Stop()
		p.mu.Lock()
		switch {
		case p.state == StateStopping:
			// Exiting to the termination signal is the requested outcome
			// of Stop, not a failure.
			err = nil
			p.state = StateStopped
		case err != nil && p.state == StateStarting:
			p.state = StateFailed
			err = fmt.Errorf("exited during startup: %w", err)
		case err != nil:
			p.state = StateFailed
		default:
			p.state = StateStopped
		}
		p.mu.Unlock()
		if err != nil {
			logger.Warn("process exited", "name", name, "error", err)
		} else {
			logger.Info("process exited", "name", name)
		}
		if onExit != nil {
			onExit(err)
		}
		cancel()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateStopped, StateFailed:
		p.mu.Unlock()
		return nil
	case StateStopping:
		p.mu.Unlock()
		return p.waitDone(ctx)
	}
	p.state = StateStopping
	p.mu.Unlock()

	if p.cmd.Process != nil {
		// Signal errors mean the process is already gone; the Wait
		// goroutine still observes the exit.
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
		p.cancel()
	case <-ctx.Done():
		p.cancel()
	}
	return p.waitDone(ctx)
}

func (p *execProcess) waitDone(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for process exit: %w", ctx.Err())
	}
}

type logWriter struct {
	logger *slog.Logger
	name   string
	stream string
}

func newLogWriter(logger *slog.Logger, name, stream string) *logWriter {
	return &logWriter{logger: logger, name: name, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("process output", "name", w.name, "stream", w.stream, "line", string(line))
	}
	return total, nil
}

var _ Starter = (*ExecStarter)(nil)
