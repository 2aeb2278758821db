package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nugget/tadpole/internal/httpkit"
)

// Launcher defaults.
const (
	DefaultStartTimeout = 20 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	stopGracePeriod     = 5 * time.Second
)

// Launcher starts a local tool server on demand. [Client.Connect] uses
// it when the first handshake finds the server unreachable.
type Launcher interface {
	// Launch starts the server if needed and blocks until it answers
	// HTTP requests or ctx ends.
	Launch(ctx context.Context) error
}

// LaunchConfig describes a companion process that serves a local tool
// server.
type LaunchConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional "KEY=VALUE" variables appended to the current
	// environment.
	Env []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// HealthURL is polled until any HTTP response arrives.
	HealthURL string

	// StartTimeout bounds the wait for readiness.
	StartTimeout time.Duration

	// PollInterval is the delay between readiness probes.
	PollInterval time.Duration

	// HTTPClient is used for readiness probes.
	HTTPClient *http.Client

	// Logger receives process output and lifecycle messages.
	Logger *slog.Logger
}

// ProcessLauncher runs a tool server as a subprocess. The subprocess
// outlives individual request contexts and is terminated only by Stop.
type ProcessLauncher struct {
	cfg    LaunchConfig
	logger *slog.Logger
	client *http.Client

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewProcessLauncher creates a launcher for cfg. Nothing is started
// until Launch is called.
func NewProcessLauncher(cfg LaunchConfig) *ProcessLauncher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(2 * time.Second))
	}
	return &ProcessLauncher{
		cfg:    cfg,
		logger: logger.With("launcher", cfg.Command),
		client: client,
	}
}

// Launch starts the subprocess unless it is already running, then waits
// for the health URL to answer.
func (l *ProcessLauncher) Launch(ctx context.Context) error {
	done, err := l.start()
	if err != nil {
		return err
	}
	return l.waitReady(ctx, done)
}

// Running reports whether the subprocess is alive.
func (l *ProcessLauncher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runningLocked()
}

func (l *ProcessLauncher) runningLocked() bool {
	if l.cmd == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *ProcessLauncher) start() (<-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.runningLocked() {
		return l.done, nil
	}
	if l.cfg.Command == "" {
		return nil, errors.New("launcher has no command")
	}

	l.logger.Info("starting local tool server",
		"command", l.cfg.Command,
		"args", l.cfg.Args,
		"dir", l.cfg.Dir,
	)

	cmd := exec.Command(l.cfg.Command, l.cfg.Args...)
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.Dir = l.cfg.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", l.cfg.Command, err)
	}

	var drained sync.WaitGroup
	drained.Add(2)
	go l.drain(&drained, stdout, "stdout")
	go l.drain(&drained, stderr, "stderr")

	done := make(chan struct{})
	go func() {
		drained.Wait()
		err := cmd.Wait()
		l.logger.Info("local tool server exited", "pid", cmd.Process.Pid, "error", err)
		close(done)
	}()

	l.cmd = cmd
	l.done = done
	l.logger.Info("local tool server started", "pid", cmd.Process.Pid)
	return done, nil
}

// drain logs each output line of the subprocess at debug level.
func (l *ProcessLauncher) drain(wg *sync.WaitGroup, r io.Reader, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		l.logger.Debug("local tool server output", "stream", stream, "line", scanner.Text())
	}
}

// waitReady polls the health URL until any HTTP response arrives.
func (l *ProcessLauncher) waitReady(ctx context.Context, exited <-chan struct{}) error {
	if l.cfg.HealthURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		if l.probe(ctx) {
			l.logger.Info("local tool server ready", "url", l.cfg.HealthURL, "attempts", attempt)
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("local tool server not ready after %s: %w", l.cfg.StartTimeout, ctx.Err())
		case <-exited:
			return errors.New("local tool server exited before becoming ready")
		case <-ticker.C:
		}
	}
}

func (l *ProcessLauncher) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return true
}

// Stop interrupts the subprocess and kills it if it has not exited
// within five seconds.
func (l *ProcessLauncher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.runningLocked() {
		l.cmd = nil
		return nil
	}

	pid := l.cmd.Process.Pid
	l.logger.Info("stopping local tool server", "pid", pid)

	if err := l.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = l.cmd.Process.Kill()
	}

	select {
	case <-l.done:
	case <-time.After(stopGracePeriod):
		l.logger.Warn("local tool server did not exit gracefully, killing", "pid", pid)
		_ = l.cmd.Process.Kill()
		<-l.done
	}

	l.cmd = nil
	return nil
}
