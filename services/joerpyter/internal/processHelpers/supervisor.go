// Package processHelpers supervises the query server child process: it
// launches it with throwaway credentials, waits until it accepts protocol
// connections, watches it for exit and tears it down on shutdown.
package processHelpers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/backoff"

	"github.com/joerpyter/go-joerpyter/pkg/config"
	helpers "github.com/joerpyter/go-joerpyter/pkg/shared"
	"github.com/joerpyter/go-joerpyter/pkg/shared/defs"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/credentials"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/sidecar"
)

// ErrShutdown is returned by EnsureRunning when Shutdown interrupts a startup
var ErrShutdown = errors.New("server shut down during startup")

// QueryClient sends one query to a running server
type QueryClient interface {
	Send(ctx context.Context, query string) (defs.QueryResult, error)
}

type Options struct {
	Binary         string
	Args           []string
	Host           string
	Ports          credentials.PortRange
	StartupTimeout time.Duration
	QueryTimeout   time.Duration
	Backoff        backoff.Config
	WorkspaceDir   string
	Logger         *slog.Logger
}

// OptionsFromConfig maps the server section of the kernel config
func OptionsFromConfig(cfg config.ServerConfig, logger *slog.Logger) Options {
	return Options{
		Binary:         cfg.Binary,
		Args:           cfg.Args,
		Host:           cfg.Host,
		Ports:          credentials.PortRange{Low: cfg.PortMin, High: cfg.PortMax},
		StartupTimeout: cfg.StartupTimeout,
		QueryTimeout:   cfg.QueryTimeout,
		Backoff: backoff.Config{
			BaseDelay:  cfg.ProbeBaseDelay,
			Multiplier: cfg.ProbeMultiplier,
			Jitter:     cfg.ProbeJitter,
			MaxDelay:   cfg.ProbeMaxDelay,
		},
		WorkspaceDir: cfg.WorkspaceDir,
		Logger:       logger,
	}
}

// Supervisor owns at most one query server process per kernel.
//
// EnsureRunning calls are serialised. Shutdown may be called at any time,
// including while EnsureRunning is waiting for the server to come up.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	gen    *credentials.Generator
	probe  ProbeFunc
	goos   string

	// startMu serialises EnsureRunning; mu guards the fields below and is
	// never held across the readiness wait.
	startMu sync.Mutex
	mu      sync.Mutex

	state       State
	exitCode    int
	handle      *serverHandle
	cancelStart context.CancelFunc
	observers   []func(State)

	spawns atomic.Int32
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Ports == (credentials.PortRange{}) {
		opts.Ports = credentials.DefaultPortRange
	}
	if opts.Backoff == (backoff.Config{}) {
		opts.Backoff = backoff.Config{
			BaseDelay:  250 * time.Millisecond,
			Multiplier: 1.6,
			Jitter:     0.2,
			MaxDelay:   2 * time.Second,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = helpers.NopLogger()
	}

	return &Supervisor{
		opts:   opts,
		logger: logger.With("component", "supervisor"),
		gen:    credentials.NewGenerator(opts.Ports),
		probe:  PingProbe,
		goos:   runtime.GOOS,
		state:  StateNotStarted,
	}
}

// OnStateChange registers a callback invoked on every state transition.
// Callbacks run with the supervisor lock held and must not call back into it.
func (s *Supervisor) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Supervisor) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("Server state change", "from", s.state.String(), "to", state.String())
	s.state = state
	for _, fn := range s.observers {
		fn(state)
	}
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnsureRunning returns a client for a running server, starting one if there
// is none or the previous one has exited.
func (s *Supervisor) EnsureRunning(ctx context.Context) (QueryClient, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.state == StateRunning && s.handle != nil && s.handle.alive() {
		client := s.handle.client
		s.mu.Unlock()
		return client, nil
	}

	// Whatever is left of the previous instance goes before a new one is created
	if err := s.releaseLocked(); err != nil {
		s.logger.Warn("Failed to release previous server", "error", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, s.opts.StartupTimeout)
	defer cancel()
	s.cancelStart = cancel
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	startTime := time.Now()
	h, err := s.launch()
	if err != nil {
		s.mu.Lock()
		s.cancelStart = nil
		if s.state == StateStarting {
			s.setStateLocked(StateNotStarted)
		}
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	if s.state != StateStarting {
		// Shutdown ran while the process was being launched
		s.mu.Unlock()
		if err := h.stop(s.logger); err != nil {
			s.logger.Warn("Failed to stop server after shutdown", "error", err)
		}
		return nil, ErrShutdown
	}
	s.handle = h
	s.mu.Unlock()

	go s.watch(h)

	err = waitReady(startCtx, h, s.probe, s.opts.Backoff)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelStart = nil

	if s.handle != h {
		return nil, ErrShutdown
	}

	if err != nil {
		if h.alive() {
			// Timed out or the request was cancelled: the process is not trusted any more
			if stopErr := h.stop(s.logger); stopErr != nil {
				s.logger.Warn("Failed to stop unready server", "error", stopErr)
			}
		}
		s.exitCode = h.exitCode
		s.setStateLocked(StateExited)

		switch {
		case errors.Is(err, errExitedDuringStartup):
			return nil, fmt.Errorf("%w, exit code %d", errExitedDuringStartup, h.exitCode)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("server startup cancelled: %w", ctx.Err())
		default:
			return nil, fmt.Errorf("server did not become ready within %v: %w", s.opts.StartupTimeout, err)
		}
	}

	s.setStateLocked(StateRunning)
	s.logger.Info("Server ready",
		"pid", h.pid,
		"endpoint", h.client.Endpoint(),
		"startup_time", time.Since(startTime).String(),
	)
	return h.client, nil
}

// launch prepares credentials, port and workspace and starts the process
func (s *Supervisor) launch() (*serverHandle, error) {
	creds, err := s.gen.Credentials()
	if err != nil {
		return nil, err
	}
	port, err := pickPort(s.gen, s.opts.Host)
	if err != nil {
		return nil, err
	}
	ws, err := sidecar.NewWorkspace(s.opts.WorkspaceDir, s.goos)
	if err != nil {
		return nil, err
	}

	h, err := spawnServer(s.opts, creds, port, ws, s.logger)
	if err != nil {
		if closeErr := ws.Close(); closeErr != nil {
			s.logger.Warn("Failed to remove workspace", "error", closeErr)
		}
		return nil, err
	}
	s.spawns.Add(1)
	s.logger.Info("Started server process", "binary", s.opts.Binary, "pid", h.pid, "port", port)
	return h, nil
}

// watch records an exit that happens on the server's own accord
func (s *Supervisor) watch(h *serverHandle) {
	<-h.exited

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != h {
		return
	}
	if s.state == StateStarting || s.state == StateRunning {
		s.exitCode = h.exitCode
		s.setStateLocked(StateExited)
	}
}

// releaseLocked stops the current handle, if any, and forgets it
func (s *Supervisor) releaseLocked() error {
	h := s.handle
	s.handle = nil
	if h == nil {
		return nil
	}
	return h.stop(s.logger)
}

// Shutdown kills the server, even mid-startup, and returns to NotStarted.
// Calling it with no live server is a no-op.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelStart != nil {
		s.cancelStart()
	}
	if s.handle != nil {
		s.logger.Info("Stopping server process", "pid", s.handle.pid)
	}
	err := s.releaseLocked()
	s.setStateLocked(StateNotStarted)
	return err
}

// DrainImages returns the images announced since the last drain
func (s *Supervisor) DrainImages() ([]sidecar.ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil, nil
	}
	return s.handle.workspace.Images.Drain()
}

// Status describes the current server without its credentials
func (s *Supervisor) Status() defs.ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := defs.ServerStatus{State: s.state.String()}
	if s.state == StateExited {
		code := s.exitCode
		status.ExitCode = &code
	}
	if h := s.handle; h != nil {
		status.Alive = h.alive()
		status.ProcessId = h.pid
		status.Host = h.host
		status.Port = h.port
		startedAt := h.startedAt
		status.StartedAt = &startedAt
	}
	return status
}

// Spawns reports how many processes this supervisor has started
func (s *Supervisor) Spawns() int {
	return int(s.spawns.Load())
}
