package processHelpers

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/cpgqls"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/credentials"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/sidecar"
)

const (
	// maxPortAttempts bounds how many random ports are tried before giving up
	maxPortAttempts = 16
	// pipeWaitDelay bounds how long Wait keeps draining output after the
	// child exits, in case grandchildren still hold the pipes open
	pipeWaitDelay = 2 * time.Second
)

// serverHandle is one launched server process and everything created for it
type serverHandle struct {
	cmd       *exec.Cmd
	pid       int
	host      string
	port      int
	creds     credentials.Credentials
	workspace *sidecar.Workspace
	client    *cpgqls.Client
	startedAt time.Time

	exited   chan struct{}
	exitCode int
}

func (h *serverHandle) alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// stop kills the process tree, waits for it to be reaped and removes the workspace
func (h *serverHandle) stop(logger *slog.Logger) error {
	var errs []error
	if h.alive() {
		if err := killProcessTree(h.cmd.Process); err != nil && h.alive() {
			errs = append(errs, fmt.Errorf("kill server process %d: %w", h.pid, err))
		}
	}

	select {
	case <-h.exited:
	case <-time.After(5 * time.Second):
		logger.Warn("Server process did not exit after kill", "pid", h.pid)
	}

	if err := h.workspace.Close(); err != nil {
		errs = append(errs, fmt.Errorf("remove workspace: %w", err))
	}
	return errors.Join(errs...)
}

func serverArgs(prefix []string, creds credentials.Credentials, host string, port int, bootstrap string) []string {
	args := append([]string{}, prefix...)
	return append(args,
		"--server",
		"--server-auth-username", creds.Username,
		"--server-auth-password", creds.Password,
		"--server-host", host,
		"--server-port", strconv.Itoa(port),
		"--import", bootstrap,
	)
}

// pickPort draws random ports until one can be bound on host
func pickPort(gen *credentials.Generator, host string) (int, error) {
	var lastErr error
	for i := 0; i < maxPortAttempts; i++ {
		port, err := gen.Port()
		if err != nil {
			return 0, err
		}
		lis, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		if err := lis.Close(); err != nil {
			lastErr = err
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free port after %d attempts: %w", maxPortAttempts, lastErr)
}

// spawnServer starts a query server process for the given credentials and
// workspace. Output is forwarded line by line to the logger. The returned
// handle's exited channel closes once the process has been reaped.
func spawnServer(opts Options, creds credentials.Credentials, port int, ws *sidecar.Workspace, logger *slog.Logger) (*serverHandle, error) {
	args := serverArgs(opts.Args, creds, opts.Host, port, ws.BootstrapPath)
	cmd := exec.Command(opts.Binary, args...)
	cmd.Env = append(os.Environ(), ws.Env())
	stdout := &lineLogger{logger: logger, stream: "stdout"}
	stderr := &lineLogger{logger: logger, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = pipeWaitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Binary, err)
	}

	endpoint := net.JoinHostPort(opts.Host, strconv.Itoa(port))
	h := &serverHandle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		host:      opts.Host,
		port:      port,
		creds:     creds,
		workspace: ws,
		client:    cpgqls.New(endpoint, creds.Username, creds.Password, cpgqls.WithTimeout(opts.QueryTimeout)),
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		h.exitCode = exitCodeFromError(cmd, err)
		logger.Info("Server process exited", "pid", h.pid, "exit_code", h.exitCode)
		close(h.exited)
	}()

	return h, nil
}

func exitCodeFromError(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// lineLogger is an io.Writer that logs every complete line it receives
type lineLogger struct {
	logger *slog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs a trailing partial line, if any
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(l.buf)
		l.buf = nil
	}
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.logger.Debug("server output", "stream", l.stream, "line", string(line))
}
