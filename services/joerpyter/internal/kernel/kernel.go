// Package kernel runs notebook executions against the supervised query server
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	helpers "github.com/joerpyter/go-joerpyter/pkg/shared"
	"github.com/joerpyter/go-joerpyter/pkg/shared/defs"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/processHelpers"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/sidecar"
)

const (
	ProtocolVersion = "5.3"
	Language        = "scala"
	LanguageVersion = "0.1"
	LanguageMime    = "text/x-scala"
	LanguageExt     = ".sc"
)

// Version is reported as the implementation version in kernel info
var Version = "dev"

// Supervisor is the part of processHelpers.Supervisor the kernel depends on
type Supervisor interface {
	EnsureRunning(ctx context.Context) (processHelpers.QueryClient, error)
	DrainImages() ([]sidecar.ImageRecord, error)
	Shutdown() error
}

type Renderer interface {
	Render(path string) (defs.DisplayData, error)
}

// Emitter receives the events produced while a request executes
type Emitter interface {
	Stream(name, text string) error
	Display(data defs.DisplayData) error
}

// Kernel executes one request at a time against a single query server
type Kernel struct {
	name       string
	supervisor Supervisor
	renderer   Renderer
	logger     *slog.Logger

	mu             sync.Mutex
	executionCount int
}

func New(name string, supervisor Supervisor, renderer Renderer, logger *slog.Logger) *Kernel {
	if logger == nil {
		logger = helpers.NopLogger()
	}
	return &Kernel{
		name:       name,
		supervisor: supervisor,
		renderer:   renderer,
		logger:     logger.With("component", "kernel"),
	}
}

// Execute runs req and reports the outcome. Failures to start or reach the
// server are folded into an error reply; they never fail the kernel itself.
func (k *Kernel) Execute(ctx context.Context, req defs.ExecuteRequest, em Emitter) defs.ExecuteReply {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !req.Silent {
		k.executionCount++
	}
	start := time.Now()

	result, ok := k.run(ctx, req.Code)
	if ok {
		k.emitImages(em)
	}

	if !req.Silent {
		k.emitStream(em, defs.StreamStderr, result.Stderr)
		k.emitStream(em, defs.StreamStdout, result.Stdout)
	}

	status := defs.StatusOK
	if !result.Success {
		status = defs.StatusError
	}
	k.logger.Debug("Executed request",
		"execution_count", k.executionCount,
		"status", status,
		"duration", time.Since(start).String(),
	)

	return defs.ExecuteReply{
		Status:          status,
		ExecutionCount:  k.executionCount,
		Payload:         []any{},
		UserExpressions: map[string]any{},
	}
}

// run reports false when the query never reached a server
func (k *Kernel) run(ctx context.Context, code string) (defs.QueryResult, bool) {
	client, err := k.supervisor.EnsureRunning(ctx)
	if err != nil {
		k.logger.Warn("Query server unavailable", "error", err)
		return connectionProblem(err), false
	}

	result, err := client.Send(ctx, code)
	if err != nil {
		k.logger.Warn("Query failed", "error", err)
		return connectionProblem(err), true
	}
	return result, true
}

func connectionProblem(err error) defs.QueryResult {
	return defs.QueryResult{
		Success: false,
		Stderr:  fmt.Sprintf("connection problem: %v", err),
	}
}

func (k *Kernel) emitImages(em Emitter) {
	images, err := k.supervisor.DrainImages()
	if err != nil {
		k.logger.Warn("Failed to drain image channel", "error", err)
		return
	}
	for _, img := range images {
		data, err := k.renderer.Render(img.Path)
		if err != nil {
			k.logger.Warn("Skipping image", "path", img.Path, "error", err)
			continue
		}
		if err := em.Display(data); err != nil {
			k.logger.Warn("Failed to emit display data", "error", err)
		}
	}
}

func (k *Kernel) emitStream(em Emitter, name, text string) {
	if text == "" {
		return
	}
	if err := em.Stream(name, text+"\n"); err != nil {
		k.logger.Warn("Failed to emit stream", "stream", name, "error", err)
	}
}

// Shutdown stops the query server. It does not wait for a running Execute.
func (k *Kernel) Shutdown() error {
	return k.supervisor.Shutdown()
}

// ExecutionCount returns the number of non-silent requests executed so far
func (k *Kernel) ExecutionCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.executionCount
}

func (k *Kernel) Info() defs.KernelInfo {
	return defs.KernelInfo{
		ProtocolVersion:       ProtocolVersion,
		Implementation:        k.name,
		ImplementationVersion: Version,
		LanguageInfo: defs.LanguageInfo{
			Name:          Language,
			Version:       LanguageVersion,
			Mimetype:      LanguageMime,
			FileExtension: LanguageExt,
		},
		Banner: k.name + " kernel",
	}
}
