package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joerpyter/go-joerpyter/pkg/config"
	helpers "github.com/joerpyter/go-joerpyter/pkg/shared"
	"github.com/joerpyter/go-joerpyter/pkg/shared/defs"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/display"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/health"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/httpHelpers"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/kernel"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/processHelpers"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/session"
)

const shutdownGrace = 5 * time.Second

var serveFlagBindings = map[string]string{
	"log_level":       "log_level",
	"hostname":        "kernel.hostname",
	"port":            "kernel.port",
	"health_port":     "kernel.health_port",
	"max_image_width": "kernel.max_image_width",
	"connection-file": "kernel.connection_file",
	"binary":          "server.binary",
	"startup_timeout": "server.startup_timeout",
	"query_timeout":   "server.query_timeout",
}

func newServeCmd() *cobra.Command {
	var configPath, override string
	v := config.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kernel until it is shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.BindFlags(v, cmd.Flags(), serveFlagBindings); err != nil {
				return err
			}
			cfg, err := config.Load(v, configPath, override)
			if err != nil {
				return err
			}
			return runKernel(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to config file (default: ./config.toml)")
	flags.StringVar(&override, "override", "", "Override simple config values as comma-separated key:value pairs (e.g., server.port_min:40000,log_level:debug)")
	flags.String("log_level", "info", "Log level (debug|info|warn|error)")
	flags.String("hostname", "127.0.0.1", "Hostname to listen on")
	flags.Int("port", 8888, "TCP port for the notebook channel")
	flags.Int("health_port", 0, "TCP port for the gRPC health service (0 disables it)")
	flags.Int("max_image_width", 0, "Scale down images wider than this many pixels (0 disables scaling)")
	flags.String("connection-file", "", "Jupyter connection file providing ip and shell_port")
	flags.String("binary", "joern", "Query server executable")
	flags.Duration("startup_timeout", 60*time.Second, "How long to wait for the query server to accept connections")
	flags.Duration("query_timeout", 0, "Upper bound for a single query (0 means no limit)")
	return cmd
}

// connectionInfo is the subset of a Jupyter connection file the kernel uses
type connectionInfo struct {
	IP        string `json:"ip"`
	ShellPort int    `json:"shell_port"`
}

// applyConnectionFile takes the listen address from a Jupyter connection file
func applyConnectionFile(path string, cfg *config.KernelConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read connection file: %w", err)
	}
	var info connectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("failed to parse connection file %s: %w", path, err)
	}
	if info.IP != "" {
		cfg.Hostname = info.IP
	}
	if info.ShellPort > 0 {
		cfg.Port = info.ShellPort
	}
	return nil
}

// serverControl is what the HTTP API needs from the supervisor
type serverControl interface {
	Status() defs.ServerStatus
	Shutdown() error
}

func runKernel(ctx context.Context, cfg *config.Config) error {
	logger := helpers.NewLogger("joerpyter", cfg.LogLevel)
	slog.SetDefault(logger)

	id := uuid.New()
	logger = logger.With("kernel_id", id.String())
	logger.Info("Starting kernel", "name", cfg.Kernel.Name, "binary", cfg.Server.Binary)

	if cfg.Kernel.ConnectionFile != "" {
		if err := applyConnectionFile(cfg.Kernel.ConnectionFile, &cfg.Kernel); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	supervisor := processHelpers.NewSupervisor(processHelpers.OptionsFromConfig(cfg.Server, logger))
	k := kernel.New(cfg.Kernel.Name, supervisor, display.NewRenderer(cfg.Kernel.MaxImageWidth), logger)
	defer func() {
		if err := k.Shutdown(); err != nil {
			logger.Error("Error stopping query server", "error", err)
		}
	}()

	if cfg.Kernel.HealthPort > 0 {
		reporter := health.NewReporter(logger)
		supervisor.OnStateChange(reporter.Observe)
		lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Kernel.Hostname, strconv.Itoa(cfg.Kernel.HealthPort)))
		if err != nil {
			return fmt.Errorf("failed to listen for health checks: %w", err)
		}
		go func() {
			if err := reporter.Serve(lis); err != nil {
				logger.Error("Health service error", "error", err)
			}
		}()
		defer reporter.Stop()
	}

	onShutdown := func(restart bool) {
		if !restart {
			logger.Info("Shutdown requested by client")
			cancel()
		}
	}

	addr := net.JoinHostPort(cfg.Kernel.Hostname, strconv.Itoa(cfg.Kernel.Port))
	server := &http.Server{
		Addr:    addr,
		Handler: newRouter(ctx, k, supervisor, logger, onShutdown),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", "error", err)
		}
	}()

	logger.Info("Server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("Kernel stopped")
	return nil
}

func newRouter(ctx context.Context, k session.Kernel, server serverControl, logger *slog.Logger, onShutdown func(restart bool)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/kernel", session.Handler(ctx, k, logger, onShutdown))

	// One-shot execution with all events collected into the response
	r.Post("/execute", func(w http.ResponseWriter, r *http.Request) {
		var req defs.ExecuteRequest
		if err := httpHelpers.ReadJSON(r, &req); err != nil {
			httpHelpers.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		rec := &kernel.Recorder{}
		start := time.Now()
		reply := k.Execute(r.Context(), req, rec)
		httpHelpers.WriteTimings(w, httpHelpers.Timings{"execute": time.Since(start)})
		httpHelpers.WriteOutput(w, defs.ExecuteResponse{Reply: reply, Events: rec.Events()})
	})

	r.Get("/server", func(w http.ResponseWriter, r *http.Request) {
		httpHelpers.WriteOutput(w, server.Status())
	})

	r.Delete("/server", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		err := server.Shutdown()
		elapsed := time.Since(start)
		if err != nil {
			logger.Error("Error stopping query server", "error", err)
			httpHelpers.WriteError(w, http.StatusInternalServerError, "Error stopping server")
			return
		}
		httpHelpers.WriteTimings(w, httpHelpers.Timings{"stop-time": elapsed})
		httpHelpers.WriteOutput(w, map[string]any{"msg": "Server stopped"})
	})

	return r
}
