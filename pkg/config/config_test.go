package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Binary != "joern" {
		t.Errorf("Server.Binary = %q, want %q", cfg.Server.Binary, "joern")
	}
	if cfg.Server.Host != "localhost" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "localhost")
	}
	if cfg.Server.PortMin != 32768 || cfg.Server.PortMax != 65535 {
		t.Errorf("port range = [%d, %d], want [32768, 65535]", cfg.Server.PortMin, cfg.Server.PortMax)
	}
	if cfg.Server.StartupTimeout != 60*time.Second {
		t.Errorf("StartupTimeout = %v, want 60s", cfg.Server.StartupTimeout)
	}
	if cfg.Server.QueryTimeout != 0 {
		t.Errorf("QueryTimeout = %v, want 0 (unbounded)", cfg.Server.QueryTimeout)
	}
	if cfg.Kernel.Name != "Joern" {
		t.Errorf("Kernel.Name = %q, want %q", cfg.Kernel.Name, "Joern")
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Run("binary and name overrides", func(t *testing.T) {
		t.Setenv("JOERPYTER_BINARY", "ocular.sh")
		t.Setenv("JOERPYTER_NAME", "Ocular")

		cfg, err := Load(New(), "", "")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Binary != "ocular.sh" {
			t.Errorf("Server.Binary = %q, want %q", cfg.Server.Binary, "ocular.sh")
		}
		if cfg.Kernel.Name != "Ocular" {
			t.Errorf("Kernel.Name = %q, want %q", cfg.Kernel.Name, "Ocular")
		}
	})

	t.Run("nested keys", func(t *testing.T) {
		t.Setenv("JOERPYTER_SERVER_STARTUP_TIMEOUT", "15s")

		cfg, err := Load(New(), "", "")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.StartupTimeout != 15*time.Second {
			t.Errorf("StartupTimeout = %v, want 15s", cfg.Server.StartupTimeout)
		}
	})
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "server:\n  binary: /opt/joern/joern\n  query_timeout: 30s\nkernel:\n  max_image_width: 800\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(New(), path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Binary != "/opt/joern/joern" {
		t.Errorf("Server.Binary = %q", cfg.Server.Binary)
	}
	if cfg.Server.QueryTimeout != 30*time.Second {
		t.Errorf("QueryTimeout = %v, want 30s", cfg.Server.QueryTimeout)
	}
	if cfg.Kernel.MaxImageWidth != 800 {
		t.Errorf("MaxImageWidth = %d, want 800", cfg.Kernel.MaxImageWidth)
	}
}

func TestLoadOverride(t *testing.T) {
	tests := []struct {
		name     string
		override string
		wantErr  bool
		check    func(t *testing.T, cfg *Config)
	}{
		{
			name:     "port range",
			override: "server.port_min:40000,server.port_max:41000",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.PortMin != 40000 || cfg.Server.PortMax != 41000 {
					t.Errorf("port range = [%d, %d]", cfg.Server.PortMin, cfg.Server.PortMax)
				}
			},
		},
		{
			name:     "log level",
			override: "log_level:debug",
			check: func(t *testing.T, cfg *Config) {
				if cfg.LogLevel != "debug" {
					t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
				}
			},
		},
		{
			name:     "malformed pair",
			override: "log_level",
			wantErr:  true,
		},
		{
			name:     "inverted port range",
			override: "server.port_min:50000,server.port_max:40000",
			wantErr:  true,
		},
		{
			name:     "empty binary",
			override: "server.binary: ",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(New(), "", tt.override)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestBindFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("binary", "joern", "")
	if err := flags.Parse([]string{"--binary", "ocular.sh"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	v := New()
	if err := BindFlags(v, flags, map[string]string{"binary": "server.binary"}); err != nil {
		t.Fatalf("BindFlags failed: %v", err)
	}
	cfg, err := Load(v, "", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Binary != "ocular.sh" {
		t.Errorf("Server.Binary = %q, want %q", cfg.Server.Binary, "ocular.sh")
	}

	if err := BindFlags(v, flags, map[string]string{"missing": "x"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}
