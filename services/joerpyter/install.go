package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/joerpyter/go-joerpyter/pkg/config"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/kernel"
)

// kernelVariant is one installable kernel: a display name bound to a server binary
type kernelVariant struct {
	Dir    string
	Name   string
	Binary string
}

var kernelVariants = []kernelVariant{
	{Dir: "joern", Name: "Joern", Binary: "joern"},
	{Dir: "ocular", Name: "Ocular", Binary: "ocular.sh"},
}

type kernelSpec struct {
	Argv        []string          `json:"argv"`
	DisplayName string            `json:"display_name"`
	Language    string            `json:"language"`
	Env         map[string]string `json:"env"`
}

func newKernelSpec(exe string, v kernelVariant) kernelSpec {
	return kernelSpec{
		Argv:        []string{exe, "serve", "--connection-file", "{connection_file}"},
		DisplayName: v.Name,
		Language:    kernel.Language,
		Env: map[string]string{
			config.EnvPrefix + "_NAME":   v.Name,
			config.EnvPrefix + "_BINARY": v.Binary,
		},
	}
}

type installOptions struct {
	user      bool
	prefix    string
	sysPrefix bool
}

// installEnv holds what kernelsDir reads from the environment, so it can be
// exercised for any platform
type installEnv struct {
	goos    string
	euid    int
	home    string
	appData string
	// sysPrefix is the active Python environment, if any
	sysPrefix string
}

func currentInstallEnv() installEnv {
	home, _ := os.UserHomeDir()
	sysPrefix := os.Getenv("CONDA_PREFIX")
	if sysPrefix == "" {
		sysPrefix = os.Getenv("VIRTUAL_ENV")
	}
	return installEnv{
		goos:      runtime.GOOS,
		euid:      os.Geteuid(),
		home:      home,
		appData:   os.Getenv("APPDATA"),
		sysPrefix: sysPrefix,
	}
}

// kernelsDir picks the kernelspec directory. Without any option the per-user
// directory is used unless running as root.
func kernelsDir(opts installOptions, env installEnv) (string, error) {
	set := 0
	for _, b := range []bool{opts.user, opts.prefix != "", opts.sysPrefix} {
		if b {
			set++
		}
	}
	if set > 1 {
		return "", errors.New("--user, --prefix and --sys-prefix are mutually exclusive")
	}

	switch {
	case opts.prefix != "":
		return filepath.Join(opts.prefix, "share", "jupyter", "kernels"), nil
	case opts.sysPrefix:
		if env.sysPrefix == "" {
			return "", errors.New("--sys-prefix needs an active conda or virtualenv environment")
		}
		return filepath.Join(env.sysPrefix, "share", "jupyter", "kernels"), nil
	case opts.user || env.euid != 0:
		return userDataDir(env)
	default:
		return filepath.Join("/usr/local", "share", "jupyter", "kernels"), nil
	}
}

func userDataDir(env installEnv) (string, error) {
	switch env.goos {
	case "windows":
		if env.appData == "" {
			return "", errors.New("APPDATA is not set")
		}
		return filepath.Join(env.appData, "jupyter", "kernels"), nil
	case "darwin":
		return filepath.Join(env.home, "Library", "Jupyter", "kernels"), nil
	default:
		if env.home == "" {
			return "", errors.New("cannot determine home directory")
		}
		return filepath.Join(env.home, ".local", "share", "jupyter", "kernels"), nil
	}
}

// installKernelSpecs writes one kernel.json per variant below dest and
// returns the directories written
func installKernelSpecs(dest, exe string) ([]string, error) {
	var written []string
	for _, v := range kernelVariants {
		dir := filepath.Join(dest, v.Dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return written, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		data, err := json.MarshalIndent(newKernelSpec(exe, v), "", "  ")
		if err != nil {
			return written, err
		}
		if err := os.WriteFile(filepath.Join(dir, "kernel.json"), append(data, '\n'), 0o644); err != nil {
			return written, fmt.Errorf("failed to write kernel spec for %s: %w", v.Name, err)
		}
		written = append(written, dir)
	}
	return written, nil
}

func newInstallCmd() *cobra.Command {
	opts := installOptions{}
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install Jupyter kernel specs for Joern and Ocular (WebSocket front-ends only, no ZMQ)",
		Long: `Install Jupyter kernel specs for Joern and Ocular.

The installed kernels serve the JSON WebSocket channel at /kernel on the
connection file's shell_port. They do not speak the ZMQ wire protocol, so a
stock Jupyter front-end cannot talk to them; a client of the /kernel channel
is required.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest, err := kernelsDir(opts, currentInstallEnv())
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot locate the joerpyter executable: %w", err)
			}
			written, err := installKernelSpecs(dest, exe)
			for _, dir := range written {
				cmd.Printf("Installed kernel spec in %s\n", dir)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.user, "user", false, "Install to the per-user kernels registry (default when not root)")
	flags.StringVar(&opts.prefix, "prefix", "", "Install under PREFIX/share/jupyter/kernels")
	flags.BoolVar(&opts.sysPrefix, "sys-prefix", false, "Install into the active conda or virtualenv environment")
	return cmd
}
