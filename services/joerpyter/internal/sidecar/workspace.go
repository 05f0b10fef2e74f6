package sidecar

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"text/template"
)

// EnvImageFile carries the channel path to the query server and its viewer hook
const EnvImageFile = "JOERPYTER_IMAGE_FILE"

//go:embed templates/*.tmpl
var templateFiles embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	// Scala string literals accept the same escapes Go quoting produces for paths
	"scala": strconv.Quote,
}).ParseFS(templateFiles, "templates/*.tmpl"))

// Workspace is the per-server-instance directory holding the image channel,
// the image viewer hook script and the bootstrap script passed to --import.
type Workspace struct {
	Dir           string
	BootstrapPath string
	ViewerPath    string
	Images        *Channel

	closeOnce sync.Once
	closeErr  error
}

// NewWorkspace creates a fresh workspace under baseDir (the system temp dir if
// empty). goos selects the viewer script flavour ("windows" or anything POSIX).
func NewWorkspace(baseDir, goos string) (*Workspace, error) {
	dir, err := os.MkdirTemp(baseDir, "joerpyter-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	ws := &Workspace{Dir: dir}
	if err := ws.populate(goos); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return ws, nil
}

func (w *Workspace) populate(goos string) error {
	viewerTemplate, viewerName := "viewer.sh.tmpl", "image-viewer.sh"
	if goos == "windows" {
		viewerTemplate, viewerName = "viewer.cmd.tmpl", "image-viewer.cmd"
	}

	w.ViewerPath = filepath.Join(w.Dir, viewerName)
	if err := renderFile(w.ViewerPath, viewerTemplate, 0o700, map[string]string{"EnvVar": EnvImageFile}); err != nil {
		return err
	}

	w.BootstrapPath = filepath.Join(w.Dir, "bootstrap.sc")
	if err := renderFile(w.BootstrapPath, "bootstrap.sc.tmpl", 0o600, map[string]string{"ViewerPath": w.ViewerPath}); err != nil {
		return err
	}

	images, err := OpenChannel(filepath.Join(w.Dir, "images.txt"))
	if err != nil {
		return err
	}
	w.Images = images
	return nil
}

// Env returns the environment entry pointing the child at the image channel
func (w *Workspace) Env() string {
	return EnvImageFile + "=" + w.Images.Path()
}

// Close releases the channel and removes the workspace directory. Safe to call more than once.
func (w *Workspace) Close() error {
	w.closeOnce.Do(func() {
		var errs []error
		if w.Images != nil {
			errs = append(errs, w.Images.Close())
		}
		errs = append(errs, os.RemoveAll(w.Dir))
		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}

func renderFile(path, name string, perm os.FileMode, data any) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := templates.ExecuteTemplate(f, name, data); err != nil {
		_ = f.Close()
		return fmt.Errorf("render %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
