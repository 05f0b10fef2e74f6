// Package display turns image files announced by the query server into
// notebook display data.
package display

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/joerpyter/go-joerpyter/pkg/shared/defs"
)

const (
	MimeSVG  = "image/svg+xml"
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimeGIF  = "image/gif"
)

var ErrUnsupported = errors.New("unsupported image content")

// Renderer builds display data for image files. Raster images wider than
// MaxWidth are scaled down; zero disables scaling.
type Renderer struct {
	MaxWidth int
}

func NewRenderer(maxWidth int) *Renderer {
	return &Renderer{MaxWidth: maxWidth}
}

// Render reads the image at path and returns a MIME bundle for it
func (r *Renderer) Render(path string) (defs.DisplayData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return defs.DisplayData{}, fmt.Errorf("failed to read image: %w", err)
	}

	mime := detectMime(path, data)
	switch mime {
	case MimeSVG:
		return defs.DisplayData{
			Data:     map[string]any{MimeSVG: string(data)},
			Metadata: map[string]any{},
		}, nil
	case MimePNG, MimeJPEG, MimeGIF:
		return r.renderRaster(path, mime, data)
	default:
		return defs.DisplayData{}, fmt.Errorf("%w: %s (%s)", ErrUnsupported, filepath.Base(path), mime)
	}
}

func (r *Renderer) renderRaster(path, mime string, data []byte) (defs.DisplayData, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return defs.DisplayData{}, fmt.Errorf("failed to decode image %s: %w", filepath.Base(path), err)
	}

	// The JPEG decoder never yields NRGBA, so one here means an EXIF
	// orientation was applied and the file bytes no longer match img
	_, reoriented := img.(*image.NRGBA)
	reoriented = reoriented && mime == MimeJPEG

	resize := r.MaxWidth > 0 && img.Bounds().Dx() > r.MaxWidth
	if resize {
		img = imaging.Resize(img, r.MaxWidth, 0, imaging.Lanczos)
	}
	if resize || reoriented {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return defs.DisplayData{}, fmt.Errorf("failed to encode image %s: %w", filepath.Base(path), err)
		}
		mime, data = MimePNG, buf.Bytes()
	}

	return rasterBundle(mime, data, img), nil
}

func rasterBundle(mime string, data []byte, img image.Image) defs.DisplayData {
	bounds := img.Bounds()
	return defs.DisplayData{
		Data: map[string]any{
			mime: base64.StdEncoding.EncodeToString(data),
		},
		Metadata: map[string]any{
			mime: map[string]any{
				"width":  bounds.Dx(),
				"height": bounds.Dy(),
			},
		},
	}
}

// detectMime trusts the extension for SVG and the content for everything else
func detectMime(path string, data []byte) string {
	if strings.EqualFold(filepath.Ext(path), ".svg") {
		return MimeSVG
	}

	sniffed := http.DetectContentType(data)
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	if sniffed == "text/xml" && bytes.Contains(data, []byte("<svg")) {
		return MimeSVG
	}
	return sniffed
}
