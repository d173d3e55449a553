package imaging

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"photopipe/internal/services"
)

// Format is an output encoding.
type Format string

const (
	FormatOriginal Format = ""
	FormatJPEG     Format = "jpeg"
	FormatPNG      Format = "png"
)

// ParseFormat accepts the export option spelling of a format.
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "original":
		return FormatOriginal, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	default:
		return "", services.Wrap(services.ErrValidation, "export", "parse format", fmt.Sprintf("unsupported format %q", value), nil)
	}
}

// Extension returns the file extension for the format, including the dot.
func (f Format) Extension() string {
	switch f {
	case FormatPNG:
		return ".png"
	case FormatJPEG:
		return ".jpg"
	default:
		return ""
	}
}

const (
	defaultQuality = 85
	// maxPixels bounds decode memory; a decoded RGBA frame costs 4 bytes per pixel.
	maxPixels = 120_000_000
)

// Options controls Transform.
type Options struct {
	MaxEdge int
	Format  Format
	Quality int
}

// NeedsTransform reports whether the options change the image at all.
func (o Options) NeedsTransform() bool {
	return o.MaxEdge > 0 || o.Format != FormatOriginal
}

// Result describes a transformed file.
type Result struct {
	Width  int
	Height int
	Bytes  int64
	Format Format
}

// Fit returns the dimensions that fit within maxEdge, preserving aspect.
// Images already within bounds are returned unchanged.
func Fit(width, height, maxEdge int) (int, int) {
	if maxEdge <= 0 || (width <= maxEdge && height <= maxEdge) {
		return width, height
	}
	if width >= height {
		return maxEdge, max(1, height*maxEdge/width)
	}
	return max(1, width*maxEdge/height), maxEdge
}

// Resize scales img to fit within maxEdge.
func Resize(img image.Image, maxEdge int) image.Image {
	bounds := img.Bounds()
	w, h := Fit(bounds.Dx(), bounds.Dy(), maxEdge)
	if w == bounds.Dx() && h == bounds.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// Encode writes img in the given format.
func Encode(w io.Writer, img image.Image, format Format, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	switch format {
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		return enc.Encode(w, img)
	default:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	}
}

// Decode reads the image at path after checking its size against the decode ceiling.
func Decode(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", services.Wrap(services.ErrNotFound, "imaging", "open", path, err)
		}
		return nil, "", services.Wrap(services.ErrExternalTool, "imaging", "open", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	cfg, kind, err := image.DecodeConfig(reader)
	if err != nil {
		return nil, "", services.Wrap(services.ErrValidation, "imaging", "decode config", "unsupported or corrupt image", err)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, "", services.Wrap(services.ErrValidation, "imaging", "decode", fmt.Sprintf("image too large (%dx%d)", cfg.Width, cfg.Height), nil)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", services.Wrap(services.ErrExternalTool, "imaging", "seek", path, err)
	}
	img, kind, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, "", services.Wrap(services.ErrValidation, "imaging", "decode", "unsupported or corrupt image", err)
	}
	return img, kind, nil
}

// PrepareForVision returns a JPEG of the image scaled to maxEdge.
func PrepareForVision(path string, maxEdge int) ([]byte, string, error) {
	img, _, err := Decode(path)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, Resize(img, maxEdge), FormatJPEG, defaultQuality); err != nil {
		return nil, "", services.Wrap(services.ErrExternalTool, "imaging", "encode", "vision preview", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

// Transform decodes src, applies opts and writes dst atomically.
func Transform(src, dst string, opts Options) (Result, error) {
	img, kind, err := Decode(src)
	if err != nil {
		return Result{}, err
	}
	format := opts.Format
	if format == FormatOriginal {
		format = FormatJPEG
		if kind == "png" {
			format = FormatPNG
		}
	}
	img = Resize(img, opts.MaxEdge)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "imaging", "mkdir", dst, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".transform-*")
	if err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "imaging", "create temp", dst, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	if err := Encode(w, img, format, opts.Quality); err != nil {
		tmp.Close()
		return Result{}, services.Wrap(services.ErrExternalTool, "imaging", "encode", dst, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return Result{}, services.Wrap(services.ErrExternalTool, "imaging", "flush", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "imaging", "close", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "imaging", "rename", dst, err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "imaging", "stat", dst, err)
	}
	bounds := img.Bounds()
	return Result{Width: bounds.Dx(), Height: bounds.Dy(), Bytes: info.Size(), Format: format}, nil
}
