package export

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"photopipe/internal/services"
)

// archive streams files into a zip written to a temp file beside its final
// path. Nothing is visible at the final path until commit.
type archive struct {
	path    string
	tmp     *os.File
	buf     *bufio.Writer
	zw      *zip.Writer
	entries int
	bytes   int64
}

func createArchive(path string) (*archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "export", "create archive dir", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*.zip")
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "export", "create archive", path, err)
	}
	buf := bufio.NewWriterSize(tmp, 256<<10)
	zw := zip.NewWriter(buf)
	// Photos are already compressed; a fast level keeps CPU low.
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})
	return &archive{path: path, tmp: tmp, buf: buf, zw: zw}, nil
}

// add copies the file at src into the archive under name.
func (a *archive) add(name, src string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, services.Wrap(services.ErrNotFound, "export", "open source", src, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "export", "stat source", src, err)
	}

	header := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: info.ModTime().UTC()}
	if header.Modified.IsZero() {
		header.Modified = time.Now().UTC()
	}
	header.SetMode(0o644)
	w, err := a.zw.CreateHeader(header)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "export", "archive entry", name, err)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		return n, services.Wrap(services.ErrTransient, "export", "archive write", name, err)
	}
	a.entries++
	a.bytes += n
	return n, nil
}

// commit finalizes the zip and moves it into place.
func (a *archive) commit() (int64, error) {
	defer os.Remove(a.tmp.Name())
	if err := a.zw.Close(); err != nil {
		a.tmp.Close()
		return 0, services.Wrap(services.ErrTransient, "export", "finalize archive", a.path, err)
	}
	if err := a.buf.Flush(); err != nil {
		a.tmp.Close()
		return 0, services.Wrap(services.ErrTransient, "export", "flush archive", a.path, err)
	}
	if err := a.tmp.Sync(); err != nil {
		a.tmp.Close()
		return 0, services.Wrap(services.ErrTransient, "export", "sync archive", a.path, err)
	}
	info, err := a.tmp.Stat()
	if err != nil {
		a.tmp.Close()
		return 0, services.Wrap(services.ErrTransient, "export", "stat archive", a.path, err)
	}
	if err := a.tmp.Close(); err != nil {
		return 0, services.Wrap(services.ErrTransient, "export", "close archive", a.path, err)
	}
	if err := os.Rename(a.tmp.Name(), a.path); err != nil {
		return 0, services.Wrap(services.ErrTransient, "export", "publish archive", a.path, err)
	}
	return info.Size(), nil
}

// abort discards the partial archive.
func (a *archive) abort() {
	_ = a.zw.Close()
	_ = a.tmp.Close()
	_ = os.Remove(a.tmp.Name())
}
