// Package text implements the plain-text metric backend: one
// "key value time" line per flushed key, written through an optionally
// compressing writer whose algorithm is auto-detected from the output
// file's suffix.
//
// Grounded on the teacher's speedboat-era writer backend
// (speedboat_old/stats/writer/backend_test.go, which formats one sample per
// call into a flat map) and the teacher's afero-backed output sinks
// (cmd/outputs.go's baseParams.FS afero.Fs, cmd/collectors.go's
// afero.NewOsFs()).
package text

import (
	"bufio"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/caida/libtimeseries/backend"
	"github.com/caida/libtimeseries/wire"
)

// Config holds the text backend's parsed option string.
type Config struct {
	// Path is the output file; empty means stdout.
	Path string
	// CompressionLevel is passed to gzip/brotli when the path's suffix
	// selects a compressing writer; ignored for stdout and plain files.
	CompressionLevel int
}

// Backend implements backend.Backend for the text wire format (§4.4).
type Backend struct {
	fs     afero.Fs
	stdout io.Writer

	cfg Config

	file      afero.File
	rawWriter io.Writer
	closer    io.Closer
	buf       *bufio.Writer
}

// New constructs a text backend. fs is the filesystem used to open the
// output file (afero.NewOsFs() in production, afero.NewMemMapFs() in
// tests); stdout is the sink used when -f is absent.
func New(fs afero.Fs, stdout io.Writer) *Backend {
	return &Backend{fs: fs, stdout: stdout}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "text" }

// Init parses "-f <path>" (optional) and "-c <level>" and opens the output
// sink, wrapping it in a compressing writer chosen by the path's suffix:
// ".gz" selects gzip, ".br" selects brotli, anything else is written
// uncompressed.
func (b *Backend) Init(argv []string) error {
	fs := backend.NewFlagSet("text")
	path := fs.StringP("file", "f", "", "output file path; stdout if unset")
	level := fs.IntP("compression", "c", 6, "compression level")
	if err := fs.Parse(argv); err != nil {
		return errors.Wrap(err, "text: parsing options")
	}
	b.cfg = Config{Path: *path, CompressionLevel: *level}

	var w io.Writer
	if b.cfg.Path == "" {
		w = b.stdout
	} else {
		f, err := b.fs.Create(b.cfg.Path)
		if err != nil {
			return errors.Wrap(err, "text: opening output file")
		}
		b.file = f
		w = f
	}

	switch {
	case strings.HasSuffix(b.cfg.Path, ".gz"):
		gz, err := gzip.NewWriterLevel(w, clampGzipLevel(b.cfg.CompressionLevel))
		if err != nil {
			b.closePartial()
			return errors.Wrap(err, "text: creating gzip writer")
		}
		b.rawWriter = gz
		b.closer = gz
	case strings.HasSuffix(b.cfg.Path, ".br"):
		br := brotli.NewWriterLevel(w, clampBrotliLevel(b.cfg.CompressionLevel))
		b.rawWriter = br
		b.closer = br
	default:
		b.rawWriter = w
	}

	b.buf = bufio.NewWriter(b.rawWriter)
	return nil
}

func clampGzipLevel(level int) int {
	if level < gzip.HuffmanOnly {
		return gzip.DefaultCompression
	}
	if level > gzip.BestCompression {
		return gzip.BestCompression
	}
	return level
}

func clampBrotliLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > 11 {
		return 11
	}
	return level
}

// closePartial releases the output file on a failed Init, per §7 "the
// partially-initialized instance is safe to free".
func (b *Backend) closePartial() {
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
}

// Free flushes and closes the compressing writer and the underlying file,
// if any. Safe to call on a partially-initialized backend.
func (b *Backend) Free() error {
	var firstErr error
	if b.buf != nil {
		if err := b.buf.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.closer != nil {
		if err := b.closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.closer = nil
	}
	if b.file != nil {
		if err := b.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.file = nil
	}
	return firstErr
}

// KPInit requires no per-KP state.
func (b *Backend) KPInit(backend.KP) (backend.KPState, error) { return nil, nil }

// KPFree requires no per-KP state teardown.
func (b *Backend) KPFree(backend.KP, backend.KPState) error { return nil }

// KPKeyUpdate requires no per-key state.
func (b *Backend) KPKeyUpdate(backend.KP, backend.KPState) error { return nil }

// KPKeyFree requires no per-key state teardown.
func (b *Backend) KPKeyFree(backend.KP, int, backend.KeyState) error { return nil }

// KPFlush emits one text line per enabled key at time t.
func (b *Backend) KPFlush(kp backend.KP, _ backend.KPState, t uint32) error {
	for i := 0; i < kp.Size(); i++ {
		key, value, enabled := kp.KeyAt(i)
		if !enabled {
			continue
		}
		if _, err := b.buf.WriteString(wire.FormatText(key, value, t)); err != nil {
			return errors.Wrap(err, "text: writing sample")
		}
	}
	return b.buf.Flush()
}

// SetSingle emits a single text line immediately.
func (b *Backend) SetSingle(key string, value uint64, t uint32) error {
	if _, err := b.buf.WriteString(wire.FormatText(key, value, t)); err != nil {
		return errors.Wrap(err, "text: writing sample")
	}
	return b.buf.Flush()
}

// SetSingleByID is unsupported: the text backend has no native key handle
// distinct from the key string itself.
func (b *Backend) SetSingleByID(interface{}, uint64, uint32) error {
	return backend.ErrUnsupported
}

// ResolveKey returns the key string unchanged: it is its own identifier.
func (b *Backend) ResolveKey(key string) (interface{}, error) {
	return key, nil
}

// ResolveKeyBulk is unsupported for the text backend.
func (b *Backend) ResolveKeyBulk([]string) ([]interface{}, bool, error) {
	return nil, false, backend.ErrUnsupported
}

// SetBulkInit is unsupported for the text backend.
func (b *Backend) SetBulkInit(int, uint32) error { return backend.ErrUnsupported }

// SetBulkByID is unsupported for the text backend.
func (b *Backend) SetBulkByID(interface{}, uint64) error { return backend.ErrUnsupported }

var _ backend.Backend = (*Backend)(nil)
