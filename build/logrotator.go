package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

// RotatingLogWriter is the io.Writer behind every sub-logger of the daemon.
// Lines go to stdout unless the console is disabled, and to a rotated log
// file once InitLogRotator has run.
type RotatingLogWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator

	cfg *LogConfig
}

// NewRotatingLogWriter creates a writer that only writes to stdout until
// InitLogRotator is called.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// newCompressor returns the rotator compressor registered under name.
func newCompressor(name string) (rotator.Compressor, error) {
	switch name {
	case Gzip:
		return gzip.NewWriter(nil), nil

	case Zstd:
		c, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("unable to create zstd "+
				"compressor: %w", err)
		}

		return c, nil

	default:
		return nil, fmt.Errorf("unknown log compressor: %v", name)
	}
}

// InitLogRotator starts rotating logFile according to cfg. Rolled files are
// compressed and kept next to logFile. Close must be called on shutdown.
func (r *RotatingLogWriter) InitLogRotator(cfg *LogConfig,
	logFile string) error {

	r.cfg = cfg
	if cfg.DisableFile {
		return nil
	}

	compressor, err := newCompressor(cfg.Compressor)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("unable to create log dir: %w", err)
	}

	maxSize := int64(cfg.MaxLogFileSize) * 1024
	r.rotator, err = rotator.New(logFile, maxSize, false, cfg.MaxLogFiles)
	if err != nil {
		return fmt.Errorf("unable to create log rotator: %w", err)
	}
	r.rotator.SetCompressor(compressor, logCompressors[cfg.Compressor])

	pr, pw := io.Pipe()
	go func() {
		if err := r.rotator.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "log rotator stopped: "+
				"%v\n", err)
		}
	}()
	r.pipe = pw

	return nil
}

// Write implements io.Writer.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	if r.cfg == nil || !r.cfg.DisableConsole {
		lw := &LogWriter{RotatorPipe: r.pipe}
		return lw.Write(b)
	}

	if r.pipe == nil {
		return len(b), nil
	}

	return r.pipe.Write(b)
}

// Close stops the rotator, flushing what was written so far.
func (r *RotatingLogWriter) Close() error {
	if r.pipe != nil {
		_ = r.pipe.Close()
	}

	if r.rotator == nil {
		return nil
	}

	return r.rotator.Close()
}
