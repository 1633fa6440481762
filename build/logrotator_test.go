package build

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRotatingLogWriterFile checks that lines reach the log file when the
// console is disabled.
func TestRotatingLogWriterFile(t *testing.T) {
	t.Parallel()

	logFile := filepath.Join(t.TempDir(), "logs", "slatewire.log")

	cfg := DefaultLogConfig()
	cfg.DisableConsole = true
	cfg.Compressor = Zstd

	w := NewRotatingLogWriter()
	require.NoError(t, w.InitLogRotator(cfg, logFile))
	t.Cleanup(func() {
		require.NoError(t, w.Close())
	})

	_, err := w.Write([]byte("slate received\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(logFile)
		if err != nil {
			return false
		}

		return strings.Contains(string(b), "slate received")
	}, 5*time.Second, 10*time.Millisecond)
}

// TestRotatingLogWriterDisabled checks that no file is touched when file
// logging is off, and that an unknown compressor is refused.
func TestRotatingLogWriterDisabled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logFile := filepath.Join(dir, "logs", "slatewire.log")

	cfg := DefaultLogConfig()
	cfg.DisableConsole = true
	cfg.DisableFile = true

	w := NewRotatingLogWriter()
	require.NoError(t, w.InitLogRotator(cfg, logFile))

	n, err := w.Write([]byte("dropped\n"))
	require.NoError(t, err)
	require.Equal(t, len("dropped\n"), n)
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Dir(logFile))
	require.True(t, os.IsNotExist(err))

	cfg = DefaultLogConfig()
	cfg.Compressor = "lz4"
	require.Error(t, NewRotatingLogWriter().InitLogRotator(cfg, logFile))
}
