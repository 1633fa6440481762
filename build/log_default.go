//go:build !stdlog && !nolog

package build

import "os"

// LoggingType is a log type that writes to both stdout and the log rotator, if
// present.
const LoggingType = LogTypeDefault

// Write copies b to stdout and, when a rotator pipe is attached, to the log
// file. Only a failed write to the log file is reported.
func (w *LogWriter) Write(b []byte) (int, error) {
	_, _ = os.Stdout.Write(b)

	if w.RotatorPipe == nil {
		return len(b), nil
	}

	return w.RotatorPipe.Write(b)
}
