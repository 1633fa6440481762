//go:build stdlog

package build

import "os"

// LoggingType is a log type that only writes to stdout.
const LoggingType = LogTypeStdOut

// Write sends b to stdout. The rotator pipe is ignored in stdlog builds.
func (w *LogWriter) Write(b []byte) (int, error) {
	return os.Stdout.Write(b)
}
