package build

import "fmt"

const (
	// Gzip is the default compressor applied to rolled log files.
	Gzip = "gzip"

	// Zstd is the zstd compressor.
	Zstd = "zstd"

	defaultLogCompressor = Gzip

	// DefaultMaxLogFiles is the default maximum number of log files to
	// keep.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the default maximum log file size in MB.
	DefaultMaxLogFileSize = 20
)

// logCompressors maps the identifier of each supported compression algorithm
// to the extension used for the compressed log files.
var logCompressors = map[string]string{
	Gzip: "gz",
	Zstd: "zst",
}

// SupportedLogCompressor returns whether or not logCompressor is a supported
// compression algorithm for log files.
func SupportedLogCompressor(logCompressor string) bool {
	_, ok := logCompressors[logCompressor]

	return ok
}

// LogConfig holds logging configuration options.
//
//nolint:lll
type LogConfig struct {
	DisableConsole bool   `long:"console.disable" description:"Disable the logger writing to stdout."`
	DisableFile    bool   `long:"file.disable" description:"Disable the logger writing to the log file."`
	Compressor     string `long:"file.compressor" description:"Compression algorithm to use when rotating logs." choice:"gzip" choice:"zstd"`
	MaxLogFiles    int    `long:"file.max-files" description:"Maximum logfiles to keep (0 for no rotation)."`
	MaxLogFileSize int    `long:"file.max-file-size" description:"Maximum logfile size in MB."`
}

// DefaultLogConfig returns the default logging config options.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Compressor:     defaultLogCompressor,
		MaxLogFiles:    DefaultMaxLogFiles,
		MaxLogFileSize: DefaultMaxLogFileSize,
	}
}

// Validate validates the LogConfig struct values.
func (c *LogConfig) Validate() error {
	if !SupportedLogCompressor(c.Compressor) {
		return fmt.Errorf("invalid log compressor: %v", c.Compressor)
	}

	if c.MaxLogFiles < 0 {
		return fmt.Errorf("max log files must be non-negative, got %d",
			c.MaxLogFiles)
	}

	if c.MaxLogFileSize <= 0 {
		return fmt.Errorf("max log file size must be positive, got %d",
			c.MaxLogFileSize)
	}

	return nil
}
