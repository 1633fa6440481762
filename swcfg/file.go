package swcfg

import (
	"fmt"
	"time"
)

// File configures the file transport.
//
//nolint:lll
type File struct {
	Active       bool          `long:"active" description:"Watch an inbox directory for slates."`
	Inbox        string        `long:"inbox" description:"The inbox directory. Created if it doesn't exist."`
	PollInterval time.Duration `long:"pollinterval" description:"How often the inbox is scanned."`
}

// DefaultFile returns the default file config. The inbox is filled in
// relative to the data directory.
func DefaultFile() *File {
	return &File{
		PollInterval: 5 * time.Second,
	}
}

// Validate checks the file config.
//
// NOTE: This is part of the Validator interface.
func (f *File) Validate() error {
	if !f.Active {
		return nil
	}

	if f.Inbox == "" {
		return fmt.Errorf("file.inbox must be set")
	}

	if f.PollInterval <= 0 {
		return fmt.Errorf("file.pollinterval must be positive")
	}

	return nil
}
