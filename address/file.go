package address

import (
	"fmt"
	"path/filepath"
)

// FileScheme is the scheme of file exchange addresses.
const FileScheme = "file"

// FileAddress addresses a directory. Slates posted to it are written as
// files, and a wallet subscribed to it reads them back.
type FileAddress struct {
	dir string
}

// A compile time check to ensure FileAddress implements the Address
// interface.
var _ Address = (*FileAddress)(nil)

// NewFileAddress returns the address of dir, which must be absolute.
func NewFileAddress(dir string) (*FileAddress, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("%w: file address %q is not absolute",
			ErrInvalidAddress, dir)
	}

	return &FileAddress{dir: filepath.Clean(dir)}, nil
}

// ParseFile decodes a file address with the scheme already removed.
func ParseFile(s string) (*FileAddress, error) {
	return NewFileAddress(s)
}

// Type returns File.
func (f *FileAddress) Type() Type {
	return File
}

// Dir returns the directory.
func (f *FileAddress) Dir() string {
	return f.dir
}

// Stripped returns the last element of the directory.
func (f *FileAddress) Stripped() string {
	return filepath.Base(f.dir)
}

// String returns the canonical form of the address.
func (f *FileAddress) String() string {
	return FileScheme + schemeSep + f.dir
}
