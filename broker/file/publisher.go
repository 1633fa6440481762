package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/slate"
)

const (
	// slateExt is the extension of envelope files.
	slateExt = ".slate"

	// tempExt is the extension of envelope files that are still being
	// written.
	tempExt = ".tmp"
)

// Publisher writes slates into the directory of a file address.
type Publisher struct {
	// self is the address replies should be written to.
	self address.Address
}

// A compile time check to ensure Publisher implements the broker.Publisher
// interface.
var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher returns a publisher whose envelopes name self as the sender.
func NewPublisher(self address.Address) *Publisher {
	return &Publisher{self: self}
}

// FileName returns the name of the envelope file of a slate. It contains the
// number of contributions so every round gets its own file.
func FileName(s *slate.Slate) string {
	return fmt.Sprintf("%v.%d%v", s.ID, len(s.ParticipantData), slateExt)
}

// PostSlate writes the slate into the directory of to. The file appears
// atomically, so a subscriber never reads a partial envelope.
//
// NOTE: This is part of the broker.Publisher interface.
func (p *Publisher) PostSlate(ctx context.Context, s *slate.Slate,
	to address.Address) error {

	fileAddr, ok := to.(*address.FileAddress)
	if !ok {
		return broker.Permanent(fmt.Errorf("file publisher can't "+
			"post to %v address", to.Type()))
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	env := &broker.Envelope{From: p.self, Slate: s}
	b, err := env.Encode()
	if err != nil {
		return broker.Permanent(err)
	}

	path := filepath.Join(fileAddr.Dir(), FileName(s))
	if err := writeFileAtomic(path, b); err != nil {
		return fmt.Errorf("unable to write slate %v: %w", s.ID, err)
	}

	log.Debugf("Wrote slate %v to %v", s.ID, path)

	return nil
}

// writeFileAtomic writes b to a temporary file next to path and renames it
// into place.
func writeFileAtomic(path string, b []byte) error {
	tempPath := path + tempExt

	f, err := os.OpenFile(
		tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600,
	)
	if err != nil {
		return err
	}

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)

		return err
	}

	// Make sure the contents hit the disk before the rename makes the
	// file visible.
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)

		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return err
	}

	return os.Rename(tempPath, path)
}
