package address

import (
	"errors"
	"fmt"
	"strings"
)

// Type identifies the transport an address belongs to.
type Type uint8

const (
	// Relay addresses a mailbox on a relay server.
	Relay Type = iota

	// Peer addresses a wallet that accepts direct TCP connections.
	Peer

	// File addresses a directory used for file based exchange.
	File
)

// String returns the scheme of the address type.
func (t Type) String() string {
	switch t {
	case Relay:
		return RelayScheme
	case Peer:
		return PeerScheme
	case File:
		return FileScheme
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var (
	// ErrUnknownScheme is returned when an address carries a scheme that
	// doesn't map to any transport.
	ErrUnknownScheme = errors.New("unknown address scheme")

	// ErrInvalidAddress is returned when an address can't be parsed.
	ErrInvalidAddress = errors.New("invalid address")
)

// Address is an endpoint for one of the supported transports. Values are
// immutable.
type Address interface {
	// Type returns the transport kind of the address.
	Type() Type

	// String returns the canonical form of the address. It always parses
	// back into an equal address.
	String() string

	// Stripped returns a short form suitable for display.
	Stripped() string
}

const schemeSep = "://"

// Parse decodes the canonical string form of an address. A string without a
// scheme is treated as a relay address.
func Parse(s string) (Address, error) {
	scheme, rest, ok := strings.Cut(s, schemeSep)
	if !ok {
		scheme, rest = RelayScheme, s
	}

	switch scheme {
	case RelayScheme:
		return ParseRelay(rest)

	case PeerScheme:
		return ParsePeer(rest)

	case FileScheme:
		return ParseFile(rest)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// Equal reports whether two addresses have the same canonical form.
func Equal(a, b Address) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Type() == b.Type() && a.String() == b.String()
}
