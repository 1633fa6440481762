package address

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
)

const (
	// RelayScheme is the scheme of relay addresses.
	RelayScheme = "grinbox"

	// DefaultRelayDomain is the relay host assumed when an address omits
	// one.
	DefaultRelayDomain = "grinbox.io"

	// DefaultRelayPort is the relay port assumed when an address omits
	// one.
	DefaultRelayPort = 443
)

// relayVersion is the two byte version prefix of an encoded relay public key.
// The first byte is used as the base58check version and the second is
// prepended to the payload.
var relayVersion = [2]byte{0x01, 0x0b}

// RelayAddress addresses a mailbox, keyed by a public key, on a relay server.
type RelayAddress struct {
	pubKey *btcec.PublicKey
	domain string
	port   uint16
}

// A compile time check to ensure RelayAddress implements the Address
// interface.
var _ Address = (*RelayAddress)(nil)

// NewRelayAddress returns the relay address of a public key. An empty domain
// or zero port selects the defaults.
func NewRelayAddress(pubKey *btcec.PublicKey, domain string,
	port uint16) *RelayAddress {

	if domain == "" {
		domain = DefaultRelayDomain
	}
	if port == 0 {
		port = DefaultRelayPort
	}

	return &RelayAddress{
		pubKey: pubKey,
		domain: domain,
		port:   port,
	}
}

// ParseRelay decodes a relay address with the scheme already removed:
// <encoded key>[@host[:port]].
func ParseRelay(s string) (*RelayAddress, error) {
	encoded, hostPort, hasHost := strings.Cut(s, "@")

	pubKey, err := DecodeRelayKey(encoded)
	if err != nil {
		return nil, err
	}

	domain := DefaultRelayDomain
	port := uint16(DefaultRelayPort)
	if hasHost {
		domain, port, err = splitHostPort(hostPort, DefaultRelayPort)
		if err != nil {
			return nil, err
		}
	}

	return NewRelayAddress(pubKey, domain, port), nil
}

// EncodeRelayKey returns the base58check encoding of a public key used in
// relay addresses.
func EncodeRelayKey(pubKey *btcec.PublicKey) string {
	payload := append(
		[]byte{relayVersion[1]}, pubKey.SerializeCompressed()...,
	)

	return base58.CheckEncode(payload, relayVersion[0])
}

// DecodeRelayKey parses the base58check encoding of a relay public key.
func DecodeRelayKey(s string) (*btcec.PublicKey, error) {
	payload, version, err := base58.CheckDecode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: relay key: %v", ErrInvalidAddress,
			err)
	}

	if version != relayVersion[0] || len(payload) < 1 ||
		payload[0] != relayVersion[1] {

		return nil, fmt.Errorf("%w: relay key has wrong version",
			ErrInvalidAddress)
	}

	pubKey, err := btcec.ParsePubKey(payload[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: relay key: %v", ErrInvalidAddress,
			err)
	}

	return pubKey, nil
}

// Type returns Relay.
func (r *RelayAddress) Type() Type {
	return Relay
}

// PublicKey returns the key that owns the mailbox.
func (r *RelayAddress) PublicKey() *btcec.PublicKey {
	return r.pubKey
}

// Domain returns the relay host.
func (r *RelayAddress) Domain() string {
	return r.domain
}

// Port returns the relay port.
func (r *RelayAddress) Port() uint16 {
	return r.port
}

// HostPort returns the host:port of the relay server.
func (r *RelayAddress) HostPort() string {
	return net.JoinHostPort(r.domain, strconv.Itoa(int(r.port)))
}

// Stripped returns the encoded key, followed by the relay host and port when
// they aren't the defaults.
func (r *RelayAddress) Stripped() string {
	s := EncodeRelayKey(r.pubKey)

	if r.port != DefaultRelayPort || r.domain != DefaultRelayDomain {
		return s + "@" + r.HostPort()
	}

	return s
}

// String returns the canonical form of the address.
func (r *RelayAddress) String() string {
	return RelayScheme + schemeSep + r.Stripped()
}

// splitHostPort parses host[:port], falling back to defaultPort when no port
// is present.
func splitHostPort(s string, defaultPort uint16) (string, uint16, error) {
	if s == "" {
		return "", 0, fmt.Errorf("%w: empty host", ErrInvalidAddress)
	}

	// A bare host name or IPv4 address carries no port.
	if !strings.Contains(s, ":") {
		return s, defaultPort, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("%w: invalid port %q",
			ErrInvalidAddress, portStr)
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: empty host", ErrInvalidAddress)
	}

	return host, uint16(port), nil
}
