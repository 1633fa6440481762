package address

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// PeerScheme is the scheme of direct peer addresses.
const PeerScheme = "peer"

// PeerAddress addresses a wallet that listens for direct connections. The
// public key identifies the wallet and host:port is where it listens.
type PeerAddress struct {
	pubKey *btcec.PublicKey
	host   string
	port   uint16
}

// A compile time check to ensure PeerAddress implements the Address
// interface.
var _ Address = (*PeerAddress)(nil)

// NewPeerAddress returns the address of a wallet listening on host:port.
func NewPeerAddress(pubKey *btcec.PublicKey, host string,
	port uint16) *PeerAddress {

	return &PeerAddress{
		pubKey: pubKey,
		host:   host,
		port:   port,
	}
}

// ParsePeer decodes <hex pubkey>@host:port.
func ParsePeer(s string) (*PeerAddress, error) {
	keyHex, hostPort, ok := strings.Cut(s, "@")
	if !ok {
		return nil, fmt.Errorf("%w: peer address must be of the form "+
			"pubkey@host:port", ErrInvalidAddress)
	}

	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: peer key: %v", ErrInvalidAddress,
			err)
	}
	pubKey, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: peer key: %v", ErrInvalidAddress,
			err)
	}

	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidAddress,
			portStr)
	}
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidAddress)
	}

	return NewPeerAddress(pubKey, host, uint16(port)), nil
}

// Type returns Peer.
func (p *PeerAddress) Type() Type {
	return Peer
}

// PublicKey returns the identity key of the wallet.
func (p *PeerAddress) PublicKey() *btcec.PublicKey {
	return p.pubKey
}

// HostPort returns the dial address of the wallet.
func (p *PeerAddress) HostPort() string {
	return net.JoinHostPort(p.host, strconv.Itoa(int(p.port)))
}

// Stripped returns the first bytes of the identity key with the dial address.
func (p *PeerAddress) Stripped() string {
	keyHex := hex.EncodeToString(p.pubKey.SerializeCompressed())

	return keyHex[:16] + "@" + p.HostPort()
}

// String returns the canonical form of the address.
func (p *PeerAddress) String() string {
	keyHex := hex.EncodeToString(p.pubKey.SerializeCompressed())

	return PeerScheme + schemeSep + keyHex + "@" + p.HostPort()
}
