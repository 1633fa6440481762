package swcfg

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Peer configures the direct peer transport.
//
//nolint:lll
type Peer struct {
	Active       bool          `long:"active" description:"Accept slates from peers over TCP."`
	Listen       string        `long:"listen" description:"Address to accept peer connections on."`
	ExternalHost string        `long:"externalhost" description:"Host that peers reach this wallet on. Defaults to the listen host."`
	Timeout      time.Duration `long:"timeout" description:"Timeout of a post to a peer, including its processing."`
	IdleTimeout  time.Duration `long:"idletimeout" description:"How long an idle inbound connection is kept open."`
}

// DefaultPeer returns the default peer config.
func DefaultPeer() *Peer {
	return &Peer{
		Listen:      "localhost:13415",
		Timeout:     30 * time.Second,
		IdleTimeout: 2 * time.Minute,
	}
}

// Advertised returns the host and port peers should dial.
func (p *Peer) Advertised() (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(p.Listen)
	if err != nil {
		return "", 0, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}

	if p.ExternalHost != "" {
		host = p.ExternalHost
	}

	return host, uint16(port), nil
}

// Validate checks the peer config.
//
// NOTE: This is part of the Validator interface.
func (p *Peer) Validate() error {
	if !p.Active {
		return nil
	}

	if _, _, err := p.Advertised(); err != nil {
		return fmt.Errorf("invalid peer.listen: %w", err)
	}

	if p.Timeout <= 0 || p.IdleTimeout <= 0 {
		return fmt.Errorf("peer.timeout and peer.idletimeout must be " +
			"positive")
	}

	return nil
}
