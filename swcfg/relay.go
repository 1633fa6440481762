package swcfg

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/slatewire/slatewire/address"
)

// Relay configures the relay transport and the optional embedded relay
// server.
//
//nolint:lll
type Relay struct {
	Active       bool          `long:"active" description:"Listen for slates in the relay mailbox of the wallet identity."`
	Host         string        `long:"host" description:"The relay to use, as host[:port]."`
	Insecure     bool          `long:"insecure" description:"Connect to the relay with plain websockets instead of TLS."`
	AttachProofs bool          `long:"attachproofs" description:"Attach a signed payment proof to every posted slate."`
	PingInterval time.Duration `long:"pinginterval" description:"How often the relay connection is pinged."`

	Serve     bool    `long:"serve" description:"Run an embedded relay server."`
	Listen    string  `long:"listen" description:"Address the embedded relay server listens on."`
	PostRate  float64 `long:"postrate" description:"Posts per second a client of the embedded relay may make."`
	PostBurst int     `long:"postburst" description:"Burst size of the post limit of the embedded relay."`
}

// DefaultRelay returns the default relay config.
func DefaultRelay() *Relay {
	return &Relay{
		Host: net.JoinHostPort(
			address.DefaultRelayDomain,
			strconv.Itoa(address.DefaultRelayPort),
		),
		PingInterval: 30 * time.Second,
		Listen:       "localhost:13420",
		PostRate:     10,
		PostBurst:    20,
	}
}

// HostPort splits the configured relay into its domain and port.
func (r *Relay) HostPort() (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(r.Host)
	if err != nil {
		// A bare domain uses the default port.
		return r.Host, address.DefaultRelayPort, nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid relay port %q: %w", portStr,
			err)
	}

	return host, uint16(port), nil
}

// Validate checks the relay config.
//
// NOTE: This is part of the Validator interface.
func (r *Relay) Validate() error {
	if r.Active {
		host, _, err := r.HostPort()
		if err != nil {
			return err
		}
		if host == "" {
			return fmt.Errorf("relay.host must be set")
		}
	}

	if r.PingInterval <= 0 {
		return fmt.Errorf("relay.pinginterval must be positive")
	}

	if r.Serve {
		if _, _, err := net.SplitHostPort(r.Listen); err != nil {
			return fmt.Errorf("invalid relay.listen: %w", err)
		}
		if r.PostRate <= 0 || r.PostBurst <= 0 {
			return fmt.Errorf("relay.postrate and relay.postburst " +
				"must be positive")
		}
	}

	return nil
}
