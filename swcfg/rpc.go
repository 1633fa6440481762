package swcfg

import (
	"fmt"
	"net"
	"time"
)

// DefaultRPCListen is the address the wallet control service listens on and
// slatecli connects to.
const DefaultRPCListen = "localhost:13420"

// RPC configures the wallet control service slatecli talks to.
//
//nolint:lll
type RPC struct {
	Listen      string        `long:"listen" description:"The loopback host:port the wallet control service listens on."`
	PostTimeout time.Duration `long:"posttimeout" description:"Timeout of a slate post made for slatecli."`
}

// DefaultRPC returns the default wallet control service config.
func DefaultRPC() *RPC {
	return &RPC{
		Listen:      DefaultRPCListen,
		PostTimeout: 30 * time.Second,
	}
}

// Validate checks that the service only listens on a loopback interface. The
// service is unauthenticated, so it must not be reachable from other hosts.
//
// NOTE: This is part of the Validator interface.
func (r *RPC) Validate() error {
	host, _, err := net.SplitHostPort(r.Listen)
	if err != nil {
		return fmt.Errorf("invalid rpc.listen: %w", err)
	}

	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("rpc.listen %v is not a loopback "+
				"address", r.Listen)
		}
	}

	if r.PostTimeout <= 0 {
		return fmt.Errorf("rpc.posttimeout must be positive")
	}

	return nil
}
