package swcfg

import (
	"fmt"
	"net"
)

// Prometheus configures the Prometheus exporter.
//
//nolint:lll
type Prometheus struct {
	Enable bool   `long:"enable" description:"Enable the Prometheus exporter."`
	Listen string `long:"listen" description:"The interface the exporter listens on."`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen: "127.0.0.1:8989",
	}
}

// Enabled returns whether or not Prometheus monitoring is enabled.
func (p *Prometheus) Enabled() bool {
	return p.Enable
}

// Validate checks the exporter config.
//
// NOTE: This is part of the Validator interface.
func (p *Prometheus) Validate() error {
	if !p.Enable {
		return nil
	}

	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return fmt.Errorf("invalid prometheus.listen: %w", err)
	}

	return nil
}
