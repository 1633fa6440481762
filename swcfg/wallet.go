package swcfg

import (
	"fmt"
	"net/url"
	"time"
)

// DefaultNodeTimeout is the default timeout of a node API request.
const DefaultNodeTimeout = 20 * time.Second

// Wallet holds the configuration of the local wallet.
//
//nolint:lll
type Wallet struct {
	SeedFile    string        `long:"seedfile" description:"Path to the wallet seed. Created on first start."`
	DBFile      string        `long:"dbfile" description:"Path to the wallet slate log."`
	NodeURL     string        `long:"nodeurl" description:"Base URL of the node API finalized transactions are posted to. Leave empty to only record them."`
	NodeTimeout time.Duration `long:"nodetimeout" description:"Timeout of a node API request."`
}

// DefaultWallet returns the default wallet config. The file paths are filled
// in relative to the data directory.
func DefaultWallet() *Wallet {
	return &Wallet{
		NodeTimeout: DefaultNodeTimeout,
	}
}

// Validate checks the wallet config.
//
// NOTE: This is part of the Validator interface.
func (w *Wallet) Validate() error {
	if w.SeedFile == "" || w.DBFile == "" {
		return fmt.Errorf("wallet.seedfile and wallet.dbfile must be set")
	}

	if w.NodeURL != "" {
		u, err := url.Parse(w.NodeURL)
		if err != nil {
			return fmt.Errorf("invalid wallet.nodeurl: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("wallet.nodeurl must be http or "+
				"https, got %q", u.Scheme)
		}
	}

	if w.NodeTimeout <= 0 {
		return fmt.Errorf("wallet.nodetimeout must be positive")
	}

	return nil
}
