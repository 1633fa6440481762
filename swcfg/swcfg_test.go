package swcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestCleanAndExpandPath checks home and environment expansion.
func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("SLATEWIRE_TEST_DIR", "/srv/slates")

	require.Empty(t, CleanAndExpandPath(""))
	require.Equal(t, "/srv/slates/inbox",
		CleanAndExpandPath("$SLATEWIRE_TEST_DIR//inbox/"))

	expanded := CleanAndExpandPath("~/wallet")
	require.True(t, filepath.IsAbs(expanded) || os.Getenv("HOME") == "")
	require.Equal(t, "wallet", filepath.Base(expanded))
}

// TestDefaultsValidate checks that the default groups are valid once the
// paths are filled in.
func TestDefaultsValidate(t *testing.T) {
	t.Parallel()

	w := DefaultWallet()
	require.Error(t, w.Validate())
	w.SeedFile, w.DBFile = "/tmp/seed", "/tmp/wallet.db"

	f := DefaultFile()
	f.Inbox = "/tmp/inbox"
	f.Active = true

	r := DefaultRelay()
	r.Active, r.Serve = true, true

	p := DefaultPeer()
	p.Active = true

	require.NoError(t, Validate(
		w, r, p, f, DefaultBroker(), DefaultPrometheus(),
		DefaultHealthCheck(), DefaultRPC(), &RPC{
			Listen: "127.0.0.1:1", PostTimeout: time.Second,
		},
	))
}

// TestValidateRejects checks a selection of invalid values.
func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Validator
	}{
		{
			name: "node url scheme",
			cfg: &Wallet{
				SeedFile: "s", DBFile: "d",
				NodeURL:     "ftp://node",
				NodeTimeout: time.Second,
			},
		},
		{
			name: "inbox missing",
			cfg:  &File{Active: true, PollInterval: time.Second},
		},
		{
			name: "peer listen",
			cfg: &Peer{
				Active: true, Listen: "nope",
				Timeout: time.Second, IdleTimeout: time.Second,
			},
		},
		{
			name: "relay port",
			cfg: &Relay{
				Active: true, Host: "relay.example:99999",
				PingInterval: time.Second,
			},
		},
		{
			name: "publish attempts",
			cfg: func() Validator {
				b := DefaultBroker()
				b.PublishAttempts = 0
				return b
			}(),
		},
		{
			name: "backoff order",
			cfg: func() Validator {
				b := DefaultBroker()
				b.Retry.MaxBackoff = b.Retry.MinBackoff / 2
				return b
			}(),
		},
		{
			name: "prometheus listen",
			cfg:  &Prometheus{Enable: true, Listen: "8989"},
		},
		{
			name: "rpc on all interfaces",
			cfg: &RPC{
				Listen: "0.0.0.0:13420", PostTimeout: time.Second,
			},
		},
		{
			name: "rpc on a remote host",
			cfg: &RPC{
				Listen:      "wallet.example:13420",
				PostTimeout: time.Second,
			},
		},
		{
			name: "rpc post timeout",
			cfg:  &RPC{Listen: DefaultRPCListen},
		},
		{
			name: "disk ratio",
			cfg: func() Validator {
				h := DefaultHealthCheck()
				h.DiskCheck.RequiredRemaining = 1
				return h
			}(),
		},
		{
			name: "inbox interval",
			cfg: func() Validator {
				h := DefaultHealthCheck()
				h.InboxCheck.Interval = time.Second
				return h
			}(),
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			require.Error(t, test.cfg.Validate())
		})
	}
}

// TestRelayHostPort checks the relay host parsing.
func TestRelayHostPort(t *testing.T) {
	t.Parallel()

	r := &Relay{Host: "relay.example:8080"}
	host, port, err := r.HostPort()
	require.NoError(t, err)
	require.Equal(t, "relay.example", host)
	require.EqualValues(t, 8080, port)

	r.Host = "relay.example"
	host, port, err = r.HostPort()
	require.NoError(t, err)
	require.Equal(t, "relay.example", host)
	require.EqualValues(t, 443, port)

	p := &Peer{Listen: "0.0.0.0:13415", ExternalHost: "wallet.example"}
	host, port, err = p.Advertised()
	require.NoError(t, err)
	require.Equal(t, "wallet.example", host)
	require.EqualValues(t, 13415, port)
}
