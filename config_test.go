package slatewire

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/slatewire/slatewire/signal"
	"github.com/slatewire/slatewire/swcfg"
	"github.com/stretchr/testify/require"
)

// testConfig returns a config rooted in a temporary app dir that only runs
// the file listener.
func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.AppDir = t.TempDir()
	cfg.File.Active = true
	cfg.Logging.DisableFile = true
	cfg.HealthChecks.DiskCheck.Attempts = 0
	cfg.HealthChecks.InboxCheck.Attempts = 0
	cfg.RPC.Listen = freeAddr(t)

	return cfg
}

// freeAddr returns a loopback address whose port was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	return addr
}

// TestValidateConfigPaths checks that the wallet files and the inbox default
// to the data dir of a custom app dir.
func TestValidateConfigPaths(t *testing.T) {
	cfg := testConfig(t)
	appDir := cfg.AppDir

	got, err := ValidateConfig(cfg, "", signal.Interceptor{})
	require.NoError(t, err)

	dataDir := filepath.Join(appDir, defaultDataDirname)
	require.Equal(t, dataDir, got.DataDir)
	require.Equal(t, filepath.Join(appDir, defaultLogDirname), got.LogDir)
	require.Equal(
		t, filepath.Join(dataDir, swcfg.DefaultSeedFilename),
		got.Wallet.SeedFile,
	)
	require.Equal(
		t, filepath.Join(dataDir, swcfg.DefaultWalletDBFilename),
		got.Wallet.DBFile,
	)
	require.Equal(
		t, filepath.Join(dataDir, defaultInboxDirname), got.File.Inbox,
	)

	info, err := os.Stat(got.File.Inbox)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// Explicit paths are kept.
	cfg = testConfig(t)
	inbox := filepath.Join(t.TempDir(), "elsewhere")
	cfg.File.Inbox = inbox
	got, err = ValidateConfig(cfg, "", signal.Interceptor{})
	require.NoError(t, err)
	require.Equal(t, inbox, got.File.Inbox)
}

// TestValidateConfigRejects checks configs that must not start a daemon.
func TestValidateConfigRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{
			name: "no listener",
			modify: func(cfg *Config) {
				cfg.File.Active = false
			},
		},
		{
			name: "bad debug level",
			modify: func(cfg *Config) {
				cfg.DebugLevel = "loud"
			},
		},
		{
			name: "no publish attempts",
			modify: func(cfg *Config) {
				cfg.Broker.PublishAttempts = 0
			},
		},
		{
			name: "bad node url",
			modify: func(cfg *Config) {
				cfg.Wallet.NodeURL = "ftp://node"
			},
		},
		{
			name: "unknown log compressor",
			modify: func(cfg *Config) {
				cfg.Logging.Compressor = "lz4"
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig(t)
			test.modify(&cfg)

			_, err := ValidateConfig(cfg, "", signal.Interceptor{})
			require.Error(t, err)
		})
	}
}
