package slatewire

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/slatewire/slatewire/build"
	"github.com/slatewire/slatewire/signal"
	"github.com/slatewire/slatewire/swcfg"
)

const (
	defaultDataDirname  = "data"
	defaultLogDirname   = "logs"
	defaultInboxDirname = "inbox"
	defaultLogFilename  = "slatewire.log"
	defaultLogLevel     = "info"
)

var (
	// DefaultAppDir is the default directory holding the data, logs and
	// config file of the daemon.
	DefaultAppDir = btcutil.AppDataDir("slatewire", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultAppDir, swcfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultAppDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultAppDir, defaultLogDirname)
)

// Config defines the configuration options for the slatewire daemon.
//
// See LoadConfig for further details regarding the configuration loading+
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	AppDir     string `long:"appdir" description:"The base directory that contains the daemon's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the wallet seed and slate log within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Wallet *swcfg.Wallet `group:"wallet" namespace:"wallet"`

	Relay *swcfg.Relay `group:"relay" namespace:"relay"`

	Peer *swcfg.Peer `group:"peer" namespace:"peer"`

	File *swcfg.File `group:"file" namespace:"file"`

	Broker *swcfg.Broker `group:"broker" namespace:"broker"`

	Prometheus *swcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	RPC *swcfg.RPC `group:"rpc" namespace:"rpc"`

	HealthChecks *swcfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	Logging *build.LogConfig `group:"logging" namespace:"logging"`

	// LogWriter is the rotating writer every sub-logger writes to.
	LogWriter *build.RotatingLogWriter

	// LogMgr manages the levels of all sub-loggers.
	LogMgr *build.SubLoggerManager
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	logWriter := build.NewRotatingLogWriter()

	return Config{
		AppDir:       DefaultAppDir,
		ConfigFile:   DefaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		Wallet:       swcfg.DefaultWallet(),
		Relay:        swcfg.DefaultRelay(),
		Peer:         swcfg.DefaultPeer(),
		File:         swcfg.DefaultFile(),
		Broker:       swcfg.DefaultBroker(),
		Prometheus:   swcfg.DefaultPrometheus(),
		RPC:          swcfg.DefaultRPC(),
		HealthChecks: swcfg.DefaultHealthCheck(),
		Logging:      build.DefaultLogConfig(),
		LogWriter:    logWriter,
		LogMgr:       build.NewSubLoggerManager(logWriter),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then we'll
	// use the default config file path. However, if the user has modified
	// their app dir, then we should assume they intend to use the config
	// file within it.
	configFileDir := swcfg.CleanAndExpandPath(preCfg.AppDir)
	configFilePath := swcfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultAppDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, swcfg.DefaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		if _, ok := err.(*flags.IniError); ok {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage, interceptor)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		swrdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string,
	interceptor signal.Interceptor) (*Config, error) {

	// If the provided app directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	appDir := swcfg.CleanAndExpandPath(cfg.AppDir)
	if appDir != DefaultAppDir {
		cfg.DataDir = filepath.Join(appDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(appDir, defaultLogDirname)
	}

	funcName := "ValidateConfig"
	makeDirectory := func(dir string) error {
		err := os.MkdirAll(dir, 0700)
		if err != nil {
			// Show a nicer error message if it's because a symlink
			// is linked to a directory that does not exist
			// (probably because it's not mounted).
			var e *os.PathError
			if errors.As(err, &e) && os.IsExist(err) {
				link, lerr := os.Readlink(e.Path)
				if lerr == nil {
					str := "is symlink %s -> %s mounted?"
					err = fmt.Errorf(str, e.Path, link)
				}
			}

			str := "%s: Failed to create directory: %v"
			err := fmt.Errorf(str, funcName, err)
			_, _ = fmt.Fprintln(os.Stderr, err)

			return err
		}

		return nil
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = swcfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = swcfg.CleanAndExpandPath(cfg.LogDir)
	cfg.Wallet.SeedFile = swcfg.CleanAndExpandPath(cfg.Wallet.SeedFile)
	cfg.Wallet.DBFile = swcfg.CleanAndExpandPath(cfg.Wallet.DBFile)
	cfg.File.Inbox = swcfg.CleanAndExpandPath(cfg.File.Inbox)

	// Files that weren't set explicitly live in the data directory.
	if cfg.Wallet.SeedFile == "" {
		cfg.Wallet.SeedFile = filepath.Join(
			cfg.DataDir, swcfg.DefaultSeedFilename,
		)
	}
	if cfg.Wallet.DBFile == "" {
		cfg.Wallet.DBFile = filepath.Join(
			cfg.DataDir, swcfg.DefaultWalletDBFilename,
		)
	}
	if cfg.File.Inbox == "" {
		cfg.File.Inbox = filepath.Join(cfg.DataDir, defaultInboxDirname)
	}

	// File addresses are absolute paths.
	inbox, err := filepath.Abs(cfg.File.Inbox)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid file.inbox: %w", funcName,
			err)
	}
	cfg.File.Inbox = inbox

	// Create the data directory, and the inbox if we watch it, so the
	// listeners find them on start.
	dirs := []string{cfg.DataDir}
	if cfg.File.Active {
		dirs = append(dirs, cfg.File.Inbox)
	}
	for _, dir := range dirs {
		if err := makeDirectory(dir); err != nil {
			return nil, err
		}
	}

	if !cfg.Relay.Active && !cfg.Peer.Active && !cfg.File.Active {
		str := "%s: at least one of relay.active, peer.active and " +
			"file.active must be set"
		err := fmt.Errorf(str, funcName)
		_, _ = fmt.Fprintln(os.Stderr, err)
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)

		return nil, err
	}

	// Validate the subconfigs for the listeners, the wallet and the
	// ambient services.
	err = swcfg.Validate(
		cfg.Wallet,
		cfg.Relay,
		cfg.Peer,
		cfg.File,
		cfg.Broker,
		cfg.Prometheus,
		cfg.RPC,
		cfg.HealthChecks,
		cfg.Logging,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", funcName, err)
	}

	// A log writer must be passed in, otherwise we can't function and would
	// run into a panic later on.
	if cfg.LogWriter == nil || cfg.LogMgr == nil {
		return nil, fmt.Errorf("log writer missing in config")
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		SetupLoggers(cfg.LogMgr, interceptor)
		fmt.Println("Supported subsystems",
			cfg.LogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize logging at the default logging level.
	SetupLoggers(cfg.LogMgr, interceptor)
	err = cfg.LogWriter.InitLogRotator(
		cfg.Logging, filepath.Join(cfg.LogDir, defaultLogFilename),
	)
	if err != nil {
		str := "%s: log rotation setup failed: %v"
		err = fmt.Errorf(str, funcName, err.Error())
		_, _ = fmt.Fprintln(os.Stderr, err)

		return nil, err
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.LogMgr)
	if err != nil {
		err = fmt.Errorf("%s: %v", funcName, err.Error())
		_, _ = fmt.Fprintln(os.Stderr, err)
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)

		return nil, err
	}

	return &cfg, nil
}
