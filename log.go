package slatewire

import (
	"github.com/btcsuite/btclog"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/broker/file"
	"github.com/slatewire/slatewire/broker/peer"
	"github.com/slatewire/slatewire/broker/relay"
	"github.com/slatewire/slatewire/build"
	"github.com/slatewire/slatewire/monitoring"
	"github.com/slatewire/slatewire/signal"
	"github.com/slatewire/slatewire/slatenotifier"
	"github.com/slatewire/slatewire/swrpc"
	"github.com/slatewire/slatewire/wallet"
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be replaced easily without some black pointer magic.
type replaceableLogger struct {
	btclog.Logger
	subsystem string
}

// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator() on the main log writer instance in the config.
var (
	// swrdPkgLoggers is a list of all daemon package level loggers that are
	// registered. They are tracked here so they can be replaced once the
	// SetupLoggers function is called with the final root logger.
	swrdPkgLoggers []*replaceableLogger

	// addSwrdPkgLogger is a helper function that creates a new replaceable
	// main package level logger and adds it to the list of loggers that are
	// replaced again later, once the final root logger is ready.
	addSwrdPkgLogger = func(subsystem string) *replaceableLogger {
		l := &replaceableLogger{
			Logger:    build.NewSubLogger(subsystem, nil),
			subsystem: subsystem,
		}
		swrdPkgLoggers = append(swrdPkgLoggers, l)
		return l
	}

	// Loggers that need to be accessible from the daemon package can be
	// placed here. Loggers that are only used in sub modules can be added
	// directly by using the addSubLogger method. We declare all loggers so
	// we never run into a nil reference if they are used early. But the
	// SetupLoggers function should always be called as soon as possible to
	// finish setting them up properly with a root logger.
	swrdLog = addSwrdPkgLogger("SWRD")
)

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical
// error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdownReason("critical error logged")
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		return build.NewShutdownLogger(root.GenSubLogger(tag), shutdown)
	}
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor signal.Interceptor) {

	genLogger := genSubLogger(root, interceptor)

	// Now that we have the proper root logger, we can replace the
	// placeholder daemon package loggers.
	for _, l := range swrdPkgLoggers {
		l.Logger = build.NewSubLogger(l.subsystem, genLogger)
		SetSubLogger(root, l.subsystem, l.Logger)
	}

	AddSubLogger(root, "SGNL", interceptor, signal.UseLogger)
	AddSubLogger(root, broker.Subsystem, interceptor, broker.UseLogger)
	AddSubLogger(root, relay.Subsystem, interceptor, relay.UseLogger)
	AddSubLogger(root, peer.Subsystem, interceptor, peer.UseLogger)
	AddSubLogger(root, file.Subsystem, interceptor, file.UseLogger)
	AddSubLogger(root, wallet.Subsystem, interceptor, wallet.UseLogger)
	AddSubLogger(
		root, slatenotifier.Subsystem, interceptor,
		slatenotifier.UseLogger,
	)
	AddSubLogger(
		root, monitoring.Subsystem, interceptor, monitoring.UseLogger,
	)
	AddSubLogger(root, swrpc.Subsystem, interceptor, swrpc.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root, interceptor)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// logClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
