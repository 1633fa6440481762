package slatewire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/broker/file"
	"github.com/slatewire/slatewire/broker/peer"
	"github.com/slatewire/slatewire/broker/relay"
	"github.com/slatewire/slatewire/build"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/monitoring"
	"github.com/slatewire/slatewire/signal"
	"github.com/slatewire/slatewire/slatenotifier"
	"github.com/slatewire/slatewire/subscribe"
	"github.com/slatewire/slatewire/swrpc"
	"github.com/slatewire/slatewire/wallet"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// relayShutdownTimeout bounds the graceful shutdown of the embedded relay.
const relayShutdownTimeout = 5 * time.Second

// listener pairs the subscriber of one transport with the publisher that
// answers the slates it delivers.
type listener struct {
	name string
	self address.Address
	sub  broker.Subscriber
	pub  broker.Publisher
}

// Main is the true entry point for the daemon. It opens the wallet, starts a
// controller and a subscriber for every active transport and blocks until the
// interceptor requests a shutdown. This function is separate from the main
// binary so it can be started from tests.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		swrdLog.Info("Shutdown complete")
		if err := cfg.LogWriter.Close(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Could not close log "+
				"rotator:", err)
		}
	}()

	// Show version at startup.
	swrdLog.Infof("Version: %s commit=%s, build=%s, logging=%s",
		build.Version(), build.Commit, build.Deployment,
		build.LoggingType)

	// Load the wallet seed, creating it on the very first start.
	seed, err := keychain.LoadOrCreateSeed(cfg.Wallet.SeedFile)
	if err != nil {
		return fmt.Errorf("unable to load wallet seed: %w", err)
	}
	keyRing := keychain.NewSeedKeyRing(seed)

	idKey, err := keyRing.IdentityKey()
	if err != nil {
		return fmt.Errorf("unable to derive identity key: %w", err)
	}

	container, err := openWallet(cfg, keyRing)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Close(); err != nil {
			swrdLog.Errorf("Unable to close wallet: %v", err)
		}
	}()

	// Every listener event is fanned out to the notifier, and to the
	// metrics if the exporter is enabled.
	notifier := slatenotifier.New()
	if err := notifier.Start(); err != nil {
		return err
	}
	defer func() {
		_ = notifier.Stop()
	}()
	sinks := broker.MultiSink{notifier}

	if cfg.Prometheus.Enabled() {
		metrics := monitoring.NewMetrics()
		exporter := monitoring.NewExporter(metrics)
		if err := exporter.Start(cfg.Prometheus.Listen); err != nil {
			return fmt.Errorf("unable to start exporter: %w", err)
		}
		defer func() {
			_ = exporter.Stop()
		}()

		sinks = append(sinks, metrics)
	}

	// The subscription is in place before any listener starts, so the
	// log sees every event.
	events, err := notifier.SubscribeSlateEvents()
	if err != nil {
		return fmt.Errorf("unable to subscribe to slate events: %w", err)
	}
	defer events.Cancel()
	go logEvents(events, swrdLog)

	if cfg.Relay.Serve {
		stop, err := serveRelay(cfg)
		if err != nil {
			return err
		}
		defer stop()
	}

	listeners, err := newListeners(cfg, idKey)
	if err != nil {
		return err
	}
	defer func() {
		for _, l := range listeners {
			if p, ok := l.pub.(*relay.Publisher); ok {
				p.Close()
			}
		}
	}()

	owner := wallet.NewOwner(container)
	foreign := wallet.NewForeign(container)

	var g errgroup.Group
	for _, l := range listeners {
		ctrl, err := broker.NewController(&broker.ControllerConfig{
			Name:            l.name,
			Receiver:        foreign,
			Finalizer:       owner,
			Publisher:       l.pub,
			Sink:            sinks,
			PublishRetry:    cfg.Broker.Retry,
			PublishAttempts: cfg.Broker.PublishAttempts,
			PublishTimeout:  cfg.Broker.PublishTimeout,
			VerifyProofs:    cfg.Broker.VerifyProofs,
		})
		if err != nil {
			return err
		}

		sub := l.sub
		g.Go(func() error {
			return sub.Start(ctrl)
		})
	}

	// Stop every listener on the way out, including the ones that
	// started before a sibling failed.
	defer func() {
		for _, l := range listeners {
			l.sub.Stop()
		}
	}()
	if err := g.Wait(); err != nil {
		return fmt.Errorf("unable to start listener: %w", err)
	}

	publishers := make(map[address.Type]broker.Publisher, len(listeners))
	for _, l := range listeners {
		swrdLog.Infof("Listening for slates on %v (%v)", l.name,
			l.self)
		publishers[l.self.Type()] = l.pub
	}

	// slatecli changes the wallet through the control service while the
	// daemon holds the slate log open.
	rpcServer := swrpc.NewServer(&swrpc.Config{
		Owner:       owner,
		Publishers:  publishers,
		PostTimeout: cfg.RPC.PostTimeout,
	})
	if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
		return fmt.Errorf("unable to start wallet control service: %w",
			err)
	}
	defer rpcServer.Stop()

	monitor := healthcheck.NewMonitor(&healthcheck.Config{
		Checks: healthChecks(cfg, listeners),
		Shutdown: func(format string, params ...interface{}) {
			reason := fmt.Sprintf(format, params...)
			swrdLog.Errorf("Health check failed: %v", reason)
			interceptor.RequestShutdownReason(reason)
		},
	})
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("unable to start health monitor: %w", err)
	}
	defer func() {
		if err := monitor.Stop(); err != nil {
			swrdLog.Warnf("Unable to stop health monitor: %v", err)
		}
	}()

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()
	swrdLog.Infof("Stopping slatewire: %v", interceptor.Reason())

	return nil
}

// openWallet opens the slate log and wraps it into a wallet container.
func openWallet(cfg *Config,
	keyRing *keychain.SeedKeyRing) (*wallet.Container, error) {

	slateLog, err := wallet.OpenSlateLog(cfg.Wallet.DBFile)
	if err != nil {
		return nil, fmt.Errorf("unable to open slate log: %w", err)
	}

	node := fn.None[wallet.NodeClient]()
	if cfg.Wallet.NodeURL != "" {
		node = fn.Some[wallet.NodeClient](wallet.NewHTTPNodeClient(
			cfg.Wallet.NodeURL, cfg.Wallet.NodeTimeout,
		))
	}

	backend, err := wallet.NewBackend(&wallet.Config{
		Keys:  keyRing,
		Log:   slateLog,
		Node:  node,
		Clock: clock.NewDefaultClock(),
	})
	if err != nil {
		_ = slateLog.Close()
		return nil, err
	}

	return wallet.NewContainer(backend), nil
}

// newListeners creates the subscriber and publisher of every active
// transport.
func newListeners(cfg *Config, idKey *btcec.PrivateKey) ([]*listener,
	error) {

	var listeners []*listener

	if cfg.Relay.Active {
		domain, port, err := cfg.Relay.HostPort()
		if err != nil {
			return nil, err
		}
		self := address.NewRelayAddress(idKey.PubKey(), domain, port)

		listeners = append(listeners, &listener{
			name: "relay",
			self: self,
			sub: relay.NewSubscriber(&relay.SubscriberConfig{
				Name:         "relay",
				Key:          idKey,
				Self:         self,
				Insecure:     cfg.Relay.Insecure,
				PingInterval: cfg.Relay.PingInterval,
				Retry:        cfg.Broker.Retry,
			}),
			pub: relay.NewPublisher(&relay.PublisherConfig{
				Key:          idKey,
				Self:         self,
				Insecure:     cfg.Relay.Insecure,
				Timeout:      cfg.Broker.PublishTimeout,
				AttachProofs: cfg.Relay.AttachProofs,
			}),
		})
	}

	if cfg.Peer.Active {
		host, port, err := cfg.Peer.Advertised()
		if err != nil {
			return nil, err
		}
		self := address.NewPeerAddress(idKey.PubKey(), host, port)

		listeners = append(listeners, &listener{
			name: "peer",
			self: self,
			sub: peer.NewSubscriber(&peer.Config{
				Name:        "peer",
				ListenAddr:  cfg.Peer.Listen,
				IdleTimeout: cfg.Peer.IdleTimeout,
				Retry:       cfg.Broker.Retry,
			}),
			pub: peer.NewPublisher(self, cfg.Peer.Timeout),
		})
	}

	if cfg.File.Active {
		self, err := address.NewFileAddress(cfg.File.Inbox)
		if err != nil {
			return nil, err
		}

		listeners = append(listeners, &listener{
			name: "file",
			self: self,
			sub: file.NewSubscriber(&file.Config{
				Name:         "file",
				Inbox:        cfg.File.Inbox,
				PollInterval: cfg.File.PollInterval,
				Retry:        cfg.Broker.Retry,
			}),
			pub: file.NewPublisher(self),
		})
	}

	return listeners, nil
}

// serveRelay starts the embedded relay server. The returned function stops
// it.
func serveRelay(cfg *Config) (func(), error) {
	lis, err := net.Listen("tcp", cfg.Relay.Listen)
	if err != nil {
		return nil, fmt.Errorf("unable to listen for relay clients: %w",
			err)
	}

	relayServer := relay.NewServer(&relay.ServerConfig{
		PostRate:  rate.Limit(cfg.Relay.PostRate),
		PostBurst: cfg.Relay.PostBurst,
	})
	httpServer := &http.Server{
		Handler:           relayServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := httpServer.Serve(lis)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			swrdLog.Errorf("Relay server failed: %v", err)
		}
	}()

	swrdLog.Infof("Embedded relay listening on %v", lis.Addr())

	return func() {
		// Hijacked websocket connections aren't tracked by the http
		// server, so the relay drops them itself.
		relayServer.Close()

		ctx, cancel := context.WithTimeout(
			context.Background(), relayShutdownTimeout,
		)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			swrdLog.Warnf("Unable to stop relay server: %v", err)
		}
	}, nil
}

// healthChecks creates the observations run by the health monitor.
func healthChecks(cfg *Config,
	listeners []*listener) []*healthcheck.Observation {

	var checks []*healthcheck.Observation

	diskCfg := cfg.HealthChecks.DiskCheck
	if diskCfg.Enabled() {
		checks = append(checks, healthcheck.NewObservation(
			"disk space",
			func() error {
				free, err := healthcheck.AvailableDiskSpaceRatio(
					cfg.DataDir,
				)
				if err != nil {
					return err
				}

				// If we have more free space than we require,
				// we return a nil error.
				if free > diskCfg.RequiredRemaining {
					return nil
				}

				return fmt.Errorf("require: %v free space, got: "+
					"%v", diskCfg.RequiredRemaining, free)
			},
			diskCfg.Interval,
			diskCfg.Timeout,
			diskCfg.Backoff,
			diskCfg.Attempts,
		))
	}

	inboxCfg := cfg.HealthChecks.InboxCheck
	if inboxCfg.Enabled() {
		checks = append(checks, healthcheck.NewObservation(
			"listeners",
			func() error {
				return checkListeners(cfg, listeners)
			},
			inboxCfg.Interval,
			inboxCfg.Timeout,
			inboxCfg.Backoff,
			inboxCfg.Attempts,
		))
	}

	return checks
}

// checkListeners fails if a listener gave up or the file inbox vanished.
func checkListeners(cfg *Config, listeners []*listener) error {
	for _, l := range listeners {
		if !l.sub.IsRunning() {
			return fmt.Errorf("listener %v stopped", l.name)
		}
	}

	if cfg.File.Active {
		info, err := os.Stat(cfg.File.Inbox)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("inbox %v is not a directory",
				cfg.File.Inbox)
		}
	}

	return nil
}

// logEvents logs the events of client at info level until the client is
// cancelled or the notifier stops.
func logEvents(client *subscribe.Client[broker.Event], logger btclog.Logger) {
	for {
		select {
		case event, ok := <-client.Updates():
			if !ok {
				return
			}

			logger.Infof("%v", newLogClosure(event.String))

		case <-client.Quit():
			return
		}
	}
}
