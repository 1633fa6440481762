package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/broker/file"
	"github.com/slatewire/slatewire/broker/peer"
	"github.com/slatewire/slatewire/broker/relay"
	"github.com/slatewire/slatewire/build"
	"github.com/slatewire/slatewire/keychain"
	"github.com/slatewire/slatewire/swcfg"
	"github.com/slatewire/slatewire/swrpc"
	"github.com/urfave/cli"
)

const (
	defaultDataDirname  = "data"
	defaultInboxDirname = "inbox"
)

var defaultAppDir = btcutil.AppDataDir("slatewire", false)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[slatecli] %v\n", err)
	os.Exit(1)
}

// dataDir returns the data directory selected by the global flags.
func dataDir(ctx *cli.Context) string {
	dir := filepath.Join(
		swcfg.CleanAndExpandPath(ctx.GlobalString("appdir")),
		defaultDataDirname,
	)
	if ctx.GlobalIsSet("datadir") {
		dir = swcfg.CleanAndExpandPath(ctx.GlobalString("datadir"))
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		fatal(err)
	}

	return absDir
}

// loadKeyRing loads the wallet seed. The seed must already exist, the daemon
// creates it on its first start.
func loadKeyRing(ctx *cli.Context) (*keychain.SeedKeyRing, error) {
	seedPath := filepath.Join(dataDir(ctx), swcfg.DefaultSeedFilename)
	if _, err := os.Stat(seedPath); err != nil {
		return nil, fmt.Errorf("no wallet seed at %v, start slatewired "+
			"once to create it: %w", seedPath, err)
	}

	seed, err := keychain.LoadOrCreateSeed(seedPath)
	if err != nil {
		return nil, err
	}

	return keychain.NewSeedKeyRing(seed), nil
}

// getClient connects to the wallet control service of the running
// slatewired. The returned function closes the connection.
func getClient(ctx *cli.Context) (*swrpc.Client, func()) {
	client, err := swrpc.NewClient(ctx.GlobalString("rpcserver"))
	if err != nil {
		fatal(fmt.Errorf("unable to connect to slatewired: %w", err))
	}

	return client, func() {
		_ = client.Close()
	}
}

// ownAddresses returns the relay, peer and file addresses of the wallet as
// configured by the global flags.
func ownAddresses(ctx *cli.Context, idKey *btcec.PrivateKey) (
	*address.RelayAddress, *address.PeerAddress, *address.FileAddress,
	error) {

	relayCfg := swcfg.Relay{Host: ctx.GlobalString("relayhost")}
	domain, port, err := relayCfg.HostPort()
	if err != nil {
		return nil, nil, nil, err
	}
	relayAddr := address.NewRelayAddress(idKey.PubKey(), domain, port)

	host, portStr, err := net.SplitHostPort(ctx.GlobalString("peerhost"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid peerhost: %w", err)
	}
	peerPort, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid peerhost: %w", err)
	}
	peerAddr := address.NewPeerAddress(
		idKey.PubKey(), host, uint16(peerPort),
	)

	fileAddr, err := address.NewFileAddress(
		filepath.Join(dataDir(ctx), defaultInboxDirname),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	return relayAddr, peerAddr, fileAddr, nil
}

// publisherFor returns a publisher that can reach the address, sending from
// the matching own address.
func publisherFor(ctx *cli.Context, idKey *btcec.PrivateKey,
	to address.Address) (broker.Publisher, func(), error) {

	relayAddr, peerAddr, fileAddr, err := ownAddresses(ctx, idKey)
	if err != nil {
		return nil, nil, err
	}

	timeout := ctx.GlobalDuration("timeout")
	switch to.Type() {
	case address.Relay:
		p := relay.NewPublisher(&relay.PublisherConfig{
			Key:          idKey,
			Self:         relayAddr,
			Insecure:     ctx.GlobalBool("insecure"),
			Timeout:      timeout,
			AttachProofs: ctx.GlobalBool("attachproofs"),
		})

		return p, p.Close, nil

	case address.Peer:
		return peer.NewPublisher(peerAddr, timeout), func() {}, nil

	case address.File:
		return file.NewPublisher(fileAddr), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("%w: %v", address.ErrUnknownScheme,
			to.Type())
	}
}

func printJSON(resp interface{}) {
	b, err := json.Marshal(resp)
	if err != nil {
		fatal(err)
	}

	var out bytes.Buffer
	_ = json.Indent(&out, b, "", "    ")
	_, _ = out.WriteString("\n")
	_, _ = out.WriteTo(os.Stdout)
}

func main() {
	app := cli.NewApp()
	app.Name = "slatecli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "operator tool for the slatewire wallet"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "appdir",
			Value:     defaultAppDir,
			Usage:     "The path to slatewired's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "datadir",
			Usage: "The path to the wallet data directory, if not " +
				"the one within appdir.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "relayhost",
			Value: net.JoinHostPort(
				address.DefaultRelayDomain,
				strconv.Itoa(address.DefaultRelayPort),
			),
			Usage: "The relay the wallet uses, as host[:port].",
		},
		cli.BoolFlag{
			Name:  "insecure",
			Usage: "Connect to the relay without TLS.",
		},
		cli.BoolFlag{
			Name:  "attachproofs",
			Usage: "Attach a payment proof to slates posted to a relay.",
		},
		cli.StringFlag{
			Name:  "peerhost",
			Value: "localhost:13415",
			Usage: "The host:port peers reach the wallet on.",
		},
		cli.StringFlag{
			Name:  "rpcserver",
			Value: swcfg.DefaultRPCListen,
			Usage: "The host:port of slatewired's wallet control " +
				"service.",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 30 * time.Second,
			Usage: "Timeout of a post to another wallet.",
		},
	}
	app.Commands = []cli.Command{
		addressCommand,
		parseAddrCommand,
		inspectCommand,
		sendCommand,
		repostCommand,
		postCommand,
		balanceCommand,
		listTxsCommand,
		importOutputCommand,
		cancelTxCommand,
		confirmTxCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
