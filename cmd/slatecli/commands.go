package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/swrpc"
	"github.com/slatewire/slatewire/txproof"
	"github.com/urfave/cli"
)

var addressCommand = cli.Command{
	Name:     "address",
	Category: "Addresses",
	Usage:    "Show the addresses other wallets can send slates to.",
	Action:   showAddresses,
}

func showAddresses(ctx *cli.Context) error {
	keyRing, err := loadKeyRing(ctx)
	if err != nil {
		return err
	}
	idKey, err := keyRing.IdentityKey()
	if err != nil {
		return err
	}

	relayAddr, peerAddr, fileAddr, err := ownAddresses(ctx, idKey)
	if err != nil {
		return err
	}

	printJSON(struct {
		Relay string `json:"relay"`
		Peer  string `json:"peer"`
		File  string `json:"file"`
	}{
		Relay: relayAddr.String(),
		Peer:  peerAddr.String(),
		File:  fileAddr.String(),
	})

	return nil
}

var parseAddrCommand = cli.Command{
	Name:      "parseaddr",
	Category:  "Addresses",
	Usage:     "Parse an address and show its canonical forms.",
	ArgsUsage: "address",
	Action:    parseAddr,
}

func parseAddr(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "parseaddr")
	}

	addr, err := address.Parse(ctx.Args().First())
	if err != nil {
		return err
	}

	printJSON(struct {
		Type     string `json:"type"`
		Address  string `json:"address"`
		Stripped string `json:"stripped"`
	}{
		Type:     addr.Type().String(),
		Address:  addr.String(),
		Stripped: addr.Stripped(),
	})

	return nil
}

// readEnvelope reads a slate file. Envelopes as written by the file
// transport, bare JSON slates and TLV encoded slates are accepted. Bare
// slates come without a sender.
func readEnvelope(path string) (*broker.Envelope, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if env, err := broker.DecodeEnvelope(b); err == nil {
		return env, nil
	}

	s, err := slate.UnmarshalJSON(b)
	if err != nil {
		s, err = slate.Deserialize(b)
	}
	if err != nil {
		return nil, fmt.Errorf("%v holds neither an envelope nor a "+
			"slate", path)
	}

	return &broker.Envelope{
		Slate: s,
		Proof: fn.None[*txproof.TxProof](),
	}, nil
}

var inspectCommand = cli.Command{
	Name:      "inspect",
	Category:  "Slates",
	Usage:     "Decode a slate file and verify its payment proof.",
	ArgsUsage: "file",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "dump",
			Usage: "dump the decoded slate instead of printing JSON",
		},
	},
	Action: inspect,
}

type proofResult struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
}

func inspect(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "inspect")
	}

	env, err := readEnvelope(ctx.Args().First())
	if err != nil {
		return err
	}

	if ctx.Bool("dump") {
		spew.Dump(env.Slate)
		return nil
	}

	var from string
	if env.From != nil {
		from = env.From.String()
	}

	var proof *proofResult
	env.Proof.WhenSome(func(p *txproof.TxProof) {
		proof = &proofResult{
			Sender:   p.Sender,
			Receiver: p.Receiver,
		}

		proven, err := p.Verify()
		switch {
		case err != nil:
			proof.Error = err.Error()

		case proven.ID != env.Slate.ID:
			proof.Error = broker.ErrProofMismatch.Error()

		default:
			proof.Valid = true
		}
	})

	printJSON(struct {
		From     string       `json:"from,omitempty"`
		Amount   string       `json:"amount"`
		Fee      string       `json:"fee"`
		Complete bool         `json:"complete"`
		Invoice  bool         `json:"invoice"`
		Slate    *slate.Slate `json:"slate"`
		Proof    *proofResult `json:"proof,omitempty"`
	}{
		From:     from,
		Amount:   env.Slate.AmountString(),
		Fee:      slate.FormatAmount(env.Slate.Fee),
		Complete: env.Slate.IsComplete(),
		Invoice:  env.Slate.IsInvoice(),
		Slate:    env.Slate,
		Proof:    proof,
	})

	return nil
}

// post sends the slate to the address with the publisher matching its
// transport.
func post(ctx *cli.Context, s *slate.Slate, to address.Address) error {
	keyRing, err := loadKeyRing(ctx)
	if err != nil {
		return err
	}
	idKey, err := keyRing.IdentityKey()
	if err != nil {
		return err
	}

	pub, cleanUp, err := publisherFor(ctx, idKey, to)
	if err != nil {
		return err
	}
	defer cleanUp()

	postCtx, cancel := context.WithTimeout(
		context.Background(), ctx.GlobalDuration("timeout"),
	)
	defer cancel()

	return pub.PostSlate(postCtx, s, to)
}

var sendCommand = cli.Command{
	Name:     "send",
	Category: "Wallet",
	Usage:    "Start a send and post the slate to the receiver.",
	Description: `
	Create a slate paying amt to every receiver, lock the inputs and post
	the slate to the given address. slatewired posts it through its
	listener of the address' transport, so the receiver returns it there
	and slatewired finalizes it. A slate that can't be posted is cancelled
	again.`,
	ArgsUsage: "address",
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "amt",
			Usage: "the amount to send in nanogrin",
		},
		cli.UintFlag{
			Name:  "participants",
			Value: 2,
			Usage: "the number of parties, including this wallet",
		},
		cli.StringFlag{
			Name:  "message",
			Usage: "a message for the receivers, signed by this wallet",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "send")
	}

	to, err := address.Parse(ctx.Args().First())
	if err != nil {
		return err
	}

	if !ctx.IsSet("amt") {
		return errors.New("amt required")
	}
	participants := ctx.Uint("participants")
	if participants > 0xffff {
		return fmt.Errorf("at most %d participants", 0xffff)
	}

	client, cleanUp := getClient(ctx)
	defer cleanUp()

	resp, err := client.Send(context.Background(), &swrpc.SendRequest{
		Address:      to.String(),
		Amount:       ctx.Uint64("amt"),
		Participants: uint32(participants),
		Message:      ctx.String("message"),
	})
	if err != nil {
		return err
	}

	printJSON(struct {
		SlateID string `json:"slate_id"`
		Amount  string `json:"amount"`
		Fee     string `json:"fee"`
		To      string `json:"to"`
	}{
		SlateID: resp.SlateID,
		Amount:  slate.FormatAmount(resp.Amount),
		Fee:     slate.FormatAmount(resp.Fee),
		To:      resp.To,
	})

	return nil
}

var repostCommand = cli.Command{
	Name:     "repost",
	Category: "Wallet",
	Usage:    "Post the slate of a pending exchange again.",
	Description: `
	Post the slate this wallet last handed out in a pending exchange to its
	counterparty again: the initial slate of a send, or the contribution of
	a receive. A receiver answers a slate it already contributed to with
	the same contribution, so a reply that got lost is sent again.`,
	ArgsUsage: "slate_id",
	Action: func(ctx *cli.Context) error {
		id, err := slateIDArg(ctx, "repost")
		if err != nil {
			return err
		}

		client, cleanUp := getClient(ctx)
		defer cleanUp()

		resp, err := client.Repost(
			context.Background(),
			&swrpc.RepostRequest{SlateID: id.String()},
		)
		if err != nil {
			return err
		}

		fmt.Printf("Posted slate %v to %v\n", resp.SlateID, resp.To)

		return nil
	},
}

var postCommand = cli.Command{
	Name:      "post",
	Category:  "Slates",
	Usage:     "Post a slate file to an address.",
	ArgsUsage: "file",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "to",
			Usage: "the receiving address, defaults to the sender " +
				"of an envelope",
		},
	},
	Action: postSlate,
}

func postSlate(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "post")
	}

	env, err := readEnvelope(ctx.Args().First())
	if err != nil {
		return err
	}

	to := env.From
	if ctx.IsSet("to") {
		to, err = address.Parse(ctx.String("to"))
		if err != nil {
			return err
		}
	}
	if to == nil {
		return errors.New("to required for a bare slate")
	}

	if err := post(ctx, env.Slate, to); err != nil {
		return err
	}

	fmt.Printf("Posted slate %v to %v\n", env.Slate.ID, to)

	return nil
}

var balanceCommand = cli.Command{
	Name:     "balance",
	Category: "Wallet",
	Usage:    "Show the wallet balance.",
	Action:   balance,
}

func balance(ctx *cli.Context) error {
	client, cleanUp := getClient(ctx)
	defer cleanUp()

	bal, err := client.Balance(context.Background())
	if err != nil {
		return err
	}

	printJSON(struct {
		Spendable   string `json:"spendable"`
		Locked      string `json:"locked"`
		Unconfirmed string `json:"unconfirmed"`
	}{
		Spendable:   slate.FormatAmount(bal.Spendable),
		Locked:      slate.FormatAmount(bal.Locked),
		Unconfirmed: slate.FormatAmount(bal.Unconfirmed),
	})

	return nil
}

var listTxsCommand = cli.Command{
	Name:     "listtxs",
	Category: "Wallet",
	Usage:    "List the recorded slate exchanges.",
	Action:   listTxs,
}

type txResp struct {
	SlateID      string `json:"slate_id"`
	Direction    string `json:"direction"`
	Status       string `json:"status"`
	Amount       string `json:"amount"`
	Fee          string `json:"fee"`
	Counterparty string `json:"counterparty,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	Created      string `json:"created"`
}

func listTxs(ctx *cli.Context) error {
	client, cleanUp := getClient(ctx)
	defer cleanUp()

	txs, err := client.ListTxs(context.Background())
	if err != nil {
		return err
	}

	resp := make([]*txResp, 0, len(txs.Transactions))
	for _, tx := range txs.Transactions {
		resp = append(resp, &txResp{
			SlateID:      tx.SlateID,
			Direction:    tx.Direction,
			Status:       tx.Status,
			Amount:       slate.FormatAmount(tx.Amount),
			Fee:          slate.FormatAmount(tx.Fee),
			Counterparty: tx.Counterparty,
			TxHash:       tx.TxHash,
			Created: time.Unix(tx.Created, 0).Format(
				time.RFC3339,
			),
		})
	}

	printJSON(struct {
		Transactions []*txResp `json:"transactions"`
	}{
		Transactions: resp,
	})

	return nil
}

var importOutputCommand = cli.Command{
	Name:     "importoutput",
	Category: "Wallet",
	Usage:    "Record a confirmed output the wallet owns.",
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "amt",
			Usage: "the value of the output in nanogrin",
		},
	},
	Action: importOutput,
}

func importOutput(ctx *cli.Context) error {
	if !ctx.IsSet("amt") {
		return errors.New("amt required")
	}

	client, cleanUp := getClient(ctx)
	defer cleanUp()

	out, err := client.ImportOutput(
		context.Background(),
		&swrpc.ImportOutputRequest{Amount: ctx.Uint64("amt")},
	)
	if err != nil {
		return err
	}

	printJSON(struct {
		Commit string `json:"commit"`
		Value  string `json:"value"`
	}{
		Commit: out.Commit,
		Value:  slate.FormatAmount(out.Value),
	})

	return nil
}

// slateIDArg parses the slate id given as the only argument.
func slateIDArg(ctx *cli.Context, cmd string) (uuid.UUID, error) {
	if ctx.NArg() != 1 {
		return uuid.Nil, fmt.Errorf("%v takes exactly one slate_id", cmd)
	}

	return uuid.Parse(ctx.Args().First())
}

var cancelTxCommand = cli.Command{
	Name:      "canceltx",
	Category:  "Wallet",
	Usage:     "Cancel a pending exchange and release its inputs.",
	ArgsUsage: "slate_id",
	Action: func(ctx *cli.Context) error {
		id, err := slateIDArg(ctx, "canceltx")
		if err != nil {
			return err
		}

		client, cleanUp := getClient(ctx)
		defer cleanUp()

		return client.CancelTx(context.Background(), id.String())
	},
}

var confirmTxCommand = cli.Command{
	Name:      "confirmtx",
	Category:  "Wallet",
	Usage:     "Mark an exchange as confirmed on chain.",
	ArgsUsage: "slate_id",
	Action: func(ctx *cli.Context) error {
		id, err := slateIDArg(ctx, "confirmtx")
		if err != nil {
			return err
		}

		client, cleanUp := getClient(ctx)
		defer cleanUp()

		return client.ConfirmTx(context.Background(), id.String())
	},
}
