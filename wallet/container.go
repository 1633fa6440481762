package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/slatewire/slatewire/keychain"
)

// keyFamilies are the families whose next index is persisted.
var keyFamilies = []keychain.KeyFamily{
	keychain.KeyFamilyBlind,
	keychain.KeyFamilyNonce,
}

// Config holds the collaborators of a wallet Backend.
type Config struct {
	// Keys derives every wallet key.
	Keys *keychain.SeedKeyRing

	// Log persists outputs and transactions.
	Log *SlateLog

	// Node is the chain node. Without one, finalized transactions are
	// only recorded and the chain height is taken as zero.
	Node fn.Option[NodeClient]

	// Clock timestamps the transaction records.
	Clock clock.Clock
}

// Backend is the wallet state shared by the owner and foreign APIs. It isn't
// safe for concurrent use; access goes through a Container.
type Backend struct {
	keys  *keychain.SeedKeyRing
	log   *SlateLog
	node  fn.Option[NodeClient]
	clock clock.Clock
}

// NewBackend creates a backend and restores the key indices that were
// handed out before.
func NewBackend(cfg *Config) (*Backend, error) {
	if cfg.Keys == nil || cfg.Log == nil {
		return nil, fmt.Errorf("wallet backend needs keys and a log")
	}

	b := &Backend{
		keys:  cfg.Keys,
		log:   cfg.Log,
		node:  cfg.Node,
		clock: cfg.Clock,
	}
	if b.clock == nil {
		b.clock = clock.NewDefaultClock()
	}

	err := b.log.view(func(tx kvdb.RTx) error {
		for _, fam := range keyFamilies {
			index, err := fetchNextIndex(tx, fam)
			if err != nil {
				return err
			}
			b.keys.SetNextIndex(fam, index)
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to restore key indices: %w", err)
	}

	return b, nil
}

// Log returns the slate log of the backend.
func (b *Backend) Log() *SlateLog {
	return b.log
}

// nextKey derives the next key of the family and persists the index that
// follows it within tx.
func (b *Backend) nextKey(tx kvdb.RwTx, fam keychain.KeyFamily) (
	keychain.KeyDescriptor, *btcec.PrivateKey, error) {

	desc, err := b.keys.DeriveNextKey(fam)
	if err != nil {
		return keychain.KeyDescriptor{}, nil, err
	}

	err = putNextIndex(tx, fam, b.keys.NextIndex(fam))
	if err != nil {
		return keychain.KeyDescriptor{}, nil, err
	}

	priv, err := b.keys.DerivePrivKey(desc)
	if err != nil {
		return keychain.KeyDescriptor{}, nil, err
	}

	return desc, priv, nil
}

// privKey re-derives the private key at the locator.
func (b *Backend) privKey(fam keychain.KeyFamily,
	index uint32) (*btcec.PrivateKey, error) {

	return b.keys.DerivePrivKey(keychain.KeyDescriptor{
		KeyLocator: keychain.KeyLocator{Family: fam, Index: index},
	})
}

// height returns the chain height, or zero without a node.
func (b *Backend) height(ctx context.Context) (uint64, error) {
	if b.node.IsNone() {
		return 0, nil
	}

	return b.node.UnsafeFromSome().ChainHeight(ctx)
}

// Container serializes access to a Backend.
type Container struct {
	mu      sync.Mutex
	backend *Backend
}

// NewContainer wraps the backend.
func NewContainer(b *Backend) *Container {
	return &Container{backend: b}
}

// WithLock runs f with exclusive access to the backend.
func (c *Container) WithLock(f func(*Backend) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return f(c.backend)
}

// Close closes the slate log of the backend.
func (c *Container) Close() error {
	return c.WithLock(func(b *Backend) error {
		return b.log.Close()
	})
}
