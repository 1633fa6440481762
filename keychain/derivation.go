package keychain

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// KeyFamily represents a "family" of keys that are used for one purpose within
// the wallet. Every family is an independent branch derived from the wallet
// seed, so all keys can be restored from the seed alone.
type KeyFamily uint32

const (
	// KeyFamilyIdentity is the family of the key that identifies the
	// wallet to relays and peers. Relay and peer addresses are derived
	// from the first key of this family.
	KeyFamilyIdentity KeyFamily = 0

	// KeyFamilyBlind are the blinding keys of the outputs and excesses a
	// wallet contributes to a slate.
	KeyFamilyBlind KeyFamily = 1

	// KeyFamilyNonce are the one time signing nonces a wallet contributes
	// to a slate.
	KeyFamilyNonce KeyFamily = 2
)

// ErrUnknownFamily is returned when a key is requested from a family the key
// ring doesn't know about.
var ErrUnknownFamily = errors.New("unknown key family")

// KeyLocator is a two-tuple that can be used to derive *any* key that has ever
// been used by the wallet.
type KeyLocator struct {
	// Family is the family of key being identified.
	Family KeyFamily

	// Index is the precise index of the key being identified.
	Index uint32
}

// KeyDescriptor wraps a KeyLocator and the public key it derives to.
type KeyDescriptor struct {
	// KeyLocator is the internal KeyLocator of the descriptor.
	KeyLocator

	// PubKey is the public key at the locator.
	PubKey *btcec.PublicKey
}

// KeyRing derives the keys used by the wallet.
type KeyRing interface {
	// DeriveNextKey derives the *next* unused key within the key family.
	DeriveNextKey(keyFam KeyFamily) (KeyDescriptor, error)

	// DeriveKey derives the key at an arbitrary locator. It's used to
	// re-derive a key that was handed out earlier, for example to finish
	// signing a slate in its final round.
	DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error)
}

// SecretKeyRing is a KeyRing that also has access to the private keys.
type SecretKeyRing interface {
	KeyRing

	// DerivePrivKey derives the private key at the descriptor's locator.
	DerivePrivKey(keyDesc KeyDescriptor) (*btcec.PrivateKey, error)
}

// SingleKeyDigestSigner is an abstraction over a single private key that
// signs 32-byte digests.
type SingleKeyDigestSigner interface {
	// PubKey returns the public key of the wrapped private key.
	PubKey() *btcec.PublicKey

	// SignDigest signs the digest with ECDSA.
	SignDigest(digest [32]byte) (*ecdsa.Signature, error)

	// SignDigestSchnorr signs the digest with BIP-340 schnorr.
	SignDigestSchnorr(digest [32]byte) (*schnorr.Signature, error)
}
