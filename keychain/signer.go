package keychain

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// PrivKeyDigestSigner is an implementation of the SingleKeyDigestSigner
// interface that holds the full private key.
type PrivKeyDigestSigner struct {
	// PrivKey is the private key used for signing.
	PrivKey *btcec.PrivateKey
}

// NewPrivKeyDigestSigner derives the private key at keyDesc and wraps it.
func NewPrivKeyDigestSigner(keyDesc KeyDescriptor,
	ring SecretKeyRing) (*PrivKeyDigestSigner, error) {

	privKey, err := ring.DerivePrivKey(keyDesc)
	if err != nil {
		return nil, err
	}

	return &PrivKeyDigestSigner{PrivKey: privKey}, nil
}

// PubKey returns the public key of the private key.
//
// NOTE: This is part of the SingleKeyDigestSigner interface.
func (p *PrivKeyDigestSigner) PubKey() *btcec.PublicKey {
	return p.PrivKey.PubKey()
}

// SignDigest signs the digest with ECDSA.
//
// NOTE: This is part of the SingleKeyDigestSigner interface.
func (p *PrivKeyDigestSigner) SignDigest(digest [32]byte) (*ecdsa.Signature,
	error) {

	return ecdsa.Sign(p.PrivKey, digest[:]), nil
}

// SignDigestSchnorr signs the digest with BIP-340 schnorr.
//
// NOTE: This is part of the SingleKeyDigestSigner interface.
func (p *PrivKeyDigestSigner) SignDigestSchnorr(
	digest [32]byte) (*schnorr.Signature, error) {

	return schnorr.Sign(p.PrivKey, digest[:])
}

var _ SingleKeyDigestSigner = (*PrivKeyDigestSigner)(nil)
