package keychain

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/blake2b"
)

// SeedSize is the size of a wallet seed.
const SeedSize = 32

// SeedKeyRing derives every key of the wallet from a single seed. The private
// key at (family, index) is blake2b-256 keyed with the seed over the
// big-endian family and index, reduced modulo the curve order. An index that
// maps to the zero scalar is skipped.
type SeedKeyRing struct {
	seed [SeedSize]byte

	mu   sync.Mutex
	next map[KeyFamily]uint32
}

// A compile time check to ensure SeedKeyRing implements the SecretKeyRing
// interface.
var _ SecretKeyRing = (*SeedKeyRing)(nil)

// NewSeedKeyRing returns a key ring that derives from seed.
func NewSeedKeyRing(seed [SeedSize]byte) *SeedKeyRing {
	return &SeedKeyRing{
		seed: seed,
		next: make(map[KeyFamily]uint32),
	}
}

// SetNextIndex sets the index DeriveNextKey hands out next for the family. It
// is used to restore the key ring state from the wallet database.
func (s *SeedKeyRing) SetNextIndex(keyFam KeyFamily, index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next[keyFam] = index
}

// NextIndex returns the index DeriveNextKey hands out next for the family.
func (s *SeedKeyRing) NextIndex(keyFam KeyFamily) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next[keyFam]
}

// DeriveNextKey derives the next unused key within the family.
//
// NOTE: This is part of the KeyRing interface.
func (s *SeedKeyRing) DeriveNextKey(keyFam KeyFamily) (KeyDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		index := s.next[keyFam]
		s.next[keyFam] = index + 1

		privKey, err := s.derive(KeyLocator{Family: keyFam, Index: index})
		if errors.Is(err, errZeroScalar) {
			continue
		}
		if err != nil {
			return KeyDescriptor{}, err
		}

		return KeyDescriptor{
			KeyLocator: KeyLocator{Family: keyFam, Index: index},
			PubKey:     privKey.PubKey(),
		}, nil
	}
}

// DeriveKey derives the key at keyLoc.
//
// NOTE: This is part of the KeyRing interface.
func (s *SeedKeyRing) DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error) {
	privKey, err := s.derive(keyLoc)
	if err != nil {
		return KeyDescriptor{}, err
	}

	return KeyDescriptor{
		KeyLocator: keyLoc,
		PubKey:     privKey.PubKey(),
	}, nil
}

// DerivePrivKey derives the private key at the descriptor's locator. If the
// descriptor carries a public key, it must match the derived one.
//
// NOTE: This is part of the SecretKeyRing interface.
func (s *SeedKeyRing) DerivePrivKey(
	keyDesc KeyDescriptor) (*btcec.PrivateKey, error) {

	privKey, err := s.derive(keyDesc.KeyLocator)
	if err != nil {
		return nil, err
	}

	if keyDesc.PubKey != nil && !keyDesc.PubKey.IsEqual(privKey.PubKey()) {
		return nil, fmt.Errorf("key at %v/%v doesn't match descriptor",
			keyDesc.Family, keyDesc.Index)
	}

	return privKey, nil
}

// IdentityKey returns the wallet identity key.
func (s *SeedKeyRing) IdentityKey() (*btcec.PrivateKey, error) {
	return s.derive(KeyLocator{Family: KeyFamilyIdentity})
}

var errZeroScalar = errors.New("derived zero scalar")

func (s *SeedKeyRing) derive(keyLoc KeyLocator) (*btcec.PrivateKey, error) {
	switch keyLoc.Family {
	case KeyFamilyIdentity, KeyFamilyBlind, KeyFamilyNonce:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFamily,
			keyLoc.Family)
	}

	h, err := blake2b.New256(s.seed[:])
	if err != nil {
		return nil, err
	}

	var b [8]byte
	binary.BigEndian.PutUint32(b[:4], uint32(keyLoc.Family))
	binary.BigEndian.PutUint32(b[4:], keyLoc.Index)
	_, _ = h.Write(b[:])

	var scalar btcec.ModNScalar
	scalar.SetByteSlice(h.Sum(nil))
	if scalar.IsZero() {
		return nil, errZeroScalar
	}

	return btcec.PrivKeyFromScalar(&scalar), nil
}

// LoadOrCreateSeed reads the hex encoded seed stored at path. If the file
// doesn't exist, a fresh random seed is generated and written to it with
// owner-only permissions.
func LoadOrCreateSeed(path string) ([SeedSize]byte, error) {
	var seed [SeedSize]byte

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return seed, fmt.Errorf("unable to decode seed: %w", err)
		}
		if len(raw) != SeedSize {
			return seed, fmt.Errorf("seed must be %d bytes, got %d",
				SeedSize, len(raw))
		}
		copy(seed[:], raw)

		return seed, nil

	case !os.IsNotExist(err):
		return seed, err
	}

	if _, err := rand.Read(seed[:]); err != nil {
		return seed, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return seed, err
	}

	// Write to a temporary file first so a crash can never leave a
	// truncated seed behind.
	tempPath := path + ".tmp"
	err = os.WriteFile(tempPath, []byte(hex.EncodeToString(seed[:])), 0600)
	if err != nil {
		return seed, err
	}
	if err := os.Rename(tempPath, path); err != nil {
		return seed, err
	}

	return seed, nil
}
