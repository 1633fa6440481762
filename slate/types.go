package slate

import (
	"encoding/hex"
	"fmt"
)

// Commitment is a compressed curve point: a Pedersen commitment, a public
// excess or a public nonce.
type Commitment [33]byte

// MarshalText encodes the commitment as hex.
func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(c[:])), nil
}

// UnmarshalText decodes a hex encoded commitment.
func (c *Commitment) UnmarshalText(text []byte) error {
	return decodeFixed(c[:], text, "commitment")
}

// String returns the hex encoding of the commitment.
func (c Commitment) String() string {
	return hex.EncodeToString(c[:])
}

// Signature is a 64-byte signature.
type Signature [64]byte

// MarshalText encodes the signature as hex.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

// UnmarshalText decodes a hex encoded signature.
func (s *Signature) UnmarshalText(text []byte) error {
	return decodeFixed(s[:], text, "signature")
}

// BlindingFactor is a 32-byte scalar.
type BlindingFactor [32]byte

// MarshalText encodes the blinding factor as hex.
func (b BlindingFactor) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b[:])), nil
}

// UnmarshalText decodes a hex encoded blinding factor.
func (b *BlindingFactor) UnmarshalText(text []byte) error {
	return decodeFixed(b[:], text, "blinding factor")
}

// HexBytes is a variable length byte slice that is hex encoded in JSON.
type HexBytes []byte

// MarshalText encodes the bytes as hex.
func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

// UnmarshalText decodes hex encoded bytes. An empty string decodes to nil.
func (h *HexBytes) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = nil
		return nil
	}

	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*h = b

	return nil
}

// Clone returns a copy of the bytes, preserving nil.
func (h HexBytes) Clone() HexBytes {
	if h == nil {
		return nil
	}

	return append(HexBytes{}, h...)
}

func decodeFixed(dst []byte, text []byte, what string) error {
	if hex.DecodedLen(len(text)) != len(dst) {
		return fmt.Errorf("invalid %s length: want %d bytes, got %d",
			what, len(dst), hex.DecodedLen(len(text)))
	}

	_, err := hex.Decode(dst, text)

	return err
}
