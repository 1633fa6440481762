package relay

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/blake2b"
)

// MsgType is the type of a relay protocol message.
type MsgType string

const (
	// MsgChallenge is sent by the relay right after a connection is
	// established. Every signature on the connection covers its string.
	MsgChallenge MsgType = "Challenge"

	// MsgSubscribe asks the relay to deliver the mailbox of an address.
	MsgSubscribe MsgType = "Subscribe"

	// MsgUnsubscribe stops the delivery of a mailbox.
	MsgUnsubscribe MsgType = "Unsubscribe"

	// MsgPostSlate asks the relay to put a slate into a mailbox.
	MsgPostSlate MsgType = "PostSlate"

	// MsgSlate carries a slate from a mailbox to its subscriber.
	MsgSlate MsgType = "Slate"

	// MsgAck removes a delivered slate from the mailbox.
	MsgAck MsgType = "Ack"

	// MsgOk confirms a Subscribe, Unsubscribe or PostSlate.
	MsgOk MsgType = "Ok"

	// MsgError refuses a request.
	MsgError MsgType = "Error"
)

// ErrorKind is the kind of an Error message.
type ErrorKind string

const (
	// KindUnauthorized is returned for a bad signature. Retrying with
	// the same key can't succeed.
	KindUnauthorized ErrorKind = "Unauthorized"

	// KindInvalidRequest is returned for a request the relay can't parse.
	KindInvalidRequest ErrorKind = "InvalidRequest"

	// KindTooManyRequests is returned when a connection posts faster than
	// the relay allows.
	KindTooManyRequests ErrorKind = "TooManyRequests"
)

// Message is a single JSON text frame of the relay protocol. Only the fields
// of its type are set.
type Message struct {
	Type MsgType `json:"type"`

	// Str is the challenge of a Challenge message or the encoded
	// envelope of a PostSlate or Slate message.
	Str string `json:"str,omitempty"`

	// Address is the subscribing address.
	Address string `json:"address,omitempty"`

	// From and To are the sender and receiver of a slate.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// ID identifies a mailbox entry.
	ID string `json:"id,omitempty"`

	// Challenge is the challenge the sender of a Slate signed with.
	Challenge string `json:"challenge,omitempty"`

	// Signature is a hex DER encoded ECDSA signature.
	Signature string `json:"signature,omitempty"`

	Kind        ErrorKind `json:"kind,omitempty"`
	Description string    `json:"description,omitempty"`
}

// RemoteError is an Error message returned by the relay.
type RemoteError struct {
	Kind        ErrorKind
	Description string
}

// Error returns the kind and description of the error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay error %v: %v", e.Kind, e.Description)
}

// remoteError converts an Error message.
func remoteError(msg *Message) error {
	return &RemoteError{Kind: msg.Kind, Description: msg.Description}
}

// IsUnauthorized returns true if err is an Unauthorized error of the relay.
func IsUnauthorized(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Kind == KindUnauthorized
}

// digest hashes the parts with a zero byte after each one.
func digest(parts ...string) [32]byte {
	var b bytes.Buffer
	for _, part := range parts {
		b.WriteString(part)
		b.WriteByte(0)
	}

	return blake2b.Sum256(b.Bytes())
}

// sign returns the hex DER signature of key over the parts.
func sign(key *btcec.PrivateKey, parts ...string) string {
	hash := digest(parts...)
	sig := ecdsa.Sign(key, hash[:])

	return hex.EncodeToString(sig.Serialize())
}

// verify checks a signature made by sign.
func verify(pubKey *btcec.PublicKey, signature string, parts ...string) error {
	der, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return err
	}

	hash := digest(parts...)
	if !sig.Verify(hash[:], pubKey) {
		return errors.New("signature mismatch")
	}

	return nil
}

// subscribeParts returns what a Subscribe signature covers.
func subscribeParts(challenge string) []string {
	return []string{string(MsgSubscribe), challenge}
}

// postParts returns what a PostSlate signature covers.
func postParts(challenge, to, str string) []string {
	return []string{string(MsgPostSlate), challenge, to, str}
}
