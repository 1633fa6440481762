package peer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/slatewire/slatewire/address"
	"github.com/slatewire/slatewire/broker"
	"github.com/slatewire/slatewire/slate"
	"github.com/slatewire/slatewire/txproof"
)

const (
	fromType  tlv.Type = 1
	slateType tlv.Type = 3
	proofType tlv.Type = 5

	// MaxFrameSize is the largest frame body that is read from a
	// connection.
	MaxFrameSize = 4 * 1024 * 1024

	// frameHeaderSize is the size of the big endian length prefix.
	frameHeaderSize = 4
)

// Status is the one byte reply to a frame.
type Status byte

const (
	// StatusOK means the slate was handed to the listener.
	StatusOK Status = 0

	// StatusRejected means the frame was malformed and must not be sent
	// again.
	StatusRejected Status = 1

	// StatusUnavailable means the listener is not running right now. The
	// sender may try again later.
	StatusUnavailable Status = 2
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformedFrame is returned when the body of a frame can't be
	// decoded into an envelope.
	ErrMalformedFrame = errors.New("malformed frame")
)

// WriteFrame writes the envelope as a length prefixed TLV stream.
func WriteFrame(w io.Writer, env *broker.Envelope) error {
	if env.Slate == nil {
		return broker.ErrMissingSlate
	}

	from := []byte(env.From.String())
	slateBytes, err := env.Slate.Serialize()
	if err != nil {
		return err
	}

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(fromType, &from),
		tlv.MakePrimitiveRecord(slateType, &slateBytes),
	}

	var (
		proofBytes []byte
		proofErr   error
	)
	env.Proof.WhenSome(func(p *txproof.TxProof) {
		proofBytes, proofErr = p.Encode()
		records = append(
			records, tlv.MakePrimitiveRecord(proofType, &proofBytes),
		)
	})
	if proofErr != nil {
		return proofErr
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if err := stream.Encode(&body); err != nil {
		return err
	}
	if body.Len() > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(body.Len()))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body.Bytes())

	return err
}

// ReadFrame reads one frame. An io.EOF before the first header byte is
// returned as is, so a caller can tell a closed connection from a truncated
// frame. Errors wrapping ErrMalformedFrame leave the connection usable.
func ReadFrame(r io.Reader) (*broker.Envelope, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	env, err := decodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	return env, nil
}

func decodeBody(body []byte) (*broker.Envelope, error) {
	var from, slateBytes, proofBytes []byte
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(fromType, &from),
		tlv.MakePrimitiveRecord(slateType, &slateBytes),
		tlv.MakePrimitiveRecord(proofType, &proofBytes),
	)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	if _, ok := parsed[fromType]; !ok {
		return nil, errors.New("missing sender")
	}
	if _, ok := parsed[slateType]; !ok {
		return nil, broker.ErrMissingSlate
	}

	sender, err := address.Parse(string(from))
	if err != nil {
		return nil, err
	}

	s, err := slate.Deserialize(slateBytes)
	if err != nil {
		return nil, err
	}

	proof := fn.None[*txproof.TxProof]()
	if _, ok := parsed[proofType]; ok {
		p, err := txproof.Decode(proofBytes)
		if err != nil {
			return nil, err
		}
		proof = fn.Some(p)
	}

	return &broker.Envelope{
		From:  sender,
		Slate: s,
		Proof: proof,
	}, nil
}
