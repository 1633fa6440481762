package slate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

const (
	slateVersionType     tlv.Type = 0
	slateIDType          tlv.Type = 2
	slateNumPartsType    tlv.Type = 4
	slateAmountType      tlv.Type = 6
	slateFeeType         tlv.Type = 8
	slateHeightType      tlv.Type = 10
	slateLockHeightType  tlv.Type = 12
	slateTxType          tlv.Type = 14
	slateParticipantType tlv.Type = 16

	txOffsetType  tlv.Type = 0
	txInputsType  tlv.Type = 2
	txOutputsType tlv.Type = 4
	txKernelsType tlv.Type = 6

	featuresType tlv.Type = 0
	commitType   tlv.Type = 2
	proofType    tlv.Type = 5

	kernelFeeType        tlv.Type = 2
	kernelLockHeightType tlv.Type = 4
	kernelExcessType     tlv.Type = 6
	kernelExcessSigType  tlv.Type = 8

	partIDType         tlv.Type = 0
	partBlindType      tlv.Type = 2
	partNonceType      tlv.Type = 4
	partSigType        tlv.Type = 5
	partMessageType    tlv.Type = 7
	partMessageSigType tlv.Type = 9

	// maxListLen bounds the number of items accepted in any encoded list.
	maxListLen = 1 << 16
)

// Encode serializes the slate as a TLV stream.
func (s *Slate) Encode(w io.Writer) error {
	var txBuf bytes.Buffer
	if err := encodeTx(&txBuf, &s.Tx); err != nil {
		return err
	}

	var partBuf bytes.Buffer
	err := encodeList(&partBuf, len(s.ParticipantData), func(i int,
		w io.Writer) error {

		return encodeParticipant(w, &s.ParticipantData[i])
	})
	if err != nil {
		return err
	}

	id := s.ID[:]
	txBytes := txBuf.Bytes()
	partBytes := partBuf.Bytes()

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(slateVersionType, &s.Version),
		tlv.MakePrimitiveRecord(slateIDType, &id),
		tlv.MakePrimitiveRecord(slateNumPartsType, &s.NumParticipants),
		tlv.MakePrimitiveRecord(slateAmountType, &s.Amount),
		tlv.MakePrimitiveRecord(slateFeeType, &s.Fee),
		tlv.MakePrimitiveRecord(slateHeightType, &s.Height),
		tlv.MakePrimitiveRecord(slateLockHeightType, &s.LockHeight),
		tlv.MakePrimitiveRecord(slateTxType, &txBytes),
		tlv.MakePrimitiveRecord(slateParticipantType, &partBytes),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode deserializes a TLV encoded slate.
func (s *Slate) Decode(r io.Reader) error {
	var (
		id        []byte
		txBytes   []byte
		partBytes []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(slateVersionType, &s.Version),
		tlv.MakePrimitiveRecord(slateIDType, &id),
		tlv.MakePrimitiveRecord(slateNumPartsType, &s.NumParticipants),
		tlv.MakePrimitiveRecord(slateAmountType, &s.Amount),
		tlv.MakePrimitiveRecord(slateFeeType, &s.Fee),
		tlv.MakePrimitiveRecord(slateHeightType, &s.Height),
		tlv.MakePrimitiveRecord(slateLockHeightType, &s.LockHeight),
		tlv.MakePrimitiveRecord(slateTxType, &txBytes),
		tlv.MakePrimitiveRecord(slateParticipantType, &partBytes),
	)
	if err != nil {
		return err
	}

	if err := stream.Decode(r); err != nil {
		return err
	}

	if len(id) != len(s.ID) {
		return fmt.Errorf("invalid slate id length %d", len(id))
	}
	copy(s.ID[:], id)

	if err := decodeTx(bytes.NewReader(txBytes), &s.Tx); err != nil {
		return fmt.Errorf("unable to decode tx: %w", err)
	}

	s.ParticipantData = nil
	err = decodeList(bytes.NewReader(partBytes), func(r io.Reader) error {
		var p ParticipantData
		if err := decodeParticipant(r, &p); err != nil {
			return err
		}
		s.ParticipantData = append(s.ParticipantData, p)

		return nil
	})
	if err != nil {
		return fmt.Errorf("unable to decode participant data: %w", err)
	}

	return nil
}

// Serialize returns the TLV encoding of the slate.
func (s *Slate) Serialize() ([]byte, error) {
	var b bytes.Buffer
	if err := s.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Deserialize decodes a TLV encoded slate.
func Deserialize(b []byte) (*Slate, error) {
	var s Slate
	if err := s.Decode(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return &s, nil
}

// Serialize returns the TLV encoding of the transaction alone.
func (tx *Transaction) Serialize() ([]byte, error) {
	var b bytes.Buffer
	if err := encodeTx(&b, tx); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// MarshalJSON returns the JSON encoding of the slate.
func MarshalJSON(s *Slate) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalJSON decodes a JSON encoded slate. Participant invariants are not
// checked here, see Validate.
func UnmarshalJSON(b []byte) (*Slate, error) {
	var s Slate
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}

	return &s, nil
}

func encodeTx(w io.Writer, tx *Transaction) error {
	var inputs, outputs, kernels bytes.Buffer

	err := encodeList(&inputs, len(tx.Body.Inputs), func(i int,
		w io.Writer) error {

		in := &tx.Body.Inputs[i]
		return encodeStream(w,
			tlv.MakePrimitiveRecord(featuresType, &in.Features),
			tlv.MakePrimitiveRecord(
				commitType, (*[33]byte)(&in.Commit),
			),
		)
	})
	if err != nil {
		return err
	}

	err = encodeList(&outputs, len(tx.Body.Outputs), func(i int,
		w io.Writer) error {

		out := &tx.Body.Outputs[i]
		records := []tlv.Record{
			tlv.MakePrimitiveRecord(featuresType, &out.Features),
			tlv.MakePrimitiveRecord(
				commitType, (*[33]byte)(&out.Commit),
			),
		}
		if len(out.Proof) > 0 {
			proof := []byte(out.Proof)
			records = append(records, tlv.MakePrimitiveRecord(
				proofType, &proof,
			))
		}

		return encodeStream(w, records...)
	})
	if err != nil {
		return err
	}

	err = encodeList(&kernels, len(tx.Body.Kernels), func(i int,
		w io.Writer) error {

		k := &tx.Body.Kernels[i]
		return encodeStream(w,
			tlv.MakePrimitiveRecord(featuresType, &k.Features),
			tlv.MakePrimitiveRecord(kernelFeeType, &k.Fee),
			tlv.MakePrimitiveRecord(
				kernelLockHeightType, &k.LockHeight,
			),
			tlv.MakePrimitiveRecord(
				kernelExcessType, (*[33]byte)(&k.Excess),
			),
			tlv.MakePrimitiveRecord(
				kernelExcessSigType, (*[64]byte)(&k.ExcessSig),
			),
		)
	})
	if err != nil {
		return err
	}

	inputBytes := inputs.Bytes()
	outputBytes := outputs.Bytes()
	kernelBytes := kernels.Bytes()

	return encodeStream(w,
		tlv.MakePrimitiveRecord(txOffsetType, (*[32]byte)(&tx.Offset)),
		tlv.MakePrimitiveRecord(txInputsType, &inputBytes),
		tlv.MakePrimitiveRecord(txOutputsType, &outputBytes),
		tlv.MakePrimitiveRecord(txKernelsType, &kernelBytes),
	)
}

func decodeTx(r io.Reader, tx *Transaction) error {
	var inputBytes, outputBytes, kernelBytes []byte
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(txOffsetType, (*[32]byte)(&tx.Offset)),
		tlv.MakePrimitiveRecord(txInputsType, &inputBytes),
		tlv.MakePrimitiveRecord(txOutputsType, &outputBytes),
		tlv.MakePrimitiveRecord(txKernelsType, &kernelBytes),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}

	tx.Body = TxBody{}

	err = decodeList(bytes.NewReader(inputBytes), func(r io.Reader) error {
		var in Input
		err := decodeStream(r,
			tlv.MakePrimitiveRecord(featuresType, &in.Features),
			tlv.MakePrimitiveRecord(
				commitType, (*[33]byte)(&in.Commit),
			),
		)
		if err != nil {
			return err
		}
		tx.Body.Inputs = append(tx.Body.Inputs, in)

		return nil
	})
	if err != nil {
		return fmt.Errorf("inputs: %w", err)
	}

	err = decodeList(bytes.NewReader(outputBytes), func(r io.Reader) error {
		var (
			out   Output
			proof []byte
		)
		err := decodeStream(r,
			tlv.MakePrimitiveRecord(featuresType, &out.Features),
			tlv.MakePrimitiveRecord(
				commitType, (*[33]byte)(&out.Commit),
			),
			tlv.MakePrimitiveRecord(proofType, &proof),
		)
		if err != nil {
			return err
		}
		if len(proof) > 0 {
			out.Proof = proof
		}
		tx.Body.Outputs = append(tx.Body.Outputs, out)

		return nil
	})
	if err != nil {
		return fmt.Errorf("outputs: %w", err)
	}

	err = decodeList(bytes.NewReader(kernelBytes), func(r io.Reader) error {
		var k Kernel
		err := decodeStream(r,
			tlv.MakePrimitiveRecord(featuresType, &k.Features),
			tlv.MakePrimitiveRecord(kernelFeeType, &k.Fee),
			tlv.MakePrimitiveRecord(
				kernelLockHeightType, &k.LockHeight,
			),
			tlv.MakePrimitiveRecord(
				kernelExcessType, (*[33]byte)(&k.Excess),
			),
			tlv.MakePrimitiveRecord(
				kernelExcessSigType, (*[64]byte)(&k.ExcessSig),
			),
		)
		if err != nil {
			return err
		}
		tx.Body.Kernels = append(tx.Body.Kernels, k)

		return nil
	})
	if err != nil {
		return fmt.Errorf("kernels: %w", err)
	}

	return nil
}

func encodeParticipant(w io.Writer, p *ParticipantData) error {
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(partIDType, &p.ID),
		tlv.MakePrimitiveRecord(
			partBlindType, (*[33]byte)(&p.PublicBlindExcess),
		),
		tlv.MakePrimitiveRecord(
			partNonceType, (*[33]byte)(&p.PublicNonce),
		),
	}
	if p.PartSig != nil {
		records = append(records, tlv.MakePrimitiveRecord(
			partSigType, (*[64]byte)(p.PartSig),
		))
	}
	if p.Message != "" {
		msg := []byte(p.Message)
		records = append(records, tlv.MakePrimitiveRecord(
			partMessageType, &msg,
		))
	}
	if p.MessageSig != nil {
		records = append(records, tlv.MakePrimitiveRecord(
			partMessageSigType, (*[64]byte)(p.MessageSig),
		))
	}

	return encodeStream(w, records...)
}

func decodeParticipant(r io.Reader, p *ParticipantData) error {
	var (
		partSig    [64]byte
		message    []byte
		messageSig [64]byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(partIDType, &p.ID),
		tlv.MakePrimitiveRecord(
			partBlindType, (*[33]byte)(&p.PublicBlindExcess),
		),
		tlv.MakePrimitiveRecord(
			partNonceType, (*[33]byte)(&p.PublicNonce),
		),
		tlv.MakePrimitiveRecord(partSigType, &partSig),
		tlv.MakePrimitiveRecord(partMessageType, &message),
		tlv.MakePrimitiveRecord(partMessageSigType, &messageSig),
	)
	if err != nil {
		return err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return err
	}

	if _, ok := parsed[partSigType]; ok {
		sig := Signature(partSig)
		p.PartSig = &sig
	}
	if _, ok := parsed[partMessageType]; ok {
		p.Message = string(message)
	}
	if _, ok := parsed[partMessageSigType]; ok {
		sig := Signature(messageSig)
		p.MessageSig = &sig
	}

	return nil
}

func encodeStream(w io.Writer, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func decodeStream(r io.Reader, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Decode(r)
}

// encodeList writes a varint item count followed by each item as a varint
// length prefixed TLV stream.
func encodeList(w io.Writer, n int, encodeItem func(int, io.Writer) error) error {
	var buf [8]byte
	if err := tlv.WriteVarInt(w, uint64(n), &buf); err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		var item bytes.Buffer
		if err := encodeItem(i, &item); err != nil {
			return err
		}

		err := tlv.WriteVarInt(w, uint64(item.Len()), &buf)
		if err != nil {
			return err
		}
		if _, err := w.Write(item.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

// decodeList reads a list written by encodeList. An empty reader is treated as
// an empty list.
func decodeList(r *bytes.Reader, decodeItem func(io.Reader) error) error {
	if r.Len() == 0 {
		return nil
	}

	var buf [8]byte
	n, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return err
	}
	if n > maxListLen {
		return fmt.Errorf("list length %d exceeds maximum %d", n,
			maxListLen)
	}

	for i := uint64(0); i < n; i++ {
		itemLen, err := tlv.ReadVarInt(r, &buf)
		if err != nil {
			return err
		}
		if itemLen > uint64(r.Len()) {
			return fmt.Errorf("item %d length %d exceeds remaining "+
				"%d bytes", i, itemLen, r.Len())
		}

		item := make([]byte, itemLen)
		if _, err := io.ReadFull(r, item); err != nil {
			return err
		}

		if err := decodeItem(bytes.NewReader(item)); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}

	return nil
}
