// internal/transaction/codec.go
package transaction

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the envelope wire format.
const (
	fieldTxPayload    protowire.Number = 1
	fieldTxSignatures protowire.Number = 2

	fieldSigPublicKey protowire.Number = 1
	fieldSigSignature protowire.Number = 2

	fieldPayloadCreator  protowire.Number = 1
	fieldPayloadCreated  protowire.Number = 2
	fieldPayloadQuorum   protowire.Number = 3
	fieldPayloadCommands protowire.Number = 4
)

// Marshal encodes the transaction envelope. The encoding is deterministic.
func (tx *Transaction) Marshal() []byte {
	b := make([]byte, 0, len(tx.payload)+len(tx.signatures)*112+8)
	b = protowire.AppendTag(b, fieldTxPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, tx.payload)
	for _, sig := range tx.signatures {
		var sb []byte
		sb = protowire.AppendTag(sb, fieldSigPublicKey, protowire.BytesType)
		sb = protowire.AppendBytes(sb, sig.PublicKey)
		sb = protowire.AppendTag(sb, fieldSigSignature, protowire.BytesType)
		sb = protowire.AppendBytes(sb, sig.Signature)

		b = protowire.AppendTag(b, fieldTxSignatures, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	return b
}

// Unmarshal decodes an envelope produced by Marshal. The payload must itself
// be well formed and at least one signature must be present.
func Unmarshal(b []byte) (*Transaction, error) {
	tx := &Transaction{}
	var sawPayload bool

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldTxPayload:
			tx.payload = append([]byte(nil), v...)
			sawPayload = true
		case fieldTxSignatures:
			sig, err := decodeSignature(v)
			if err != nil {
				return err
			}
			tx.signatures = append(tx.signatures, sig)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("malformed transaction: %w", err)
	}
	if !sawPayload || len(tx.payload) == 0 {
		return nil, fmt.Errorf("malformed transaction: missing payload")
	}
	if len(tx.signatures) == 0 {
		return nil, fmt.Errorf("malformed transaction: no signatures")
	}
	if _, err := decodePayload(tx.payload); err != nil {
		return nil, fmt.Errorf("malformed transaction: %w", err)
	}

	tx.id = HashPayload(tx.payload)
	return tx, nil
}

// IDOf decodes raw envelope bytes just enough to derive their identifier.
func IDOf(raw []byte) (ID, error) {
	tx, err := Unmarshal(raw)
	if err != nil {
		return ID{}, err
	}
	return tx.ID(), nil
}

func (u Unsigned) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPayloadCreator, protowire.BytesType)
	b = protowire.AppendString(b, u.CreatorAccountID)
	b = protowire.AppendTag(b, fieldPayloadCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.CreatedTime.UnixMilli()))
	b = protowire.AppendTag(b, fieldPayloadQuorum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.Quorum))
	for _, cmd := range u.Commands {
		b = protowire.AppendTag(b, fieldPayloadCommands, protowire.BytesType)
		b = protowire.AppendBytes(b, cmd)
	}
	return b
}

func decodePayload(b []byte) (Unsigned, error) {
	var u Unsigned
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldPayloadCreator:
			u.CreatorAccountID = string(v)
		case fieldPayloadCreated:
			ms, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			u.CreatedTime = time.UnixMilli(int64(ms))
		case fieldPayloadQuorum:
			q, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return protowire.ParseError(n)
			}
			u.Quorum = uint32(q)
		case fieldPayloadCommands:
			u.Commands = append(u.Commands, append([]byte(nil), v...))
		}
		return nil
	})
	if err != nil {
		return Unsigned{}, fmt.Errorf("payload: %w", err)
	}
	if u.CreatorAccountID == "" {
		return Unsigned{}, fmt.Errorf("payload: missing creator account")
	}
	return u, nil
}

func decodeSignature(b []byte) (Signature, error) {
	var sig Signature
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldSigPublicKey:
			sig.PublicKey = append([]byte(nil), v...)
		case fieldSigSignature:
			sig.Signature = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Signature{}, fmt.Errorf("signature: %w", err)
	}
	if len(sig.PublicKey) == 0 || len(sig.Signature) == 0 {
		return Signature{}, fmt.Errorf("signature: empty public key or signature")
	}
	return sig, nil
}

// walkFields iterates over the top-level fields of b. For length-delimited
// fields fn receives the contents; for varints it receives the raw varint
// bytes. Unknown wire types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			_, n = protowire.ConsumeVarint(b)
			if n >= 0 {
				v = b[:n]
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if v == nil && typ != protowire.BytesType {
			continue
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
