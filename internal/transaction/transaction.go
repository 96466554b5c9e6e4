// internal/transaction/transaction.go
package transaction

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// IDSize is the length in bytes of a transaction identifier.
const IDSize = 32

// ID identifies a transaction. It is the SHA3-256 digest of the encoded
// payload, so re-transmitting the same signed bytes always yields the same ID
// and adding signatures never changes it.
type ID [IDSize]byte

// Hex returns the lowercase hex encoding used for logging and correlation.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.Hex()
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID decodes a hex-encoded identifier.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid transaction hash %q: %w", s, err)
	}
	if len(raw) != IDSize {
		return id, fmt.Errorf("invalid transaction hash length %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// HashPayload derives the identifier of an encoded payload.
func HashPayload(payload []byte) ID {
	return ID(sha3.Sum256(payload))
}

// Unsigned is a transaction that has not been signed yet.
type Unsigned struct {
	CreatorAccountID string
	CreatedTime      time.Time
	Quorum           uint32
	// Commands are opaque to the relay and passed to the ledger as-is.
	Commands [][]byte
}

// Signature is one signatory's signature over the payload digest.
type Signature struct {
	PublicKey []byte
	Signature []byte
}

// Transaction is an immutable signed transaction envelope.
type Transaction struct {
	payload    []byte
	signatures []Signature
	id         ID
}

// Signer produces signatures over a payload digest.
type Signer interface {
	PublicKey() []byte
	Sign(digest []byte) ([]byte, error)
}

// Sign encodes the payload of utx and signs its digest with signer.
func Sign(utx Unsigned, signer Signer) (*Transaction, error) {
	if signer == nil {
		return nil, fmt.Errorf("nil signer")
	}
	if utx.CreatorAccountID == "" {
		return nil, fmt.Errorf("transaction has no creator account")
	}
	if utx.CreatedTime.IsZero() {
		utx.CreatedTime = time.Now()
	}

	payload := utx.encode()
	tx := &Transaction{payload: payload, id: HashPayload(payload)}
	return tx.WithSignature(signer)
}

// WithSignature returns a copy of tx with one more signature appended.
func (tx *Transaction) WithSignature(signer Signer) (*Transaction, error) {
	sig, err := signer.Sign(tx.id[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction %s: %w", tx.id, err)
	}

	signatures := make([]Signature, len(tx.signatures), len(tx.signatures)+1)
	copy(signatures, tx.signatures)
	signatures = append(signatures, Signature{
		PublicKey: append([]byte(nil), signer.PublicKey()...),
		Signature: sig,
	})

	return &Transaction{payload: tx.payload, signatures: signatures, id: tx.id}, nil
}

// ID returns the transaction identifier.
func (tx *Transaction) ID() ID {
	return tx.id
}

// Payload returns a copy of the encoded payload.
func (tx *Transaction) Payload() []byte {
	return append([]byte(nil), tx.payload...)
}

// Signatures returns a copy of the signatures.
func (tx *Transaction) Signatures() []Signature {
	signatures := make([]Signature, len(tx.signatures))
	copy(signatures, tx.signatures)
	return signatures
}

// Unsigned decodes the payload back into its fields.
func (tx *Transaction) Unsigned() (Unsigned, error) {
	return decodePayload(tx.payload)
}

// Equal reports whether both transactions carry the same payload and signatures.
func (tx *Transaction) Equal(other *Transaction) bool {
	if other == nil || !bytes.Equal(tx.payload, other.payload) || len(tx.signatures) != len(other.signatures) {
		return false
	}
	for i := range tx.signatures {
		if !bytes.Equal(tx.signatures[i].PublicKey, other.signatures[i].PublicKey) ||
			!bytes.Equal(tx.signatures[i].Signature, other.signatures[i].Signature) {
			return false
		}
	}
	return true
}
