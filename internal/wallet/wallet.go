// internal/wallet/wallet.go
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcutil/base58"

	"github.com/cmatc13/txrelay/internal/transaction"
)

// Keypair is a secp256k1 signing keypair.
type Keypair struct {
	privateKey *btcec.PrivateKey
	publicKey  []byte
}

// GenerateKeypair creates a new random keypair
func GenerateKeypair() (*Keypair, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return newKeypair(privateKey), nil
}

// ImportKeypair imports a keypair from a hex encoded private key
func ImportKeypair(privateKeyHex string) (*Keypair, error) {
	privateKeyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key format: %w", err)
	}
	if len(privateKeyBytes) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key length %d", len(privateKeyBytes))
	}

	privateKey, _ := btcec.PrivKeyFromBytes(privateKeyBytes)
	if privateKey == nil || privateKey.Key.IsZero() {
		return nil, errors.New("invalid private key")
	}

	return newKeypair(privateKey), nil
}

func newKeypair(privateKey *btcec.PrivateKey) *Keypair {
	return &Keypair{
		privateKey: privateKey,
		publicKey:  privateKey.PubKey().SerializeCompressed(),
	}
}

// ExportPrivateKey exports the private key as a hex string
func (k *Keypair) ExportPrivateKey() string {
	return hex.EncodeToString(k.privateKey.Serialize())
}

// PublicKey returns the compressed public key.
func (k *Keypair) PublicKey() []byte {
	return append([]byte(nil), k.publicKey...)
}

// PublicKeyBase58 renders the public key for logs and configuration dumps.
func (k *Keypair) PublicKeyBase58() string {
	return base58.Encode(k.publicKey)
}

// Sign signs a 32-byte digest.
func (k *Keypair) Sign(digest []byte) ([]byte, error) {
	if k == nil || k.privateKey == nil {
		return nil, errors.New("keypair has no private key")
	}
	if len(digest) != transaction.IDSize {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", transaction.IDSize, len(digest))
	}
	return ecdsa.Sign(k.privateKey, digest).Serialize(), nil
}

// VerifySignature verifies a DER signature over digest against pubKey
func VerifySignature(pubKey, digest, signature []byte) (bool, error) {
	parsedPubKey, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to parse public key: %w", err)
	}

	parsedSig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false, fmt.Errorf("failed to parse signature: %w", err)
	}

	return parsedSig.Verify(digest, parsedPubKey), nil
}

// VerifyTransaction checks every signature carried by tx.
func VerifyTransaction(tx *transaction.Transaction) error {
	id := tx.ID()
	for i, sig := range tx.Signatures() {
		ok, err := VerifySignature(sig.PublicKey, id[:], sig.Signature)
		if err != nil {
			return fmt.Errorf("signature %d: %w", i, err)
		}
		if !ok {
			return fmt.Errorf("signature %d does not match payload", i)
		}
	}
	return nil
}

// Identity is the account a submitter signs for.
type Identity struct {
	AccountID string
	Keypair   *Keypair
}

// NewIdentity builds an identity from an account ID and a hex private key.
func NewIdentity(accountID, privateKeyHex string) (Identity, error) {
	if accountID == "" {
		return Identity{}, errors.New("account id is required")
	}
	keypair, err := ImportKeypair(privateKeyHex)
	if err != nil {
		return Identity{}, err
	}
	return Identity{AccountID: accountID, Keypair: keypair}, nil
}
