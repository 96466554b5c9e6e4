package transaction_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/cmatc13/txrelay/internal/transaction"
	"github.com/cmatc13/txrelay/internal/wallet"
)

func sampleUnsigned() transaction.Unsigned {
	return transaction.Unsigned{
		CreatorAccountID: "notary@d3",
		CreatedTime:      time.UnixMilli(1700000000123),
		Quorum:           1,
		Commands:         [][]byte{[]byte("transfer:alice:bob:10"), {}},
	}
}

func TestSignAndRoundTrip(t *testing.T) {
	kp, err := wallet.GenerateKeypair()
	require.NoError(t, err)

	tx, err := transaction.Sign(sampleUnsigned(), kp)
	require.NoError(t, err)
	require.Len(t, tx.Signatures(), 1)

	decoded, err := transaction.Unmarshal(tx.Marshal())
	require.NoError(t, err)
	assert.True(t, tx.Equal(decoded))
	assert.Equal(t, tx.ID(), decoded.ID())

	u, err := decoded.Unsigned()
	require.NoError(t, err)
	assert.Equal(t, "notary@d3", u.CreatorAccountID)
	assert.Equal(t, uint32(1), u.Quorum)
	assert.Equal(t, int64(1700000000123), u.CreatedTime.UnixMilli())
	assert.Len(t, u.Commands, 2)

	require.NoError(t, wallet.VerifyTransaction(decoded))
}

func TestIDIsHashOfPayload(t *testing.T) {
	kp, err := wallet.GenerateKeypair()
	require.NoError(t, err)

	tx, err := transaction.Sign(sampleUnsigned(), kp)
	require.NoError(t, err)

	want := sha3.Sum256(tx.Payload())
	assert.Equal(t, transaction.ID(want), tx.ID())
}

func TestIDStableAcrossDerivations(t *testing.T) {
	kp, err := wallet.GenerateKeypair()
	require.NoError(t, err)
	tx, err := transaction.Sign(sampleUnsigned(), kp)
	require.NoError(t, err)

	raw := tx.Marshal()
	first, err := transaction.IDOf(raw)
	require.NoError(t, err)
	second, err := transaction.IDOf(raw)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, tx.ID(), first)
}

func TestAdditionalSignatureKeepsID(t *testing.T) {
	first, err := wallet.GenerateKeypair()
	require.NoError(t, err)
	second, err := wallet.GenerateKeypair()
	require.NoError(t, err)

	tx, err := transaction.Sign(sampleUnsigned(), first)
	require.NoError(t, err)
	cosigned, err := tx.WithSignature(second)
	require.NoError(t, err)

	assert.Equal(t, tx.ID(), cosigned.ID())
	assert.Len(t, tx.Signatures(), 1)
	assert.Len(t, cosigned.Signatures(), 2)
	require.NoError(t, wallet.VerifyTransaction(cosigned))
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":        nil,
		"garbage":      {0xff, 0xff, 0xff},
		"truncated":    {0x0a, 0x10, 0x01},
		"no signature": {0x0a, 0x03, 0x0a, 0x01, 'a'},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := transaction.Unmarshal(raw)
			assert.Error(t, err)
		})
	}
}

func TestSignRequiresCreator(t *testing.T) {
	kp, err := wallet.GenerateKeypair()
	require.NoError(t, err)

	u := sampleUnsigned()
	u.CreatorAccountID = ""
	_, err = transaction.Sign(u, kp)
	assert.Error(t, err)
}

func TestParseID(t *testing.T) {
	kp, err := wallet.GenerateKeypair()
	require.NoError(t, err)
	tx, err := transaction.Sign(sampleUnsigned(), kp)
	require.NoError(t, err)

	id, err := transaction.ParseID(tx.ID().Hex())
	require.NoError(t, err)
	assert.Equal(t, tx.ID(), id)

	_, err = transaction.ParseID("abcd")
	assert.Error(t, err)
	_, err = transaction.ParseID("zz")
	assert.Error(t, err)
}
