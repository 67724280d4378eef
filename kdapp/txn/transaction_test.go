package txn_test

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"github.com/stretchr/testify/require"
)

func fundedTx(t *testing.T) (*txn.Transaction, []txn.UtxoEntry, *ecdsa.PrivateKey) {
	t.Helper()
	key, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)
	spk := txn.PayToPubKey(pub)

	entries := []txn.UtxoEntry{
		{Outpoint: txn.Outpoint{TxID: common.Hash{1}, Index: 0}, Amount: 40, ScriptPublicKey: spk},
		{Outpoint: txn.Outpoint{TxID: common.Hash{2}, Index: 3}, Amount: 70, ScriptPublicKey: spk},
	}
	tx := &txn.Transaction{
		Inputs: []txn.Input{
			{PreviousOutpoint: entries[0].Outpoint, SigOpCount: 1},
			{PreviousOutpoint: entries[1].Outpoint, SigOpCount: 1},
		},
		Outputs: []txn.Output{{Value: 100, ScriptPublicKey: spk}},
		Payload: []byte("payload"),
	}
	return tx, entries, key
}

func TestTransactionID(t *testing.T) {
	tx, entries, key := fundedTx(t)

	id := tx.ID()
	require.Equal(t, id, tx.Clone().ID())

	require.NoError(t, txn.SignInputs(tx, entries, key))
	require.Equal(t, id, tx.ID(), "signing must not change the id")

	tx.Payload[0] ^= 1
	require.NotEqual(t, id, tx.ID())
}

func TestSignAndVerify(t *testing.T) {
	tx, entries, key := fundedTx(t)
	require.NoError(t, txn.SignInputs(tx, entries, key))

	for i := range tx.Inputs {
		require.NoError(t, txn.VerifyInput(tx, i, entries[i]))
	}

	t.Run("tampered output", func(t *testing.T) {
		c := tx.Clone()
		c.Outputs[0].Value++
		require.ErrorIs(t, txn.VerifyInput(c, 0, entries[0]), txn.ErrBadSignatureScript)
	})

	t.Run("wrong amount", func(t *testing.T) {
		e := entries[1]
		e.Amount++
		require.Error(t, txn.VerifyInput(tx, 1, e))
	})

	t.Run("missing signature", func(t *testing.T) {
		c := tx.Clone()
		c.Inputs[0].SignatureScript = nil
		require.ErrorIs(t, txn.VerifyInput(c, 0, entries[0]), txn.ErrBadSignatureScript)
	})
}

func TestSignInputsPanicsOnForeignKey(t *testing.T) {
	tx, entries, _ := fundedTx(t)
	other, _, err := pki.GenerateKeypair()
	require.NoError(t, err)

	require.Panics(t, func() {
		_ = txn.SignInputs(tx, entries, other)
	})
	require.Panics(t, func() {
		_ = txn.SignInputs(tx, entries[:1], other)
	})
}

func TestEncodeDecode(t *testing.T) {
	tx, entries, key := fundedTx(t)
	require.NoError(t, txn.SignInputs(tx, entries, key))

	b, err := tx.Encode()
	require.NoError(t, err)
	decoded, err := txn.DecodeTransaction(b)
	require.NoError(t, err)
	require.Equal(t, tx.ID(), decoded.ID())
	require.NoError(t, txn.VerifyInput(decoded, 0, entries[0]))
}

func TestAddress(t *testing.T) {
	_, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)

	addr := txn.NewAddress("kdapp-sim", pub)
	parsed, err := txn.ParseAddress(addr.String())
	require.NoError(t, err)
	require.Equal(t, addr, parsed)

	got, ok := txn.ExtractPubKey(addr.ScriptPublicKey())
	require.True(t, ok)
	require.Equal(t, pub, got)

	_, err = txn.ParseAddress(pub.String())
	require.ErrorIs(t, err, txn.ErrInvalidAddress)
	_, err = txn.ParseAddress("kdapp-sim:zz")
	require.ErrorIs(t, err, txn.ErrInvalidAddress)
}

func TestMass(t *testing.T) {
	tx, entries, key := fundedTx(t)

	before := txn.ComputeMass(tx)
	require.NoError(t, txn.SignInputs(tx, entries, key))
	after := txn.ComputeMass(tx)
	require.InDelta(t, before, after, 8, "unsigned estimate should match the signed mass")
	require.Less(t, after, uint64(txn.MaxStandardMass))

	t.Run("storage mass disabled", func(t *testing.T) {
		require.Zero(t, txn.StorageMass(tx, entries, 0))
	})

	t.Run("small outputs cost more", func(t *testing.T) {
		big := txn.StorageMass(tx, entries, 1_000_000)

		split := tx.Clone()
		split.Outputs = []txn.Output{
			{Value: 1, ScriptPublicKey: tx.Outputs[0].ScriptPublicKey},
			{Value: 99, ScriptPublicKey: tx.Outputs[0].ScriptPublicKey},
		}
		require.Greater(t, txn.StorageMass(split, entries, 1_000_000), big)
	})

	t.Run("mass is the larger component", func(t *testing.T) {
		require.Equal(t, txn.ComputeMass(tx), txn.Mass(tx, entries, 0))
	})
}
