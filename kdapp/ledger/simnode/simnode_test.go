package simnode_test

import (
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
	"github.com/kasdapp/kdapp-go/kdapp/ledger/simnode"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"github.com/stretchr/testify/require"
)

func spend(t *testing.T, key *ecdsa.PrivateKey, entry txn.UtxoEntry, value uint64, payload string) *txn.Transaction {
	t.Helper()
	tx := &txn.Transaction{
		Inputs:  []txn.Input{{PreviousOutpoint: entry.Outpoint, SigOpCount: 1}},
		Outputs: []txn.Output{{Value: value, ScriptPublicKey: entry.ScriptPublicKey}},
		Payload: []byte(payload),
	}
	require.NoError(t, txn.SignInputs(tx, []txn.UtxoEntry{entry}, key))
	return tx
}

func TestSubmitAndAccept(t *testing.T) {
	ctx := context.Background()
	node := simnode.New("kdapp-sim")
	key, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)
	addr := txn.NewAddress(node.Network(), pub)
	funded := node.Fund(addr, 100, 50)

	tx := spend(t, key, funded[0], 99, "first")
	id, err := node.SubmitTransaction(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, tx.ID(), id)

	t.Run("duplicate in mempool", func(t *testing.T) {
		_, err := node.SubmitTransaction(ctx, tx)
		require.Equal(t, ledger.AlreadyAccepted, ledger.KindOf(ledger.Classify(err)))
	})

	t.Run("double spend in mempool", func(t *testing.T) {
		_, err := node.SubmitTransaction(ctx, spend(t, key, funded[0], 98, "second"))
		require.Equal(t, ledger.NotStandard, ledger.KindOf(ledger.Classify(err)))
	})

	sink := node.Mine()
	info, err := node.GetDagInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, sink, info.Sink)

	t.Run("accepted by the chain block", func(t *testing.T) {
		genesis, err := node.GetVirtualChainFromBlock(ctx, info.PruningPointHash)
		require.NoError(t, err)
		require.Len(t, genesis.Added, 1)
		require.Equal(t, []common.Hash{genesis.Added[0].AcceptedTxIDs[0], id}, genesis.Added[0].AcceptedTxIDs)

		b, err := node.GetBlock(ctx, sink, false)
		require.NoError(t, err)
		require.True(t, b.Verbose.IsChainBlock)
		require.Len(t, b.Verbose.MergeSetBlues, 2)

		merged, err := node.GetBlock(ctx, b.Verbose.MergeSetBlues[1], true)
		require.NoError(t, err)
		require.Len(t, merged.Transactions, 2)
		require.Equal(t, id, merged.Transactions[1].ID)
	})

	t.Run("already accepted", func(t *testing.T) {
		_, err := node.SubmitTransaction(ctx, tx)
		require.Equal(t, ledger.AlreadyAccepted, ledger.KindOf(ledger.Classify(err)))
	})

	t.Run("orphan", func(t *testing.T) {
		_, err := node.SubmitTransaction(ctx, spend(t, key, funded[0], 10, "spent already"))
		require.Equal(t, ledger.Orphan, ledger.KindOf(ledger.Classify(err)))
	})

	t.Run("utxos reflect the chain", func(t *testing.T) {
		utxos, err := node.GetUtxosByAddress(ctx, addr)
		require.NoError(t, err)
		var total uint64
		for _, u := range utxos {
			total += u.Amount
		}
		require.Equal(t, uint64(149), total)
	})
}

func TestReorg(t *testing.T) {
	ctx := context.Background()
	node := simnode.New("kdapp-sim")
	key, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)
	addr := txn.NewAddress(node.Network(), pub)
	funded := node.Fund(addr, 10, 20)

	base := node.Mine()

	_, err = node.SubmitTransaction(ctx, spend(t, key, funded[0], 9, "a"))
	require.NoError(t, err)
	first := node.Mine()
	_, err = node.SubmitTransaction(ctx, spend(t, key, funded[1], 19, "b"))
	require.NoError(t, err)
	second := node.Mine()

	removed := node.Reorg(2)
	require.Equal(t, []common.Hash{second, first}, removed)
	require.Len(t, node.Mempool(), 2)

	replacement := node.Mine()

	vc, err := node.GetVirtualChainFromBlock(ctx, second)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{second, first}, vc.Removed)
	require.Len(t, vc.Added, 1)
	require.Equal(t, replacement, vc.Added[0].Hash)
	require.Len(t, vc.Added[0].AcceptedTxIDs, 3)

	fromBase, err := node.GetVirtualChainFromBlock(ctx, base)
	require.NoError(t, err)
	require.Empty(t, fromBase.Removed)
	require.Len(t, fromBase.Added, 1)

	t.Run("removed blocks are forgotten after a restart", func(t *testing.T) {
		node.ForgetRemoved()
		_, err := node.GetVirtualChainFromBlock(ctx, second)
		require.ErrorIs(t, err, ledger.ErrBlockNotFound)
	})

	t.Run("pruned blocks are unknown", func(t *testing.T) {
		node.Prune(1)
		_, err := node.GetVirtualChainFromBlock(ctx, base)
		require.ErrorIs(t, err, ledger.ErrBlockNotFound)
		_, err = node.GetBlock(ctx, base, false)
		require.ErrorIs(t, err, ledger.ErrBlockNotFound)
	})
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	node := simnode.New("kdapp-sim")

	ch := make(chan common.Hash, 1)
	sub, err := node.SubscribeSinkChanged(ctx, ch)
	require.NoError(t, err)

	sink := node.Mine()
	require.Equal(t, sink, <-ch)

	node.SetDisconnected(true)
	require.ErrorIs(t, <-sub.Err(), simnode.ErrDisconnected)

	_, err = node.GetDagInfo(ctx)
	require.True(t, ledger.IsTransient(err))
	_, err = node.Dial(ctx)
	require.ErrorIs(t, err, simnode.ErrDisconnected)

	node.SetDisconnected(false)
	_, err = node.Dial(ctx)
	require.NoError(t, err)
}
