package submit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/generator"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
	"github.com/kasdapp/kdapp-go/kdapp/ledger/simnode"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/kasdapp/kdapp-go/kdapp/submit"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"github.com/kasdapp/kdapp-go/kdapp/utxo"
	"github.com/stretchr/testify/require"
)

type harness struct {
	node *simnode.Node
	addr txn.Address
	sel  *utxo.Selector
	sub  *submit.Submitter
	msg  *payload.Message
}

func newHarness(t *testing.T, amounts ...uint64) *harness {
	t.Helper()
	node := simnode.New("kdapp-sim")
	key, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)
	addr := txn.NewAddress(node.Network(), pub)
	node.Fund(addr, amounts...)

	sel := utxo.NewSelector(utxo.NewCache(node, time.Second), addr)
	require.NoError(t, sel.Refresh(context.Background()))

	gen, err := generator.New(key, payload.Pattern{{Pos: 0, Bit: 1}}, payload.Prefix(0x6b646170), generator.DefaultOptions())
	require.NoError(t, err)

	cfg := submit.DefaultConfig()
	cfg.Fee = 1
	cfg.RetryBackoff = time.Millisecond
	return &harness{
		node: node,
		addr: addr,
		sel:  sel,
		sub:  submit.New(node, sel, gen, cfg),
		msg:  payload.NewEpisodeMessage(episode.ID(1), []pki.PubKey{pub}),
	}
}

func TestSubmitCommand(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	id, err := h.sub.SubmitCommand(ctx, h.msg, nil)
	require.NoError(t, err)

	mempool := h.node.Mempool()
	require.Len(t, mempool, 1)
	require.Equal(t, id, mempool[0].ID())
	require.Empty(t, h.sel.Available())
	require.Empty(t, h.sel.Reserved())
}

func TestOrphanRefreshesOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("rebuilds with the visible output", func(t *testing.T) {
		h := newHarness(t, 100)
		stale := h.sel.Available()[0]
		h.node.RemoveUtxo(stale.Outpoint)
		fresh := h.node.Fund(h.addr, 100)[0]

		_, err := h.sub.SubmitCommand(ctx, h.msg, nil)
		require.NoError(t, err)

		mempool := h.node.Mempool()
		require.Len(t, mempool, 1)
		require.Equal(t, fresh.Outpoint, mempool[0].Inputs[0].PreviousOutpoint)
	})

	t.Run("second orphan is surfaced", func(t *testing.T) {
		h := newHarness(t, 100, 100)
		h.node.InjectSubmitErrors(
			errors.New("transaction is an orphan"),
			errors.New("transaction is an orphan"),
		)

		_, err := h.sub.SubmitCommand(ctx, h.msg, nil)
		require.Equal(t, ledger.Orphan, ledger.KindOf(err))
		require.Empty(t, h.node.Mempool())
	})
}

func TestRejectionKinds(t *testing.T) {
	ctx := context.Background()

	t.Run("already accepted is success", func(t *testing.T) {
		h := newHarness(t, 100)
		h.node.InjectSubmitErrors(errors.New("transaction is already accepted"))

		_, err := h.sub.SubmitCommand(ctx, h.msg, nil)
		require.NoError(t, err)
		require.Empty(t, h.sel.Reserved())
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		h := newHarness(t, 100)
		h.node.InjectSubmitErrors(errors.New("connection reset"), errors.New("websocket closed"))

		_, err := h.sub.SubmitCommand(ctx, h.msg, nil)
		require.NoError(t, err)
		require.Len(t, h.node.Mempool(), 1)
	})

	t.Run("transient failures are bounded", func(t *testing.T) {
		h := newHarness(t, 100)
		h.node.InjectSubmitErrors(errors.New("timeout"), errors.New("timeout"), errors.New("timeout"))

		_, err := h.sub.SubmitCommand(ctx, h.msg, nil)
		require.True(t, ledger.IsTransient(err))
		require.Len(t, h.sel.Reserved(), 1)
	})

	t.Run("not standard is a mass failure", func(t *testing.T) {
		h := newHarness(t, 100)
		h.node.InjectSubmitErrors(errors.New("transaction mass 120000 is larger than max allowed 100000"))

		_, err := h.sub.SubmitCommand(ctx, h.msg, nil)
		require.ErrorIs(t, err, generator.ErrMassLimitExceeded)
		require.Equal(t, ledger.NotStandard, ledger.KindOf(err))
	})

	t.Run("other rejections are not mass failures", func(t *testing.T) {
		h := newHarness(t, 100)
		h.node.InjectSubmitErrors(errors.New("transaction double spends an output in the mempool"))

		_, err := h.sub.SubmitCommand(ctx, h.msg, nil)
		require.Equal(t, ledger.NotStandard, ledger.KindOf(err))
		require.NotErrorIs(t, err, generator.ErrMassLimitExceeded)
	})

	t.Run("cancellation is returned as is", func(t *testing.T) {
		h := newHarness(t, 100)
		h.node.InjectSubmitErrors(context.Canceled)

		_, err := h.sub.SubmitCommand(ctx, h.msg, nil)
		require.ErrorIs(t, err, context.Canceled)
		require.Zero(t, ledger.KindOf(err))
		require.NotErrorIs(t, err, generator.ErrMassLimitExceeded)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.sub.SubmitCommand(ctx, h.msg, nil)
		require.ErrorIs(t, err, utxo.ErrInsufficientFunds)
	})
}
