package engine_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/counter"
	"github.com/kasdapp/kdapp-go/kdapp/engine"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/stretchr/testify/require"
)

const room = episode.ID(7)

type (
	counterEngine  = engine.Engine[counter.Command, counter.Rollback]
	counterEpisode = episode.Episode[counter.Command, counter.Rollback]
)

type events struct {
	episode.NopHandler[counter.Command, counter.Rollback]
	initialized int
	commands    int
	rollbacks   int
	deleted     int
	rejects     []error
	reverted    []common.Hash
}

func (e *events) OnInitialize(episode.ID, counterEpisode, *episode.PayloadMetadata) {
	e.initialized++
}

func (e *events) OnCommand(episode.ID, counterEpisode, *counter.Command, *pki.PubKey, *episode.PayloadMetadata) {
	e.commands++
}

func (e *events) OnRollback(_ episode.ID, ep counterEpisode) {
	if ep == nil {
		e.deleted++
		return
	}
	e.rollbacks++
}

func (e *events) OnReject(_ episode.ID, err error, _ *episode.PayloadMetadata) {
	e.rejects = append(e.rejects, err)
}

func (e *events) OnBlockReverted(hash common.Hash) {
	e.reverted = append(e.reverted, hash)
}

func newEngine(h episode.EventHandler[counter.Command, counter.Rollback], cfg engine.Config) *counterEngine {
	return engine.New[counter.Command, counter.Rollback](counter.New, h, cfg)
}

// chain builds accepting blocks with unique hashes and increasing DAA scores.
type chain struct {
	t   testing.TB
	key *ecdsa.PrivateKey
	pub pki.PubKey
	seq int64
}

func newChain(t testing.TB) *chain {
	key, pub, err := pki.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	return &chain{t: t, key: key, pub: pub}
}

func (c *chain) block(daa uint64, msgs ...*payload.Message) *engine.BlockAccepted {
	c.seq++
	b := &engine.BlockAccepted{
		AcceptingHash: common.BigToHash(big.NewInt(c.seq)),
		AcceptingDAA:  daa,
		AcceptingTime: 1_700_000_000 + daa,
	}
	for i, m := range msgs {
		b.Txs = append(b.Txs, engine.AcceptedTx{
			TxID:    common.BigToHash(big.NewInt(c.seq<<16 | int64(i))),
			Message: m,
		})
	}
	return b
}

func (c *chain) create() *payload.Message {
	return payload.NewEpisodeMessage(room, []pki.PubKey{c.pub})
}

func (c *chain) cmd(command *counter.Command) *payload.Message {
	m, err := payload.NewSignedCommand(room, command, c.key)
	if err != nil {
		c.t.Fatal(err)
	}
	return m
}

func state(t testing.TB, e *counterEngine) counter.Counter {
	var c counter.Counter
	if !e.View(room, func(ep counterEpisode) { c = *ep.(*counter.Counter) }) {
		t.Fatalf("episode %d does not exist", room)
	}
	return c
}

func TestSubmit(t *testing.T) {
	c := newChain(t)
	h := &events{}
	e := newEngine(h, engine.DefaultConfig())

	e.ApplyBlock(c.block(1, c.create(), c.cmd(counter.Add(3))))
	require.Equal(t, 1, h.initialized)
	require.Equal(t, 1, h.commands)
	require.Equal(t, uint64(3), state(t, e).Value)
	require.Equal(t, 2, e.Depth(room))

	md := &episode.PayloadMetadata{AcceptingHash: common.HexToHash("0xff"), AcceptingDAA: 2}

	t.Run("existing episode", func(t *testing.T) {
		require.ErrorIs(t, e.Submit(room, c.create(), md), engine.ErrEpisodeExists)
	})

	t.Run("unknown episode", func(t *testing.T) {
		m, err := payload.NewSignedCommand(room+1, counter.Add(1), c.key)
		require.NoError(t, err)
		require.ErrorIs(t, e.Submit(room+1, m, md), engine.ErrUnknownEpisode)
	})

	t.Run("episode mismatch", func(t *testing.T) {
		require.ErrorIs(t, e.Submit(room+1, c.cmd(counter.Add(1)), md), engine.ErrEpisodeMismatch)
	})

	t.Run("invalid signature", func(t *testing.T) {
		m := c.cmd(counter.Add(1))
		m.Signature[0] ^= 0xff
		require.ErrorIs(t, e.Submit(room, m, md), episode.ErrInvalidSignature)
	})

	t.Run("signature from another episode", func(t *testing.T) {
		m, err := payload.NewSignedCommand(room+1, counter.Add(1), c.key)
		require.NoError(t, err)
		m.EpisodeID = room
		require.ErrorIs(t, e.Submit(room, m, md), episode.ErrInvalidSignature)
	})

	t.Run("unauthorized", func(t *testing.T) {
		other := newChain(t)
		require.ErrorIs(t, e.Submit(room, other.cmd(counter.Add(1)), md), episode.ErrUnauthorized)

		m, err := payload.NewUnsignedCommand(room, counter.Add(1))
		require.NoError(t, err)
		require.ErrorIs(t, e.Submit(room, m, md), episode.ErrUnauthorized)
	})

	t.Run("undecodable command", func(t *testing.T) {
		m, err := payload.NewUnsignedCommand(room, counter.Add(1))
		require.NoError(t, err)
		m.Command = []byte{0x01}
		require.ErrorIs(t, e.Submit(room, m, md), episode.ErrInvalidCommand)
	})

	t.Run("application rejection", func(t *testing.T) {
		require.ErrorIs(t, e.Submit(room, c.cmd(counter.Sub(4)), md), counter.ErrUnderflow)
	})

	require.Len(t, h.rejects, 9)
	require.Equal(t, uint64(3), state(t, e).Value)
	require.Equal(t, 2, e.Depth(room))
}

func TestDuplicateBlockIsIgnored(t *testing.T) {
	c := newChain(t)
	e := newEngine(nil, engine.DefaultConfig())

	b := c.block(1, c.create(), c.cmd(counter.Add(3)))
	e.ApplyBlock(b)
	e.ApplyBlock(b)
	require.Equal(t, uint64(3), state(t, e).Value)
	require.Equal(t, 2, e.Depth(room))
}

func TestReorgReplaysTheNewChain(t *testing.T) {
	c := newChain(t)
	h := &events{}
	e := newEngine(h, engine.DefaultConfig())

	genesis := c.block(1, c.create())
	b1 := c.block(2, c.cmd(counter.Add(1)))
	b2 := c.block(3, c.cmd(counter.Add(2)))
	b3 := c.block(4, c.cmd(counter.Add(3)))
	for _, b := range []*engine.BlockAccepted{genesis, b1, b2, b3} {
		e.ApplyBlock(b)
	}
	require.Equal(t, uint64(6), state(t, e).Value)

	require.NoError(t, e.RevertBlock(b3.AcceptingHash))
	require.NoError(t, e.RevertBlock(b2.AcceptingHash))
	require.Equal(t, 2, h.rollbacks)
	require.Equal(t, []common.Hash{b3.AcceptingHash, b2.AcceptingHash}, h.reverted)
	require.Equal(t, uint64(1), state(t, e).Value)

	n2 := c.block(3, c.cmd(counter.Add(5)))
	n3 := c.block(4, c.cmd(counter.Add(7)))
	e.ApplyBlock(n2)
	e.ApplyBlock(n3)

	replay := newEngine(nil, engine.DefaultConfig())
	for _, b := range []*engine.BlockAccepted{genesis, b1, n2, n3} {
		replay.ApplyBlock(b)
	}
	got, want := state(t, e), state(t, replay)
	require.Equal(t, want.Value, got.Value)
	require.Equal(t, want.Updates, got.Updates)
	require.Equal(t, want.LastUpdate, got.LastUpdate)

	t.Run("unknown block is ignored", func(t *testing.T) {
		require.NoError(t, e.RevertBlock(common.HexToHash("0xdead")))
	})

	t.Run("reverting the creation deletes the episode", func(t *testing.T) {
		require.NoError(t, e.RevertBlock(genesis.AcceptingHash))
		require.Equal(t, 1, h.deleted)
		require.Empty(t, e.Episodes())
		require.False(t, e.View(room, func(counterEpisode) {}))
	})
}

func TestRollbackToClamps(t *testing.T) {
	c := newChain(t)
	h := &events{}
	e := newEngine(h, engine.DefaultConfig())
	e.ApplyBlock(c.block(1, c.create(), c.cmd(counter.Add(1)), c.cmd(counter.Add(2))))

	require.Equal(t, 1, e.RollbackTo(room, 1))
	require.Equal(t, uint64(1), state(t, e).Value)

	require.Equal(t, 2, e.RollbackTo(room, 100))
	require.Empty(t, e.Episodes())
	require.Equal(t, 1, h.deleted)
	require.Zero(t, e.RollbackTo(room, 1))
}

func TestPrunedHistory(t *testing.T) {
	c := newChain(t)
	e := newEngine(nil, engine.Config{RollbackHorizon: 10})

	old := c.block(1, c.create(), c.cmd(counter.Add(1)))
	e.ApplyBlock(old)
	recent := c.block(20, c.cmd(counter.Add(2)))
	e.ApplyBlock(recent)
	require.Equal(t, 1, e.Depth(room))

	err := e.RevertBlock(old.AcceptingHash)
	require.ErrorIs(t, err, engine.ErrReorgTooDeep)
	require.True(t, e.Stale(room))

	md := &episode.PayloadMetadata{AcceptingHash: common.HexToHash("0x01"), AcceptingDAA: 21}
	require.ErrorIs(t, e.Submit(room, c.cmd(counter.Add(1)), md), engine.ErrStaleEpisode)
	require.Equal(t, uint64(3), state(t, e).Value)
}

func TestRun(t *testing.T) {
	c := newChain(t)
	e := newEngine(nil, engine.DefaultConfig())

	b1 := c.block(1, c.create(), c.cmd(counter.Add(4)))
	b2 := c.block(2, c.cmd(counter.Add(5)))

	ch := make(chan engine.Msg, 4)
	ch <- *b1
	ch <- *b2
	ch <- engine.BlockReverted{AcceptingHash: b2.AcceptingHash}
	ch <- engine.Exit{}

	require.NoError(t, e.Run(context.Background(), ch))
	require.Equal(t, uint64(4), state(t, e).Value)

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, e.Run(ctx, make(chan engine.Msg)), context.Canceled)
	})
}

// lossy forgets how to undo anything.
type lossy struct {
	*counter.Counter
}

func (lossy) Rollback(counter.Rollback) bool { return false }

func newLossy(participants []pki.PubKey, md *episode.PayloadMetadata) (counterEpisode, error) {
	ep, err := counter.New(participants, md)
	if err != nil {
		return nil, err
	}
	return lossy{ep.(*counter.Counter)}, nil
}

func TestFailedRollbackMarksEpisodeStale(t *testing.T) {
	c := newChain(t)
	h := &events{}
	e := engine.New[counter.Command, counter.Rollback](newLossy, h, engine.DefaultConfig())

	e.ApplyBlock(c.block(1, c.create()))
	b2 := c.block(2, c.cmd(counter.Add(2)))
	e.ApplyBlock(b2)
	require.False(t, e.Stale(room))

	require.NoError(t, e.RevertBlock(b2.AcceptingHash))
	require.True(t, e.Stale(room))
	require.Equal(t, 1, h.rollbacks)

	md := &episode.PayloadMetadata{AcceptingHash: common.HexToHash("0x02"), AcceptingDAA: 2}
	require.ErrorIs(t, e.Submit(room, c.cmd(counter.Add(1)), md), engine.ErrStaleEpisode)
	require.Equal(t, 1, h.commands)
}

func TestPrunedBlockIsNotAppliedAgain(t *testing.T) {
	c := newChain(t)
	e := newEngine(nil, engine.Config{RollbackHorizon: 10})

	old := c.block(1, c.create(), c.cmd(counter.Add(1)))
	e.ApplyBlock(old)
	e.ApplyBlock(c.block(20, c.cmd(counter.Add(2))))
	require.Equal(t, uint64(3), state(t, e).Value)

	e.ApplyBlock(old)
	require.Equal(t, uint64(3), state(t, e).Value)
	require.Equal(t, uint64(2), state(t, e).Updates)
}

// overlap records handler calls for the same episode that run at the same
// time.
type overlap struct {
	episode.NopHandler[counter.Command, counter.Rollback]
	busy     atomic.Int32
	overlaps atomic.Int32
	rejects  atomic.Int32
}

func (o *overlap) enter() {
	if o.busy.Add(1) != 1 {
		o.overlaps.Add(1)
	}
	runtime.Gosched()
	o.busy.Add(-1)
}

func (o *overlap) OnInitialize(episode.ID, counterEpisode, *episode.PayloadMetadata) {
	o.enter()
}

func (o *overlap) OnCommand(episode.ID, counterEpisode, *counter.Command, *pki.PubKey, *episode.PayloadMetadata) {
	o.enter()
}

func (o *overlap) OnReject(episode.ID, error, *episode.PayloadMetadata) {
	o.rejects.Add(1)
	o.enter()
}

func TestConcurrentSubmitSerializesHandlerCalls(t *testing.T) {
	c := newChain(t)
	h := &overlap{}
	e := newEngine(h, engine.DefaultConfig())
	md := &episode.PayloadMetadata{AcceptingHash: common.HexToHash("0x01"), AcceptingDAA: 1}

	bad := c.cmd(counter.Add(1))
	bad.Signature[0] ^= 0xff

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				switch (i + j) % 4 {
				case 0:
					_ = e.Submit(room, c.create(), md)
				case 1:
					_ = e.Submit(room, c.cmd(counter.Add(1)), md)
				case 2:
					_ = e.Submit(room, bad, md)
				default:
					_ = e.Submit(room+1, c.cmd(counter.Add(1)), md)
				}
			}
		}()
	}
	wg.Wait()

	require.Zero(t, h.overlaps.Load())
	require.NotZero(t, h.rejects.Load())
}
