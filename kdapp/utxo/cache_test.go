package utxo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls   atomic.Int32
	release chan struct{}
	entries []txn.UtxoEntry
}

func (s *countingSource) GetUtxosByAddress(ctx context.Context, _ txn.Address) ([]txn.UtxoEntry, error) {
	s.calls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.entries, nil
}

func TestCache(t *testing.T) {
	_, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)
	addr := txn.NewAddress("kdapp-test", pub)
	op := txn.Outpoint{TxID: common.Hash{9}, Index: 1}
	src := &countingSource{entries: []txn.UtxoEntry{{Outpoint: op, Amount: 5}}}

	now := time.Unix(1000, 0)
	c := NewCache(src, 500*time.Millisecond)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("ttl is clamped", func(t *testing.T) {
		require.Equal(t, MinCacheTTL, NewCache(src, time.Millisecond).TTL())
		require.Equal(t, MaxCacheTTL, NewCache(src, time.Minute).TTL())
	})

	t.Run("fresh entries are served from the cache", func(t *testing.T) {
		_, err := c.GetUtxosByAddress(ctx, addr)
		require.NoError(t, err)
		now = now.Add(100 * time.Millisecond)
		got, err := c.GetUtxosByAddress(ctx, addr)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, int32(1), src.calls.Load())
	})

	t.Run("expired entries are fetched again", func(t *testing.T) {
		now = now.Add(time.Second)
		_, err := c.GetUtxosByAddress(ctx, addr)
		require.NoError(t, err)
		require.Equal(t, int32(2), src.calls.Load())
	})

	t.Run("outpoint invalidation", func(t *testing.T) {
		c.InvalidateOutpoint(txn.Outpoint{TxID: common.Hash{9}, Index: 2})
		_, err := c.GetUtxosByAddress(ctx, addr)
		require.NoError(t, err)
		require.Equal(t, int32(2), src.calls.Load())

		c.InvalidateOutpoint(op)
		_, err = c.GetUtxosByAddress(ctx, addr)
		require.NoError(t, err)
		require.Equal(t, int32(3), src.calls.Load())
	})
}

func TestCacheCollapsesConcurrentMisses(t *testing.T) {
	_, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)
	addr := txn.NewAddress("kdapp-test", pub)
	src := &countingSource{release: make(chan struct{})}
	c := NewCache(src, time.Second)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetUtxosByAddress(context.Background(), addr)
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return src.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	require.Equal(t, int32(1), src.calls.Load())
}
