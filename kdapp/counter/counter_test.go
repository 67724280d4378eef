package counter_test

import (
	"math"
	"testing"

	"github.com/kasdapp/kdapp-go/kdapp/counter"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	_, alice, err := pki.GenerateKeypair()
	require.NoError(t, err)
	_, mallory, err := pki.GenerateKeypair()
	require.NoError(t, err)

	md := &episode.PayloadMetadata{AcceptingTime: 10}
	ep, err := counter.New([]pki.PubKey{alice}, md)
	require.NoError(t, err)
	c := ep.(*counter.Counter)

	rb, err := c.Execute(counter.Add(5), &alice, &episode.PayloadMetadata{AcceptingTime: 20})
	require.NoError(t, err)
	require.Equal(t, uint64(5), c.Value)
	require.Equal(t, uint64(20), c.LastUpdate)

	t.Run("unauthorized", func(t *testing.T) {
		_, err := c.Execute(counter.Add(1), &mallory, md)
		require.ErrorIs(t, err, episode.ErrUnauthorized)
		_, err = c.Execute(counter.Add(1), nil, md)
		require.ErrorIs(t, err, episode.ErrUnauthorized)
	})

	t.Run("underflow and overflow", func(t *testing.T) {
		_, err := c.Execute(counter.Sub(6), &alice, md)
		require.ErrorIs(t, err, counter.ErrUnderflow)
		require.ErrorIs(t, err, episode.ErrInvalidCommand)
		_, err = c.Execute(counter.Add(math.MaxUint64), &alice, md)
		require.ErrorIs(t, err, counter.ErrOverflow)
		require.Equal(t, uint64(5), c.Value)
	})

	t.Run("rollback restores the prior state", func(t *testing.T) {
		require.True(t, c.Rollback(rb))
		require.Equal(t, counter.Counter{Participants: []pki.PubKey{alice}, LastUpdate: 10}, *c)
		require.False(t, c.Rollback(rb))
	})
}

func TestOpenCounter(t *testing.T) {
	ep, err := counter.New(nil, &episode.PayloadMetadata{})
	require.NoError(t, err)
	_, err = ep.Execute(counter.Add(1), nil, &episode.PayloadMetadata{})
	require.NoError(t, err)
}
