package pki_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	key, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)

	digest, err := pki.Digest(struct {
		EpisodeID uint32
		Command   []byte
	}{EpisodeID: 7, Command: []byte("hello")})
	require.NoError(t, err)

	sig, err := pki.Sign(key, digest)
	require.NoError(t, err)

	t.Run("valid signature", func(t *testing.T) {
		require.True(t, pki.Verify(pub, digest, sig.Bytes()))
	})

	t.Run("other digest", func(t *testing.T) {
		require.False(t, pki.Verify(pub, common.Hash{1}, sig.Bytes()))
	})

	t.Run("other key", func(t *testing.T) {
		_, other, err := pki.GenerateKeypair()
		require.NoError(t, err)
		require.False(t, pki.Verify(other, digest, sig.Bytes()))
	})

	t.Run("truncated signature", func(t *testing.T) {
		require.False(t, pki.Verify(pub, digest, sig.Bytes()[:63]))
	})
}

func TestParsePubKey(t *testing.T) {
	_, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)

	parsed, err := pki.ParsePubKey(pub.Bytes())
	require.NoError(t, err)
	require.Equal(t, pub, parsed)

	fromHex, err := pki.ParsePubKeyHex(pub.String())
	require.NoError(t, err)
	require.Equal(t, pub, fromHex)

	_, err = pki.ParsePubKey(pub.Bytes()[:32])
	require.ErrorIs(t, err, pki.ErrInvalidPubKey)

	bad := pub
	bad[0] = 0x05
	_, err = pki.ParsePubKey(bad.Bytes())
	require.ErrorIs(t, err, pki.ErrInvalidPubKey)
}
