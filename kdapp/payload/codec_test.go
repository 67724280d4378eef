package payload_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/stretchr/testify/require"
)

type testCommand struct {
	Op     uint8
	Amount uint64
}

const testPrefix = payload.Prefix(0x6b646170)

func TestEncodeDecode(t *testing.T) {
	key, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)

	signed, err := payload.NewSignedCommand(episode.ID(42), &testCommand{Op: 1, Amount: 5}, key)
	require.NoError(t, err)

	unsigned, err := payload.NewUnsignedCommand(episode.ID(42), &testCommand{Op: 2, Amount: 1})
	require.NoError(t, err)

	messages := map[string]*payload.Message{
		"new episode":        payload.NewEpisodeMessage(42, []pki.PubKey{pub}),
		"new empty episode":  payload.NewEpisodeMessage(1, nil),
		"signed command":     signed,
		"unsigned command":   unsigned,
		"max episode number": payload.NewEpisodeMessage(^episode.ID(0), []pki.PubKey{pub, pub}),
	}

	for name, m := range messages {
		for _, flags := range []payload.Flags{0, payload.FlagBrotli} {
			t.Run(name, func(t *testing.T) {
				h := payload.NewHeader(testPrefix)
				h.Flags = flags
				h.Nonce = 12345

				b, err := payload.Encode(h, m)
				require.NoError(t, err)
				require.True(t, payload.CheckHeader(b, testPrefix))
				require.False(t, payload.CheckHeader(b, testPrefix+1))

				gotHeader, gotMessage, err := payload.Decode(b)
				require.NoError(t, err)
				require.Equal(t, h, gotHeader)
				require.Equal(t, m, gotMessage)

				again, err := payload.Encode(h, m)
				require.NoError(t, err)
				require.Equal(t, b, again)
			})
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	_, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)

	valid, err := payload.Encode(payload.NewHeader(testPrefix), payload.NewEpisodeMessage(3, []pki.PubKey{pub}))
	require.NoError(t, err)

	t.Run("truncated header", func(t *testing.T) {
		_, _, err := payload.Decode(valid[:payload.HeaderSize-1])
		require.ErrorIs(t, err, payload.ErrMalformed)
	})

	t.Run("truncated body", func(t *testing.T) {
		for cut := payload.HeaderSize; cut < len(valid); cut++ {
			_, _, err := payload.Decode(valid[:cut])
			require.ErrorIs(t, err, payload.ErrMalformed, "cut at %d", cut)
		}
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, _, err := payload.Decode(append(append([]byte{}, valid...), 0x00))
		require.ErrorIs(t, err, payload.ErrMalformed)
	})

	t.Run("unknown version", func(t *testing.T) {
		b := append([]byte{}, valid...)
		b[4] = 9
		_, _, err := payload.Decode(b)
		require.ErrorIs(t, err, payload.ErrUnsupportedVersion)
	})

	t.Run("unknown flags", func(t *testing.T) {
		b := append([]byte{}, valid...)
		b[5] = 0x80
		_, _, err := payload.Decode(b)
		require.ErrorIs(t, err, payload.ErrMalformed)
	})

	t.Run("bad brotli body", func(t *testing.T) {
		b := append([]byte{}, valid[:payload.HeaderSize]...)
		b[5] = uint8(payload.FlagBrotli)
		b = append(b, 0x1b, 0x03, 0x00)
		_, _, err := payload.Decode(b)
		require.ErrorIs(t, err, payload.ErrMalformed)
	})

	t.Run("invalid participant key", func(t *testing.T) {
		bad := pub
		bad[0] = 0x07
		m := payload.NewEpisodeMessage(3, []pki.PubKey{bad})
		_, err := payload.Encode(payload.NewHeader(testPrefix), m)
		require.Error(t, err)
	})

	t.Run("encode rejects other versions", func(t *testing.T) {
		h := payload.NewHeader(testPrefix)
		h.Version = 2
		_, err := payload.Encode(h, payload.NewEpisodeMessage(3, nil))
		require.ErrorIs(t, err, payload.ErrUnsupportedVersion)
	})
}

func TestSetNonce(t *testing.T) {
	b, err := payload.Encode(payload.NewHeader(testPrefix), payload.NewEpisodeMessage(3, nil))
	require.NoError(t, err)

	payload.SetNonce(b, 0xdeadbeef)
	h, _, err := payload.Decode(b)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), h.Nonce)
	require.Equal(t, testPrefix, h.Prefix)
}

func TestAuthorize(t *testing.T) {
	key, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)

	m, err := payload.NewSignedCommand(episode.ID(9), &testCommand{Op: 1, Amount: 3}, key)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		auth, err := m.Authorize()
		require.NoError(t, err)
		require.Equal(t, pub, *auth)
	})

	t.Run("replayed into another episode", func(t *testing.T) {
		replayed := *m
		replayed.EpisodeID = 10
		_, err := replayed.Authorize()
		require.ErrorIs(t, err, episode.ErrInvalidSignature)
	})

	t.Run("tampered command", func(t *testing.T) {
		tampered := *m
		tampered.Command = append([]byte{}, m.Command...)
		tampered.Command[len(tampered.Command)-1] ^= 1
		_, err := tampered.Authorize()
		require.ErrorIs(t, err, episode.ErrInvalidSignature)
	})

	t.Run("unsigned", func(t *testing.T) {
		u, err := payload.NewUnsignedCommand(episode.ID(9), &testCommand{})
		require.NoError(t, err)
		auth, err := u.Authorize()
		require.NoError(t, err)
		require.Nil(t, auth)
	})
}

func TestPattern(t *testing.T) {
	var id common.Hash
	id[0] = 0b0000_0101
	id[31] = 0b1000_0000

	cases := []struct {
		name    string
		pattern payload.Pattern
		want    bool
	}{
		{"empty", nil, true},
		{"low bits", payload.Pattern{{Pos: 0, Bit: 1}, {Pos: 1, Bit: 0}, {Pos: 2, Bit: 1}}, true},
		{"mismatch", payload.Pattern{{Pos: 1, Bit: 1}}, false},
		{"last bit", payload.Pattern{{Pos: 255, Bit: 1}}, true},
		{"last bit mismatch", payload.Pattern{{Pos: 255, Bit: 0}}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, c.pattern.Matches(id))
		})
	}

	t.Run("validate", func(t *testing.T) {
		require.NoError(t, payload.Pattern{{Pos: 3, Bit: 1}, {Pos: 200, Bit: 0}}.Validate())
		require.ErrorIs(t, payload.Pattern{{Pos: 3, Bit: 2}}.Validate(), payload.ErrInvalidPattern)
		require.ErrorIs(t, payload.Pattern{{Pos: 3, Bit: 1}, {Pos: 3, Bit: 0}}.Validate(), payload.ErrInvalidPattern)
	})
}
