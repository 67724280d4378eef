package compression_test

import (
	"bytes"
	"testing"

	"github.com/kasdapp/kdapp-go/kdapp/compression"
	"github.com/stretchr/testify/require"
)

func TestBrotli(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		out, err := compression.BrotliCompress(nil)
		require.NoError(t, err)
		require.Nil(t, out)

		out, err = compression.BrotliDecompress(nil, 10)
		require.NoError(t, err)
		require.Nil(t, out)
	})

	t.Run("round trip within limit", func(t *testing.T) {
		data := bytes.Repeat([]byte("episode "), 64)
		compressed := compression.MustBrotliCompress(data)
		require.Less(t, len(compressed), len(data))

		out, err := compression.BrotliDecompress(compressed, len(data))
		require.NoError(t, err)
		require.Equal(t, data, out)
	})

	t.Run("limit exceeded", func(t *testing.T) {
		data := bytes.Repeat([]byte{0}, 4096)
		compressed := compression.MustBrotliCompress(data)

		_, err := compression.BrotliDecompress(compressed, 1024)
		require.ErrorIs(t, err, compression.ErrTooLarge)
	})
}
