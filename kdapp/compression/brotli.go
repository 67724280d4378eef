package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// ErrTooLarge is returned when decompressed data exceeds the caller's limit.
var ErrTooLarge = errors.New("decompressed data exceeds limit")

func BrotliCompress(data []byte) ([]byte, error) {

	if len(data) == 0 {
		return nil, nil
	}

	buf := bytes.NewBuffer(nil)

	writer := brotli.NewWriterV2(buf, 9)

	_, err := writer.Write(data)
	if err != nil {
		return nil, fmt.Errorf("failed to write data to brotli compressor: %w", err)
	}
	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to close brotli compressor: %w", err)
	}

	return buf.Bytes(), nil

}

func MustBrotliCompress(data []byte) []byte {
	compressed, err := BrotliCompress(data)
	if err != nil {
		panic(fmt.Errorf("failed to compress data: %w", err))
	}
	return compressed
}

// BrotliDecompress inflates data, refusing to produce more than limit bytes.
// Payloads come from the network, so the limit is mandatory.
func BrotliDecompress(data []byte, limit int) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	reader := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(io.LimitReader(reader, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress data: %w", err)
	}
	if len(out) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}
