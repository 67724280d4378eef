// Package payload implements the transaction payload format: a fixed header
// that makes a payload discoverable, followed by an RLP encoded Message.
//
// Header layout, little endian:
//
//	prefix(4) | version(1) | flags(1) | nonce(4)
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/kasdapp/kdapp-go/kdapp/compression"
)

const (
	Version    = uint8(1)
	HeaderSize = 10

	// MaxBodySize bounds the message body, before and after decompression.
	MaxBodySize = 64 * 1024

	nonceOffset = 6
)

var (
	ErrMalformed          = errors.New("malformed payload")
	ErrUnsupportedVersion = errors.New("unsupported payload version")
)

// Prefix is the application discovery marker.
type Prefix uint32

type Flags uint8

const (
	FlagBrotli Flags = 1 << iota

	knownFlags = FlagBrotli
)

type Header struct {
	Prefix  Prefix
	Version uint8
	Flags   Flags
	Nonce   uint32
}

func NewHeader(prefix Prefix) Header {
	return Header{Prefix: prefix, Version: Version}
}

// Encode is deterministic: equal inputs always produce equal bytes.
func Encode(h Header, m *Message) ([]byte, error) {
	if h.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.Flags&^knownFlags != 0 {
		return nil, fmt.Errorf("unknown header flags %#x", uint8(h.Flags))
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	body, err := rlp.EncodeToBytes(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("message body of %d bytes exceeds %d", len(body), MaxBodySize)
	}
	if h.Flags&FlagBrotli != 0 {
		body, err = compression.BrotliCompress(body)
		if err != nil {
			return nil, err
		}
	}

	out := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(h.Prefix))
	out[4] = h.Version
	out[5] = uint8(h.Flags)
	binary.LittleEndian.PutUint32(out[nonceOffset:HeaderSize], h.Nonce)
	return append(out, body...), nil
}

// Decode parses a full payload. Every failure is ErrMalformed or
// ErrUnsupportedVersion; it never panics on arbitrary input.
func Decode(b []byte) (Header, *Message, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return h, nil, err
	}

	body := b[HeaderSize:]
	if len(body) > MaxBodySize {
		return h, nil, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrMalformed, len(body), MaxBodySize)
	}
	if h.Flags&FlagBrotli != 0 {
		body, err = compression.BrotliDecompress(body, MaxBodySize)
		if err != nil {
			return h, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}

	m := &Message{}
	if err := rlp.DecodeBytes(body, m); err != nil {
		return h, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	m.normalize()
	if err := m.validate(); err != nil {
		return h, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return h, m, nil
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(b))
	}
	h := Header{
		Prefix:  Prefix(binary.LittleEndian.Uint32(b[0:4])),
		Version: b[4],
		Flags:   Flags(b[5]),
		Nonce:   binary.LittleEndian.Uint32(b[nonceOffset:HeaderSize]),
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.Flags&^knownFlags != 0 {
		return h, fmt.Errorf("%w: unknown flags %#x", ErrMalformed, uint8(h.Flags))
	}
	return h, nil
}

// CheckHeader is the listener's cheap test that b belongs to prefix.
func CheckHeader(b []byte, prefix Prefix) bool {
	return len(b) >= HeaderSize && Prefix(binary.LittleEndian.Uint32(b[0:4])) == prefix
}

// SetNonce rewrites the nonce of an encoded payload in place.
func SetNonce(b []byte, nonce uint32) {
	binary.LittleEndian.PutUint32(b[nonceOffset:HeaderSize], nonce)
}
