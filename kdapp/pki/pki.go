// Package pki holds the key material used to authorize episode commands.
//
// Keys are secp256k1. Public keys travel in their 33 byte compressed form and
// signatures in the 64 byte [R || S] form over a keccak256 digest.
package pki

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

const (
	PubKeyLength    = 33
	SignatureLength = 64
)

var (
	ErrInvalidPubKey    = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// PubKey is a compressed secp256k1 public key. It is comparable and can be
// used as a map key.
type PubKey [PubKeyLength]byte

func (p PubKey) Bytes() []byte {
	return p[:]
}

func (p PubKey) String() string {
	return hex.EncodeToString(p[:])
}

func (p PubKey) Compare(o PubKey) int {
	return bytes.Compare(p[:], o[:])
}

// ECDSA returns the decompressed key.
func (p PubKey) ECDSA() (*ecdsa.PublicKey, error) {
	pub, err := crypto.DecompressPubkey(p[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPubKey, err)
	}
	return pub, nil
}

// ParsePubKey checks that b is a valid point in compressed form.
func ParsePubKey(b []byte) (PubKey, error) {
	var pk PubKey
	if len(b) != PubKeyLength {
		return pk, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPubKey, PubKeyLength, len(b))
	}
	if _, err := crypto.DecompressPubkey(b); err != nil {
		return pk, fmt.Errorf("%w: %w", ErrInvalidPubKey, err)
	}
	copy(pk[:], b)
	return pk, nil
}

func ParsePubKeyHex(s string) (PubKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PubKey{}, fmt.Errorf("%w: %w", ErrInvalidPubKey, err)
	}
	return ParsePubKey(b)
}

func PubKeyFromECDSA(pub *ecdsa.PublicKey) PubKey {
	var pk PubKey
	copy(pk[:], crypto.CompressPubkey(pub))
	return pk
}

func GenerateKeypair() (*ecdsa.PrivateKey, PubKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, PubKey{}, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, PubKeyFromECDSA(&key.PublicKey), nil
}

// Digest hashes the RLP encoding of v.
func Digest(v any) (common.Hash, error) {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode digest input: %w", err)
	}
	return crypto.Keccak256Hash(b), nil
}

type Signature [SignatureLength]byte

func (s Signature) Bytes() []byte {
	return s[:]
}

func Sign(key *ecdsa.PrivateKey, digest common.Hash) (Signature, error) {
	var sig Signature
	raw, err := crypto.Sign(digest[:], key)
	if err != nil {
		return sig, fmt.Errorf("failed to sign digest: %w", err)
	}
	// drop the recovery id
	copy(sig[:], raw[:SignatureLength])
	return sig, nil
}

// Verify reports whether sig is a valid signature of digest by pub. Malformed
// signatures simply fail verification.
func Verify(pub PubKey, digest common.Hash, sig []byte) bool {
	if len(sig) != SignatureLength {
		return false
	}
	return crypto.VerifySignature(pub[:], digest[:], sig)
}
