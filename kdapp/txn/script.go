package txn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kasdapp/kdapp-go/kdapp/pki"
)

const (
	OpData33   = 0x21
	OpData65   = 0x41
	OpCheckSig = 0xac

	SigHashAll = 0x01

	// SignatureScriptSize is the size of a pay-to-pubkey signature script:
	// push opcode, 64 byte signature, sighash type.
	SignatureScriptSize = 66
)

var ErrInvalidAddress = errors.New("invalid address")

// PayToPubKey returns the standard script locking funds to pub.
func PayToPubKey(pub pki.PubKey) ScriptPublicKey {
	script := make([]byte, 0, pki.PubKeyLength+2)
	script = append(script, OpData33)
	script = append(script, pub[:]...)
	script = append(script, OpCheckSig)
	return ScriptPublicKey{Version: 0, Script: script}
}

// ExtractPubKey returns the key of a pay-to-pubkey script.
func ExtractPubKey(spk ScriptPublicKey) (pki.PubKey, bool) {
	s := spk.Script
	if spk.Version != 0 || len(s) != pki.PubKeyLength+2 || s[0] != OpData33 || s[len(s)-1] != OpCheckSig {
		return pki.PubKey{}, false
	}
	pub, err := pki.ParsePubKey(s[1 : 1+pki.PubKeyLength])
	if err != nil {
		return pki.PubKey{}, false
	}
	return pub, true
}

// Address names the pay-to-pubkey script of a key on a given network.
type Address struct {
	Network string
	PubKey  pki.PubKey
}

func NewAddress(network string, pub pki.PubKey) Address {
	return Address{Network: network, PubKey: pub}
}

func (a Address) String() string {
	return a.Network + ":" + a.PubKey.String()
}

func (a Address) ScriptPublicKey() ScriptPublicKey {
	return PayToPubKey(a.PubKey)
}

func ParseAddress(s string) (Address, error) {
	network, key, ok := strings.Cut(s, ":")
	if !ok || network == "" {
		return Address{}, fmt.Errorf("%w: missing network prefix in %q", ErrInvalidAddress, s)
	}
	pub, err := pki.ParsePubKeyHex(key)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	return Address{Network: network, PubKey: pub}, nil
}
