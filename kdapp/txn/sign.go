package txn

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
)

var ErrBadSignatureScript = errors.New("bad signature script")

type sigHashInput struct {
	PreviousOutpoint Outpoint
	Sequence         uint64
	SigOpCount       uint8
}

// SigHash is the digest input i commits to. It covers every outpoint and
// output of the transaction plus the amount and script being spent.
func SigHash(tx *Transaction, i int, entry UtxoEntry) common.Hash {
	inputs := make([]sigHashInput, len(tx.Inputs))
	for j, in := range tx.Inputs {
		inputs[j] = sigHashInput{in.PreviousOutpoint, in.Sequence, in.SigOpCount}
	}
	return keyedHash(sigHashKey, struct {
		Version     uint16
		Inputs      []sigHashInput
		Outputs     []Output
		LockTime    uint64
		Payload     []byte
		Index       uint32
		Amount      uint64
		Script      ScriptPublicKey
		SigHashType uint8
	}{tx.Version, inputs, tx.Outputs, tx.LockTime, tx.Payload, uint32(i), entry.Amount, entry.ScriptPublicKey, SigHashAll})
}

// SignInputs signs every input of tx with key. entries must be the spent
// outputs in input order and must all be locked to key; anything else is a
// programming error and panics.
func SignInputs(tx *Transaction, entries []UtxoEntry, key *ecdsa.PrivateKey) error {
	if len(entries) != len(tx.Inputs) {
		panic(fmt.Sprintf("txn: %d entries for %d inputs", len(entries), len(tx.Inputs)))
	}
	own := PayToPubKey(pki.PubKeyFromECDSA(&key.PublicKey))
	priv := secp256k1.PrivKeyFromBytes(crypto.FromECDSA(key))
	defer priv.Zero()

	for i := range tx.Inputs {
		if entries[i].Outpoint != tx.Inputs[i].PreviousOutpoint {
			panic(fmt.Sprintf("txn: entry %s does not match input %d", entries[i].Outpoint, i))
		}
		if !bytes.Equal(entries[i].ScriptPublicKey.Script, own.Script) {
			panic(fmt.Sprintf("txn: input %d is not locked to the signing key", i))
		}
	}

	for i := range tx.Inputs {
		hash := SigHash(tx, i, entries[i])
		sig, err := schnorr.Sign(priv, hash[:])
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		script := make([]byte, 0, SignatureScriptSize)
		script = append(script, OpData65)
		script = append(script, sig.Serialize()...)
		script = append(script, SigHashAll)
		tx.Inputs[i].SignatureScript = script
	}
	return nil
}

// VerifyInput checks the signature script of input i against the output it
// spends.
func VerifyInput(tx *Transaction, i int, entry UtxoEntry) error {
	pub, ok := ExtractPubKey(entry.ScriptPublicKey)
	if !ok {
		return fmt.Errorf("input %d spends a non standard script", i)
	}
	script := tx.Inputs[i].SignatureScript
	if len(script) != SignatureScriptSize || script[0] != OpData65 || script[SignatureScriptSize-1] != SigHashAll {
		return fmt.Errorf("%w: input %d", ErrBadSignatureScript, i)
	}
	sig, err := schnorr.ParseSignature(script[1 : SignatureScriptSize-1])
	if err != nil {
		return fmt.Errorf("%w: input %d: %w", ErrBadSignatureScript, i, err)
	}
	key, err := secp256k1.ParsePubKey(pub[:])
	if err != nil {
		return fmt.Errorf("input %d: %w", i, err)
	}
	hash := SigHash(tx, i, entry)
	if !sig.Verify(hash[:], key) {
		return fmt.Errorf("%w: input %d signature does not verify", ErrBadSignatureScript, i)
	}
	return nil
}
