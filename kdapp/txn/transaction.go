// Package txn models the ledger transactions that carry episode payloads.
package txn

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/blake2b"
)

var (
	idKey      = []byte("TransactionID")
	sigHashKey = []byte("TransactionSigningHash")
)

type Outpoint struct {
	TxID  common.Hash `json:"transactionId"`
	Index uint32      `json:"index"`
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.Hex(), o.Index)
}

// Compare orders outpoints by transaction id, then index.
func (o Outpoint) Compare(other Outpoint) int {
	if c := bytes.Compare(o.TxID[:], other.TxID[:]); c != 0 {
		return c
	}
	switch {
	case o.Index < other.Index:
		return -1
	case o.Index > other.Index:
		return 1
	}
	return 0
}

type ScriptPublicKey struct {
	Version uint16 `json:"version"`
	Script  []byte `json:"script"`
}

type Output struct {
	Value           uint64          `json:"value"`
	ScriptPublicKey ScriptPublicKey `json:"scriptPublicKey"`
}

type Input struct {
	PreviousOutpoint Outpoint `json:"previousOutpoint"`
	SignatureScript  []byte   `json:"signatureScript"`
	Sequence         uint64   `json:"sequence"`
	SigOpCount       uint8    `json:"sigOpCount"`
}

type Transaction struct {
	Version  uint16   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"lockTime"`
	Payload  []byte   `json:"payload"`
}

// UtxoEntry is a spendable output as reported by the node.
type UtxoEntry struct {
	Outpoint        Outpoint        `json:"outpoint"`
	Amount          uint64          `json:"amount"`
	ScriptPublicKey ScriptPublicKey `json:"scriptPublicKey"`
	BlockDAAScore   uint64          `json:"blockDaaScore"`
	IsCoinbase      bool            `json:"isCoinbase"`
}

func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

type idInput struct {
	PreviousOutpoint Outpoint
	Sequence         uint64
	SigOpCount       uint8
}

// ID hashes the transaction without its signature scripts, so the id is fixed
// before the inputs are signed.
func (tx *Transaction) ID() common.Hash {
	inputs := make([]idInput, len(tx.Inputs))
	for i, in := range tx.Inputs {
		inputs[i] = idInput{in.PreviousOutpoint, in.Sequence, in.SigOpCount}
	}
	return keyedHash(idKey, struct {
		Version  uint16
		Inputs   []idInput
		Outputs  []Output
		LockTime uint64
		Payload  []byte
	}{tx.Version, inputs, tx.Outputs, tx.LockTime, tx.Payload})
}

func (tx *Transaction) Clone() *Transaction {
	c := &Transaction{
		Version:  tx.Version,
		Inputs:   make([]Input, len(tx.Inputs)),
		Outputs:  make([]Output, len(tx.Outputs)),
		LockTime: tx.LockTime,
		Payload:  slices.Clone(tx.Payload),
	}
	for i, in := range tx.Inputs {
		in.SignatureScript = slices.Clone(in.SignatureScript)
		c.Inputs[i] = in
	}
	for i, out := range tx.Outputs {
		out.ScriptPublicKey.Script = slices.Clone(out.ScriptPublicKey.Script)
		c.Outputs[i] = out
	}
	return c
}

func (tx *Transaction) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

func DecodeTransaction(b []byte) (*Transaction, error) {
	tx := &Transaction{}
	if err := rlp.DecodeBytes(b, tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

func keyedHash(key []byte, v any) common.Hash {
	h, err := blake2b.New256(key)
	if err != nil {
		panic(fmt.Errorf("failed to create blake2b hasher: %w", err))
	}
	if err := rlp.Encode(h, v); err != nil {
		panic(fmt.Errorf("failed to encode hash preimage: %w", err))
	}
	return common.BytesToHash(h.Sum(nil))
}
