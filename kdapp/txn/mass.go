package txn

import (
	"math"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

const (
	MassPerTxByte           = 1
	MassPerScriptPubKeyByte = 10
	MassPerSigOp            = 1000

	// MaxStandardMass is the largest mass a node relays.
	MaxStandardMass = 100_000
)

// ComputeMass estimates the compute mass of tx. Signature scripts that are not
// filled in yet are counted at their final size, so the estimate can be taken
// before signing.
func ComputeMass(tx *Transaction) uint64 {
	b, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return math.MaxUint64
	}
	size := uint64(len(b))
	var sigOps, scriptBytes uint64
	for _, in := range tx.Inputs {
		if missing := SignatureScriptSize - len(in.SignatureScript); missing > 0 {
			size += uint64(missing)
		}
		sigOps += uint64(in.SigOpCount)
	}
	for _, out := range tx.Outputs {
		scriptBytes += 2 + uint64(len(out.ScriptPublicKey.Script))
	}
	return size*MassPerTxByte + scriptBytes*MassPerScriptPubKeyByte + sigOps*MassPerSigOp
}

// StorageMass grows with the number of small outputs relative to the value
// being spent: c·Σ(1/out) − c·|in|²/Σin, floored at zero. A c of zero
// disables it.
func StorageMass(tx *Transaction, entries []UtxoEntry, c uint64) uint64 {
	if c == 0 || len(tx.Outputs) == 0 {
		return 0
	}
	C := uint256.NewInt(c)

	harmonic := new(uint256.Int)
	for _, out := range tx.Outputs {
		if out.Value == 0 {
			return math.MaxUint64
		}
		harmonic.Add(harmonic, new(uint256.Int).Div(C, uint256.NewInt(out.Value)))
	}

	sumIn := new(uint256.Int)
	for _, e := range entries {
		sumIn.Add(sumIn, uint256.NewInt(e.Amount))
	}
	arithmetic := new(uint256.Int)
	if !sumIn.IsZero() {
		n := uint256.NewInt(uint64(len(entries)))
		arithmetic.Mul(C, n)
		arithmetic.Mul(arithmetic, n)
		arithmetic.Div(arithmetic, sumIn)
	}

	if harmonic.Cmp(arithmetic) <= 0 {
		return 0
	}
	mass := harmonic.Sub(harmonic, arithmetic)
	if !mass.IsUint64() {
		return math.MaxUint64
	}
	return mass.Uint64()
}

// Mass is the larger of the compute and storage mass.
func Mass(tx *Transaction, entries []UtxoEntry, storageMassParameter uint64) uint64 {
	return max(ComputeMass(tx), StorageMass(tx, entries, storageMassParameter))
}
