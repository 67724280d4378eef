// Package generator turns an episode message into a funded, signed
// transaction whose id matches the application's discovery pattern.
package generator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"github.com/kasdapp/kdapp-go/kdapp/utxo"
)

var (
	ErrNonceExhausted    = errors.New("nonce space exhausted")
	ErrMassLimitExceeded = errors.New("mass limit exceeded")
	ErrOutputsMismatch   = errors.New("outputs do not match the funding plan")
)

const ctxCheckInterval = 4096

type Options struct {
	// MaxNonceAttempts overrides MaxAttempts(pattern) when non zero.
	MaxNonceAttempts uint32
	MaxMass          uint64
	// StorageMassParameter enables the storage mass estimate when non zero.
	StorageMassParameter uint64
	// Compress sets the brotli flag on every payload.
	Compress bool
}

func DefaultOptions() Options {
	return Options{MaxMass: txn.MaxStandardMass}
}

type Generator struct {
	key     *ecdsa.PrivateKey
	pub     pki.PubKey
	pattern payload.Pattern
	prefix  payload.Prefix
	opts    Options
}

func New(key *ecdsa.PrivateKey, pattern payload.Pattern, prefix payload.Prefix, opts Options) (*Generator, error) {
	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxMass == 0 {
		opts.MaxMass = txn.MaxStandardMass
	}
	return &Generator{
		key:     key,
		pub:     pki.PubKeyFromECDSA(&key.PublicKey),
		pattern: pattern,
		prefix:  prefix,
		opts:    opts,
	}, nil
}

func (g *Generator) PubKey() pki.PubKey {
	return g.pub
}

// MaxAttempts bounds the nonce search. A pattern of b bits matches one id in
// 2^b, so 64·2^b attempts fail only with probability e^-64.
func MaxAttempts(pattern payload.Pattern) uint32 {
	bits := pattern.Bits()
	if bits >= 26 {
		return math.MaxUint32
	}
	return uint32(64) << bits
}

func (g *Generator) maxAttempts() uint32 {
	if g.opts.MaxNonceAttempts != 0 {
		return g.opts.MaxNonceAttempts
	}
	return MaxAttempts(g.pattern)
}

// BuildCommandTransaction spends plan's inputs into outputs, which must add up
// to plan.Required, followed by a change output to the generator's own key
// when the plan has change. The payload nonce is searched until the id
// matches the pattern, then every input is signed.
func (g *Generator) BuildCommandTransaction(plan *utxo.Plan, outputs []txn.Output, msg *payload.Message) (*txn.Transaction, error) {
	return g.BuildWithContext(context.Background(), plan, outputs, msg)
}

// BuildWithContext is BuildCommandTransaction with a cancellable nonce search.
func (g *Generator) BuildWithContext(ctx context.Context, plan *utxo.Plan, outputs []txn.Output, msg *payload.Message) (*txn.Transaction, error) {
	var sum uint64
	for _, o := range outputs {
		next := sum + o.Value
		if next < sum {
			return nil, utxo.ErrAmountOverflow
		}
		sum = next
	}
	if sum != plan.Required {
		return nil, fmt.Errorf("%w: outputs carry %d, plan requires %d", ErrOutputsMismatch, sum, plan.Required)
	}

	tx := &txn.Transaction{
		Inputs:  make([]txn.Input, len(plan.Inputs)),
		Outputs: append(make([]txn.Output, 0, len(outputs)+1), outputs...),
	}
	for i, e := range plan.Inputs {
		tx.Inputs[i] = txn.Input{PreviousOutpoint: e.Outpoint, SigOpCount: 1}
	}
	if plan.Change > 0 {
		tx.Outputs = append(tx.Outputs, txn.Output{Value: plan.Change, ScriptPublicKey: txn.PayToPubKey(g.pub)})
	}

	h := payload.NewHeader(g.prefix)
	if g.opts.Compress {
		h.Flags |= payload.FlagBrotli
	}
	data, err := payload.Encode(h, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	tx.Payload = data

	if mass := txn.Mass(tx, plan.Inputs, g.opts.StorageMassParameter); mass > g.opts.MaxMass {
		return nil, fmt.Errorf("%w: estimated %d, limit %d", ErrMassLimitExceeded, mass, g.opts.MaxMass)
	}

	nonce, err := g.grind(ctx, tx)
	if err != nil {
		return nil, err
	}

	if err := txn.SignInputs(tx, plan.Inputs, g.key); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	log.Debug("built command transaction", "txid", tx.ID(), "episode", msg.EpisodeID, "nonce", nonce, "inputs", len(tx.Inputs), "outputs", len(tx.Outputs))
	return tx, nil
}

func (g *Generator) grind(ctx context.Context, tx *txn.Transaction) (uint32, error) {
	limit := g.maxAttempts()
	for nonce := uint32(0); ; nonce++ {
		if nonce%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return 0, fmt.Errorf("nonce search abandoned after %d attempts: %w", nonce, err)
			}
		}
		payload.SetNonce(tx.Payload, nonce)
		if g.pattern.Matches(tx.ID()) {
			return nonce, nil
		}
		if nonce+1 >= limit {
			return 0, fmt.Errorf("%w: no match in %d attempts", ErrNonceExhausted, limit)
		}
	}
}

// FirstOutputUtxo describes output 0 of tx as a spendable entry, for chaining
// a follow up transaction before tx is accepted.
func FirstOutputUtxo(tx *txn.Transaction) (txn.UtxoEntry, bool) {
	if len(tx.Outputs) == 0 {
		return txn.UtxoEntry{}, false
	}
	out := tx.Outputs[0]
	return txn.UtxoEntry{
		Outpoint:        txn.Outpoint{TxID: tx.ID(), Index: 0},
		Amount:          out.Value,
		ScriptPublicKey: out.ScriptPublicKey,
	}, true
}
