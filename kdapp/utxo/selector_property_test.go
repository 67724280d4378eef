package utxo_test

import (
	"context"
	"slices"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"github.com/kasdapp/kdapp-go/kdapp/utxo"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func entriesFor(addr txn.Address, amounts []uint64) []txn.UtxoEntry {
	out := make([]txn.UtxoEntry, len(amounts))
	for i, a := range amounts {
		out[i] = txn.UtxoEntry{
			Outpoint:        txn.Outpoint{TxID: common.BigToHash(common.Big1), Index: uint32(i)},
			Amount:          a,
			ScriptPublicKey: addr.ScriptPublicKey(),
		}
	}
	return out
}

func TestSelectionProperties(t *testing.T) {
	addr := newAddress(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	// The selected total is the shortest ascending prefix covering the target.
	properties.Property("selection is the minimal smallest-first prefix", prop.ForAll(
		func(amounts []uint64, required uint64, fee uint64) bool {
			src := &fakeSource{}
			src.set(addr, entriesFor(addr, amounts)...)
			sel := utxo.NewSelector(src, addr)
			if err := sel.Refresh(context.Background()); err != nil {
				return false
			}

			sorted := slices.Clone(amounts)
			slices.Sort(sorted)
			var (
				want  uint64
				count int
			)
			for _, a := range sorted {
				if want >= required+fee && count > 0 {
					break
				}
				want += a
				count++
			}

			plan, err := sel.Select(required, fee)
			if want < required+fee || count == 0 {
				return err != nil && plan == nil && sel.Balance() == sum(amounts)
			}
			if err != nil {
				return false
			}
			return plan.Total == want && len(plan.Inputs) == count &&
				plan.Change == want-required-fee &&
				sel.Balance() == sum(amounts)-want
		},
		gen.SliceOf(gen.UInt64Range(1, 1_000_000)),
		gen.UInt64Range(0, 3_000_000),
		gen.UInt64Range(0, 1000),
	))

	properties.Property("no output is used twice before a refresh", prop.ForAll(
		func(amounts []uint64, requests []uint64) bool {
			src := &fakeSource{}
			src.set(addr, entriesFor(addr, amounts)...)
			sel := utxo.NewSelector(src, addr)
			if err := sel.Refresh(context.Background()); err != nil {
				return false
			}

			used := map[txn.Outpoint]bool{}
			for _, r := range requests {
				plan, err := sel.Select(r, 1)
				if err != nil {
					continue
				}
				for _, in := range plan.Inputs {
					if used[in.Outpoint] {
						return false
					}
					used[in.Outpoint] = true
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt64Range(1, 1000)),
		gen.SliceOf(gen.UInt64Range(0, 2000)),
	))

	properties.TestingRun(t)
}

func sum(amounts []uint64) uint64 {
	var total uint64
	for _, a := range amounts {
		total += a
	}
	return total
}
