// Package utxo selects and locks the outputs a peer spends to fund its own
// transactions.
package utxo

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
)

const DefaultQueryTimeout = 10 * time.Second

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAmountOverflow    = errors.New("amount overflows")
)

// Source is the ledger query used to learn which outputs are spendable.
type Source interface {
	GetUtxosByAddress(ctx context.Context, addr txn.Address) ([]txn.UtxoEntry, error)
}

// Plan is a funding decision. Inputs are already removed from the selector's
// available set when the plan is returned.
type Plan struct {
	Inputs   []txn.UtxoEntry
	Total    uint64
	Required uint64
	Fee      uint64
	// Change is Total - Required - Fee. A zero change gets no output.
	Change uint64
}

// Selector owns the available set of one address. The set changes only on
// Refresh and when Select hands an output out.
type Selector struct {
	src          Source
	addr         txn.Address
	queryTimeout time.Duration

	mu        sync.Mutex
	available map[txn.Outpoint]txn.UtxoEntry
	// reserved were handed out by Select and have not been observed since.
	reserved map[txn.Outpoint]txn.UtxoEntry
	// spent belong to transactions the node accepted. They stay excluded
	// until a refresh no longer reports them.
	spent map[txn.Outpoint]struct{}
}

func NewSelector(src Source, addr txn.Address) *Selector {
	return &Selector{
		src:          src,
		addr:         addr,
		queryTimeout: DefaultQueryTimeout,
		available:    map[txn.Outpoint]txn.UtxoEntry{},
		reserved:     map[txn.Outpoint]txn.UtxoEntry{},
		spent:        map[txn.Outpoint]struct{}{},
	}
}

func (s *Selector) WithQueryTimeout(d time.Duration) *Selector {
	s.queryTimeout = d
	return s
}

func (s *Selector) Address() txn.Address {
	return s.addr
}

// Refresh replaces the available set with what the ledger reports. Reserved
// outputs the ledger still reports become available again. On error the set
// is left untouched.
func (s *Selector) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	entries, err := s.src.GetUtxosByAddress(ctx, s.addr)
	if err != nil {
		return fmt.Errorf("failed to query utxos for %s: %w", s.addr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[txn.Outpoint]struct{}, len(entries))
	available := make(map[txn.Outpoint]txn.UtxoEntry, len(entries))
	for _, e := range entries {
		seen[e.Outpoint] = struct{}{}
		if _, ok := s.spent[e.Outpoint]; ok {
			continue
		}
		available[e.Outpoint] = e
	}
	for op := range s.spent {
		if _, ok := seen[op]; !ok {
			delete(s.spent, op)
		}
	}

	s.available = available
	clear(s.reserved)

	log.Debug("utxo set refreshed", "address", s.addr, "available", len(available), "pendingSpent", len(s.spent))
	return nil
}

// ForceRefresh drops any cached query result for the address before
// refreshing.
func (s *Selector) ForceRefresh(ctx context.Context) error {
	if inv, ok := s.src.(interface{ InvalidateAddress(txn.Address) }); ok {
		inv.InvalidateAddress(s.addr)
	}
	return s.Refresh(ctx)
}

// Select picks the smallest outputs first until required+fee is covered.
// On ErrInsufficientFunds nothing changes.
func (s *Selector) Select(required, fee uint64) (*Plan, error) {
	target := required + fee
	if target < required {
		return nil, ErrAmountOverflow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := slices.SortedFunc(maps.Values(s.available), compareEntries)

	var (
		total  uint64
		inputs []txn.UtxoEntry
	)
	for _, e := range candidates {
		if total >= target && len(inputs) > 0 {
			break
		}
		next := total + e.Amount
		if next < total {
			return nil, ErrAmountOverflow
		}
		total = next
		inputs = append(inputs, e)
	}
	if total < target || len(inputs) == 0 {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, total, target)
	}

	for _, e := range inputs {
		delete(s.available, e.Outpoint)
		s.reserved[e.Outpoint] = e
	}

	return &Plan{
		Inputs:   inputs,
		Total:    total,
		Required: required,
		Fee:      fee,
		Change:   total - target,
	}, nil
}

// Commit records that the node accepted a transaction spending plan's inputs.
func (s *Selector) Commit(plan *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range plan.Inputs {
		delete(s.reserved, e.Outpoint)
		s.spent[e.Outpoint] = struct{}{}
	}
}

// Balance is the sum of available outputs.
func (s *Selector) Balance() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, e := range s.available {
		total += e.Amount
	}
	return total
}

func (s *Selector) Available() []txn.UtxoEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.SortedFunc(maps.Values(s.available), compareEntries)
}

func (s *Selector) Reserved() []txn.UtxoEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.SortedFunc(maps.Values(s.reserved), compareEntries)
}

func compareEntries(a, b txn.UtxoEntry) int {
	if c := cmp.Compare(a.Amount, b.Amount); c != 0 {
		return c
	}
	return a.Outpoint.Compare(b.Outpoint)
}
