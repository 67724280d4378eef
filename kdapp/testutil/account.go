package testutil

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/counter"
	"github.com/kasdapp/kdapp-go/kdapp/generator"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/kasdapp/kdapp-go/kdapp/submit"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"github.com/kasdapp/kdapp-go/kdapp/utxo"
)

// Account is a funded peer that talks to the node over RPC.
type Account struct {
	Name      string
	Key       *ecdsa.PrivateKey
	PubKey    pki.PubKey
	Address   txn.Address
	Selector  *utxo.Selector
	Generator *generator.Generator
	Submitter *submit.Submitter
	Sender    *CountingSender
}

// CountingSender counts submission attempts.
type CountingSender struct {
	submit.Sender
	calls atomic.Int64
}

func (s *CountingSender) SubmitTransaction(ctx context.Context, tx *txn.Transaction) (common.Hash, error) {
	s.calls.Add(1)
	return s.Sender.SubmitTransaction(ctx, tx)
}

func (s *CountingSender) Calls() int {
	return int(s.calls.Load())
}

// NewAccount creates a key pair for name, funds it with one output per amount
// and loads its outputs into a selector.
func (w *World) NewAccount(ctx context.Context, name string, amounts ...uint64) (*Account, error) {
	key, pub, err := pki.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	addr := txn.NewAddress(Network, pub)
	if len(amounts) > 0 {
		w.Node.Fund(addr, amounts...)
	}

	sel := utxo.NewSelector(utxo.NewCache(w.Client, time.Second), addr)
	if err := sel.Refresh(ctx); err != nil {
		return nil, err
	}
	gen, err := generator.New(key, counter.Pattern, counter.Prefix, generator.DefaultOptions())
	if err != nil {
		return nil, err
	}
	cfg := submit.DefaultConfig()
	cfg.Fee = 1
	cfg.RetryBackoff = time.Millisecond
	sender := &CountingSender{Sender: w.Client}

	acc := &Account{
		Name:      name,
		Key:       key,
		PubKey:    pub,
		Address:   addr,
		Selector:  sel,
		Generator: gen,
		Submitter: submit.New(sender, sel, gen, cfg),
		Sender:    sender,
	}
	w.Accounts[name] = acc
	return acc, nil
}

func (w *World) Account(name string) (*Account, error) {
	acc, ok := w.Accounts[name]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", name)
	}
	return acc, nil
}
