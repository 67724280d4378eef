// Package submit runs the select, build and submit cycle for a command and
// reacts to the node's rejection kinds.
package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/kdapp/generator"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"github.com/kasdapp/kdapp-go/kdapp/utxo"
)

type Config struct {
	// CallTimeout bounds every node call. A timed out call is a failure.
	CallTimeout         time.Duration
	MaxTransientRetries int
	// RetryBackoff doubles after every transient failure.
	RetryBackoff time.Duration
	Fee          uint64
}

func DefaultConfig() Config {
	return Config{
		CallTimeout:         10 * time.Second,
		MaxTransientRetries: 2,
		RetryBackoff:        500 * time.Millisecond,
		Fee:                 5000,
	}
}

// Sender is the part of the node the submitter needs.
type Sender interface {
	SubmitTransaction(ctx context.Context, tx *txn.Transaction) (common.Hash, error)
}

type Submitter struct {
	node Sender
	sel  *utxo.Selector
	gen  *generator.Generator
	cfg  Config
}

func New(node Sender, sel *utxo.Selector, gen *generator.Generator, cfg Config) *Submitter {
	return &Submitter{node: node, sel: sel, gen: gen, cfg: cfg}
}

// SubmitCommand funds msg together with outputs, builds the transaction and
// submits it. An orphan rejection refreshes the selector and rebuilds once;
// a second orphan is returned. Inputs of a failed attempt stay reserved until
// the next refresh.
func (s *Submitter) SubmitCommand(ctx context.Context, msg *payload.Message, outputs []txn.Output) (common.Hash, error) {
	var required uint64
	for _, o := range outputs {
		next := required + o.Value
		if next < required {
			return common.Hash{}, utxo.ErrAmountOverflow
		}
		required = next
	}

	refreshed := false
	orphanRetried := false
	for {
		plan, err := s.sel.Select(required, s.cfg.Fee)
		if errors.Is(err, utxo.ErrInsufficientFunds) && !refreshed {
			refreshed = true
			if err := s.sel.ForceRefresh(ctx); err != nil {
				return common.Hash{}, err
			}
			continue
		}
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to fund command: %w", err)
		}

		tx, err := s.gen.BuildWithContext(ctx, plan, outputs, msg)
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to build transaction: %w", err)
		}
		id := tx.ID()

		err = s.send(ctx, tx)
		switch ledger.KindOf(err) {
		case 0:
			if err != nil {
				return common.Hash{}, err
			}
			s.sel.Commit(plan)
			log.Info("submitted command transaction", "txid", id, "episode", msg.EpisodeID, "kind", msg.Kind)
			return id, nil
		case ledger.AlreadyAccepted:
			s.sel.Commit(plan)
			log.Info("command transaction already known to the node", "txid", id)
			return id, nil
		case ledger.Orphan:
			if orphanRetried {
				return common.Hash{}, fmt.Errorf("transaction %s rejected twice as orphan: %w", id.Hex(), err)
			}
			orphanRetried = true
			refreshed = true
			log.Warn("transaction rejected as orphan, refreshing utxos", "txid", id, "err", err)
			if err := s.sel.ForceRefresh(ctx); err != nil {
				return common.Hash{}, err
			}
		case ledger.NotStandard:
			if ledger.IsMassRejection(err) {
				return common.Hash{}, fmt.Errorf("%w: %w", generator.ErrMassLimitExceeded, err)
			}
			return common.Hash{}, fmt.Errorf("transaction %s rejected: %w", id.Hex(), err)
		default:
			return common.Hash{}, err
		}
	}
}

// send returns nil or a classified *ledger.SubmitError, or the context error
// when ctx ends while backing off.
func (s *Submitter) send(ctx context.Context, tx *txn.Transaction) error {
	backoff := s.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		_, err := s.node.SubmitTransaction(cctx, tx)
		cancel()
		err = ledger.Classify(err)
		if ledger.KindOf(err) != ledger.TransientNetwork || attempt >= s.cfg.MaxTransientRetries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		log.Warn("transient submit failure, retrying", "txid", tx.ID(), "attempt", attempt+1, "backoff", backoff, "err", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}
