package proxy

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/kdapp/engine"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"golang.org/x/sync/errgroup"
)

// processBlock delivers the episode transactions accepted by one chain block.
// Either every matching transaction is found or nothing is delivered.
func (l *Listener) processBlock(ctx context.Context, node ledger.Node, cb ledger.ChainBlock, virtualDAA uint64) (point, error) {
	var wanted []common.Hash
	// Index 0 is the accepting block's coinbase.
	for _, id := range cb.AcceptedTxIDs[min(1, len(cb.AcceptedTxIDs)):] {
		if l.matchesAny(id) {
			wanted = append(wanted, id)
		}
	}
	if len(wanted) == 0 {
		return point{hash: cb.Hash}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	accepting, err := node.GetBlock(cctx, cb.Hash, false)
	cancel()
	if err != nil {
		return point{}, fmt.Errorf("failed to get accepting block %s: %w", cb.Hash.Hex(), err)
	}

	txs, err := l.collect(ctx, node, accepting, wanted)
	if err != nil {
		return point{}, err
	}

	for _, b := range l.bindings {
		msg := engine.BlockAccepted{
			AcceptingHash: cb.Hash,
			AcceptingDAA:  accepting.Header.DAAScore,
			AcceptingTime: accepting.Header.Timestamp / 1000,
		}
		for _, id := range wanted {
			if !b.Pattern.Matches(id) {
				continue
			}
			tx := txs[id]
			if !payload.CheckHeader(tx.Payload, b.Prefix) {
				continue
			}
			_, m, err := payload.Decode(tx.Payload)
			if err != nil {
				log.Warn("skipping undecodable episode payload", "txid", id, "block", cb.Hash, "err", err)
				continue
			}
			msg.Txs = append(msg.Txs, engine.AcceptedTx{
				TxID:    id,
				Message: m,
				Outputs: outputs(tx),
				Status:  l.status(accepting.Header.DAAScore, virtualDAA),
			})
		}
		if len(msg.Txs) == 0 {
			continue
		}
		log.Debug("delivering accepted episode transactions", "block", cb.Hash, "prefix", b.Prefix, "txs", len(msg.Txs))
		if err := send(ctx, b.Sink, msg); err != nil {
			return point{}, err
		}
	}
	return point{hash: cb.Hash, daa: accepting.Header.DAAScore}, nil
}

// collect finds the wanted transactions, from the cache when possible, else
// by fetching the accepting block's merge set.
func (l *Listener) collect(ctx context.Context, node ledger.Node, accepting *ledger.Block, wanted []common.Hash) (map[common.Hash]*txn.Transaction, error) {
	txs := make(map[common.Hash]*txn.Transaction, len(wanted))
	missing := 0
	for _, id := range wanted {
		if tx, ok := l.cached(id); ok {
			txs[id] = tx
		} else {
			missing++
		}
	}
	if missing == 0 {
		return txs, nil
	}
	if accepting.Verbose == nil {
		return nil, fmt.Errorf("%w: block %s has no merge set", errIncompleteBlock, accepting.Hash.Hex())
	}

	mergeSet := slices.Concat(accepting.Verbose.MergeSetBlues, accepting.Verbose.MergeSetReds)
	blocks := make([]*ledger.Block, len(mergeSet))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.MaxConcurrentFetches)
	for i, h := range mergeSet {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, l.cfg.CallTimeout)
			defer cancel()
			b, err := node.GetBlock(cctx, h, true)
			if errors.Is(err, ledger.ErrBlockNotFound) {
				return fmt.Errorf("%w: merged block %s: %w", errIncompleteBlock, h.Hex(), err)
			}
			if err != nil {
				return fmt.Errorf("failed to get merged block %s: %w", h.Hex(), err)
			}
			blocks[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	want := make(map[common.Hash]struct{}, len(wanted))
	for _, id := range wanted {
		want[id] = struct{}{}
	}
	for _, b := range blocks {
		for _, btx := range b.Transactions {
			if _, ok := want[btx.ID]; !ok {
				continue
			}
			txs[btx.ID] = btx.Tx
			l.remember(btx.ID, btx.Tx)
		}
	}
	for _, id := range wanted {
		if _, ok := txs[id]; !ok {
			return nil, fmt.Errorf("%w: %s not in the merge set of %s", errIncompleteBlock, id.Hex(), accepting.Hash.Hex())
		}
	}
	return txs, nil
}

func (l *Listener) status(acceptingDAA, virtualDAA uint64) *episode.TxStatus {
	s := &episode.TxStatus{AcceptanceHeight: acceptingDAA}
	if virtualDAA > acceptingDAA {
		s.Confirmations = virtualDAA - acceptingDAA
	}
	s.Finality = l.cfg.FinalityDepth > 0 && s.Confirmations >= l.cfg.FinalityDepth
	return s
}

func outputs(tx *txn.Transaction) []episode.TxOutputInfo {
	if len(tx.Outputs) == 0 {
		return nil
	}
	out := make([]episode.TxOutputInfo, len(tx.Outputs))
	for i, o := range tx.Outputs {
		out[i] = episode.TxOutputInfo{
			Value:         o.Value,
			ScriptVersion: o.ScriptPublicKey.Version,
			Script:        slices.Clone(o.ScriptPublicKey.Script),
		}
	}
	return out
}

// resync finds a resume point after the node forgot the sink: first the
// older processed chain blocks, then the persisted safe checkpoint. The
// returned chain reverts every delivered block that is no longer on the
// selected chain and adds only blocks not yet delivered.
func (l *Listener) resync(ctx context.Context, node ledger.Node) (*ledger.VirtualChain, error) {
	log.Warn("sink unknown to the node, looking for an older resume point", "sink", l.sink.hash)

	tried := map[common.Hash]struct{}{l.sink.hash: {}}
	for i := len(l.window) - 1; i >= 0; i-- {
		p := l.window[i]
		if _, ok := tried[p.hash]; ok {
			continue
		}
		tried[p.hash] = struct{}{}
		vc, err := l.rebase(ctx, node, p, i)
		if errors.Is(err, ledger.ErrBlockNotFound) {
			continue
		}
		return vc, err
	}

	if l.cfg.Checkpointer != nil {
		cp, err := l.cfg.Checkpointer.LoadCheckpoint(ctx, l.network)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp != nil {
			if _, ok := tried[cp.Safe]; !ok && cp.Safe != (common.Hash{}) {
				log.Warn("resuming from the safe checkpoint", "safe", cp.Safe)
				vc, err := l.rebase(ctx, node, point{hash: cp.Safe, daa: cp.SafeDAA}, -1)
				if !errors.Is(err, ledger.ErrBlockNotFound) {
					return vc, err
				}
			}
		}
	}
	return nil, ErrResyncRequired
}

// rebase asks for the chain from p, where p is window[i] or, with i < 0, a
// point older than the whole window.
func (l *Listener) rebase(ctx context.Context, node ledger.Node, p point, i int) (*ledger.VirtualChain, error) {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	vc, err := node.GetVirtualChainFromBlock(cctx, p.hash)
	cancel()
	if err != nil {
		return nil, err
	}

	delivered := l.window[i+1:]
	kept := 0
	if len(vc.Removed) == 0 {
		for kept < len(delivered) && kept < len(vc.Added) && delivered[kept].hash == vc.Added[kept].Hash {
			kept++
		}
	}

	out := &ledger.VirtualChain{Added: vc.Added[kept:]}
	for j := len(delivered) - 1; j >= kept; j-- {
		out.Removed = append(out.Removed, delivered[j].hash)
	}
	out.Removed = append(out.Removed, vc.Removed...)

	if i < 0 {
		l.window = append([]point{p}, l.window...)
	}
	if kept > 0 {
		l.sink = delivered[kept-1]
	} else {
		l.sink = p
	}
	log.Info("resynchronized", "from", p.hash, "reverted", len(out.Removed), "added", len(out.Added))
	return out, nil
}
