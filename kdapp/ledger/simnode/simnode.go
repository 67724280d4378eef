// Package simnode is an in-memory ledger node. It keeps a selected chain of
// blocks, each accepting the transactions of one merged sibling block, and
// lets tests script reorgs, pruning, disconnects and stale outputs.
package simnode

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/kdapp/ledger"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
)

const genesisTimeMillis = 1_700_000_000_000

var ErrDisconnected = errors.New("connection refused: node disconnected")

type block struct {
	hash   common.Hash
	parent common.Hash
	header ledger.BlockHeader
	txs    []*txn.Transaction
	blues  []common.Hash
	// accepted is set on chain blocks: the coinbase id followed by the
	// accepted transaction ids.
	accepted []common.Hash
}

type Node struct {
	mu sync.Mutex

	network string
	seq     uint64

	blocks map[common.Hash]*block
	chain  []common.Hash
	height map[common.Hash]int
	pruned mapset.Set[common.Hash]

	genesisUtxos map[txn.Outpoint]txn.UtxoEntry
	utxos        map[txn.Outpoint]txn.UtxoEntry
	accepted     map[common.Hash]common.Hash
	mempool      []*txn.Transaction

	disconnected bool
	submitFaults []error
	subs         map[*subscription]struct{}
}

func New(network string) *Node {
	n := &Node{
		network:      network,
		blocks:       map[common.Hash]*block{},
		height:       map[common.Hash]int{},
		pruned:       mapset.NewThreadUnsafeSet[common.Hash](),
		genesisUtxos: map[txn.Outpoint]txn.UtxoEntry{},
		utxos:        map[txn.Outpoint]txn.UtxoEntry{},
		accepted:     map[common.Hash]common.Hash{},
		subs:         map[*subscription]struct{}{},
	}
	genesis := &block{hash: n.nextHash(common.Hash{})}
	n.blocks[genesis.hash] = genesis
	n.chain = []common.Hash{genesis.hash}
	n.height[genesis.hash] = 0
	return n
}

func (n *Node) Network() string {
	return n.network
}

func (n *Node) nextHash(parent common.Hash) common.Hash {
	n.seq++
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n.seq)
	return crypto.Keccak256Hash([]byte(n.network), parent[:], b[:])
}

func (n *Node) coinbase() *txn.Transaction {
	n.seq++
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n.seq)
	return &txn.Transaction{Payload: b[:]}
}

// Fund creates spendable outputs for addr outside of any block.
func (n *Node) Fund(addr txn.Address, amounts ...uint64) []txn.UtxoEntry {
	n.mu.Lock()
	defer n.mu.Unlock()

	funding := n.coinbase()
	out := make([]txn.UtxoEntry, len(amounts))
	for _, a := range amounts {
		funding.Outputs = append(funding.Outputs, txn.Output{Value: a, ScriptPublicKey: addr.ScriptPublicKey()})
	}
	id := funding.ID()
	for i, a := range amounts {
		e := txn.UtxoEntry{
			Outpoint:        txn.Outpoint{TxID: id, Index: uint32(i)},
			Amount:          a,
			ScriptPublicKey: addr.ScriptPublicKey(),
			IsCoinbase:      true,
		}
		n.genesisUtxos[e.Outpoint] = e
		n.utxos[e.Outpoint] = e
		out[i] = e
	}
	return out
}

// RemoveUtxo makes op disappear as if it had been spent elsewhere.
func (n *Node) RemoveUtxo(op txn.Outpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.genesisUtxos, op)
	delete(n.utxos, op)
}

// Mine adds one chain block accepting everything in the mempool and returns
// its hash.
func (n *Node) Mine() common.Hash {
	n.mu.Lock()
	defer n.mu.Unlock()

	tip := n.chain[len(n.chain)-1]

	merged := &block{
		hash:   n.nextHash(tip),
		parent: tip,
		txs:    append([]*txn.Transaction{n.coinbase()}, n.mempool...),
	}
	merged.header = n.header(len(n.chain))
	n.blocks[merged.hash] = merged

	cb := n.coinbase()
	chainBlock := &block{
		hash:     n.nextHash(tip),
		parent:   tip,
		txs:      []*txn.Transaction{cb},
		blues:    []common.Hash{tip, merged.hash},
		accepted: []common.Hash{cb.ID()},
	}
	chainBlock.header = n.header(len(n.chain))

	for _, tx := range n.mempool {
		if !n.apply(tx) {
			log.Debug("simnode: dropping conflicting transaction", "txid", tx.ID())
			continue
		}
		id := tx.ID()
		chainBlock.accepted = append(chainBlock.accepted, id)
		n.accepted[id] = chainBlock.hash
	}
	n.mempool = nil

	n.blocks[chainBlock.hash] = chainBlock
	n.height[chainBlock.hash] = len(n.chain)
	n.chain = append(n.chain, chainBlock.hash)

	n.notify(chainBlock.hash)
	return chainBlock.hash
}

func (n *Node) header(height int) ledger.BlockHeader {
	n.seq++
	return ledger.BlockHeader{
		DAAScore:  n.seq,
		BlueScore: uint64(height),
		Timestamp: genesisTimeMillis + n.seq*1000,
	}
}

func (n *Node) apply(tx *txn.Transaction) bool {
	for _, in := range tx.Inputs {
		if _, ok := n.utxos[in.PreviousOutpoint]; !ok {
			return false
		}
	}
	for _, in := range tx.Inputs {
		delete(n.utxos, in.PreviousOutpoint)
	}
	id := tx.ID()
	for i, out := range tx.Outputs {
		op := txn.Outpoint{TxID: id, Index: uint32(i)}
		n.utxos[op] = txn.UtxoEntry{Outpoint: op, Amount: out.Value, ScriptPublicKey: out.ScriptPublicKey}
	}
	return true
}

// Reorg drops the last depth chain blocks. Their transactions return to the
// mempool so the next Mine accepts them in new blocks.
func (n *Node) Reorg(depth int) []common.Hash {
	n.mu.Lock()
	defer n.mu.Unlock()

	depth = min(depth, len(n.chain)-1)
	removed := slices.Clone(n.chain[len(n.chain)-depth:])
	n.chain = n.chain[:len(n.chain)-depth]

	var returned []*txn.Transaction
	for _, h := range removed {
		delete(n.height, h)
		b := n.blocks[h]
		merged := n.blocks[b.blues[1]]
		for _, tx := range merged.txs[1:] {
			id := tx.ID()
			if n.accepted[id] == h {
				delete(n.accepted, id)
				returned = append(returned, tx)
			}
		}
	}
	n.mempool = append(returned, n.mempool...)

	n.utxos = maps.Clone(n.genesisUtxos)
	for _, h := range n.chain[1:] {
		b := n.blocks[h]
		merged := n.blocks[b.blues[1]]
		for _, tx := range merged.txs[1:] {
			if n.accepted[tx.ID()] == h {
				n.apply(tx)
			}
		}
	}

	slices.Reverse(removed)
	return removed
}

// Prune forgets every chain block except the last keep ones, together with
// all blocks that left the chain.
func (n *Node) Prune(keep int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	cut := max(len(n.chain)-keep, 0)
	for _, h := range n.chain[:cut] {
		n.pruned.Add(h)
	}
	n.forgetRemovedLocked()
}

// ForgetRemoved drops blocks that left the selected chain, as a restarted
// node would.
func (n *Node) ForgetRemoved() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forgetRemovedLocked()
}

func (n *Node) forgetRemovedLocked() {
	for h, b := range n.blocks {
		if b.accepted == nil {
			continue
		}
		if _, ok := n.height[h]; !ok {
			n.pruned.Add(h)
		}
	}
}

// SetDisconnected makes every call fail with ErrDisconnected and drops all
// subscriptions while set.
func (n *Node) SetDisconnected(d bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = d
	if d {
		for s := range n.subs {
			s.fail(ErrDisconnected)
			delete(n.subs, s)
		}
	}
}

// InjectSubmitErrors queues errors returned by the next submissions before
// any validation happens.
func (n *Node) InjectSubmitErrors(errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitFaults = append(n.submitFaults, errs...)
}

func (n *Node) Mempool() []*txn.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.mempool)
}

// Dial returns the node itself unless it is disconnected.
func (n *Node) Dial(ctx context.Context) (ledger.Node, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disconnected {
		return ErrDisconnected
	}
	return nil
}

func (n *Node) SubmitTransaction(ctx context.Context, tx *txn.Transaction) (common.Hash, error) {
	if err := n.check(ctx); err != nil {
		return common.Hash{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.submitFaults) > 0 {
		err := n.submitFaults[0]
		n.submitFaults = n.submitFaults[1:]
		return common.Hash{}, err
	}

	id := tx.ID()
	if _, ok := n.accepted[id]; ok {
		return id, fmt.Errorf("transaction %s is already accepted", id.Hex())
	}
	inMempool := map[txn.Outpoint]struct{}{}
	for _, m := range n.mempool {
		if m.ID() == id {
			return id, fmt.Errorf("transaction %s is already in the mempool", id.Hex())
		}
		for _, in := range m.Inputs {
			inMempool[in.PreviousOutpoint] = struct{}{}
		}
	}

	if tx.IsCoinbase() {
		return id, fmt.Errorf("transaction %s has no inputs", id.Hex())
	}
	if mass := txn.ComputeMass(tx); mass > txn.MaxStandardMass {
		return id, fmt.Errorf("transaction %s mass %d is larger than max allowed %d", id.Hex(), mass, txn.MaxStandardMass)
	}

	var in, out uint64
	for i, input := range tx.Inputs {
		entry, ok := n.utxos[input.PreviousOutpoint]
		if !ok {
			return id, fmt.Errorf("transaction %s is an orphan: missing outpoint %s", id.Hex(), input.PreviousOutpoint)
		}
		if _, ok := inMempool[input.PreviousOutpoint]; ok {
			return id, fmt.Errorf("transaction %s double spends outpoint %s in the mempool", id.Hex(), input.PreviousOutpoint)
		}
		if err := txn.VerifyInput(tx, i, entry); err != nil {
			return id, fmt.Errorf("transaction %s rejected: %w", id.Hex(), err)
		}
		in += entry.Amount
	}
	for _, o := range tx.Outputs {
		out += o.Value
	}
	if out > in {
		return id, fmt.Errorf("transaction %s spends %d but only has %d", id.Hex(), out, in)
	}

	n.mempool = append(n.mempool, tx.Clone())
	return id, nil
}

func (n *Node) GetUtxosByAddress(ctx context.Context, addr txn.Address) ([]txn.UtxoEntry, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	script := addr.ScriptPublicKey()
	var out []txn.UtxoEntry
	for _, e := range n.utxos {
		if e.ScriptPublicKey.Version == script.Version && string(e.ScriptPublicKey.Script) == string(script.Script) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b txn.UtxoEntry) int { return a.Outpoint.Compare(b.Outpoint) })
	return out, nil
}

func (n *Node) GetDagInfo(ctx context.Context) (*ledger.DagInfo, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	tip := n.blocks[n.chain[len(n.chain)-1]]
	pruningPoint := n.chain[0]
	for _, h := range n.chain {
		if !n.pruned.Contains(h) {
			pruningPoint = h
			break
		}
	}
	return &ledger.DagInfo{
		Network:          n.network,
		Sink:             tip.hash,
		VirtualDAAScore:  tip.header.DAAScore,
		PruningPointHash: pruningPoint,
	}, nil
}

func (n *Node) GetVirtualChainFromBlock(ctx context.Context, start common.Hash) (*ledger.VirtualChain, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	b, ok := n.blocks[start]
	if !ok || b.accepted == nil && start != n.chain[0] || n.pruned.Contains(start) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrBlockNotFound, start.Hex())
	}

	vc := &ledger.VirtualChain{}
	h := start
	for {
		if _, onChain := n.height[h]; onChain {
			break
		}
		vc.Removed = append(vc.Removed, h)
		h = n.blocks[h].parent
	}
	for _, c := range n.chain[n.height[h]+1:] {
		vc.Added = append(vc.Added, ledger.ChainBlock{
			Hash:          c,
			AcceptedTxIDs: slices.Clone(n.blocks[c].accepted),
		})
	}
	return vc, nil
}

func (n *Node) GetBlock(ctx context.Context, hash common.Hash, includeTransactions bool) (*ledger.Block, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	b, ok := n.blocks[hash]
	if !ok || n.pruned.Contains(hash) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrBlockNotFound, hash.Hex())
	}
	_, onChain := n.height[hash]
	out := &ledger.Block{
		Hash:   b.hash,
		Header: b.header,
		Verbose: &ledger.BlockVerbose{
			SelectedParent: b.parent,
			MergeSetBlues:  slices.Clone(b.blues),
			IsChainBlock:   onChain,
		},
	}
	if includeTransactions {
		for _, tx := range b.txs {
			out.Transactions = append(out.Transactions, ledger.BlockTx{ID: tx.ID(), Tx: tx.Clone()})
		}
	}
	return out, nil
}
