// Package ledger describes the node RPC surface the core consumes.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
)

// ErrBlockNotFound is returned when the node does not know a block, either
// because it never saw it or because it was pruned.
var ErrBlockNotFound = errors.New("block not found")

type DagInfo struct {
	Network          string      `json:"network"`
	Sink             common.Hash `json:"sink"`
	VirtualDAAScore  uint64      `json:"virtualDaaScore"`
	PruningPointHash common.Hash `json:"pruningPointHash"`
}

// ChainBlock is one block added to the selected chain together with the ids
// of the transactions it accepted, in acceptance order. The first id is the
// coinbase.
type ChainBlock struct {
	Hash          common.Hash   `json:"hash"`
	AcceptedTxIDs []common.Hash `json:"acceptedTransactionIds"`
}

// VirtualChain is the change of the selected chain since a start block.
// Removed lists dropped chain blocks, most recent first.
type VirtualChain struct {
	Removed []common.Hash `json:"removed"`
	Added   []ChainBlock  `json:"added"`
}

type BlockHeader struct {
	DAAScore  uint64 `json:"daaScore"`
	BlueScore uint64 `json:"blueScore"`
	// Timestamp is in milliseconds.
	Timestamp uint64 `json:"timestamp"`
}

type BlockVerbose struct {
	SelectedParent common.Hash   `json:"selectedParentHash"`
	MergeSetBlues  []common.Hash `json:"mergeSetBluesHashes"`
	MergeSetReds   []common.Hash `json:"mergeSetRedsHashes"`
	IsChainBlock   bool          `json:"isChainBlock"`
}

type BlockTx struct {
	ID common.Hash      `json:"transactionId"`
	Tx *txn.Transaction `json:"transaction"`
}

type Block struct {
	Hash         common.Hash   `json:"hash"`
	Header       BlockHeader   `json:"header"`
	Verbose      *BlockVerbose `json:"verboseData,omitempty"`
	Transactions []BlockTx     `json:"transactions,omitempty"`
}

// Node is the ledger surface used by the listener and the submission path.
// Every method must honor ctx.
type Node interface {
	SubmitTransaction(ctx context.Context, tx *txn.Transaction) (common.Hash, error)
	GetUtxosByAddress(ctx context.Context, addr txn.Address) ([]txn.UtxoEntry, error)
	GetDagInfo(ctx context.Context) (*DagInfo, error)
	GetVirtualChainFromBlock(ctx context.Context, start common.Hash) (*VirtualChain, error)
	GetBlock(ctx context.Context, hash common.Hash, includeTransactions bool) (*Block, error)
}

type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// SinkNotifier is implemented by nodes that can push sink changes. Listeners
// use it to poll early; they never depend on it for correctness.
type SinkNotifier interface {
	SubscribeSinkChanged(ctx context.Context, ch chan<- common.Hash) (Subscription, error)
}

// Closer is implemented by nodes that hold a connection.
type Closer interface {
	Close()
}

// Dialer opens a fresh node connection.
type Dialer func(ctx context.Context) (Node, error)
