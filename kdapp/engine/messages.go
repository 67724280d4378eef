package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
)

// Msg is what the listener sends to an engine.
type Msg interface {
	isMsg()
}

// AcceptedTx is one decoded episode transaction of an accepting block.
type AcceptedTx struct {
	TxID    common.Hash
	Message *payload.Message
	// Outputs is nil when the node did not expose them.
	Outputs []episode.TxOutputInfo
	Status  *episode.TxStatus
}

// BlockAccepted carries the matching transactions of one accepting chain
// block in acceptance order.
type BlockAccepted struct {
	AcceptingHash common.Hash
	AcceptingDAA  uint64
	// AcceptingTime is in seconds.
	AcceptingTime uint64
	Txs           []AcceptedTx
}

// BlockReverted reports that a previously accepting block left the selected
// chain. Reverts arrive newest first.
type BlockReverted struct {
	AcceptingHash common.Hash
}

// Exit stops Run.
type Exit struct{}

func (BlockAccepted) isMsg() {}
func (BlockReverted) isMsg() {}
func (Exit) isMsg()          {}

func (b *BlockAccepted) metadata(tx *AcceptedTx) *episode.PayloadMetadata {
	return &episode.PayloadMetadata{
		AcceptingHash: b.AcceptingHash,
		AcceptingDAA:  b.AcceptingDAA,
		AcceptingTime: b.AcceptingTime,
		TxID:          tx.TxID,
		TxOutputs:     tx.Outputs,
		TxStatus:      tx.Status,
	}
}
