// Package episode defines the contract between the engine and the
// application state machines it drives.
package episode

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
)

// ID identifies one independent episode. It is chosen by the creator and
// never changes.
type ID uint32

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidCommand   = errors.New("invalid command")
)

// InvalidCommand wraps an application specific reason so that it matches
// ErrInvalidCommand.
func InvalidCommand(reason error) error {
	return fmt.Errorf("%w: %w", ErrInvalidCommand, reason)
}

// TxOutputInfo describes one output of the carrying transaction.
type TxOutputInfo struct {
	Value         uint64
	ScriptVersion uint16
	Script        []byte
}

// TxStatus is the node's view of how settled the carrying transaction is at
// the time it was delivered.
type TxStatus struct {
	AcceptanceHeight uint64
	Confirmations    uint64
	Finality         bool
}

// PayloadMetadata carries the ledger supplied facts for one command. It is the
// only source of time and ordering an episode may use.
type PayloadMetadata struct {
	AcceptingHash common.Hash
	AcceptingDAA  uint64
	// AcceptingTime is in seconds.
	AcceptingTime uint64
	TxID          common.Hash
	// TxOutputs is nil when the node did not expose outputs.
	TxOutputs []TxOutputInfo
	TxStatus  *TxStatus
}

// Episode is an application state machine. Execute and Rollback must be
// deterministic and free of I/O.
//
// For every command that Execute accepts, Rollback of the returned record
// must restore the exact prior state.
type Episode[C any, R any] interface {
	Execute(cmd *C, auth *pki.PubKey, md *PayloadMetadata) (R, error)
	Rollback(rb R) bool
}

// Initializer creates the state of a new episode.
type Initializer[C any, R any] func(participants []pki.PubKey, md *PayloadMetadata) (Episode[C, R], error)

// EventHandler observes episode changes. Calls for a single episode are never
// concurrent.
type EventHandler[C any, R any] interface {
	OnInitialize(id ID, ep Episode[C, R], md *PayloadMetadata)
	OnCommand(id ID, ep Episode[C, R], cmd *C, auth *pki.PubKey, md *PayloadMetadata)
	// OnRollback is called with a nil episode when the creation itself was
	// unwound and the episode no longer exists.
	OnRollback(id ID, ep Episode[C, R])
	OnReject(id ID, err error, md *PayloadMetadata)
}

// RevertObserver is implemented by handlers that want to know which
// accepting block a rollback came from.
type RevertObserver interface {
	OnBlockReverted(hash common.Hash)
}

// Handlers fans every event out to each handler in order.
type Handlers[C any, R any] []EventHandler[C, R]

func (hs Handlers[C, R]) OnInitialize(id ID, ep Episode[C, R], md *PayloadMetadata) {
	for _, h := range hs {
		h.OnInitialize(id, ep, md)
	}
}

func (hs Handlers[C, R]) OnCommand(id ID, ep Episode[C, R], cmd *C, auth *pki.PubKey, md *PayloadMetadata) {
	for _, h := range hs {
		h.OnCommand(id, ep, cmd, auth, md)
	}
}

func (hs Handlers[C, R]) OnRollback(id ID, ep Episode[C, R]) {
	for _, h := range hs {
		h.OnRollback(id, ep)
	}
}

func (hs Handlers[C, R]) OnReject(id ID, err error, md *PayloadMetadata) {
	for _, h := range hs {
		h.OnReject(id, err, md)
	}
}

func (hs Handlers[C, R]) OnBlockReverted(hash common.Hash) {
	for _, h := range hs {
		if o, ok := h.(RevertObserver); ok {
			o.OnBlockReverted(hash)
		}
	}
}

// NopHandler ignores every event. Embed it to implement a subset.
type NopHandler[C any, R any] struct{}

func (NopHandler[C, R]) OnInitialize(ID, Episode[C, R], *PayloadMetadata)               {}
func (NopHandler[C, R]) OnCommand(ID, Episode[C, R], *C, *pki.PubKey, *PayloadMetadata) {}
func (NopHandler[C, R]) OnRollback(ID, Episode[C, R])                                   {}
func (NopHandler[C, R]) OnReject(ID, error, *PayloadMetadata)                           {}
