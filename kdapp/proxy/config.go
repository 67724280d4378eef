package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kasdapp/kdapp-go/kdapp/engine"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
)

// Binding routes transactions carrying Prefix whose ids match Pattern to Sink.
type Binding struct {
	Prefix  payload.Prefix
	Pattern payload.Pattern
	Sink    chan<- engine.Msg
}

// Checkpoint is the persisted resume position. Safe is an older processed
// chain block used when the node no longer knows Sink.
type Checkpoint struct {
	Network string
	Sink    common.Hash
	SinkDAA uint64
	Safe    common.Hash
	SafeDAA uint64
}

type Checkpointer interface {
	// LoadCheckpoint returns nil when nothing was saved for network.
	LoadCheckpoint(ctx context.Context, network string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

type Config struct {
	PollInterval time.Duration
	// MinPollSpacing rate limits polls triggered by sink notifications.
	MinPollSpacing time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	CallTimeout    time.Duration
	// CacheCapacity is the number of fetched episode transactions kept
	// for blocks that are accepted again after a reorg. Zero disables it.
	CacheCapacity int
	// FinalityDepth is the DAA distance after which a delivered transaction
	// is reported final. Zero never reports finality.
	FinalityDepth uint64
	// ResumeWindow is how many processed chain blocks are remembered as
	// resume points.
	ResumeWindow int
	// MaxConcurrentFetches bounds parallel merge set block fetches.
	MaxConcurrentFetches int

	Checkpointer Checkpointer
	// Start overrides where a fresh listener begins. When zero it resumes
	// from the checkpoint if Resume is set, then falls back to the node's
	// pruning point if FromPruningPoint is set, else to the node's sink.
	Start common.Hash
	// Resume skips everything up to the saved checkpoint. Only set it when
	// every sink's consumer already holds the state at that checkpoint; a
	// consumer starting empty must replay with FromPruningPoint instead.
	Resume           bool
	FromPruningPoint bool
}

func DefaultConfig() Config {
	return Config{
		PollInterval:         time.Second,
		MinPollSpacing:       100 * time.Millisecond,
		ReconnectMin:         500 * time.Millisecond,
		ReconnectMax:         30 * time.Second,
		CallTimeout:          10 * time.Second,
		CacheCapacity:        256,
		FinalityDepth:        100,
		ResumeWindow:         128,
		MaxConcurrentFetches: 4,
	}
}

type State int32

const (
	Disconnected State = iota
	Connected
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
