// Package counter is a small episode: a shared counter that its participants
// add to and subtract from.
package counter

import (
	"errors"
	"fmt"
	"slices"

	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
)

// Prefix and Pattern mark counter transactions on the ledger.
const Prefix payload.Prefix = 0x434e5452

var Pattern = payload.Pattern{
	{Pos: 3, Bit: 1},
	{Pos: 17, Bit: 0},
	{Pos: 42, Bit: 1},
	{Pos: 99, Bit: 0},
	{Pos: 160, Bit: 1},
	{Pos: 201, Bit: 1},
	{Pos: 230, Bit: 0},
	{Pos: 255, Bit: 1},
}

var (
	ErrOverflow  = errors.New("counter overflow")
	ErrUnderflow = errors.New("counter underflow")
)

type Op uint8

const (
	OpAdd Op = iota
	OpSub
)

type Command struct {
	Op     Op
	Amount uint64
}

func Add(n uint64) *Command { return &Command{Op: OpAdd, Amount: n} }
func Sub(n uint64) *Command { return &Command{Op: OpSub, Amount: n} }

type Rollback struct {
	PrevValue uint64
	PrevTime  uint64
}

// Counter accepts signed commands from its participants. A counter created
// without participants accepts any command, signed or not.
type Counter struct {
	Participants []pki.PubKey
	Value        uint64
	// LastUpdate is the accepting time of the last applied command.
	LastUpdate uint64
	Updates    uint64
}

var _ episode.Episode[Command, Rollback] = (*Counter)(nil)

func New(participants []pki.PubKey, md *episode.PayloadMetadata) (episode.Episode[Command, Rollback], error) {
	return &Counter{
		Participants: slices.Clone(participants),
		LastUpdate:   md.AcceptingTime,
	}, nil
}

func (c *Counter) Execute(cmd *Command, auth *pki.PubKey, md *episode.PayloadMetadata) (Rollback, error) {
	if len(c.Participants) > 0 {
		if auth == nil {
			return Rollback{}, fmt.Errorf("%w: unsigned command", episode.ErrUnauthorized)
		}
		if !slices.Contains(c.Participants, *auth) {
			return Rollback{}, fmt.Errorf("%w: %s is not a participant", episode.ErrUnauthorized, auth)
		}
	}

	next := c.Value
	switch cmd.Op {
	case OpAdd:
		next += cmd.Amount
		if next < c.Value {
			return Rollback{}, episode.InvalidCommand(ErrOverflow)
		}
	case OpSub:
		if cmd.Amount > c.Value {
			return Rollback{}, episode.InvalidCommand(ErrUnderflow)
		}
		next -= cmd.Amount
	default:
		return Rollback{}, episode.InvalidCommand(fmt.Errorf("unknown op %d", cmd.Op))
	}

	rb := Rollback{PrevValue: c.Value, PrevTime: c.LastUpdate}
	c.Value = next
	c.LastUpdate = md.AcceptingTime
	c.Updates++
	return rb, nil
}

func (c *Counter) Rollback(rb Rollback) bool {
	if c.Updates == 0 {
		return false
	}
	c.Value = rb.PrevValue
	c.LastUpdate = rb.PrevTime
	c.Updates--
	return true
}

func (c *Counter) String() string {
	return fmt.Sprintf("counter(value=%d, updates=%d)", c.Value, c.Updates)
}
