package payload

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidPattern = errors.New("invalid pattern")

// BitCheck requires bit Pos of a transaction id to equal Bit. Bit i lives in
// byte i/8 at position i%8, least significant first.
type BitCheck struct {
	Pos uint8
	Bit uint8
}

// Pattern is the cheap discovery predicate over transaction ids. An empty
// pattern matches every id.
type Pattern []BitCheck

// Matches runs len(p) comparisons and never allocates.
func (p Pattern) Matches(id common.Hash) bool {
	for _, c := range p {
		if (id[c.Pos/8]>>(c.Pos%8))&1 != c.Bit {
			return false
		}
	}
	return true
}

// Bits is the number of fixed bits, which sets the expected grinding work
// at 2^Bits attempts.
func (p Pattern) Bits() int {
	return len(p)
}

// Validate rejects bit values other than 0 and 1 and positions that are
// constrained twice.
func (p Pattern) Validate() error {
	var seen [256]bool
	for i, c := range p {
		if c.Bit > 1 {
			return fmt.Errorf("%w: check %d has bit value %d", ErrInvalidPattern, i, c.Bit)
		}
		if seen[c.Pos] {
			return fmt.Errorf("%w: position %d constrained more than once", ErrInvalidPattern, c.Pos)
		}
		seen[c.Pos] = true
	}
	return nil
}
