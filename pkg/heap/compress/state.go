// Package compress implements the block compression lifecycle: the state
// machine, the codecs, and the on-disk framing of a compressed block image.
package compress

import (
	"errors"
	"fmt"
)

// BlockState tracks where a block sits in the compression lifecycle.
type BlockState uint8

const (
	StateUncompressed BlockState = 1
	StateEligible     BlockState = 2
	StateCompressed   BlockState = 3
)

var ErrIllegalTransition = errors.New("illegal block state transition")

func (s BlockState) String() string {
	switch s {
	case StateUncompressed:
		return "uncompressed"
	case StateEligible:
		return "eligible"
	case StateCompressed:
		return "compressed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Advance validates a state transition. The lifecycle moves strictly forward:
// uncompressed -> eligible -> compressed, and compressed is terminal.
func Advance(from, to BlockState) error {
	switch {
	case from == StateUncompressed && to == StateEligible:
		return nil
	case from == StateEligible && to == StateCompressed:
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
}
