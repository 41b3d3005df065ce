package types

import (
	"fmt"
	"time"
)

// Epoch is a 64-bit cluster timestamp. The upper 48 bits carry
// milliseconds since the Unix epoch, the lower 16 bits a spill offset
// ordering multiple in-memory flushes inside one epoch.
type Epoch uint64

// EpochSpillBits is the width of the spill-offset suffix
const EpochSpillBits = 16

// MaxSpillOffset is the largest representable spill offset
const MaxSpillOffset = (1 << EpochSpillBits) - 1

// EpochInvalid is the zero epoch, below every valid epoch
const EpochInvalid Epoch = 0

// NewEpoch builds an epoch from a physical time with spill offset zero
func NewEpoch(t time.Time) Epoch {
	return Epoch(uint64(t.UnixMilli()) << EpochSpillBits)
}

// Pure masks the spill offset off
func (e Epoch) Pure() Epoch {
	return e &^ Epoch(MaxSpillOffset)
}

// SpillOffset returns the spill-offset suffix
func (e Epoch) SpillOffset() uint16 {
	return uint16(e & MaxSpillOffset)
}

// WithSpill returns the epoch with the given spill offset. It fails when
// the offset space is exhausted.
func (e Epoch) WithSpill(offset uint32) (Epoch, error) {
	if offset > MaxSpillOffset {
		return EpochInvalid, fmt.Errorf("spill offset %d exceeds %d", offset, MaxSpillOffset)
	}
	return e.Pure() | Epoch(offset), nil
}

// PhysicalTime returns the wall-clock component
func (e Epoch) PhysicalTime() time.Time {
	return time.UnixMilli(int64(e >> EpochSpillBits))
}

func (e Epoch) String() string {
	return fmt.Sprintf("%d.%d", uint64(e)>>EpochSpillBits, e.SpillOffset())
}

// EpochPair carries the before/after boundary of a barrier. Curr is the
// epoch the barrier opens; Prev is the epoch it closes.
type EpochPair struct {
	Prev Epoch
	Curr Epoch
}

// NewEpochPair builds a pair, panicking on a non-increasing pair since
// that is always a caller bug.
func NewEpochPair(prev, curr Epoch) EpochPair {
	if curr <= prev {
		panic(fmt.Sprintf("epoch pair not increasing: prev=%s curr=%s", prev, curr))
	}
	return EpochPair{Prev: prev, Curr: curr}
}
