package core

import (
	"fmt"
	"math"
	"math/bits"
)

// SessionID numbers sessions starting from 0.
type SessionID uint32

// SessionPeriod is the number of blocks in every session.
type SessionPeriod uint32

// SessionBoundaries is the inclusive range of block numbers belonging to a session.
type SessionBoundaries struct {
	firstBlock BlockNumber
	lastBlock  BlockNumber
}

// NewSessionBoundaries computes the block range of the given session.
// Arithmetic saturates at the limits of BlockNumber, so the call never panics.
func NewSessionBoundaries(id SessionID, period SessionPeriod) SessionBoundaries {
	first := saturatingMul(uint32(id), uint32(period))
	last := saturatingAdd(first, saturatingSub(uint32(period), 1))
	return SessionBoundaries{
		firstBlock: BlockNumber(first),
		lastBlock:  BlockNumber(last),
	}
}

// FirstBlock returns the number of the first block of the session.
func (s SessionBoundaries) FirstBlock() BlockNumber {
	return s.firstBlock
}

// LastBlock returns the number of the last block of the session.
func (s SessionBoundaries) LastBlock() BlockNumber {
	return s.lastBlock
}

// Contains reports whether num lies within the session.
func (s SessionBoundaries) Contains(num BlockNumber) bool {
	return s.firstBlock <= num && num <= s.lastBlock
}

func (s SessionBoundaries) String() string {
	return fmt.Sprintf("[%d, %d]", s.firstBlock, s.lastBlock)
}

// SessionIDFromBlock returns the session the given block belongs to.
func SessionIDFromBlock(num BlockNumber, period SessionPeriod) SessionID {
	if period == 0 {
		return 0
	}
	return SessionID(uint32(num) / uint32(period))
}

func saturatingMul(a, b uint32) uint32 {
	hi, lo := bits.Mul32(a, b)
	if hi != 0 {
		return math.MaxUint32
	}
	return lo
}

func saturatingAdd(a, b uint32) uint32 {
	sum, carry := bits.Add32(a, b, 0)
	if carry != 0 {
		return math.MaxUint32
	}
	return sum
}

func saturatingSub(a, b uint32) uint32 {
	if a < b {
		return 0
	}
	return a - b
}
