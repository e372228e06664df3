// Package bitmask provides packed bit arrays addressed by a global bit index.
//
// The accessors perform no bounds checking of their own: they are called from the inner
// loops of allocation scans, and callers are responsible for passing indices in [0, Len()).
package bitmask

import (
	"math/bits"
)

// WordBits is the number of bits stored in each word of a Mask
const WordBits = bits.UintSize

const wordShift = 5 + (bits.UintSize >> 6)

// Mask is a packed array of bits stored in native machine words. Bit i lives in word
// i / WordBits at position i % WordBits.
type Mask []uint

// WordCount returns the number of words needed to store bitCount bits
func WordCount(bitCount int) int {
	return (bitCount + WordBits - 1) >> wordShift
}

// New allocates a Mask capable of holding bitCount bits, all clear
func New(bitCount int) Mask {
	return make(Mask, WordCount(bitCount))
}

// Len returns the number of bits the Mask has storage for, which is a multiple of WordBits
func (m Mask) Len() int {
	return len(m) * WordBits
}

// IsSet reports whether bit index is set
func (m Mask) IsSet(index int) bool {
	return (m[index>>wordShift]>>(uint(index)&(WordBits-1)))&1 != 0
}

// Set sets bit index
func (m Mask) Set(index int) {
	m[index>>wordShift] |= 1 << (uint(index) & (WordBits - 1))
}

// Clear clears bit index
func (m Mask) Clear(index int) {
	m[index>>wordShift] &^= 1 << (uint(index) & (WordBits - 1))
}

// Word returns the word that holds bit index
func (m Mask) Word(index int) uint {
	return m[index>>wordShift]
}

// Fill sets or clears the first bitCount bits, and clears every bit past bitCount so that
// OnesCount and Equal never see stray bits in the final partial word
func (m Mask) Fill(value bool, bitCount int) {
	var fill uint
	if value {
		fill = ^uint(0)
	}

	for i := range m {
		m[i] = fill
	}

	if tail := uint(bitCount) & (WordBits - 1); tail != 0 && value && len(m) > 0 {
		m[len(m)-1] = (uint(1) << tail) - 1
	}
}

// OnesCount returns the number of set bits in the Mask
func (m Mask) OnesCount() int {
	count := 0
	for _, word := range m {
		count += bits.OnesCount(word)
	}
	return count
}

// Equal reports whether both masks hold the same words
func (m Mask) Equal(other Mask) bool {
	if len(m) != len(other) {
		return false
	}

	for i := range m {
		if m[i] != other[i] {
			return false
		}
	}
	return true
}

// CopyFrom overwrites this Mask with the contents of other. Both masks must have the same length.
func (m Mask) CopyFrom(other Mask) {
	copy(m, other)
}

// Render returns the first bitCount bits as '0' and '1' characters in index order, lowest index first
func (m Mask) Render(bitCount int) string {
	out := make([]byte, bitCount)
	for i := 0; i < bitCount; i++ {
		if m.IsSet(i) {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}
