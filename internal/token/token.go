// Package token dispenses the monotonically-increasing 32-bit
// correlation tokens used across searches, transfers, and indirect
// connections (spec §3 "Token"). A single Source is shared by every
// manager so the token space stays collision-free client-wide.
package token

import "sync/atomic"

// Source hands out tokens starting just above its configured seed.
type Source struct {
	counter uint32
}

// NewSource starts dispensing at startingToken+1.
func NewSource(startingToken uint32) *Source {
	return &Source{counter: startingToken}
}

// Next returns the next token.
func (s *Source) Next() uint32 {
	return atomic.AddUint32(&s.counter, 1)
}
