// Package idgen provides the process-wide transaction sequence and random
// identifiers for requests and events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"
)

// Sequence is a monotonic counter. The zero value is ready to use and starts
// at 0; the first call to Next returns 1.
type Sequence struct {
	v atomic.Uint64
}

// NewSequence returns a sequence whose current value is start. Stores that
// persist their counter use this to resume after a restart.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.v.Store(start)
	return s
}

// Next increments the counter and returns the new value.
func (s *Sequence) Next() uint64 {
	return s.v.Add(1)
}

// Current returns the last value handed out by Next, or the start value.
func (s *Sequence) Current() uint64 {
	return s.v.Load()
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix generates a random ID with a prefix (e.g. "evt_", "req_").
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}
