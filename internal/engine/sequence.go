package engine

import "sync/atomic"

// Sequence stamps firings with a strictly increasing number.
//
// Firing IDs are opaque and may be random, so history ordering uses the
// sequence instead of wall-clock time. When a history store is attached
// the engine resumes from the highest recorded sequence.
//
// Safe for concurrent use.
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence whose next value is start+1.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last issued number without advancing.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
