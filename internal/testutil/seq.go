package testutil

// FixedSeqSource returns the same initial sequence number for every gate.
//
// Implements gate.SeqSource so tests can predict the first writer seq
// (Start+1) instead of reading it back from a randomized gate.
//
// Thread-safety: FixedSeqSource is immutable and safe for concurrent use.
type FixedSeqSource struct {
	Start uint64
}

// InitialSeq returns Start.
func (s FixedSeqSource) InitialSeq() uint64 {
	return s.Start
}
