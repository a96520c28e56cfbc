package gate

import "container/heap"

// pendingQueue is a min-heap of the sequence numbers of writers currently
// inside EnterWriter or holding the gate. Duplicates are allowed: a client
// retry may race its original.
type pendingQueue struct {
	seqs seqHeap
}

func (q *pendingQueue) Push(seq uint64) {
	heap.Push(&q.seqs, seq)
}

// Remove deletes one occurrence of seq. Returns false if seq is not queued.
func (q *pendingQueue) Remove(seq uint64) bool {
	for i, s := range q.seqs {
		if s == seq {
			heap.Remove(&q.seqs, i)
			return true
		}
	}
	return false
}

// Min returns the smallest queued seq.
func (q *pendingQueue) Min() (uint64, bool) {
	if len(q.seqs) == 0 {
		return 0, false
	}
	return q.seqs[0], true
}

// IsMin reports whether seq is the smallest queued seq.
func (q *pendingQueue) IsMin(seq uint64) bool {
	m, ok := q.Min()
	return ok && m == seq
}

func (q *pendingQueue) Len() int {
	return len(q.seqs)
}

// Snapshot returns the queued seqs in ascending order.
func (q *pendingQueue) Snapshot() []uint64 {
	cp := make(seqHeap, len(q.seqs))
	copy(cp, q.seqs)
	out := make([]uint64, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(uint64))
	}
	return out
}

type seqHeap []uint64

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *seqHeap) Push(x any) {
	*h = append(*h, x.(uint64))
}

func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
