package flow

import (
	"github.com/mel2oo/go-dpi/reassembly"
)

// TCPState is the per-direction stream reassembly state. Invariant: every
// fragment parked in the list starts at or after expectedSeq; earlier bytes
// have already been surfaced and released.
type TCPState struct {
	expectedSeq uint32
	haveSeq     bool

	// A zero-length FIN that arrived ahead of a gap. It consumes its
	// sequence number once the stream catches up to finSeq.
	finSeq  uint32
	haveFIN bool

	fragments reassembly.FragmentList
}

// ExpectedSeq returns the next sequence number the direction is waiting for.
func (s *TCPState) ExpectedSeq() uint32 { return s.expectedSeq }

// PendingBytes returns the bytes parked behind a gap.
func (s *TCPState) PendingBytes() uint32 { return s.fragments.StoredBytes() }

// Process consumes one segment and surfaces every in-order byte run through
// emit. The reassembler never blocks: a gap simply parks bytes in the
// fragment list until the missing segment arrives or the flow is evicted.
// Bytes handed to emit are valid only for the duration of the call.
func (s *TCPState) Process(seq uint32, payload []byte, syn, fin bool, emit func(data []byte, fin bool)) {
	if syn {
		// SYN occupies one sequence number; any payload starts after it.
		if !s.haveSeq {
			s.expectedSeq = seq + 1
			s.haveSeq = true
		}
		seq++
	} else if !s.haveSeq {
		// Joined mid-stream: synchronize on the first segment observed.
		s.expectedSeq = seq
		s.haveSeq = true
	}

	n := uint32(len(payload))
	if n == 0 {
		if !fin || reassembly.Before(seq, s.expectedSeq) {
			return
		}
		// A bare FIN still consumes a sequence number. In order with nothing
		// parked it is surfaced right away; otherwise it is remembered and
		// consumed once the stream catches up to it.
		if seq == s.expectedSeq && s.fragments.Empty() {
			s.expectedSeq++
			emit(nil, true)
			return
		}
		s.finSeq = seq
		s.haveFIN = true
		s.consumePendingFIN(emit)
		return
	}

	// Entirely old data.
	if reassembly.BeforeOrEqual(seq+n, s.expectedSeq) {
		return
	}

	// Trim a retransmission's already-consumed prefix.
	if reassembly.Before(seq, s.expectedSeq) {
		payload = payload[s.expectedSeq-seq:]
		n -= s.expectedSeq - seq
		seq = s.expectedSeq
	}

	// Fast path: the common in-order case surfaces the payload directly,
	// without copying into the list.
	if seq == s.expectedSeq && s.fragments.Empty() {
		s.expectedSeq += n
		if fin {
			s.expectedSeq++
		}
		emit(payload, fin)
		s.consumePendingFIN(emit)
		return
	}

	s.fragments.Insert(seq, seq+n, payload, fin)

	// Drain every run that became contiguous.
	for {
		head := s.fragments.Head()
		if head == nil || head.Offset() != s.expectedSeq {
			break
		}
		f := s.fragments.PopHead()
		s.expectedSeq += f.Len()
		if f.FIN() {
			s.expectedSeq++
		}
		emit(f.Bytes(), f.FIN())
	}
	s.consumePendingFIN(emit)
}

// consumePendingFIN surfaces a remembered bare FIN once expectedSeq has
// reached it.
func (s *TCPState) consumePendingFIN(emit func(data []byte, fin bool)) {
	if s.haveFIN && s.finSeq == s.expectedSeq {
		s.haveFIN = false
		s.expectedSeq++
		emit(nil, true)
	}
}

// Release drops all parked segments.
func (s *TCPState) Release() {
	s.fragments.Clear()
	s.haveFIN = false
}
