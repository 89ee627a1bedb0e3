package reassembly

import (
	"io"

	"github.com/pkg/errors"
)

// ErrCompactionLengthMismatch reports an internal invariant violation while
// compacting a fragment train: the bytes copied did not add up to the
// announced datagram length.
var ErrCompactionLengthMismatch = errors.New("reassembly: compacted length does not match expected length")

// Fragment is one stored byte range. The list owns the payload copy. The fin
// bit is carried because a segment with FIN advances the expected sequence
// number by one extra.
type Fragment struct {
	offset uint32
	end    uint32
	data   []byte
	fin    bool

	prev, next *Fragment
}

func (f *Fragment) Offset() uint32 { return f.offset }
func (f *Fragment) End() uint32    { return f.end }
func (f *Fragment) Bytes() []byte  { return f.data }
func (f *Fragment) FIN() bool      { return f.fin }

// Len returns the number of payload bytes in the fragment.
func (f *Fragment) Len() uint32 { return f.end - f.offset }

// FragmentList is a doubly-linked list of non-overlapping byte ranges ordered
// by offset. Overlaps are resolved at insertion: a stored fragment that the
// incoming one fully covers is replaced by it; otherwise the bytes already
// present win and the incoming fragment is trimmed around them. All offset
// comparisons are wrap-aware so TCP sequence numbers can be used directly as
// offsets.
type FragmentList struct {
	head, tail *Fragment

	// Total payload bytes stored across all fragments.
	stored uint32
	count  int
}

// Head returns the earliest fragment, or nil if the list is empty.
func (l *FragmentList) Head() *Fragment { return l.head }

// StoredBytes returns the total payload bytes held by the list.
func (l *FragmentList) StoredBytes() uint32 { return l.stored }

// Count returns the number of fragments in the list.
func (l *FragmentList) Count() int { return l.count }

// Empty reports whether the list holds no fragments.
func (l *FragmentList) Empty() bool { return l.head == nil }

// Insert adds the byte range [offset, end) carrying data, resolving overlaps
// against fragments already stored. The payload is copied; the caller's buffer
// may be reused after the call. Returns the number of bytes actually inserted
// (possibly 0 if the range was fully covered) and the number of bytes removed
// from fragments the new range fully covers, so the caller can maintain
// memory accounting.
func (l *FragmentList) Insert(offset, end uint32, data []byte, fin bool) (bytesInserted, bytesRemoved uint32) {
	if AfterOrEqual(offset, end) {
		return 0, 0
	}

	// Find the first stored fragment that ends after our start. Everything
	// before it is strictly earlier and stays untouched.
	var pred *Fragment
	q := l.head
	for q != nil && BeforeOrEqual(q.end, offset) {
		pred = q
		q = q.next
	}

	// Trim our left edge against a fragment that covers our start.
	if q != nil && Before(q.offset, offset) {
		if AfterOrEqual(q.end, end) {
			// Fully covered by stored data.
			return 0, 0
		}
		data = data[q.end-offset:]
		offset = q.end
		pred = q
		q = q.next
	}

	// Swallow stored fragments we fully cover; trim our right edge against the
	// first one that extends past us.
	for q != nil && Before(q.offset, end) {
		if BeforeOrEqual(q.end, end) {
			next := q.next
			bytesRemoved += q.Len()
			l.unlink(q)
			q = next
			continue
		}
		data = data[:q.offset-offset]
		end = q.offset
		break
	}

	if AfterOrEqual(offset, end) {
		// Right-trimmed down to nothing: a stored fragment with the same
		// offset already covers these bytes.
		return 0, bytesRemoved
	}

	node := &Fragment{
		offset: offset,
		end:    end,
		data:   append([]byte(nil), data...),
		fin:    fin,
	}
	l.insertAfter(pred, node)
	bytesInserted = end - offset
	l.stored += bytesInserted
	return bytesInserted, bytesRemoved
}

// PopHead unlinks and returns the earliest fragment. The caller takes
// ownership of its payload. Returns nil if the list is empty.
func (l *FragmentList) PopHead() *Fragment {
	f := l.head
	if f == nil {
		return nil
	}
	l.unlink(f)
	return f
}

// Contiguous reports whether the list is one gap-free train starting at from
// and covering exactly total bytes.
func (l *FragmentList) Contiguous(from, total uint32) bool {
	f := l.head
	if f == nil || f.offset != from {
		return false
	}
	for f.next != nil {
		if f.end != f.next.offset {
			return false
		}
		f = f.next
	}
	return f.end == from+total
}

// CompactInto writes every fragment's payload to w in order and verifies that
// exactly length bytes came out. The caller is responsible for having checked
// contiguity first; a mismatch here means a misbehaving packet slipped
// through and yields ErrCompactionLengthMismatch.
func (l *FragmentList) CompactInto(w io.Writer, length uint32) error {
	var written uint32
	for f := l.head; f != nil; f = f.next {
		n, err := w.Write(f.data)
		if err != nil {
			return err
		}
		written += uint32(n)
	}
	if written != length {
		return ErrCompactionLengthMismatch
	}
	return nil
}

// Clear drops every fragment.
func (l *FragmentList) Clear() {
	l.head = nil
	l.tail = nil
	l.stored = 0
	l.count = 0
}

func (l *FragmentList) insertAfter(pred, node *Fragment) {
	if pred == nil {
		node.next = l.head
		node.prev = nil
		if l.head != nil {
			l.head.prev = node
		} else {
			l.tail = node
		}
		l.head = node
	} else {
		node.next = pred.next
		node.prev = pred
		if pred.next != nil {
			pred.next.prev = node
		} else {
			l.tail = node
		}
		pred.next = node
	}
	l.count++
}

func (l *FragmentList) unlink(f *Fragment) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		l.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		l.tail = f.prev
	}
	f.prev = nil
	f.next = nil
	l.stored -= f.Len()
	l.count--
}
