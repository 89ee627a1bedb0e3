// Package reassembly holds the ordered-fragment-list machinery shared by IP
// datagram reassembly and TCP stream reassembly. "Fragment" here means both an
// IP fragment and a TCP segment.
package reassembly

// Sequence-space comparisons. TCP sequence numbers wrap around 2^32, so
// ordering is decided by the sign of the 32-bit difference, never by
// subtracting and comparing unsigned values. IP fragment offsets never get
// near the wrap point, so the same predicates serve both users of the list.

// Before reports whether x is before y in sequence space.
func Before(x, y uint32) bool {
	return int32(x-y) < 0
}

// BeforeOrEqual reports whether x is before or equal to y in sequence space.
func BeforeOrEqual(x, y uint32) bool {
	return int32(x-y) <= 0
}

// After reports whether x is after y in sequence space.
func After(x, y uint32) bool {
	return int32(y-x) < 0
}

// AfterOrEqual reports whether x is after or equal to y in sequence space.
func AfterOrEqual(x, y uint32) bool {
	return int32(y-x) <= 0
}
