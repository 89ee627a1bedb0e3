package memview

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// MemView is a "view" over a collection of byte slices. Conceptually it is a
// [][]byte with helpers that make it behave like one contiguous []byte. It
// exists to minimize copying when byte runs surfaced by the reassembler are
// sliced, scanned and handed to inspectors.
//
// Modifying a MemView never changes the underlying data, only which bytes the
// view points at. Copying a MemView or passing one by value is cheap, like
// copying a slice. The zero value is an empty MemView ready for use.
type MemView struct {
	buf    [][]byte
	length int64
}

// New creates a view over data without copying it. The caller must keep the
// underlying memory valid and unmodified for the lifetime of the view.
func New(data []byte) MemView {
	return MemView{
		buf:    [][]byte{data},
		length: int64(len(data)),
	}
}

// Empty returns a MemView over nothing.
func Empty() MemView {
	return MemView{}
}

// Append extends dst with the slices of src. No bytes are copied.
func (dst *MemView) Append(src MemView) {
	dst.buf = append(dst.buf, src.buf...)
	dst.length += src.length
}

// DeepCopy creates a MemView that is independent from the current one. The
// underlying storage is still shared.
func (mv MemView) DeepCopy() MemView {
	newBuf := make([][]byte, len(mv.buf))
	copy(newBuf, mv.buf)
	return MemView{
		buf:    newBuf,
		length: mv.length,
	}
}

func (mv *MemView) CreateReader() *MemViewReader {
	return &MemViewReader{mv: mv}
}

func (mv *MemView) Clear() {
	mv.buf = mv.buf[:0]
	mv.length = 0
}

func (mv MemView) Len() int64 {
	return mv.length
}

// GetByte returns the byte at the given index, or 0 if index is out of bounds.
func (mv MemView) GetByte(index int64) byte {
	if index < 0 {
		return 0
	}

	n := index
	for i := 0; i < len(mv.buf); i++ {
		lb := int64(len(mv.buf[i]))
		if n < lb {
			return mv.buf[i][n]
		}
		n -= lb
	}
	return 0
}

// getBytes returns a copy of mv[start:end], or nil if the range is invalid.
func (mv MemView) getBytes(start, end int64) []byte {
	if !(0 <= start && start <= end && end <= mv.Len()) {
		return nil
	}

	result := make([]byte, end-start)
	resultIdx := int64(0)

	for bufIdx := 0; bufIdx < len(mv.buf) && start < end; bufIdx++ {
		bufLen := int64(len(mv.buf[bufIdx]))
		if start >= bufLen {
			start -= bufLen
			end -= bufLen
			continue
		}

		copyEnd := end
		if copyEnd > bufLen {
			copyEnd = bufLen
		}

		copy(result[resultIdx:], mv.buf[bufIdx][start:copyEnd])

		copySize := copyEnd - start
		start = 0
		end -= bufLen
		resultIdx += copySize
	}

	return result
}

// Bytes materializes the view as a single contiguous slice. If the view is
// backed by exactly one slice, that slice is returned without copying;
// otherwise a copy is made.
func (mv MemView) Bytes() []byte {
	if len(mv.buf) == 1 {
		return mv.buf[0]
	}
	return mv.getBytes(0, mv.length)
}

// SubView returns mv[start:end] (end not inclusive), or an empty MemView if
// the range is invalid.
func (mv MemView) SubView(start, end int64) MemView {
	if start >= end {
		return MemView{}
	}

	startBuf := -1
	endBuf := -1
	var startOffset, endOffset int

	var n int64
	for i, b := range mv.buf {
		lb := int64(len(b))
		if startBuf == -1 && n+lb > start {
			startBuf = i
			startOffset = int(start - n)
		}
		if endBuf == -1 && n+lb >= end { // >= because end is not inclusive
			endBuf = i
			endOffset = int(end - n)
			break
		}
		n += lb
	}

	if startBuf == -1 || endBuf == -1 {
		return MemView{}
	}

	newBuf := make([][]byte, endBuf+1-startBuf)
	copy(newBuf, mv.buf[startBuf:endBuf+1])
	newMV := MemView{
		buf:    newBuf,
		length: end - start,
	}
	if len(newMV.buf) == 1 {
		newMV.buf[0] = newMV.buf[0][startOffset:endOffset]
	} else {
		newMV.buf[0] = newMV.buf[0][startOffset:]
		newMV.buf[len(newMV.buf)-1] = newMV.buf[len(newMV.buf)-1][:endOffset]
	}
	return newMV
}

// Index returns the index of the first instance of sep at or after start, or
// -1 if sep is not present. Only call this with needles that have no repeated
// prefix; after an incomplete match the search does not back up to where the
// needle could have restarted.
func (mv MemView) Index(start int64, sep []byte) int64 {
	startBuf := -1
	startOffset := 0
	var currIndex int64
	for i, b := range mv.buf {
		lb := int64(len(b))
		if currIndex+lb-1 < start { // -1 because start is an index
			currIndex += lb
		} else {
			startBuf = i
			startOffset = int(start - currIndex)
			currIndex += int64(startOffset)
			break
		}
	}

	if startBuf == -1 {
		return -1
	} else if len(sep) == 0 {
		return start
	}

	// The needle may be spread over multiple slices in mv.buf; carry the match
	// index across slice boundaries.
	needle := sep
	needleIndex := 0
	for b := startBuf; b < len(mv.buf); b++ {
		haystack := mv.buf[b]
		var i int
		for i = startOffset; i < len(haystack) && needleIndex > 0; i++ {
			if haystack[i] == needle[needleIndex] {
				needleIndex++
				if needleIndex == len(needle) {
					return currIndex + int64(i-startOffset) - int64(len(needle)-1)
				}
			} else {
				needleIndex = 0
			}
		}

		if i < len(haystack) {
			found := bytes.Index(haystack[i:], needle)
			if found != -1 {
				return currIndex + int64(i-startOffset) + int64(found)
			}

			// The tail of this slice may hold a prefix of the needle.
			needleStart := len(haystack) - len(needle) + 1
			if i < needleStart {
				i = needleStart
			}
			for ; i < len(haystack); i++ {
				if haystack[i] == needle[needleIndex] {
					needleIndex++
				} else {
					needleIndex = 0
				}
			}
		}

		currIndex += int64(len(haystack) - startOffset)
		startOffset = 0
	}

	return -1
}

// String copies all the data referenced by this MemView into a string.
func (mv MemView) String() string {
	var buf bytes.Buffer
	io.Copy(&buf, mv.CreateReader())
	return buf.String()
}

func (left MemView) Equal(right MemView) bool {
	if left.length != right.length {
		return false
	}

	leftBufIdx := 0
	leftBufOffset := 0
	rightBufIdx := 0
	rightBufOffset := 0
	for idx := int64(0); idx < left.length; idx++ {
		// Both views are internally consistent, so no bounds checks are needed
		// on left.buf and right.buf.
		for leftBufOffset >= len(left.buf[leftBufIdx]) {
			leftBufIdx++
			leftBufOffset = 0
		}
		for rightBufOffset >= len(right.buf[rightBufIdx]) {
			rightBufIdx++
			rightBufOffset = 0
		}

		if left.buf[leftBufIdx][leftBufOffset] != right.buf[rightBufIdx][rightBufOffset] {
			return false
		}

		leftBufOffset++
		rightBufOffset++
	}

	return true
}

// MemViewReader adapts a MemView to io.Reader.
type MemViewReader struct {
	mv *MemView

	// Index of the element in mv.buf to read from next.
	rIndex int

	// Offset within mv.buf[rIndex] to read from next.
	rOffset int

	// Global offset from the start of the view.
	gOffset int64
}

var _ io.Reader = (*MemViewReader)(nil)

// If the view has no data to return, err is io.EOF (unless len(out) is zero),
// matching the behavior of bytes.Buffer.
func (r *MemViewReader) Read(out []byte) (int, error) {
	if len(out) == 0 {
		return 0, nil
	} else if r.rIndex >= len(r.mv.buf) {
		return 0, io.EOF
	}

	bytesRead := 0
	for i := r.rIndex; i < len(r.mv.buf); i++ {
		curr := r.mv.buf[i][r.rOffset:]
		cp := copy(out[bytesRead:], curr)
		bytesRead += cp
		if cp == len(curr) {
			r.rIndex++
			r.rOffset = 0
			r.gOffset += int64(cp)
		} else {
			r.rOffset += cp
			r.gOffset += int64(cp)
			return bytesRead, nil
		}
	}

	// We read something, so don't return EOF in case more data gets appended to
	// this MemView.
	return bytesRead, nil
}

// WriteTo makes MemView efficient as a source in io.Copy.
func (r *MemViewReader) WriteTo(dst io.Writer) (int64, error) {
	var bytesWritten int64
	for _, b := range r.mv.buf {
		n, err := dst.Write(b)
		bytesWritten += int64(n)
		if err != nil {
			return bytesWritten, errors.Wrap(err, "failed to write MemView")
		}
	}
	return bytesWritten, nil
}
