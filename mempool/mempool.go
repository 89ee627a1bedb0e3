package mempool

import (
	"io"

	"github.com/pkg/errors"

	"github.com/mel2oo/go-dpi/memview"
)

// ErrEmptyPool is returned when a buffer needs another chunk but the pool has
// none left. Callers treat it as a resource-exhaustion drop, not a fault.
var ErrEmptyPool = errors.New("mempool.Buffer: pool is empty")

// BufferPool is a factory of variable-sized buffers whose backing storage is
// drawn from a fixed-size pool. Clients must return the backing storage of
// every buffer obtained from the pool by calling Release on the buffer.
type BufferPool interface {
	// NewBuffer returns a new empty buffer.
	NewBuffer() Buffer
}

// MakeBufferPool creates a pool holding up to maxPoolSize_bytes of chunks,
// each of size chunkSize_bytes.
func MakeBufferPool(maxPoolSize_bytes, chunkSize_bytes int64) (BufferPool, error) {
	if chunkSize_bytes < 1 {
		return nil, errors.Errorf("invalid chunkSize_bytes %d", chunkSize_bytes)
	}
	if maxPoolSize_bytes < chunkSize_bytes {
		return nil, errors.Errorf("invalid maxPoolSize_bytes %d", maxPoolSize_bytes)
	}

	numChunks := maxPoolSize_bytes / chunkSize_bytes
	chunks := make(chan []byte, numChunks)
	for count := int64(0); count < numChunks; count++ {
		chunks <- make([]byte, chunkSize_bytes)
	}

	return bufferPool{
		chunks:          chunks,
		chunkSize_bytes: int(chunkSize_bytes),
	}, nil
}

type bufferPool struct {
	// All available chunks.
	chunks chan []byte

	// The size of each chunk, in bytes.
	chunkSize_bytes int
}

var _ BufferPool = (*bufferPool)(nil)

func (pool bufferPool) NewBuffer() Buffer {
	return &buffer{pool: pool}
}

// getChunk obtains a chunk from the pool. Returns nil if the pool is empty.
func (pool bufferPool) getChunk() []byte {
	select {
	case result := <-pool.chunks:
		for i := range result {
			result[i] = 0
		}
		return result
	default:
		return nil
	}
}

// release returns chunks to the pool without blocking, in case more chunks are
// somehow released than were allocated.
func (pool bufferPool) release(chunks [][]byte) {
	for _, chunk := range chunks {
		select {
		case pool.chunks <- chunk:
			continue
		default:
			return
		}
	}
}

// Buffer is a variable-sized buffer whose backing storage is drawn from a
// fixed-size pool. Clients must return the storage to the pool by calling
// Release.
type Buffer interface {
	// Bytes returns a MemView of length Len() over the buffer contents. The
	// view is valid only until the next buffer modification and aliases the
	// buffer storage.
	Bytes() memview.MemView

	// Len returns the number of bytes held by the buffer.
	Len() int

	// Reset empties the buffer. An alias for Release.
	Reset()

	// Release empties the buffer and returns its storage to the pool.
	Release()

	// Write appends the contents of p to the buffer, obtaining additional
	// storage from the pool as needed. Returns the number of bytes written and
	// ErrEmptyPool if the write stopped early.
	io.Writer
}

type buffer struct {
	pool bufferPool

	// Contents of the buffer end at chunks[len(chunks)-1][writeOffset]
	// (exclusive). Every element has length and capacity
	// pool.chunkSize_bytes; chunks is empty iff the buffer is empty.
	chunks [][]byte

	// Where the next write starts in the last chunk. writeOffset > 0 whenever
	// len(chunks) > 0.
	writeOffset int
}

var _ Buffer = (*buffer)(nil)

func (buf *buffer) Bytes() memview.MemView {
	result := memview.Empty()
	for idx, chunk := range buf.chunks {
		if idx == len(buf.chunks)-1 {
			result.Append(memview.New(chunk[:buf.writeOffset]))
		} else {
			result.Append(memview.New(chunk))
		}
	}
	return result
}

func (buf *buffer) Len() int {
	if len(buf.chunks) == 0 {
		return 0
	}
	return (len(buf.chunks)-1)*buf.pool.chunkSize_bytes + buf.writeOffset
}

func (buf *buffer) Reset() {
	buf.Release()
}

func (buf *buffer) Release() {
	buf.pool.release(buf.chunks)
	buf.chunks = nil
	buf.writeOffset = 0
}

func (buf *buffer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if len(buf.chunks) == 0 || buf.writeOffset == buf.pool.chunkSize_bytes {
			chunk := buf.pool.getChunk()
			if chunk == nil {
				return written, ErrEmptyPool
			}
			buf.chunks = append(buf.chunks, chunk)
			buf.writeOffset = 0
		}

		n := copy(buf.chunks[len(buf.chunks)-1][buf.writeOffset:], p)
		buf.writeOffset += n
		written += n
		p = p[n:]
	}
	return written, nil
}
