// Package ipfrag reassembles fragmented IP datagrams (v4 and v6) into whole
// L4 payloads. Fragments are tracked per source host with memory caps and a
// timeout, both evaluated lazily against packet timestamps.
package ipfrag

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mel2oo/go-dpi/gnet"
	"github.com/mel2oo/go-dpi/mempool"
	"github.com/mel2oo/go-dpi/memview"
	"github.com/mel2oo/go-dpi/reassembly"
)

const (
	// DefaultTableSize is the size hint for the per-host fragment table.
	DefaultTableSize = 512

	// DefaultPerHostMemLimit caps the fragment bytes a single source host may
	// park in one table.
	DefaultPerHostMemLimit = 100 * 1024

	// DefaultTotalMemLimit caps the fragment bytes parked across all hosts.
	// With every host at its own limit, that is room for 102 hosts.
	DefaultTotalMemLimit = 10 * 1024 * 1024

	// DefaultV4Timeout and DefaultV6Timeout bound how long an incomplete
	// datagram is kept.
	DefaultV4Timeout = 30 * time.Second
	DefaultV6Timeout = 60 * time.Second
)

// Config carries the tunables of one reassembly table. The engine owns two
// tables, one per IP version, differing only in the timeout.
type Config struct {
	TableSize       int
	PerHostMemLimit uint32
	TotalMemLimit   uint32
	Timeout         time.Duration

	// ThreadSafe arms the table's mutex. When unset the caller must
	// serialise all calls.
	ThreadSafe bool
}

// DefaultConfig returns the v4 defaults; pass DefaultV6Timeout for a v6 table.
func DefaultConfig(timeout time.Duration) Config {
	return Config{
		TableSize:       DefaultTableSize,
		PerHostMemLimit: DefaultPerHostMemLimit,
		TotalMemLimit:   DefaultTotalMemLimit,
		Timeout:         timeout,
	}
}

type entryKey struct {
	src string // 16-byte address form
	id  uint32
}

type entry struct {
	key      entryKey
	frags    reassembly.FragmentList
	timer    reassembly.Timer
	totalLen uint32
	haveLast bool
}

// Table reassembles datagrams for one IP version. Entries are keyed by source
// host plus the datagram identification field; each owns a fragment list and
// a slot in the table's shared timer list.
type Table struct {
	cfg  Config
	pool mempool.BufferPool
	log  *logrus.Logger

	mu       sync.Mutex
	timers   reassembly.TimerList
	entries  map[entryKey]*entry
	hostMem  map[string]uint32
	totalMem uint32
}

func NewTable(cfg Config, pool mempool.BufferPool, log *logrus.Logger) *Table {
	if cfg.TableSize <= 0 {
		cfg.TableSize = DefaultTableSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Table{
		cfg:     cfg,
		pool:    pool,
		log:     log,
		entries: make(map[entryKey]*entry, cfg.TableSize),
		hostMem: make(map[string]uint32),
	}
}

// Insert processes one fragment of datagram id from src, whose payload covers
// [offset, offset+len(payload)) of the reassembled datagram; more is the
// IPv4 MF flag (or its v6 equivalent). When the datagram completes, the
// reassembled payload is returned as a view over a pool-backed buffer, which
// the caller must Release. Incomplete datagrams return an empty view.
//
// Timed-out entries are expired against now before any work is done.
func (t *Table) Insert(src net.IP, id uint32, offset uint32, more bool,
	payload []byte, now time.Time) (memview.MemView, mempool.Buffer, error) {
	if t.cfg.ThreadSafe {
		t.mu.Lock()
		defer t.mu.Unlock()
	}

	t.expireLocked(now)

	if len(payload) == 0 {
		return memview.Empty(), nil, errors.Wrap(gnet.ErrMalformedPacket, "zero-length fragment")
	}

	key := entryKey{src: string(src.To16()), id: id}
	e, ok := t.entries[key]
	if !ok {
		if t.totalMem+uint32(len(payload)) > t.cfg.TotalMemLimit {
			return memview.Empty(), nil, errors.Wrap(gnet.ErrResourceExhausted, "fragment table full")
		}
		// The timer is armed below, once the insert is accounted.
		e = &entry{key: key}
		e.timer.Data = e
		t.entries[key] = e
	} else {
		t.timers.Remove(&e.timer)
	}

	inserted, removed := e.frags.Insert(offset, offset+uint32(len(payload)), payload, false)
	t.account(key.src, inserted, removed)

	if t.hostMem[key.src] > t.cfg.PerHostMemLimit {
		t.log.WithFields(logrus.Fields{
			"src": src.String(),
			"id":  id,
		}).Debug("source host over fragment memory limit, dropping datagram")
		t.teardownLocked(e)
		return memview.Empty(), nil, errors.Wrap(gnet.ErrResourceExhausted, "per-host fragment limit exceeded")
	}
	if t.totalMem > t.cfg.TotalMemLimit {
		t.teardownLocked(e)
		return memview.Empty(), nil, errors.Wrap(gnet.ErrResourceExhausted, "fragment table full")
	}

	e.timer.ExpiresAt = now.Add(t.cfg.Timeout)
	t.timers.Add(&e.timer)

	if !more {
		e.haveLast = true
		e.totalLen = offset + uint32(len(payload))
	}

	if !e.haveLast || !e.frags.Contiguous(0, e.totalLen) {
		return memview.Empty(), nil, nil
	}

	// Complete: compact into a fresh pool buffer and tear the entry down.
	buf := t.pool.NewBuffer()
	err := e.frags.CompactInto(buf, e.totalLen)
	t.teardownLocked(e)
	if err != nil {
		buf.Release()
		if errors.Is(err, mempool.ErrEmptyPool) {
			err = errors.Wrap(gnet.ErrResourceExhausted, "compaction buffer pool empty")
		}
		return memview.Empty(), nil, err
	}
	return buf.Bytes(), buf, nil
}

// Expire drops every entry whose timer is due at now. Expired datagrams are
// discarded without a callback.
func (t *Table) Expire(now time.Time) {
	if t.cfg.ThreadSafe {
		t.mu.Lock()
		defer t.mu.Unlock()
	}
	t.expireLocked(now)
}

// PendingBytes returns the fragment bytes currently parked in the table.
func (t *Table) PendingBytes() uint32 {
	if t.cfg.ThreadSafe {
		t.mu.Lock()
		defer t.mu.Unlock()
	}
	return t.totalMem
}

// PendingDatagrams returns the number of incomplete datagrams in the table.
func (t *Table) PendingDatagrams() int {
	if t.cfg.ThreadSafe {
		t.mu.Lock()
		defer t.mu.Unlock()
	}
	return len(t.entries)
}

func (t *Table) expireLocked(now time.Time) {
	t.timers.ExpireBefore(now, func(timer *reassembly.Timer) {
		e := timer.Data.(*entry)
		t.log.WithField("id", e.key.id).Debug("reassembly timeout, dropping datagram")
		// The timer is already unlinked by the sweep.
		t.account(e.key.src, 0, e.frags.StoredBytes())
		e.frags.Clear()
		delete(t.entries, e.key)
	})
}

func (t *Table) teardownLocked(e *entry) {
	t.timers.Remove(&e.timer)
	t.account(e.key.src, 0, e.frags.StoredBytes())
	e.frags.Clear()
	delete(t.entries, e.key)
}

func (t *Table) account(host string, added, removed uint32) {
	t.totalMem += added
	t.totalMem -= removed
	mem := t.hostMem[host] + added - removed
	if mem == 0 {
		delete(t.hostMem, host)
	} else {
		t.hostMem[host] = mem
	}
}
