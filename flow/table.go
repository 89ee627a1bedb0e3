package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mel2oo/go-dpi/gnet"
)

const (
	// DefaultMaxFlows bounds concurrent conversations.
	DefaultMaxFlows = 4096

	// DefaultNumBuckets is a prime near DefaultMaxFlows.
	DefaultNumBuckets = 4093

	// DefaultIdleTimeout is how long a flow may stay quiet before it becomes
	// eligible for eviction.
	DefaultIdleTimeout = 30 * time.Second
)

// Flow is one bidirectional conversation and all state attached to it. We use
// a UUID for the handle instead of the tuple hash because addresses and ports
// get reused over time, while the handle should name one specific
// conversation.
type Flow struct {
	ID  uuid.UUID
	Key Key

	FirstSeen   time.Time
	LastSeen    time.Time
	PacketsSeen uint64

	// Protocol is the cached identification: ProtocolUnknown while pending,
	// ProtocolGiveUp once the trial budget is exhausted.
	Protocol gnet.Protocol

	// TrialsLeft counts down the inspection attempts for unidentified flows.
	// The dispatcher sets it when the flow is created; zero on a flow that is
	// still unidentified means it was created without a budget.
	TrialsLeft uint32

	// Track is the state shared with inspectors: handshake evidence, the
	// user-data slot, per-direction parser state.
	Track gnet.Tracking

	// TCP holds the per-direction stream reassemblers.
	TCP [2]TCPState

	bucket                 uint32
	bucketPrev, bucketNext *Flow
	lruPrev, lruNext       *Flow
}

// release drops all reassembly and parser state owned by the flow.
func (fl *Flow) release() {
	fl.TCP[0].Release()
	fl.TCP[1].Release()
	fl.Track.Parsers[0] = nil
	fl.Track.Parsers[1] = nil
}

// Config carries the flow table tunables.
type Config struct {
	NumBuckets  int
	MaxFlows    int
	IdleTimeout time.Duration
	Hash        Hash

	// MoveToFront promotes a flow to the head of its bucket chain on every
	// lookup, accelerating repeated lookups of hot flows.
	MoveToFront bool

	// Cleaner is invoked with every flow the table evicts or deletes, before
	// its state is released.
	Cleaner func(fl *Flow)

	// ThreadSafe arms the table mutex. When unset the caller must serialise
	// all calls.
	ThreadSafe bool

	Log *logrus.Logger
}

// DefaultConfig returns the default table tunables.
func DefaultConfig() Config {
	return Config{
		NumBuckets:  DefaultNumBuckets,
		MaxFlows:    DefaultMaxFlows,
		IdleTimeout: DefaultIdleTimeout,
		Hash:        HashSimple,
		MoveToFront: true,
	}
}

// Table is the hashed table of live flows: chained buckets with optional
// move-to-front, plus a global LRU list (least recently seen at the head)
// driving eviction and sweeps.
type Table struct {
	cfg    Config
	hasher Hasher
	log    *logrus.Logger

	mu      sync.Mutex
	buckets []*Flow
	count   int

	lruHead, lruTail *Flow
}

func NewTable(cfg Config) *Table {
	if cfg.NumBuckets <= 0 {
		cfg.NumBuckets = DefaultNumBuckets
	}
	if cfg.MaxFlows <= 0 {
		cfg.MaxFlows = DefaultMaxFlows
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Table{
		cfg:     cfg,
		hasher:  cfg.Hash.Hasher(),
		log:     log,
		buckets: make([]*Flow, cfg.NumBuckets),
	}
}

// Len returns the number of live flows.
func (t *Table) Len() int {
	t.lock()
	defer t.unlock()
	return t.count
}

// GetOrCreate canonicalises the packet's 5-tuple and returns its flow plus
// the packet's direction, creating the flow on first contact. When the table
// is full, the least-recently-seen flow is evicted provided it has been idle
// past the idle timeout; otherwise ErrResourceExhausted is returned and no
// state changes.
func (t *Table) GetOrCreate(pkt *gnet.PacketInfo, now time.Time) (*Flow, int, error) {
	key, dir := CanonicalKey(pkt)
	b := t.hasher(&key) % uint32(len(t.buckets))

	t.lock()
	defer t.unlock()

	for fl := t.buckets[b]; fl != nil; fl = fl.bucketNext {
		if fl.Key == key {
			if t.cfg.MoveToFront {
				t.bucketUnlink(fl)
				t.bucketPushFront(fl)
			}
			t.touch(fl, now)
			return fl, dir, nil
		}
	}

	if t.count >= t.cfg.MaxFlows {
		lru := t.lruHead
		if lru == nil || lru.LastSeen.Add(t.cfg.IdleTimeout).After(now) {
			return nil, 0, errors.Wrap(gnet.ErrResourceExhausted, "flow table full")
		}
		t.log.WithField("flow", lru.ID).Debug("evicting least recently used flow")
		t.remove(lru)
	}

	fl := &Flow{
		ID:        uuid.New(),
		Key:       key,
		FirstSeen: now,
		bucket:    b,
	}
	t.bucketPushFront(fl)
	t.lruPushBack(fl)
	t.count++
	t.touch(fl, now)
	return fl, dir, nil
}

// Delete removes a flow explicitly.
func (t *Table) Delete(fl *Flow) {
	t.lock()
	defer t.unlock()
	t.remove(fl)
}

// Sweep removes every flow idle past the timeout at now, returning how many
// were dropped.
func (t *Table) Sweep(now time.Time) int {
	t.lock()
	defer t.unlock()

	removed := 0
	for t.lruHead != nil && !t.lruHead.LastSeen.Add(t.cfg.IdleTimeout).After(now) {
		t.remove(t.lruHead)
		removed++
	}
	return removed
}

func (t *Table) touch(fl *Flow, now time.Time) {
	fl.LastSeen = now
	fl.PacketsSeen++
	t.lruUnlink(fl)
	t.lruPushBack(fl)
}

// remove unlinks fl, fires the cleaner, and releases owned state.
func (t *Table) remove(fl *Flow) {
	t.bucketUnlink(fl)
	t.lruUnlink(fl)
	t.count--
	if t.cfg.Cleaner != nil {
		t.cfg.Cleaner(fl)
	}
	fl.release()
}

func (t *Table) bucketPushFront(fl *Flow) {
	head := t.buckets[fl.bucket]
	fl.bucketPrev = nil
	fl.bucketNext = head
	if head != nil {
		head.bucketPrev = fl
	}
	t.buckets[fl.bucket] = fl
}

func (t *Table) bucketUnlink(fl *Flow) {
	if fl.bucketPrev != nil {
		fl.bucketPrev.bucketNext = fl.bucketNext
	} else {
		t.buckets[fl.bucket] = fl.bucketNext
	}
	if fl.bucketNext != nil {
		fl.bucketNext.bucketPrev = fl.bucketPrev
	}
	fl.bucketPrev = nil
	fl.bucketNext = nil
}

func (t *Table) lruPushBack(fl *Flow) {
	fl.lruNext = nil
	fl.lruPrev = t.lruTail
	if t.lruTail != nil {
		t.lruTail.lruNext = fl
	} else {
		t.lruHead = fl
	}
	t.lruTail = fl
}

func (t *Table) lruUnlink(fl *Flow) {
	if fl.lruPrev != nil {
		fl.lruPrev.lruNext = fl.lruNext
	} else if t.lruHead == fl {
		t.lruHead = fl.lruNext
	}
	if fl.lruNext != nil {
		fl.lruNext.lruPrev = fl.lruPrev
	} else if t.lruTail == fl {
		t.lruTail = fl.lruPrev
	}
	fl.lruPrev = nil
	fl.lruNext = nil
}

func (t *Table) lock() {
	if t.cfg.ThreadSafe {
		t.mu.Lock()
	}
}

func (t *Table) unlock() {
	if t.cfg.ThreadSafe {
		t.mu.Unlock()
	}
}
