package godpi

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mel2oo/go-dpi/flow"
	"github.com/mel2oo/go-dpi/gnet"
	httpinsp "github.com/mel2oo/go-dpi/inspectors/http"
	"github.com/mel2oo/go-dpi/ipfrag"
	"github.com/mel2oo/go-dpi/mempool"
)

// FlowCleaner is invoked with a dying flow's user-data slot when the flow is
// evicted, swept, or deleted.
type FlowCleaner func(userData interface{})

// Stats are the engine's lifetime counters.
type Stats struct {
	Packets          uint64
	Malformed        uint64
	FlowsAlive       int
	FlowsEvicted     uint64
	FragmentsPending uint32
	BytesReassembled uint64
}

// Engine is the library state: the flow table, the two fragment tables, and
// the inspector registry. Construct once with New; every entry point threads
// through the Engine explicitly.
type Engine struct {
	opts Options
	log  *logrus.Logger

	mu sync.Mutex

	flows *flow.Table
	frag4 *ipfrag.Table
	frag6 *ipfrag.Table
	pool  mempool.BufferPool

	dec decoder

	inspectors map[gnet.Protocol]gnet.Inspector
	http       *httpinsp.Inspector

	// Protocol bitsets, indexed by gnet.Protocol.
	protocolsToInspect uint64
	activeCallbacks    uint64

	maxTrials uint32
	cleaner   FlowCleaner

	packets          uint64
	malformed        uint64
	flowsEvicted     uint64
	bytesReassembled uint64
}

// New constructs an engine. The built-in HTTP inspector is registered and
// enabled; further inspectors can be added with RegisterInspector.
func New(opt ...Option) (*Engine, error) {
	opts := NewOptions()
	for _, o := range opt {
		o(&opts)
	}

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	pool, err := mempool.MakeBufferPool(opts.BufferPoolSize, opts.BufferChunkSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create reassembly buffer pool")
	}

	e := &Engine{
		opts:       opts,
		log:        log,
		pool:       pool,
		inspectors: make(map[gnet.Protocol]gnet.Inspector),
		maxTrials:  opts.MaxTrials,
	}

	e.flows = flow.NewTable(flow.Config{
		NumBuckets:  opts.NumBuckets,
		MaxFlows:    opts.MaxFlows,
		IdleTimeout: opts.FlowIdleTimeout,
		Hash:        opts.Hash,
		MoveToFront: opts.MoveToFront,
		ThreadSafe:  false, // the engine lock already covers the table
		Log:         log,
		Cleaner: func(fl *flow.Flow) {
			e.flowsEvicted++
			if e.cleaner != nil {
				e.cleaner(fl.Track.UserData)
			}
		},
	})

	e.frag4 = ipfrag.NewTable(ipfrag.Config{
		TableSize:       opts.IPFragTableSize,
		PerHostMemLimit: opts.IPPerHostMemLimit,
		TotalMemLimit:   opts.IPTotalMemLimit,
		Timeout:         opts.IPv4Timeout,
	}, pool, log)
	e.frag6 = ipfrag.NewTable(ipfrag.Config{
		TableSize:       opts.IPFragTableSize,
		PerHostMemLimit: opts.IPPerHostMemLimit,
		TotalMemLimit:   opts.IPTotalMemLimit,
		Timeout:         opts.IPv6Timeout,
	}, pool, log)

	e.dec.init(opts.FirstLayer)

	e.http = httpinsp.NewInspector(log)
	e.RegisterInspector(e.http)

	return e, nil
}

// RegisterInspector adds an inspector and enables its protocol.
func (e *Engine) RegisterInspector(insp gnet.Inspector) {
	e.inspectors[insp.Protocol()] = insp
	e.EnableProtocol(insp.Protocol())
}

// EnableProtocol marks a protocol for inspection on unidentified flows.
func (e *Engine) EnableProtocol(p gnet.Protocol) {
	e.protocolsToInspect |= protocolBit(p)
}

// DisableProtocol removes a protocol from inspection.
func (e *Engine) DisableProtocol(p gnet.Protocol) {
	e.protocolsToInspect &^= protocolBit(p)
}

// SetMaxTrials caps the inspection attempts per flow; 0 means unlimited.
// Affects flows created after the call.
func (e *Engine) SetMaxTrials(n uint32) {
	e.maxTrials = n
}

// SetFlowCleaner installs the callback fired with each dying flow's user-data
// slot.
func (e *Engine) SetFlowCleaner(fn FlowCleaner) {
	e.cleaner = fn
}

// ActivateHTTPCallbacks installs the HTTP hook table and keeps the engine
// inspecting identified HTTP flows so hooks fire on every subsequent message.
// Fails when the table names more than httpinsp.MaxHeaderTypes header types.
// userData is passed to every hook and never freed or modified.
func (e *Engine) ActivateHTTPCallbacks(cbs *httpinsp.Callbacks, userData interface{}) error {
	if err := e.http.SetCallbacks(cbs, userData); err != nil {
		return err
	}
	e.protocolsToInspect |= protocolBit(gnet.ProtocolHTTP)
	e.activeCallbacks |= protocolBit(gnet.ProtocolHTTP)
	return nil
}

// DisableHTTPCallbacks clears the active-callback bit and drops the hook
// table and user-data references. Idempotent; user-owned data is not touched.
func (e *Engine) DisableHTTPCallbacks() {
	e.activeCallbacks &^= protocolBit(gnet.ProtocolHTTP)
	e.http.ClearCallbacks()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.lock()
	defer e.unlock()
	return Stats{
		Packets:          e.packets,
		Malformed:        e.malformed,
		FlowsAlive:       e.flows.Len(),
		FlowsEvicted:     e.flowsEvicted,
		FragmentsPending: e.frag4.PendingBytes() + e.frag6.PendingBytes(),
		BytesReassembled: e.bytesReassembled,
	}
}

func (e *Engine) protocolEnabled(p gnet.Protocol) bool {
	return e.protocolsToInspect&protocolBit(p) != 0
}

func (e *Engine) callbacksActive(p gnet.Protocol) bool {
	return e.activeCallbacks&protocolBit(p) != 0
}

func protocolBit(p gnet.Protocol) uint64 {
	if p >= gnet.NumProtocols || p >= 64 {
		return 0
	}
	return uint64(1) << uint(p)
}

func (e *Engine) lock() {
	if e.opts.ThreadSafe {
		e.mu.Lock()
	}
}

func (e *Engine) unlock() {
	if e.opts.ThreadSafe {
		e.mu.Unlock()
	}
}
