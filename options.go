// Package godpi is a passive deep-packet-inspection engine. It consumes raw
// packets captured off a link and produces, per packet, an identification of
// the application-layer protocol, with optional structured field extraction
// through user callbacks (HTTP in the built-in set).
//
// The engine demultiplexes packets into bidirectional flows, reassembles IP
// fragments and TCP streams, and drives protocol inspectors over the
// reconstructed byte runs. All timeouts are evaluated against packet
// timestamps, so offline pcap replay behaves exactly like live capture.
package godpi

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/mel2oo/go-dpi/flow"
	"github.com/mel2oo/go-dpi/ipfrag"
)

// Options carries every engine tunable. Construct with NewOptions and adjust
// through the With* functional options.
type Options struct {
	// FirstLayer is the link-layer type decoding starts at.
	FirstLayer gopacket.LayerType

	// Hash selects the flow-key hash function.
	Hash flow.Hash

	// MaxFlows and NumBuckets size the flow table; FlowIdleTimeout controls
	// when quiet flows become evictable.
	MaxFlows        int
	NumBuckets      int
	FlowIdleTimeout time.Duration

	// MoveToFront promotes hot flows to the front of their bucket chain.
	MoveToFront bool

	// MaxTrials caps the inspection attempts per flow before the engine gives
	// up on identification. Zero means unlimited.
	MaxTrials uint32

	// TCPReassembly and IPReassembly switch stream and datagram reassembly.
	// With TCP reassembly off, segment payloads are inspected as they arrive;
	// with IP reassembly off, fragments are neither reassembled nor tracked and
	// dissect as MoreDataNeeded.
	TCPReassembly bool
	IPReassembly  bool

	// Fragment table tunables, shared by the v4 and v6 tables except for the
	// timeouts.
	IPPerHostMemLimit uint32
	IPTotalMemLimit   uint32
	IPv4Timeout       time.Duration
	IPv6Timeout       time.Duration
	IPFragTableSize   int

	// BufferPoolSize and BufferChunkSize size the pool backing reassembled
	// datagram buffers.
	BufferPoolSize  int64
	BufferChunkSize int64

	// ThreadSafe arms the engine lock, which covers the decoder, the flow
	// table and the fragment tables. When unset, the caller must serialise all
	// entry points.
	ThreadSafe bool

	Logger *logrus.Logger
}

// NewOptions returns the defaults.
func NewOptions() Options {
	return Options{
		FirstLayer:        layers.LayerTypeEthernet,
		Hash:              flow.HashSimple,
		MaxFlows:          flow.DefaultMaxFlows,
		NumBuckets:        flow.DefaultNumBuckets,
		FlowIdleTimeout:   flow.DefaultIdleTimeout,
		MoveToFront:       true,
		MaxTrials:         0,
		TCPReassembly:     true,
		IPReassembly:      true,
		IPPerHostMemLimit: ipfrag.DefaultPerHostMemLimit,
		IPTotalMemLimit:   ipfrag.DefaultTotalMemLimit,
		IPv4Timeout:       ipfrag.DefaultV4Timeout,
		IPv6Timeout:       ipfrag.DefaultV6Timeout,
		IPFragTableSize:   ipfrag.DefaultTableSize,
		BufferPoolSize:    4 * 1024 * 1024,
		BufferChunkSize:   4 * 1024,
	}
}

type Option func(*Options)

// WithFirstLayer sets the layer decoding starts at, for links that do not
// carry Ethernet framing.
func WithFirstLayer(lt gopacket.LayerType) Option {
	return func(o *Options) { o.FirstLayer = lt }
}

// WithHash selects the flow-key hash function.
func WithHash(h flow.Hash) Option {
	return func(o *Options) { o.Hash = h }
}

// WithMaxFlows bounds concurrent flows; the least-recently-seen idle flow is
// evicted to make room.
func WithMaxFlows(n int) Option {
	return func(o *Options) { o.MaxFlows = n }
}

// WithNumBuckets sizes the flow table.
func WithNumBuckets(n int) Option {
	return func(o *Options) { o.NumBuckets = n }
}

// WithFlowIdleTimeout controls when quiet flows become evictable.
func WithFlowIdleTimeout(d time.Duration) Option {
	return func(o *Options) { o.FlowIdleTimeout = d }
}

// WithMoveToFront toggles bucket-chain move-to-front.
func WithMoveToFront(enabled bool) Option {
	return func(o *Options) { o.MoveToFront = enabled }
}

// WithMaxTrials caps inspection attempts per flow; 0 means unlimited.
func WithMaxTrials(n uint32) Option {
	return func(o *Options) { o.MaxTrials = n }
}

// WithTCPReassembly toggles TCP stream reassembly.
func WithTCPReassembly(enabled bool) Option {
	return func(o *Options) { o.TCPReassembly = enabled }
}

// WithIPReassembly toggles IP fragment reassembly.
func WithIPReassembly(enabled bool) Option {
	return func(o *Options) { o.IPReassembly = enabled }
}

// WithIPMemoryLimits sets the per-host and total fragment memory caps.
func WithIPMemoryLimits(perHost, total uint32) Option {
	return func(o *Options) {
		o.IPPerHostMemLimit = perHost
		o.IPTotalMemLimit = total
	}
}

// WithIPTimeouts sets the v4 and v6 reassembly timeouts.
func WithIPTimeouts(v4, v6 time.Duration) Option {
	return func(o *Options) {
		o.IPv4Timeout = v4
		o.IPv6Timeout = v6
	}
}

// WithThreadSafety arms the engine lock. Without it, the caller must
// serialise all entry points.
func WithThreadSafety(enabled bool) Option {
	return func(o *Options) { o.ThreadSafe = enabled }
}

// WithLogger routes engine logs to the given logger.
func WithLogger(log *logrus.Logger) Option {
	return func(o *Options) { o.Logger = log }
}
