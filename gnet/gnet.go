// Package gnet holds the types shared between the engine, the flow table and
// the protocol inspectors: the decoded per-packet tuple, the identification
// status codes, and the inspector contract.
package gnet

import (
	"net"
	"time"

	"github.com/google/gopacket/layers"
)

// Status is the outcome of one inspection step, and of a whole dissection.
// The numeric values are part of the library ABI and must not change.
type Status uint8

const (
	Error          Status = 0
	Matches        Status = 1
	NoMatches      Status = 2
	MoreDataNeeded Status = 3
)

func (s Status) String() string {
	switch s {
	case Matches:
		return "MATCHES"
	case NoMatches:
		return "NO_MATCHES"
	case MoreDataNeeded:
		return "MORE_DATA_NEEDED"
	default:
		return "ERROR"
	}
}

// Protocol identifies an application-layer protocol.
type Protocol uint16

const (
	ProtocolUnknown Protocol = iota
	ProtocolHTTP

	// NumProtocols bounds the inspectable protocol space; bitset users index
	// by Protocol value below this.
	NumProtocols

	// ProtocolGiveUp marks a flow the engine has ceased attempting to
	// identify after exhausting its inspection trials.
	ProtocolGiveUp Protocol = 0xffff
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "HTTP"
	case ProtocolGiveUp:
		return "GIVE_UP"
	default:
		return "UNKNOWN"
	}
}

// PacketInfo is the decoded L3/L4 tuple of one input packet. It is produced
// once per packet by the engine's decoder and is immutable downstream.
type PacketInfo struct {
	SrcIP net.IP
	DstIP net.IP

	L4Proto layers.IPProtocol
	SrcPort uint16
	DstPort uint16

	// Direction is 0 when the packet's source matches the canonical endpoint
	// order of its flow, 1 for the reverse. Filled in by the flow table.
	Direction int

	// Capture timestamp of the packet. All engine timeouts are evaluated
	// against packet timestamps, never wall-clock.
	Timestamp time.Time

	// L4 payload. Valid only for the duration of the dissection call.
	Payload []byte

	// TCP-only fields.
	Seq uint32
	SYN bool
	FIN bool
	RST bool
}

// Tracking is the per-flow state shared with inspectors: handshake evidence,
// the user-data slot, and per-direction parser state.
type Tracking struct {
	// SeenSYN records whether the flow was observed from its handshake.
	// Inspectors demote NoMatches to MoreDataNeeded when it is unset, since a
	// parse failure may stem from joining mid-stream rather than from a true
	// negative.
	SeenSYN bool

	// UserData is the flow-scoped slot. Callbacks may read and set it; the
	// engine hands it back through the flow cleaner when the flow dies.
	UserData interface{}

	// Parsers holds per-direction, per-protocol parser state, created lazily
	// by each inspector on first contact with the flow.
	Parsers [2]map[Protocol]interface{}
}

// Parser returns the inspector state for proto in the given direction, or nil.
func (tr *Tracking) Parser(dir int, proto Protocol) interface{} {
	if tr.Parsers[dir] == nil {
		return nil
	}
	return tr.Parsers[dir][proto]
}

// SetParser stores inspector state for proto in the given direction.
func (tr *Tracking) SetParser(dir int, proto Protocol, state interface{}) {
	if tr.Parsers[dir] == nil {
		tr.Parsers[dir] = make(map[Protocol]interface{}, 1)
	}
	tr.Parsers[dir][proto] = state
}

// Inspector identifies one application-layer protocol over reassembled byte
// runs and optionally extracts structured fields through user callbacks.
// Inspect is called once per surfaced byte run; data is valid only for the
// duration of the call.
type Inspector interface {
	Name() string
	Protocol() Protocol
	Inspect(tr *Tracking, pkt *PacketInfo, data []byte) Status
}
