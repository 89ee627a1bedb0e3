package godpi

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"

	"github.com/mel2oo/go-dpi/flow"
	"github.com/mel2oo/go-dpi/gnet"
	"github.com/mel2oo/go-dpi/ipfrag"
)

// DissectionResult is the per-packet outcome. Status follows the flow's
// identification state: Matches once the flow's protocol is known,
// MoreDataNeeded while identification is pending, NoMatches once the engine
// has given up on the flow. Packets that do not reach a flow report Error when
// malformed or refused by a table, MoreDataNeeded for IP fragments that do not
// complete a datagram, and NoMatches for transports the engine does not track.
type DissectionResult struct {
	Status   gnet.Status
	Protocol gnet.Protocol

	// FlowID names the packet's conversation; zero when the packet did not
	// reach the flow table (malformed, or an incomplete fragment).
	FlowID uuid.UUID

	// UserData is the flow's user-data slot as left by the callbacks.
	UserData interface{}
}

// Dissect consumes one raw packet with its capture timestamp. The timestamp
// drives every engine timeout, so packets must be fed in capture order.
func (e *Engine) Dissect(data []byte, ts time.Time) DissectionResult {
	e.lock()
	defer e.unlock()

	e.packets++

	// Lazy expiry against the packet clock.
	e.frag4.Expire(ts)
	e.frag6.Expire(ts)
	e.flows.Sweep(ts)

	decoded, decodeErr := e.dec.run(data)

	var haveIP4, haveIP6, haveTCP, haveUDP bool
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			haveIP4 = true
		case layers.LayerTypeIPv6:
			haveIP6 = true
		case layers.LayerTypeTCP:
			haveTCP = true
		case layers.LayerTypeUDP:
			haveUDP = true
		}
	}

	if !haveIP4 && !haveIP6 {
		e.malformed++
		return DissectionResult{Status: gnet.Error}
	}

	pkt := gnet.PacketInfo{Timestamp: ts}

	switch {
	case haveIP4 && (e.dec.ip4.Flags&layers.IPv4MoreFragments != 0 || e.dec.ip4.FragOffset != 0):
		d := &e.dec.ip4
		return e.reassembleFragment(&pkt, e.frag4,
			d.SrcIP, d.DstIP, uint32(d.Id), uint32(d.FragOffset)*8,
			d.Flags&layers.IPv4MoreFragments != 0, d.Payload, d.Protocol, ts)

	case haveIP6 && e.dec.ip6.NextHeader == layers.IPProtocolIPv6Fragment:
		// The fragment extension header is not a DecodingLayer; pick it
		// apart by hand: next header, reserved, offset+flags, identification.
		p := e.dec.ip6.Payload
		if len(p) < 8 {
			e.malformed++
			return DissectionResult{Status: gnet.Error}
		}
		next := layers.IPProtocol(p[0])
		offFlags := binary.BigEndian.Uint16(p[2:4])
		id := binary.BigEndian.Uint32(p[4:8])
		return e.reassembleFragment(&pkt, e.frag6,
			e.dec.ip6.SrcIP, e.dec.ip6.DstIP, id, uint32(offFlags>>3)*8,
			offFlags&0x1 != 0, p[8:], next, ts)

	case haveTCP:
		e.fillNet(&pkt, haveIP4)
		e.fillTCP(&pkt, &e.dec.tcp)

	case haveUDP:
		e.fillNet(&pkt, haveIP4)
		e.fillUDP(&pkt, &e.dec.udp)

	default:
		if decodeErr != nil {
			// The network layer decoded but its transport was truncated.
			e.malformed++
			return DissectionResult{Status: gnet.Error}
		}
		// Not a transport the engine tracks.
		return DissectionResult{Status: gnet.NoMatches}
	}

	return e.track(&pkt, ts)
}

// reassembleFragment routes one IP fragment through a fragment table,
// returning the final result for this packet. When the datagram completes,
// the L4 header is decoded out of the reassembled bytes and tracking
// continues as if the datagram had arrived whole.
func (e *Engine) reassembleFragment(pkt *gnet.PacketInfo, tbl *ipfrag.Table,
	srcIP, dstIP net.IP, id, offset uint32, more bool, payload []byte,
	proto layers.IPProtocol, ts time.Time) DissectionResult {

	if !e.opts.IPReassembly {
		return DissectionResult{Status: gnet.MoreDataNeeded}
	}

	mv, buf, err := tbl.Insert(srcIP, id, offset, more, payload, ts)
	if err != nil {
		e.malformed++
		return DissectionResult{Status: gnet.Error}
	}
	if buf == nil {
		return DissectionResult{Status: gnet.MoreDataNeeded}
	}
	defer buf.Release()

	datagram := mv.Bytes()
	e.bytesReassembled += uint64(len(datagram))

	pkt.SrcIP = append(net.IP(nil), srcIP...)
	pkt.DstIP = append(net.IP(nil), dstIP...)

	switch proto {
	case layers.IPProtocolTCP:
		if err := e.dec.tcp.DecodeFromBytes(datagram, gopacket.NilDecodeFeedback); err != nil {
			e.malformed++
			return DissectionResult{Status: gnet.Error}
		}
		e.fillTCP(pkt, &e.dec.tcp)
	case layers.IPProtocolUDP:
		if err := e.dec.udp.DecodeFromBytes(datagram, gopacket.NilDecodeFeedback); err != nil {
			e.malformed++
			return DissectionResult{Status: gnet.Error}
		}
		e.fillUDP(pkt, &e.dec.udp)
	default:
		return DissectionResult{Status: gnet.NoMatches}
	}

	return e.track(pkt, ts)
}

func (e *Engine) fillNet(pkt *gnet.PacketInfo, v4 bool) {
	if v4 {
		pkt.SrcIP = e.dec.ip4.SrcIP
		pkt.DstIP = e.dec.ip4.DstIP
	} else {
		pkt.SrcIP = e.dec.ip6.SrcIP
		pkt.DstIP = e.dec.ip6.DstIP
	}
}

func (e *Engine) fillTCP(pkt *gnet.PacketInfo, tcp *layers.TCP) {
	pkt.L4Proto = layers.IPProtocolTCP
	pkt.SrcPort = uint16(tcp.SrcPort)
	pkt.DstPort = uint16(tcp.DstPort)
	pkt.Seq = tcp.Seq
	pkt.SYN = tcp.SYN
	pkt.FIN = tcp.FIN
	pkt.RST = tcp.RST
	pkt.Payload = tcp.Payload
}

func (e *Engine) fillUDP(pkt *gnet.PacketInfo, udp *layers.UDP) {
	pkt.L4Proto = layers.IPProtocolUDP
	pkt.SrcPort = uint16(udp.SrcPort)
	pkt.DstPort = uint16(udp.DstPort)
	pkt.Payload = udp.Payload
}

// track demultiplexes the packet into its flow and drives the inspectors.
func (e *Engine) track(pkt *gnet.PacketInfo, ts time.Time) DissectionResult {
	fl, dir, err := e.flows.GetOrCreate(pkt, ts)
	if err != nil {
		return DissectionResult{Status: gnet.Error}
	}
	pkt.Direction = dir

	if fl.PacketsSeen == 1 {
		fl.TrialsLeft = e.maxTrials
	}
	if pkt.SYN {
		fl.Track.SeenSYN = true
	}

	if pkt.L4Proto == layers.IPProtocolTCP && e.opts.TCPReassembly {
		fl.TCP[dir].Process(pkt.Seq, pkt.Payload, pkt.SYN, pkt.FIN, func(run []byte, fin bool) {
			if len(run) == 0 {
				return
			}
			e.inspectRun(fl, pkt, run)
		})
	} else if len(pkt.Payload) > 0 {
		e.inspectRun(fl, pkt, pkt.Payload)
	}

	res := DissectionResult{
		Protocol: fl.Protocol,
		FlowID:   fl.ID,
		UserData: fl.Track.UserData,
	}
	switch fl.Protocol {
	case gnet.ProtocolUnknown:
		res.Status = gnet.MoreDataNeeded
	case gnet.ProtocolGiveUp:
		res.Status = gnet.NoMatches
	default:
		res.Status = gnet.Matches
	}
	return res
}

// inspectRun is the per-flow dispatcher: it decides which inspectors see one
// surfaced byte run and maintains the flow's identification state.
func (e *Engine) inspectRun(fl *flow.Flow, pkt *gnet.PacketInfo, data []byte) {
	switch fl.Protocol {
	case gnet.ProtocolGiveUp:
		return

	case gnet.ProtocolUnknown:
		// Identification pending: run every enabled inspector; the first
		// match wins and is cached on the flow.
		sawProgress := false
		for proto := gnet.Protocol(1); proto < gnet.NumProtocols; proto++ {
			insp, ok := e.inspectors[proto]
			if !ok || !e.protocolEnabled(proto) {
				continue
			}
			switch insp.Inspect(&fl.Track, pkt, data) {
			case gnet.Matches:
				fl.Protocol = proto
				e.log.WithFields(map[string]interface{}{
					"flow":     fl.ID,
					"protocol": proto,
				}).Debug("flow identified")
				return
			case gnet.MoreDataNeeded:
				sawProgress = true
			}
		}
		if sawProgress {
			return
		}
		// Every inspector said NoMatches: burn one trial. A flow created
		// without a budget has none to burn and is inspected without limit.
		if fl.TrialsLeft == 0 {
			return
		}
		fl.TrialsLeft--
		if fl.TrialsLeft == 0 {
			fl.Protocol = gnet.ProtocolGiveUp
			e.log.WithField("flow", fl.ID).Debug("giving up on flow identification")
		}

	default:
		// Identified. Without active callbacks the cached identification is
		// returned without re-inspection; with callbacks the inspector runs
		// again so hooks fire on subsequent messages.
		if !e.callbacksActive(fl.Protocol) {
			return
		}
		if insp, ok := e.inspectors[fl.Protocol]; ok {
			insp.Inspect(&fl.Track, pkt, data)
		}
	}
}
