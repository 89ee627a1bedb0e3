// Package flow demultiplexes packets into bidirectional conversations. It
// holds the hashed flow table, the canonical 5-tuple key with its selectable
// hash functions, and the per-direction TCP stream reassembler.
package flow

import (
	"bytes"

	"github.com/google/gopacket/layers"

	"github.com/mel2oo/go-dpi/gnet"
)

// keyBytesLen is the serialized key size fed to the hash functions:
// two 16-byte addresses, two ports, one protocol byte.
const keyBytesLen = 16 + 16 + 2 + 2 + 1

// Key is the canonicalised, unordered 5-tuple identifying a bidirectional
// conversation. The endpoint with the smaller (address, port) pair is always
// endpoint A, so a packet and its reverse map to the same Key. Addresses are
// stored in 16-byte form for both IP versions.
type Key struct {
	AddrA [16]byte
	AddrB [16]byte
	PortA uint16
	PortB uint16
	Proto layers.IPProtocol
}

// CanonicalKey builds the Key for a packet and returns the packet's
// direction: 0 when the packet's source is endpoint A, 1 for the reverse.
func CanonicalKey(pkt *gnet.PacketInfo) (Key, int) {
	var src, dst [16]byte
	copy(src[:], pkt.SrcIP.To16())
	copy(dst[:], pkt.DstIP.To16())

	srcFirst := false
	switch bytes.Compare(src[:], dst[:]) {
	case -1:
		srcFirst = true
	case 0:
		srcFirst = pkt.SrcPort <= pkt.DstPort
	}

	if srcFirst {
		return Key{
			AddrA: src, AddrB: dst,
			PortA: pkt.SrcPort, PortB: pkt.DstPort,
			Proto: pkt.L4Proto,
		}, 0
	}
	return Key{
		AddrA: dst, AddrB: src,
		PortA: pkt.DstPort, PortB: pkt.SrcPort,
		Proto: pkt.L4Proto,
	}, 1
}

// appendBytes serializes the key for hashing. Because the key is already
// canonical, the serialization is invariant under swapping endpoints.
func (k *Key) appendBytes(buf []byte) []byte {
	buf = append(buf, k.AddrA[:]...)
	buf = append(buf, k.AddrB[:]...)
	buf = append(buf, byte(k.PortA>>8), byte(k.PortA))
	buf = append(buf, byte(k.PortB>>8), byte(k.PortB))
	buf = append(buf, byte(k.Proto))
	return buf
}
