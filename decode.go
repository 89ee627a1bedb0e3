package godpi

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// decoder is the engine's reusable L2-L4 decoding state. DecodingLayerParser
// decodes into preallocated layer structs, so the hot path does not allocate.
// Not safe for concurrent use; the engine lock covers it.
type decoder struct {
	parser *gopacket.DecodingLayerParser

	eth layers.Ethernet
	ip4 layers.IPv4
	ip6 layers.IPv6
	tcp layers.TCP
	udp layers.UDP

	decoded []gopacket.LayerType
}

func (d *decoder) init(first gopacket.LayerType) {
	d.parser = gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.ip4, &d.ip6, &d.tcp, &d.udp)
	// A fragmented first packet or an unhandled protocol ends the layer walk
	// without being an error; whatever decoded so far is examined.
	d.parser.IgnoreUnsupported = true
	d.decoded = make([]gopacket.LayerType, 0, 8)
}

// run decodes one packet. Returns the layers recognised; a decode error with
// no network layer recognised means the packet is malformed.
func (d *decoder) run(data []byte) ([]gopacket.LayerType, error) {
	d.decoded = d.decoded[:0]
	err := d.parser.DecodeLayers(data, &d.decoded)
	return d.decoded, err
}
