package godpi

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mel2oo/go-dpi/gnet"
	httpinsp "github.com/mel2oo/go-dpi/inspectors/http"
)

var baseTime = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

type endpoint struct {
	ip   string
	port uint16
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ethIPv4(src, dst string, proto layers.IPProtocol) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	return eth, ip
}

// tcpPacket builds one TCP packet with the given flags and payload.
func tcpPacket(t *testing.T, src, dst endpoint, seq uint32, syn bool, payload []byte) []byte {
	t.Helper()
	eth, ip := ethIPv4(src.ip, dst.ip, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(src.port),
		DstPort:    layers.TCPPort(dst.port),
		Seq:        seq,
		SYN:        syn,
		ACK:        !syn,
		DataOffset: 5,
		Window:     65535,
	}
	if len(payload) > 0 {
		return serialize(t, eth, ip, tcp, gopacket.Payload(payload))
	}
	return serialize(t, eth, ip, tcp)
}

// httpExchange feeds a SYN plus one data segment carrying request.
func httpExchange(t *testing.T, e *Engine, src, dst endpoint, request string) DissectionResult {
	t.Helper()
	e.Dissect(tcpPacket(t, src, dst, 999, true, nil), baseTime)
	return e.Dissect(tcpPacket(t, src, dst, 1000, false, []byte(request)), baseTime.Add(time.Millisecond))
}

func TestDissectHTTPGet(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	var urls, hosts []string
	cbs := &httpinsp.Callbacks{
		URL: func(url []byte, _ *gnet.PacketInfo, _ *gnet.Tracking, _ interface{}) {
			urls = append(urls, string(url))
		},
		HeaderNames: []string{"Host"},
		HeaderValue: []httpinsp.HeaderCallback{
			func(_ httpinsp.MessageInfo, value []byte, _ *gnet.PacketInfo, _ *gnet.Tracking, _ interface{}) {
				hosts = append(hosts, string(value))
			},
		},
	}
	require.NoError(t, e.ActivateHTTPCallbacks(cbs, nil))

	res := httpExchange(t, e,
		endpoint{"10.0.0.1", 34000}, endpoint{"10.0.0.2", 80},
		"GET /index HTTP/1.1\r\nHost: x\r\n\r\n")

	assert.Equal(t, gnet.Matches, res.Status)
	assert.Equal(t, gnet.ProtocolHTTP, res.Protocol)
	assert.NotEqual(t, [16]byte{}, [16]byte(res.FlowID))
	assert.Equal(t, []string{"/index"}, urls)
	assert.Equal(t, []string{"x"}, hosts)
}

// The URL split across two segments fires the callback once with the whole
// URL.
func TestDissectSplitURL(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	var urls []string
	require.NoError(t, e.ActivateHTTPCallbacks(&httpinsp.Callbacks{
		URL: func(url []byte, _ *gnet.PacketInfo, _ *gnet.Tracking, _ interface{}) {
			urls = append(urls, string(url))
		},
	}, nil))

	src := endpoint{"10.0.0.1", 34000}
	dst := endpoint{"10.0.0.2", 80}
	e.Dissect(tcpPacket(t, src, dst, 999, true, nil), baseTime)
	e.Dissect(tcpPacket(t, src, dst, 1000, false, []byte("GET /in")), baseTime)
	res := e.Dissect(tcpPacket(t, src, dst, 1007, false, []byte("dex HTTP/1.1\r\nHost: x\r\n\r\n")), baseTime)

	assert.Equal(t, gnet.Matches, res.Status)
	assert.Equal(t, []string{"/index"}, urls)
}

// Segments arriving out of order are reordered before inspection.
func TestDissectOutOfOrderSegments(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	var urls []string
	require.NoError(t, e.ActivateHTTPCallbacks(&httpinsp.Callbacks{
		URL: func(url []byte, _ *gnet.PacketInfo, _ *gnet.Tracking, _ interface{}) {
			urls = append(urls, string(url))
		},
	}, nil))

	src := endpoint{"10.0.0.1", 34000}
	dst := endpoint{"10.0.0.2", 80}
	e.Dissect(tcpPacket(t, src, dst, 999, true, nil), baseTime)

	res := e.Dissect(tcpPacket(t, src, dst, 1007, false, []byte("dex HTTP/1.1\r\nHost: x\r\n\r\n")), baseTime)
	assert.Equal(t, gnet.MoreDataNeeded, res.Status)
	assert.Empty(t, urls)

	res = e.Dissect(tcpPacket(t, src, dst, 1000, false, []byte("GET /in")), baseTime)
	assert.Equal(t, gnet.Matches, res.Status)
	assert.Equal(t, []string{"/index"}, urls)
}

// After the trial budget is spent on a handshake-observed flow, the flow is
// marked given-up and inspectors stop running.
func TestTrialGiveUp(t *testing.T) {
	e, err := New(WithMaxTrials(3))
	require.NoError(t, err)

	src := endpoint{"10.0.0.1", 34000}
	dst := endpoint{"10.0.0.2", 4444}
	e.Dissect(tcpPacket(t, src, dst, 999, true, nil), baseTime)

	seq := uint32(1000)
	garbage := []byte("\x16\x03\x01\x00\x01binary")
	var res DissectionResult
	for i := 0; i < 3; i++ {
		res = e.Dissect(tcpPacket(t, src, dst, seq, false, garbage), baseTime)
		seq += uint32(len(garbage))
	}
	assert.Equal(t, gnet.NoMatches, res.Status)
	assert.Equal(t, gnet.ProtocolGiveUp, res.Protocol)

	// Subsequent packets keep returning the cached give-up.
	res = e.Dissect(tcpPacket(t, src, dst, seq, false, garbage), baseTime)
	assert.Equal(t, gnet.NoMatches, res.Status)
}

func TestDisableHTTPCallbacksIdempotent(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	var urls int
	require.NoError(t, e.ActivateHTTPCallbacks(&httpinsp.Callbacks{
		URL: func([]byte, *gnet.PacketInfo, *gnet.Tracking, interface{}) { urls++ },
	}, nil))

	e.DisableHTTPCallbacks()
	activeBefore, inspectBefore := e.activeCallbacks, e.protocolsToInspect
	e.DisableHTTPCallbacks()
	assert.Equal(t, activeBefore, e.activeCallbacks)
	assert.Equal(t, inspectBefore, e.protocolsToInspect)

	// Identification still works, callbacks stay quiet.
	res := httpExchange(t, e,
		endpoint{"10.0.0.1", 34000}, endpoint{"10.0.0.2", 80},
		"GET /index HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, gnet.Matches, res.Status)
	assert.Zero(t, urls)
}

// A fragmented UDP datagram is reassembled before reaching the flow table.
func TestDissectFragmentedUDP(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	// Build the whole UDP datagram first, then fragment it.
	udp := &layers.UDP{SrcPort: 5353, DstPort: 9999}
	payload := make([]byte, 24)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	datagram := serialize(t, udp, gopacket.Payload(payload))
	require.Equal(t, 32, len(datagram))

	frag := func(offset int, more bool) []byte {
		eth, ip := ethIPv4("10.0.0.1", "10.0.0.2", layers.IPProtocolUDP)
		ip.Id = 7777
		ip.FragOffset = uint16(offset / 8)
		if more {
			ip.Flags = layers.IPv4MoreFragments
		}
		end := offset + 16
		return serialize(t, eth, ip, gopacket.Payload(datagram[offset:end]))
	}

	// Second half first.
	res := e.Dissect(frag(16, false), baseTime)
	assert.Equal(t, gnet.MoreDataNeeded, res.Status)
	assert.Equal(t, [16]byte{}, [16]byte(res.FlowID))

	res = e.Dissect(frag(0, true), baseTime)
	assert.NotEqual(t, [16]byte{}, [16]byte(res.FlowID), "datagram should have completed and reached the flow table")

	stats := e.Stats()
	assert.Equal(t, uint64(32), stats.BytesReassembled)
	assert.Zero(t, stats.FragmentsPending)
}

// Flows idle past the timeout are swept lazily and the cleaner sees their
// user data.
func TestFlowSweepFiresCleaner(t *testing.T) {
	e, err := New(WithFlowIdleTimeout(10 * time.Second))
	require.NoError(t, err)

	var cleaned []interface{}
	e.SetFlowCleaner(func(userData interface{}) {
		cleaned = append(cleaned, userData)
	})
	require.NoError(t, e.ActivateHTTPCallbacks(&httpinsp.Callbacks{
		URL: func(_ []byte, _ *gnet.PacketInfo, tr *gnet.Tracking, _ interface{}) {
			tr.UserData = "tagged"
		},
	}, nil))

	httpExchange(t, e,
		endpoint{"10.0.0.1", 34000}, endpoint{"10.0.0.2", 80},
		"GET /index HTTP/1.1\r\nHost: x\r\n\r\n")
	require.Equal(t, 1, e.Stats().FlowsAlive)

	// An unrelated packet far in the future sweeps the idle flow.
	e.Dissect(tcpPacket(t, endpoint{"10.0.0.5", 1234}, endpoint{"10.0.0.6", 80}, 1, true, nil),
		baseTime.Add(time.Minute))

	assert.Equal(t, []interface{}{"tagged"}, cleaned)
	assert.Equal(t, 1, e.Stats().FlowsAlive)
}

func TestMalformedPacket(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	res := e.Dissect([]byte{0xde, 0xad, 0xbe, 0xef}, baseTime)
	assert.Equal(t, gnet.Error, res.Status)
	assert.Equal(t, uint64(1), e.Stats().Malformed)
}

func TestDissectIPv6HTTP(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolTCP,
		HopLimit:   64,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	syn := &layers.TCP{SrcPort: 34000, DstPort: 80, Seq: 999, SYN: true, Window: 65535}
	e.Dissect(serialize(t, eth, ip, syn), baseTime)

	dat := &layers.TCP{SrcPort: 34000, DstPort: 80, Seq: 1000, ACK: true, Window: 65535}
	res := e.Dissect(serialize(t, eth, ip, dat,
		gopacket.Payload([]byte("GET / HTTP/1.1\r\nHost: six\r\n\r\n"))), baseTime)

	assert.Equal(t, gnet.Matches, res.Status)
	assert.Equal(t, gnet.ProtocolHTTP, res.Protocol)
}

// A fragmented IPv6 datagram goes through the v6 table, keyed by the
// fragment extension header's identification.
func TestDissectFragmentedUDPv6(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	udp := &layers.UDP{SrcPort: 5353, DstPort: 9999}
	datagram := serialize(t, udp, gopacket.Payload(make([]byte, 24)))
	require.Equal(t, 32, len(datagram))

	frag := func(offset int, more bool) []byte {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv6,
		}
		ip := &layers.IPv6{
			Version:    6,
			NextHeader: layers.IPProtocolIPv6Fragment,
			HopLimit:   64,
			SrcIP:      net.ParseIP("2001:db8::1"),
			DstIP:      net.ParseIP("2001:db8::2"),
		}

		hdr := make([]byte, 8)
		hdr[0] = byte(layers.IPProtocolUDP)
		offFlags := uint16(offset/8) << 3
		if more {
			offFlags |= 1
		}
		hdr[2] = byte(offFlags >> 8)
		hdr[3] = byte(offFlags)
		hdr[4], hdr[5], hdr[6], hdr[7] = 0, 0, 0x30, 0x39 // identification 12345

		body := append(hdr, datagram[offset:offset+16]...)
		return serialize(t, eth, ip, gopacket.Payload(body))
	}

	res := e.Dissect(frag(0, true), baseTime)
	assert.Equal(t, gnet.MoreDataNeeded, res.Status)

	res = e.Dissect(frag(16, false), baseTime)
	assert.NotEqual(t, [16]byte{}, [16]byte(res.FlowID))
	assert.Equal(t, uint64(32), e.Stats().BytesReassembled)
}

func TestUDPFlowIdentificationPending(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	eth, ip := ethIPv4("10.0.0.1", "10.0.0.2", layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 5353, DstPort: 9999}
	pkt := serialize(t, eth, ip, udp, gopacket.Payload([]byte("not http")))

	res := e.Dissect(pkt, baseTime)
	assert.Equal(t, gnet.MoreDataNeeded, res.Status)
	assert.NotEqual(t, [16]byte{}, [16]byte(res.FlowID))
}
