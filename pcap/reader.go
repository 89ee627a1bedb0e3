// Package pcap feeds captured packets to the engine: a pcap-file packet
// source and a replay driver that dissects a whole capture.
package pcap

import (
	"context"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"

	godpi "github.com/mel2oo/go-dpi"
	"github.com/mel2oo/go-dpi/gnet"
)

// Reader is a source of captured packets.
type Reader interface {
	Packets(ctx context.Context) (<-chan gopacket.Packet, error)
}

// FileReader reads packets from a capture file.
type FileReader struct {
	name string
}

func NewFileReader(name string) *FileReader {
	return &FileReader{name: name}
}

func (p *FileReader) Packets(ctx context.Context) (<-chan gopacket.Packet, error) {
	handle, err := pcap.OpenOffline(p.name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", p.name)
	}

	out := make(chan gopacket.Packet)
	go func() {
		defer handle.Close()
		defer close(out)

		packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
		for packet := range packetSource.Packets() {
			select {
			case <-ctx.Done():
				return
			case out <- packet:
			}
		}
	}()

	return out, nil
}

// ReplayStats counts per-status dissection outcomes over one capture.
type ReplayStats struct {
	Packets        uint64
	Matches        uint64
	NoMatches      uint64
	MoreDataNeeded uint64
	Errors         uint64
}

// Replay dissects every packet of a capture file in order, using the capture
// timestamps as the engine clock.
func Replay(ctx context.Context, engine *godpi.Engine, path string) (ReplayStats, error) {
	var stats ReplayStats

	packets, err := NewFileReader(path).Packets(ctx)
	if err != nil {
		return stats, err
	}

	for packet := range packets {
		if packet == nil {
			break
		}
		md := packet.Metadata()
		res := engine.Dissect(packet.Data(), md.Timestamp)

		stats.Packets++
		switch res.Status {
		case gnet.Matches:
			stats.Matches++
		case gnet.NoMatches:
			stats.NoMatches++
		case gnet.MoreDataNeeded:
			stats.MoreDataNeeded++
		default:
			stats.Errors++
		}
	}

	return stats, ctx.Err()
}
