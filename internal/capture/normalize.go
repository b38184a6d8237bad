// Package capture turns captured packets into events and feeds them to a sink.
package capture

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/nshruti113/flowguard/internal/models"
)

// Normalize converts a packet into an Event. Packets without an IPv4/IPv6
// network layer, and packets the decoder chokes on, yield false.
func Normalize(packet gopacket.Packet) (ev models.Event, ok bool) {
	defer func() {
		if recover() != nil {
			ev, ok = models.Event{}, false
		}
	}()

	if packet == nil {
		return ev, false
	}

	switch nl := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		ev.Source = nl.SrcIP.String()
		ev.Destination = nl.DstIP.String()
	case *layers.IPv6:
		ev.Source = nl.SrcIP.String()
		ev.Destination = nl.DstIP.String()
	default:
		return ev, false
	}

	md := packet.Metadata()
	ev.Timestamp = float64(md.Timestamp.UnixNano()) / 1e9
	ev.Size = md.Length
	if ev.Size == 0 {
		ev.Size = len(packet.Data())
	}

	ev.Protocol = models.ProtoOther

	if tcp, isTCP := packet.Layer(layers.LayerTypeTCP).(*layers.TCP); isTCP {
		ev.Protocol = models.ProtoTCP
		ev.DstPort = uint16(tcp.DstPort)
		ev.HasDstPort = true
		ev.SYN = tcp.SYN
		ev.ACK = tcp.ACK
		ev.RST = tcp.RST
		ev.FIN = tcp.FIN
	} else if udp, isUDP := packet.Layer(layers.LayerTypeUDP).(*layers.UDP); isUDP {
		ev.Protocol = models.ProtoUDP
		ev.DstPort = uint16(udp.DstPort)
		ev.HasDstPort = true
	}

	return ev, true
}
