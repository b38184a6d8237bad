package capture

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// TCPFlags selects the control bits of a synthesized TCP segment
type TCPFlags struct {
	SYN, ACK, RST, FIN bool
}

// PcapWriter synthesizes Ethernet/IPv4 packets into a pcap stream
type PcapWriter struct {
	w    *pcapgo.Writer
	opts gopacket.SerializeOptions
}

func NewPcapWriter(w io.Writer) (*PcapWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &PcapWriter{
		w:    pw,
		opts: gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
	}, nil
}

func (p *PcapWriter) WriteTCP(ts time.Time, src, dst string, sport, dport uint16, flags TCPFlags, payload int) error {
	ip := ipv4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		SYN:     flags.SYN,
		ACK:     flags.ACK,
		RST:     flags.RST,
		FIN:     flags.FIN,
		Window:  64240,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	return p.write(ts, ip, tcp, gopacket.Payload(make([]byte, payload)))
}

func (p *PcapWriter) WriteUDP(ts time.Time, src, dst string, sport, dport uint16, payload int) error {
	ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(sport),
		DstPort: layers.UDPPort(dport),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	return p.write(ts, ip, udp, gopacket.Payload(make([]byte, payload)))
}

// WriteARP emits a non-IP frame, which normalizes to no event
func (p *PcapWriter) WriteARP(ts time.Time) error {
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
		SourceProtAddress: []byte{192, 0, 2, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{192, 0, 2, 2},
	}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, p.opts, eth, arp); err != nil {
		return err
	}
	return p.writeRaw(ts, buf.Bytes())
}

func (p *PcapWriter) write(ts time.Time, ip *layers.IPv4, l4 gopacket.SerializableLayer, payload gopacket.Payload) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, p.opts, eth, ip, l4, payload); err != nil {
		return fmt.Errorf("serialize packet: %w", err)
	}
	return p.writeRaw(ts, buf.Bytes())
}

func (p *PcapWriter) writeRaw(ts time.Time, data []byte) error {
	return p.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

func ipv4(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}
