package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/nshruti113/flowguard/internal/capture"
)

const target = "192.168.1.100"

// Addresses used by the synthetic scenarios
var (
	benignHosts = []string{"10.0.0.21", "10.0.0.22", "10.0.0.23"}
	floodHost   = "203.0.113.66"
	scanHost    = "203.0.113.10"
	slowHost    = "198.51.100.20"
)

type packet struct {
	ts    time.Time
	write func(w *capture.PcapWriter, ts time.Time) error
}

// Generator synthesizes a capture mixing normal traffic with attacks
type Generator struct {
	rng      *rand.Rand
	start    time.Time
	duration time.Duration
	packets  []packet
}

func NewGenerator(seed uint64, start time.Time, duration time.Duration) *Generator {
	return &Generator{
		rng:      rand.New(rand.NewPCG(seed, seed)),
		start:    start,
		duration: duration,
	}
}

func (g *Generator) at(offset time.Duration) time.Time {
	return g.start.Add(offset)
}

func (g *Generator) tcp(offset time.Duration, src string, dport uint16, flags capture.TCPFlags, payload int) {
	sport := uint16(1024 + g.rng.IntN(64000))
	g.packets = append(g.packets, packet{
		ts: g.at(offset),
		write: func(w *capture.PcapWriter, ts time.Time) error {
			return w.WriteTCP(ts, src, target, sport, dport, flags, payload)
		},
	})
}

// GenerateNormalTraffic adds a few HTTPS clients plus DNS lookups and ARP chatter
func (g *Generator) GenerateNormalTraffic() {
	for _, host := range benignHosts {
		for off := time.Duration(0); off < g.duration; off += 200 * time.Millisecond {
			jitter := time.Duration(g.rng.IntN(50)) * time.Millisecond
			g.tcp(off+jitter, host, 443, capture.TCPFlags{ACK: true}, 200+g.rng.IntN(800))
		}

		for off := time.Duration(0); off < g.duration; off += 2 * time.Second {
			sport := uint16(1024 + g.rng.IntN(64000))
			g.packets = append(g.packets, packet{
				ts: g.at(off + 100*time.Millisecond),
				write: func(w *capture.PcapWriter, ts time.Time) error {
					return w.WriteUDP(ts, host, "10.0.0.53", sport, 53, 40)
				},
			})
		}
	}

	for off := time.Duration(0); off < g.duration; off += 5 * time.Second {
		g.packets = append(g.packets, packet{
			ts:    g.at(off),
			write: func(w *capture.PcapWriter, ts time.Time) error { return w.WriteARP(ts) },
		})
	}
}

// GenerateSYNFlood adds rate pkts/sec of bare SYNs from one source for length
func (g *Generator) GenerateSYNFlood(begin, length time.Duration, rate int) {
	gap := time.Second / time.Duration(rate)
	for off := begin; off < begin+length; off += gap {
		g.tcp(off, floodHost, 80, capture.TCPFlags{SYN: true}, 0)
	}
}

// GeneratePortScan touches ports 1..ports once each, spread over length
func (g *Generator) GeneratePortScan(begin, length time.Duration, ports int) {
	gap := length / time.Duration(ports)
	for p := 1; p <= ports; p++ {
		g.tcp(begin+time.Duration(p-1)*gap, scanHost, uint16(p), capture.TCPFlags{SYN: true}, 0)
	}
}

// GenerateSlowloris holds one connection open with a trickle of small segments
func (g *Generator) GenerateSlowloris(begin, gap time.Duration) {
	for off := begin; off < g.duration; off += gap {
		g.tcp(off, slowHost, 80, capture.TCPFlags{ACK: true}, 10)
	}
}

// Write emits every generated packet in timestamp order
func (g *Generator) Write(out io.Writer) (int, error) {
	slices.SortStableFunc(g.packets, func(a, b packet) int { return a.ts.Compare(b.ts) })

	w, err := capture.NewPcapWriter(out)
	if err != nil {
		return 0, err
	}
	for i, p := range g.packets {
		if err := p.write(w, p.ts); err != nil {
			return i, fmt.Errorf("failed to write packet %d: %w", i, err)
		}
	}
	return len(g.packets), nil
}

// demoCapture is the default scenario mix
func demoCapture(seed uint64, start time.Time, duration time.Duration) *Generator {
	g := NewGenerator(seed, start, duration)
	g.GenerateNormalTraffic()
	g.GenerateSYNFlood(2*time.Second, 3*time.Second, 2000)
	g.GeneratePortScan(8*time.Second, 3*time.Second, 200)
	g.GenerateSlowloris(0, 2*time.Second)
	return g
}
