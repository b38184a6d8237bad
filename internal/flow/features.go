package flow

import (
	"math"

	"github.com/nshruti113/flowguard/internal/models"
)

// minDuration floors the observed span so rates stay finite
const minDuration = 1e-6

// computeFeatures summarizes events (non-empty, time-ordered) for src over
// the window [start, end]
func computeFeatures(src string, events []models.Event, window, start, end float64) models.FeatureVector {
	var (
		bytes   int
		syn     int
		ack     int
		rst     int
		fin     int
		ports   = make(map[uint16]struct{})
		dsts    = make(map[string]struct{})
		protos  = make(map[string]int)
		packets = len(events)
	)

	for _, ev := range events {
		bytes += ev.Size
		if ev.HasDstPort {
			ports[ev.DstPort] = struct{}{}
		}
		if ev.Destination != "" {
			dsts[ev.Destination] = struct{}{}
		}
		if ev.SYN {
			syn++
		}
		if ev.ACK {
			ack++
		}
		if ev.RST {
			rst++
		}
		if ev.FIN {
			fin++
		}
		protos[ev.Protocol]++
	}

	// a lone event has no span; rate it over the whole window
	duration := window
	if packets > 1 {
		duration = math.Max(events[packets-1].Timestamp-events[0].Timestamp, minDuration)
	}
	if duration <= 0 {
		duration = minDuration
	}

	return models.FeatureVector{
		SrcIP:          src,
		TotalPackets:   packets,
		TotalBytes:     bytes,
		Duration:       duration,
		PktsPerSec:     float64(packets) / duration,
		BytesPerSec:    float64(bytes) / duration,
		SynCount:       syn,
		UniqueDstPorts: max(len(ports), 1),
		Extra: &models.FeatureExtras{
			WindowStart:  start,
			WindowEnd:    end,
			AvgPktSize:   float64(bytes) / float64(packets),
			UniqueDstIPs: len(dsts),
			TCPAck:       ack,
			TCPRst:       rst,
			TCPFin:       fin,
			ProtoCounts:  protos,
		},
	}
}
