package flow

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/flowguard/internal/models"
)

func tcp(src string, ts float64, port uint16, size int) models.Event {
	return models.Event{
		Timestamp:   ts,
		Source:      src,
		Destination: "192.0.2.1",
		Size:        size,
		DstPort:     port,
		HasDstPort:  true,
		Protocol:    models.ProtoTCP,
	}
}

func TestComputeWindowTrimsExactly(t *testing.T) {
	s := NewStore()
	for i := range 10 {
		s.Append(tcp("203.0.113.5", float64(i), 80, 100))
	}

	fv, ok := s.ComputeWindow("203.0.113.5", 5, 10)
	require.True(t, ok)

	// ts 5..9 survive: 5 is exactly on the boundary
	assert.Equal(t, 5, fv.TotalPackets)
	assert.Equal(t, 500, fv.TotalBytes)
	assert.InDelta(t, 4.0, fv.Duration, 1e-9)
	assert.InDelta(t, 1.25, fv.PktsPerSec, 1e-9)
	assert.InDelta(t, 125.0, fv.BytesPerSec, 1e-9)
	assert.Equal(t, 5, s.Len("203.0.113.5"), "trimmed events are physically evicted")

	require.NotNil(t, fv.Extra)
	assert.InDelta(t, 5.0, fv.Extra.WindowStart, 1e-9)
	assert.InDelta(t, 10.0, fv.Extra.WindowEnd, 1e-9)
}

func TestComputeWindowEmptyAfterTrim(t *testing.T) {
	s := NewStore()
	s.Append(tcp("203.0.113.5", 1, 80, 100))

	_, ok := s.ComputeWindow("203.0.113.5", 5, 100)
	assert.False(t, ok)
	assert.True(t, s.Empty())
	assert.Empty(t, s.SnapshotActiveSources())
	assert.Equal(t, []string{"203.0.113.5"}, s.Sources(), "trimmed buffer stays tracked until idle eviction")

	_, ok = s.ComputeWindow("198.51.100.1", 5, 100)
	assert.False(t, ok, "unknown source")
}

func TestComputeWindowSingleEventUsesWindow(t *testing.T) {
	s := NewStore()
	s.Append(tcp("203.0.113.5", 10, 443, 1500))

	fv, ok := s.ComputeWindow("203.0.113.5", 5, 10)
	require.True(t, ok)
	assert.InDelta(t, 5.0, fv.Duration, 1e-9)
	assert.InDelta(t, 0.2, fv.PktsPerSec, 1e-9)
	assert.InDelta(t, 300.0, fv.BytesPerSec, 1e-9)
}

func TestComputeWindowDurationFloor(t *testing.T) {
	s := NewStore()
	s.Append(tcp("203.0.113.5", 10, 443, 60))
	s.Append(tcp("203.0.113.5", 10, 443, 60))

	fv, ok := s.ComputeWindow("203.0.113.5", 5, 10)
	require.True(t, ok)
	assert.InDelta(t, minDuration, fv.Duration, 1e-12)
	assert.InDelta(t, 2/minDuration, fv.PktsPerSec, 1)
}

func TestUniqueDstPortsAtLeastOne(t *testing.T) {
	s := NewStore()
	s.Append(models.Event{Timestamp: 1, Source: "203.0.113.9", Size: 80, Protocol: models.ProtoOther})
	s.Append(models.Event{Timestamp: 2, Source: "203.0.113.9", Size: 80, Protocol: models.ProtoOther})

	fv, ok := s.ComputeWindow("203.0.113.9", 5, 2)
	require.True(t, ok)
	assert.Equal(t, 1, fv.UniqueDstPorts)
	assert.Equal(t, 0, fv.Extra.UniqueDstIPs)
}

func TestFeatureExtras(t *testing.T) {
	s := NewStore()
	src := "203.0.113.7"

	syn := tcp(src, 1, 22, 60)
	syn.SYN = true
	ack := tcp(src, 2, 80, 40)
	ack.ACK = true
	ack.FIN = true
	rst := tcp(src, 3, 443, 40)
	rst.RST = true
	rst.Destination = "192.0.2.2"
	udp := models.Event{Timestamp: 4, Source: src, Destination: "192.0.2.3", Size: 60, DstPort: 53, HasDstPort: true, Protocol: models.ProtoUDP}

	for _, ev := range []models.Event{syn, ack, rst, udp} {
		s.Append(ev)
	}

	fv, ok := s.ComputeWindow(src, 10, 4)
	require.True(t, ok)
	assert.Equal(t, 1, fv.SynCount)
	assert.Equal(t, 4, fv.UniqueDstPorts)
	assert.Equal(t, 3, fv.Extra.UniqueDstIPs)
	assert.Equal(t, 1, fv.Extra.TCPAck)
	assert.Equal(t, 1, fv.Extra.TCPRst)
	assert.Equal(t, 1, fv.Extra.TCPFin)
	assert.InDelta(t, 50.0, fv.Extra.AvgPktSize, 1e-9)
	assert.Equal(t, map[string]int{models.ProtoTCP: 3, models.ProtoUDP: 1}, fv.Extra.ProtoCounts)
}

func TestAppendClampsOutOfOrder(t *testing.T) {
	s := NewStore()
	s.Append(tcp("203.0.113.5", 10, 80, 1))
	s.Append(tcp("203.0.113.5", 8, 80, 1))

	// the late event is treated as arriving at 10, so both survive a trim at 9
	fv, ok := s.ComputeWindow("203.0.113.5", 1, 10)
	require.True(t, ok)
	assert.Equal(t, 2, fv.TotalPackets)
}

func TestEvictIdle(t *testing.T) {
	s := NewStore()
	s.Append(tcp("203.0.113.5", 10, 80, 1))

	assert.False(t, s.EvictIdle("203.0.113.5", 5, 15), "exactly at the timeout is not idle")
	assert.True(t, s.EvictIdle("203.0.113.5", 5, 15.5))
	assert.Empty(t, s.Sources())
	assert.False(t, s.EvictIdle("203.0.113.5", 5, 100))

	// a fresh buffer is created after eviction
	s.Append(tcp("203.0.113.5", 20, 80, 1))
	assert.Equal(t, 1, s.Len("203.0.113.5"))
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()

	const writers, perWriter = 8, 500
	var wg sync.WaitGroup

	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := fmt.Sprintf("203.0.113.%d", w)
			for i := range perWriter {
				s.Append(tcp(src, float64(i), uint16(i%50), 10))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			for _, src := range s.SnapshotActiveSources() {
				s.ComputeWindow(src, 1e9, 1e6)
			}
		}
	}()

	wg.Wait()
	<-done

	total := 0
	for _, src := range s.Sources() {
		total += s.Len(src)
	}
	assert.Equal(t, writers*perWriter, total)
	assert.Len(t, s.SnapshotActiveSources(), writers)
}
