package capture

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/flowguard/internal/models"
)

type collectSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *collectSink) Append(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collectSink) all() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

var base = time.Unix(1_700_000_000, 0)

func writeFixture(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sample.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := NewPcapWriter(f)
	require.NoError(t, err)

	require.NoError(t, w.WriteTCP(base, "203.0.113.10", "192.0.2.1", 40000, 22, TCPFlags{SYN: true}, 0))
	require.NoError(t, w.WriteARP(base.Add(10*time.Millisecond)))
	require.NoError(t, w.WriteUDP(base.Add(20*time.Millisecond), "198.51.100.7", "192.0.2.1", 5353, 53, 32))
	require.NoError(t, w.WriteTCP(base.Add(30*time.Millisecond), "203.0.113.10", "192.0.2.1", 40000, 22, TCPFlags{ACK: true, FIN: true}, 100))

	return path
}

func readPackets(t *testing.T, path string) []gopacket.Packet {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	r, err := pcapgo.NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	var out []gopacket.Packet
	src := gopacket.NewPacketSource(r, r.LinkType())
	for p := range src.Packets() {
		out = append(out, p)
	}
	return out
}

func TestNormalize(t *testing.T) {
	packets := readPackets(t, writeFixture(t))
	require.Len(t, packets, 4)

	syn, ok := Normalize(packets[0])
	require.True(t, ok)
	assert.Equal(t, "203.0.113.10", syn.Source)
	assert.Equal(t, "192.0.2.1", syn.Destination)
	assert.Equal(t, models.ProtoTCP, syn.Protocol)
	assert.True(t, syn.HasDstPort)
	assert.Equal(t, uint16(22), syn.DstPort)
	assert.True(t, syn.SYN)
	assert.False(t, syn.ACK)
	assert.InDelta(t, float64(base.Unix()), syn.Timestamp, 1e-6)
	assert.GreaterOrEqual(t, syn.Size, 54)

	_, ok = Normalize(packets[1])
	assert.False(t, ok, "ARP has no network-layer address")

	udp, ok := Normalize(packets[2])
	require.True(t, ok)
	assert.Equal(t, models.ProtoUDP, udp.Protocol)
	assert.Equal(t, uint16(53), udp.DstPort)
	assert.False(t, udp.SYN)

	fin, ok := Normalize(packets[3])
	require.True(t, ok)
	assert.True(t, fin.ACK)
	assert.True(t, fin.FIN)
	assert.False(t, fin.RST)
}

func TestNormalizeMalformed(t *testing.T) {
	packet := gopacket.NewPacket([]byte{0x02, 0x00, 0x01}, layers.LinkTypeEthernet, gopacket.Default)
	_, ok := Normalize(packet)
	assert.False(t, ok)

	_, ok = Normalize(nil)
	assert.False(t, ok)
}

func TestReplayDriver(t *testing.T) {
	path := writeFixture(t)
	sink := &collectSink{}

	d := NewReplayDriver(path, 1000, clockwork.NewRealClock())
	require.NoError(t, d.Run(t.Context(), sink))

	select {
	case <-d.Done():
	default:
		t.Fatal("replay did not signal completion")
	}

	events := sink.all()
	require.Len(t, events, 3)
	assert.Equal(t, "203.0.113.10", events[0].Source)
	assert.Equal(t, "198.51.100.7", events[1].Source)
	assert.LessOrEqual(t, events[0].Timestamp, events[2].Timestamp)

	assert.GreaterOrEqual(t, d.Clock().Now(), events[2].Timestamp)
}

func TestReplayDriverMissingFile(t *testing.T) {
	d := NewReplayDriver(filepath.Join(t.TempDir(), "nope.pcap"), 1, clockwork.NewRealClock())
	require.NoError(t, d.Run(t.Context(), &collectSink{}))

	select {
	case <-d.Done():
	default:
		t.Fatal("missing file must still signal completion")
	}
}

func TestReplayDriverEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pcap")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	d := NewReplayDriver(path, 1, clockwork.NewRealClock())
	require.NoError(t, d.Run(t.Context(), &collectSink{}))
	<-d.Done()
}

func TestReplayDriverHonoursTiming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gap.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := NewPcapWriter(f)
	require.NoError(t, err)
	require.NoError(t, w.WriteUDP(base, "203.0.113.1", "192.0.2.1", 1, 2, 0))
	require.NoError(t, w.WriteUDP(base.Add(10*time.Second), "203.0.113.1", "192.0.2.1", 1, 2, 0))
	require.NoError(t, f.Close())

	clock := clockwork.NewFakeClock()
	sink := &collectSink{}
	d := NewReplayDriver(path, 2, clock)

	errc := make(chan error, 1)
	go func() { errc <- d.Run(t.Context(), sink) }()

	// second packet waits (10s gap) / speed 2 = 5s of wall time
	require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
	assert.Len(t, sink.all(), 1)

	clock.Advance(5 * time.Second)
	require.NoError(t, <-errc)
	assert.Len(t, sink.all(), 2)
}

func TestReplayClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rc := NewReplayClock(clock, 4)

	assert.Zero(t, rc.Now())

	rc.Observe(1000)
	assert.InDelta(t, 1000, rc.Now(), 1e-9)

	clock.Advance(2 * time.Second)
	assert.InDelta(t, 1008, rc.Now(), 1e-9)
}

type readResult struct {
	packet gopacket.Packet
	err    error
}

// scriptedSource replays results, then fails every read
type scriptedSource struct {
	results []readResult
	reads   int
}

var errDeviceGone = errors.New("device went down")

func (s *scriptedSource) NextPacket() (gopacket.Packet, error) {
	s.reads++
	if len(s.results) == 0 {
		return nil, errDeviceGone
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.packet, r.err
}

type countingBackOff struct{ waits int }

func (c *countingBackOff) NextBackOff() time.Duration {
	c.waits++
	return 0
}

func (c *countingBackOff) Reset() {}

func TestLiveReadErrorsBackOffAndStop(t *testing.T) {
	bo := &countingBackOff{}
	d := NewLiveDriver("eth0", "")
	d.MaxReadErrors = 5
	d.newBackOff = func() backoff.BackOff { return bo }

	src := &scriptedSource{}
	err := d.readLoop(t.Context(), src, &collectSink{})
	require.ErrorIs(t, err, errDeviceGone)
	assert.Equal(t, 5, src.reads)
	assert.Equal(t, 4, bo.waits, "every failure short of the limit waits")
}

func TestLiveReadErrorCountResetsOnSuccess(t *testing.T) {
	packets := readPackets(t, writeFixture(t))
	d := NewLiveDriver("eth0", "")
	d.MaxReadErrors = 3
	d.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	src := &scriptedSource{results: []readResult{
		{err: errDeviceGone},
		{err: errDeviceGone},
		{packet: packets[0]},
		{err: errDeviceGone},
		{err: errDeviceGone},
		{err: io.EOF},
	}}
	sink := &collectSink{}
	require.NoError(t, d.readLoop(t.Context(), src, sink))
	assert.Len(t, sink.all(), 1)
}
