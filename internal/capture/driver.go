package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/flowguard/internal/metrics"
	"github.com/nshruti113/flowguard/internal/models"
)

// Sink receives normalized events
type Sink interface {
	Append(ev models.Event)
}

// Driver produces events into a sink until it is cancelled or runs out of input
type Driver interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// LiveDriver sniffs an interface with libpcap
type LiveDriver struct {
	Iface       string
	Filter      string
	Snaplen     int32
	Promisc     bool
	ReadTimeout time.Duration
	// MaxReadErrors consecutive read failures stop the driver; 0 never stops
	MaxReadErrors int

	newBackOff func() backoff.BackOff
}

func NewLiveDriver(iface, filter string) *LiveDriver {
	return &LiveDriver{
		Iface:         iface,
		Filter:        filter,
		Snaplen:       65535,
		Promisc:       true,
		ReadTimeout:   500 * time.Millisecond,
		MaxReadErrors: 100,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 10 * time.Millisecond
			bo.MaxInterval = 2 * time.Second
			return bo
		},
	}
}

type packetSource interface {
	NextPacket() (gopacket.Packet, error)
}

func (d *LiveDriver) Name() string { return "live" }

// Run captures until ctx is cancelled. Open, permission and filter errors are
// returned; they stop this driver only.
func (d *LiveDriver) Run(ctx context.Context, sink Sink) error {
	iface := d.Iface
	if iface == "" {
		devs, err := pcap.FindAllDevs()
		if err != nil {
			return fmt.Errorf("list capture devices: %w", err)
		}
		if len(devs) == 0 {
			return errors.New("no capture device available")
		}
		iface = devs[0].Name
	}

	handle, err := pcap.OpenLive(iface, d.Snaplen, d.Promisc, d.ReadTimeout)
	if err != nil {
		return fmt.Errorf("open %s (try running with elevated privileges): %w", iface, err)
	}
	defer handle.Close()

	if d.Filter != "" {
		if err := handle.SetBPFFilter(d.Filter); err != nil {
			return fmt.Errorf("set filter %q: %w", d.Filter, err)
		}
	}

	log.WithFields(log.Fields{"iface": iface, "filter": d.Filter}).Info("live capture started")

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	source.Lazy = true
	source.NoCopy = true

	return d.readLoop(ctx, source, sink)
}

// readLoop backs off while reads keep failing and gives up after
// MaxReadErrors failures in a row
func (d *LiveDriver) readLoop(ctx context.Context, source packetSource, sink Sink) error {
	var (
		bo     backoff.BackOff
		failed int
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		packet, err := source.NextPacket()
		switch {
		case err == nil:
			failed, bo = 0, nil
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, pcap.NextErrorNoMorePackets):
			return nil
		default:
			metrics.PacketsSkipped.WithLabelValues(d.Name()).Inc()
			failed++
			if d.MaxReadErrors > 0 && failed >= d.MaxReadErrors {
				return fmt.Errorf("capture read failed %d times in a row: %w", failed, err)
			}

			if bo == nil {
				bo = d.newBackOff()
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("capture read failed: %w", err)
			}
			log.WithField("retry_in", wait).Debugf("capture read error: %v", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		push(d.Name(), packet, sink)
	}
}

// ReplayDriver replays a pcap/pcapng file, preserving inter-packet gaps
// divided by Speed
type ReplayDriver struct {
	path  string
	speed float64
	clock clockwork.Clock
	ref   *ReplayClock
	done  chan struct{}
	once  sync.Once
}

func NewReplayDriver(path string, speed float64, clock clockwork.Clock) *ReplayDriver {
	if speed <= 0 {
		speed = 1
	}
	return &ReplayDriver{
		path:  path,
		speed: speed,
		clock: clock,
		ref:   NewReplayClock(clock, speed),
		done:  make(chan struct{}),
	}
}

func (d *ReplayDriver) Name() string { return "replay" }

// Done is closed once the replay has finished, successfully or not
func (d *ReplayDriver) Done() <-chan struct{} { return d.done }

// Clock is the replay-time reference clock the aggregator windows against
func (d *ReplayDriver) Clock() *ReplayClock { return d.ref }

func (d *ReplayDriver) finish() {
	d.once.Do(func() { close(d.done) })
}

func (d *ReplayDriver) Run(ctx context.Context, sink Sink) error {
	defer d.finish()

	f, err := os.Open(d.path)
	if errors.Is(err, os.ErrNotExist) {
		log.WithField("pcap", d.path).Warn("capture file not found, nothing to replay")
		return nil
	}
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	reader, linkType, err := openCapture(f)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.WithField("pcap", d.path).Warn("capture file is empty, nothing to replay")
			return nil
		}
		return err
	}

	var (
		prev    float64
		started bool
		count   int
	)

	for {
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			log.WithField("pcap", d.path).Warn("capture file truncated, stopping replay")
			break
		}
		if err != nil {
			return fmt.Errorf("read capture: %w", err)
		}

		cur := float64(ci.Timestamp.UnixNano()) / 1e9
		if !started {
			prev, started = cur, true
		}

		if wait := (cur - prev) / d.speed; wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-d.clock.After(time.Duration(wait * float64(time.Second))):
			}
		} else if ctx.Err() != nil {
			return nil
		}
		prev = cur

		packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		packet.Metadata().CaptureInfo = ci

		d.ref.Observe(cur)
		push(d.Name(), packet, sink)
		count++
	}

	if count == 0 {
		log.WithField("pcap", d.path).Warn("no packets in capture file")
	} else {
		log.WithFields(log.Fields{"pcap": d.path, "packets": count}).Info("replay complete")
	}

	return nil
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// openCapture detects pcap vs pcapng from the file magic
func openCapture(r io.Reader) (packetReader, layers.LinkType, error) {
	br := bufio.NewReader(r)

	magic, err := br.Peek(4)
	if err != nil {
		return nil, 0, err
	}

	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, 0, fmt.Errorf("open pcapng: %w", err)
		}
		return ng, ng.LinkType(), nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, 0, fmt.Errorf("open pcap: %w", err)
	}
	return pr, pr.LinkType(), nil
}

func push(driver string, packet gopacket.Packet, sink Sink) {
	ev, ok := Normalize(packet)
	if !ok {
		metrics.PacketsSkipped.WithLabelValues(driver).Inc()
		return
	}
	metrics.PacketsIngested.WithLabelValues(driver).Inc()
	sink.Append(ev)
}
