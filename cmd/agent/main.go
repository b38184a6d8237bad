package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nshruti113/flowguard/internal/capture"
	"github.com/nshruti113/flowguard/internal/config"
	"github.com/nshruti113/flowguard/internal/dispatch"
	"github.com/nshruti113/flowguard/internal/flow"
)

type options struct {
	configPath  string
	logLevel    string
	window      time.Duration
	step        time.Duration
	idleTimeout time.Duration
	post        bool
	apiURL      string
	batch       int
	workers     int
	insecure    bool

	iface  string
	filter string
	pcap   string
	speed  float64
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:           "flowguard-agent",
		Short:         "Capture packets and aggregate per-source traffic features",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.DurationVar(&opts.window, "window", 5*time.Second, "sliding window length")
	pf.DurationVar(&opts.step, "step", time.Second, "aggregation interval")
	pf.DurationVar(&opts.idleTimeout, "idle-timeout", 60*time.Second, "evict sources idle for longer than this")
	pf.BoolVar(&opts.post, "post", false, "submit vectors to the detection API instead of printing them")
	pf.StringVar(&opts.apiURL, "api-url", "http://127.0.0.1:8888/detect", "detection endpoint")
	pf.IntVar(&opts.batch, "batch", 1, "vectors per delivery job")
	pf.IntVar(&opts.workers, "workers", 4, "concurrent delivery workers")
	pf.BoolVar(&opts.insecure, "insecure", false, "skip TLS verification for the detection endpoint")

	live := &cobra.Command{
		Use:   "live",
		Short: "Sniff a network interface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(clockwork.Clock) (capture.Driver, flow.TimeSource, <-chan struct{}) {
				return capture.NewLiveDriver(opts.iface, opts.filter), capture.NewWallClock(clockwork.NewRealClock()), nil
			})
		},
	}
	live.Flags().StringVarP(&opts.iface, "iface", "i", "", "interface to sniff (default: first device)")
	live.Flags().StringVar(&opts.filter, "bpf", "ip", "BPF capture filter")

	replay := &cobra.Command{
		Use:   "replay",
		Short: "Replay a pcap or pcapng file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(clock clockwork.Clock) (capture.Driver, flow.TimeSource, <-chan struct{}) {
				d := capture.NewReplayDriver(opts.pcap, opts.speed, clock)
				return d, d.Clock(), d.Done()
			})
		},
	}
	replay.Flags().StringVar(&opts.pcap, "pcap", "", "capture file to replay")
	replay.Flags().Float64Var(&opts.speed, "speed", 1, "replay speed multiplier")
	_ = replay.MarkFlagRequired("pcap")

	root.AddCommand(live, replay)

	if err := root.Execute(); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}

type driverFactory func(clock clockwork.Clock) (capture.Driver, flow.TimeSource, <-chan struct{})

// resolve merges the config file under explicitly set flags
func (o *options) resolve(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("window") {
		cfg.Agent.Window = o.window
	}
	if flags.Changed("step") {
		cfg.Agent.Step = o.step
	}
	if flags.Changed("idle-timeout") {
		cfg.Agent.IdleTimeout = o.idleTimeout
	}
	if flags.Changed("api-url") {
		cfg.Agent.APIURL = o.apiURL
	}
	if flags.Changed("batch") {
		cfg.Agent.Batch = o.batch
	}
	if flags.Changed("workers") {
		cfg.Agent.Workers = o.workers
	}
	if flags.Changed("insecure") {
		cfg.Agent.Insecure = o.insecure
	}
	if flags.Changed("speed") {
		cfg.Agent.Speed = o.speed
	}
	o.speed = cfg.Agent.Speed

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *options) run(cmd *cobra.Command, newDriver driverFactory) error {
	cfg, err := o.resolve(cmd)
	if err != nil {
		return err
	}
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	driver, ref, done := newDriver(clock)

	var sub dispatch.Submitter = dispatch.NewPrinter(os.Stdout)
	if o.post {
		sub = dispatch.NewHTTPSubmitter(cfg.Agent.APIURL, cfg.Agent.Insecure)
	}
	dispatcher := dispatch.NewDispatcher(sub, dispatch.Options{
		Workers:   cfg.Agent.Workers,
		QueueSize: cfg.Agent.QueueSize,
		Batch:     cfg.Agent.Batch,
	})

	store := flow.NewStore()
	aggregator := flow.NewAggregator(store, ref, dispatcher, clock, flow.AggregatorConfig{
		Window:      cfg.Agent.Window,
		Step:        cfg.Agent.Step,
		IdleTimeout: cfg.Agent.IdleTimeout,
		Done:        done,
	})

	log.WithFields(log.Fields{
		"driver": driver.Name(),
		"window": cfg.Agent.Window,
		"step":   cfg.Agent.Step,
		"post":   o.post,
	}).Info("agent started")

	return runPipeline(ctx, driver, store, aggregator, dispatcher)
}

// runPipeline runs capture, aggregation and delivery together. A capture
// failure is logged and leaves the rest running; the dispatcher drains once
// aggregation ends.
func runPipeline(ctx context.Context, driver capture.Driver, store *flow.Store, aggregator *flow.Aggregator, dispatcher *dispatch.Dispatcher) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := driver.Run(ctx, store); err != nil {
			log.WithField("driver", driver.Name()).Errorf("capture stopped: %v", err)
		}
		return nil
	})

	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	g.Go(func() error {
		defer dispatcher.Close()
		return aggregator.Run(ctx)
	})

	err := g.Wait()
	log.Info("agent stopped")
	return err
}
