package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "flowguard-simulator",
		Short:         "Generate synthetic attack traffic",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		out      string
		seed     uint64
		duration time.Duration
	)
	pcapCmd := &cobra.Command{
		Use:   "pcap",
		Short: "Write a capture file mixing normal traffic with a SYN flood, a port scan and a slowloris",
		RunE: func(_ *cobra.Command, _ []string) error {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			defer f.Close()

			n, err := demoCapture(seed, time.Now().Add(-duration), duration).Write(f)
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{"file": out, "packets": n}).Info("capture written")
			return nil
		},
	}
	pcapCmd.Flags().StringVarP(&out, "out", "o", "demo.pcap", "output file")
	pcapCmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	pcapCmd.Flags().DurationVar(&duration, "duration", 20*time.Second, "capture length")

	var (
		apiURL   string
		interval time.Duration
	)
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Post one feature vector per attack family to the detection API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sender := NewSender(apiURL, os.Stdout)
			if interval <= 0 {
				return sender.RunOnce(ctx)
			}
			return sender.Run(ctx, interval)
		},
	}
	sendCmd.Flags().StringVar(&apiURL, "api-url", "http://localhost:8888/detect", "detection endpoint")
	sendCmd.Flags().DurationVar(&interval, "interval", 0, "repeat every interval (0 sends once)")

	root.AddCommand(pcapCmd, sendCmd)

	if err := root.Execute(); err != nil {
		log.Fatalf("Simulator failed: %v", err)
	}
}
