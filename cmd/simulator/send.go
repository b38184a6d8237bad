package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nshruti113/flowguard/internal/detection"
	"github.com/nshruti113/flowguard/internal/models"
)

type scenario struct {
	Name   string
	Vector models.FeatureVector
}

// scenarios are hand-built windows, one per attack family plus a benign one
var scenarios = []scenario{
	{"benign", models.FeatureVector{
		SrcIP: "10.0.0.21", TotalPackets: 25, TotalBytes: 12000, Duration: 5,
		PktsPerSec: 5, BytesPerSec: 2400, SynCount: 1, UniqueDstPorts: 1,
	}},
	{"port scan", models.FeatureVector{
		SrcIP: "203.0.113.10", TotalPackets: 200, TotalBytes: 12000, Duration: 3,
		PktsPerSec: 66.7, BytesPerSec: 4000, SynCount: 200, UniqueDstPorts: 200,
	}},
	{"ddos", models.FeatureVector{
		SrcIP: "203.0.113.66", TotalPackets: 10000, TotalBytes: 600000, Duration: 5,
		PktsPerSec: 2000, BytesPerSec: 120000, SynCount: 10000, UniqueDstPorts: 1,
	}},
	{"brute force", models.FeatureVector{
		SrcIP: "198.51.100.40", TotalPackets: 400, TotalBytes: 40000, Duration: 5,
		PktsPerSec: 80, BytesPerSec: 8000, SynCount: 150, UniqueDstPorts: 1,
	}},
	{"bot", models.FeatureVector{
		SrcIP: "198.51.100.20", TotalPackets: 300, TotalBytes: 3000, Duration: 30,
		PktsPerSec: 10, BytesPerSec: 100, SynCount: 60, UniqueDstPorts: 2,
	}},
}

// Sender posts scenario vectors to the detection endpoint
type Sender struct {
	url    string
	client *http.Client
	out    io.Writer
}

func NewSender(url string, out io.Writer) *Sender {
	return &Sender{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		out:    out,
	}
}

func (s *Sender) Send(ctx context.Context, fv models.FeatureVector) (*detection.Verdict, error) {
	data, err := json.Marshal(fv)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detect returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var v detection.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode verdict: %w", err)
	}
	return &v, nil
}

// RunOnce sends every scenario and prints the verdicts
func (s *Sender) RunOnce(ctx context.Context) error {
	for _, sc := range scenarios {
		v, err := s.Send(ctx, sc.Vector)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
		fmt.Fprintf(s.out, "%-12s %-15s verdict=%-6s type=%-20q score=%.4f blocked=%v %s\n",
			sc.Name, sc.Vector.SrcIP, v.Verdict, v.AttackType, v.Score, v.Blocked, v.Note)
	}
	return nil
}

// Run repeats RunOnce every interval until ctx is cancelled
func (s *Sender) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
