package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/flowguard/internal/detection"
	"github.com/nshruti113/flowguard/internal/models"
)

// HTTPSubmitter posts each vector to the detection endpoint
type HTTPSubmitter struct {
	url        string
	client     *http.Client
	maxTries   uint
	newBackOff func() backoff.BackOff
}

func NewHTTPSubmitter(url string, insecure bool) *HTTPSubmitter {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &HTTPSubmitter{
		url:      url,
		client:   &http.Client{Timeout: 5 * time.Second, Transport: transport},
		maxTries: 3,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 200 * time.Millisecond
			bo.MaxInterval = 2 * time.Second
			return bo
		},
	}
}

// Submit posts fv. Transport errors and 5xx responses are retried; a 4xx
// response is final.
func (h *HTTPSubmitter) Submit(ctx context.Context, fv models.FeatureVector) error {
	body, err := json.Marshal(fv)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to encode features: %w", err))
	}

	operation := func() (*detection.Verdict, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("detect returned %s", resp.Status)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, backoff.Permanent(fmt.Errorf("detect rejected vector: %s: %s", resp.Status, bytes.TrimSpace(msg)))
		}

		var v detection.Verdict
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode verdict: %w", err))
		}
		return &v, nil
	}

	notify := func(err error, next time.Duration) {
		log.WithFields(log.Fields{"src_ip": fv.SrcIP, "next": next.String()}).Debugf("detect attempt failed: %v", err)
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(h.newBackOff()),
		backoff.WithMaxTries(h.maxTries),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return err
	}

	entry := log.WithFields(log.Fields{
		"src_ip":  fv.SrcIP,
		"verdict": v.Verdict,
		"score":   v.Score,
	})
	if v.Verdict == detection.VerdictAttack {
		entry.WithFields(log.Fields{"attack_type": v.AttackType, "blocked": v.Blocked}).Info("attack reported")
	} else {
		entry.Debug("vector scored")
	}
	return nil
}

// Printer writes each vector as one JSON line
type Printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{enc: json.NewEncoder(w)}
}

func (p *Printer) Submit(_ context.Context, fv models.FeatureVector) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(fv)
}
