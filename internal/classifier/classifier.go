// Package classifier turns a feature vector into an attack probability.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/nshruti113/flowguard/internal/models"
)

// Classifier scores one feature vector. Implementations must be safe for
// concurrent use and return a probability in [0,1].
type Classifier interface {
	Predict(ctx context.Context, fv models.FeatureVector) (float64, error)
	Version() string
}

// Func adapts a plain function to the Classifier interface
type Func func(ctx context.Context, fv models.FeatureVector) (float64, error)

func (f Func) Predict(ctx context.Context, fv models.FeatureVector) (float64, error) {
	return f(ctx, fv)
}

func (f Func) Version() string { return "func" }

// LogisticModel is a linear model over log1p-scaled features in
// models.FeatureOrder, squashed with the logistic function.
type LogisticModel struct {
	Name    string    `yaml:"name"`
	Bias    float64   `yaml:"bias"`
	Weights []float64 `yaml:"weights"`
}

// DefaultLogisticModel scores sustained high packet/SYN rates as attacks and
// small, slow flows as benign
func DefaultLogisticModel() LogisticModel {
	return LogisticModel{
		Name: "logistic-v1",
		Bias: -6.0,
		// total_packets, total_bytes, duration, pkts_per_sec, bytes_per_sec, syn_count, unique_dst_ports
		Weights: []float64{0, 0, 0, 0.6, 0.2, 0.3, 0.4},
	}
}

func (m LogisticModel) Predict(_ context.Context, fv models.FeatureVector) (float64, error) {
	values := fv.Values()
	if len(m.Weights) != len(values) {
		return 0, fmt.Errorf("model %s expects %d weights, got %d", m.Name, len(values), len(m.Weights))
	}

	z := m.Bias
	for i, v := range values {
		if v < 0 {
			v = 0
		}
		z += m.Weights[i] * math.Log1p(v)
	}

	return 1 / (1 + math.Exp(-z)), nil
}

func (m LogisticModel) Version() string { return m.Name }

// HTTPModel calls a remote model server.
// Request: {"features": [...]} in models.FeatureOrder. Response: {"probability": p}.
type HTTPModel struct {
	url    string
	client *http.Client
}

func NewHTTPModel(url string, timeout time.Duration) *HTTPModel {
	return &HTTPModel{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	Features []float64 `json:"features"`
	Order    []string  `json:"order"`
}

type predictResponse struct {
	Probability float64 `json:"probability"`
}

func (h *HTTPModel) Predict(ctx context.Context, fv models.FeatureVector) (float64, error) {
	body, err := json.Marshal(predictRequest{Features: fv.Values(), Order: models.FeatureOrder})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("model server returned %s", resp.Status)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode model response: %w", err)
	}

	if out.Probability < 0 || out.Probability > 1 || math.IsNaN(out.Probability) {
		return 0, errors.New("model returned probability outside [0,1]")
	}

	return out.Probability, nil
}

func (h *HTTPModel) Version() string { return h.url }
