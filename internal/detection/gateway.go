// Package detection scores feature vectors and decides on mitigation
package detection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/nshruti113/flowguard/internal/classifier"
	"github.com/nshruti113/flowguard/internal/metrics"
	"github.com/nshruti113/flowguard/internal/mitigation"
	"github.com/nshruti113/flowguard/internal/models"
	"github.com/nshruti113/flowguard/internal/storage"
)

const (
	VerdictAttack = "attack"
	VerdictBenign = "benign"

	NoteWhitelisted      = "whitelisted"
	NoteBlockingDisabled = "blocking disabled"
	NoteAlreadyBlocked   = "already blocked"
)

// ErrClassifier wraps a failed or out-of-range classifier call
var ErrClassifier = errors.New("classifier failed")

// Verdict is the response to one detection request
type Verdict struct {
	AlertID          string  `json:"alert_id"`
	Verdict          string  `json:"verdict"`
	AttackType       string  `json:"attack_type,omitempty"`
	Severity         string  `json:"severity,omitempty"`
	Score            float64 `json:"score"`
	Threshold        float64 `json:"threshold"`
	BlockDurationSec int     `json:"block_duration_sec,omitempty"`
	Blocked          bool    `json:"blocked"`
	Note             string  `json:"note,omitempty"`
}

// Blocker schedules mitigations
type Blocker interface {
	Block(ctx context.Context, req mitigation.Request) (models.BlockEntry, bool, error)
}

// Gateway runs one feature vector through classification, whitelist and
// policy checks, and mitigation
type Gateway struct {
	store      storage.Store
	classifier classifier.Classifier
	policy     *PolicyManager
	blocker    Blocker
	rules      Rules
	clock      clockwork.Clock
	timeout    time.Duration

	onAlert func(models.Alert)
}

func NewGateway(store storage.Store, c classifier.Classifier, policy *PolicyManager, blocker Blocker, rules Rules, clock clockwork.Clock) *Gateway {
	return &Gateway{
		store:      store,
		classifier: c,
		policy:     policy,
		blocker:    blocker,
		rules:      rules,
		clock:      clock,
		timeout:    2 * time.Second,
	}
}

// SetClassifierTimeout bounds each classifier call
func (g *Gateway) SetClassifierTimeout(d time.Duration) {
	if d > 0 {
		g.timeout = d
	}
}

// OnAlert registers fn to receive every recorded alert
func (g *Gateway) OnAlert(fn func(models.Alert)) {
	g.onAlert = fn
}

// Detect scores fv. A source that is not an IP address is rejected with
// models.ErrInvalidAddress before anything is stored. A classifier failure
// fails closed: nothing is blocked and the error is returned.
func (g *Gateway) Detect(ctx context.Context, fv models.FeatureVector) (*Verdict, error) {
	src, err := models.CanonicalIP(fv.SrcIP)
	if err != nil {
		return nil, fmt.Errorf("src_ip: %w", err)
	}
	fv.SrcIP = src

	policy := g.policy.Current()
	now := g.clock.Now().UTC()

	flow := models.FlowRecord{ID: uuid.New().String(), ReceivedAt: now, Features: fv}
	if err := g.store.SaveFlow(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	score, err := g.score(ctx, fv)
	if err != nil {
		metrics.ClassifierErrors.Inc()
		log.WithField("src_ip", fv.SrcIP).Errorf("classification failed, not mitigating: %v", err)
		return nil, err
	}

	alert := models.Alert{
		ID:           uuid.New().String(),
		DetectedAt:   now,
		SrcIP:        fv.SrcIP,
		FlowID:       flow.ID,
		Score:        score,
		Attack:       score >= policy.Threshold,
		Threshold:    policy.Threshold,
		ModelVersion: g.classifier.Version(),
	}

	verdict := &Verdict{
		AlertID:   alert.ID,
		Verdict:   VerdictBenign,
		Score:     math.Round(score*1e4) / 1e4,
		Threshold: policy.Threshold,
	}

	var blockErr error
	if alert.Attack {
		alert.AttackType = g.rules.ClassifyAttack(fv)
		alert.Severity = severity(score)
		verdict.Verdict = VerdictAttack
		verdict.AttackType = alert.AttackType
		verdict.Severity = alert.Severity

		blockErr = g.mitigate(ctx, policy, &alert)
		verdict.Blocked = alert.Blocked
		verdict.Note = alert.Note
		if alert.Blocked {
			verdict.BlockDurationSec = policy.BlockDurationSec
		}
	}

	if err := g.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to save alert: %w", err)
	}

	metrics.Detections.WithLabelValues(verdict.Verdict, alert.AttackType).Inc()
	if g.onAlert != nil {
		g.onAlert(alert)
	}

	if alert.Attack {
		log.WithFields(log.Fields{
			"src_ip":      alert.SrcIP,
			"score":       verdict.Score,
			"attack_type": alert.AttackType,
			"blocked":     alert.Blocked,
			"note":        alert.Note,
		}).Warn("attack detected")
	}

	if blockErr != nil {
		return nil, blockErr
	}
	return verdict, nil
}

func (g *Gateway) score(ctx context.Context, fv models.FeatureVector) (float64, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	p, err := g.classifier.Predict(cctx, fv)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrClassifier, err)
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: probability %v out of range", ErrClassifier, p)
	}
	return p, nil
}

// mitigate applies whitelist and policy to a positive verdict and schedules
// the block, recording the outcome on alert
func (g *Gateway) mitigate(ctx context.Context, policy models.PolicyConfig, alert *models.Alert) error {
	whitelisted, err := g.store.IsWhitelisted(ctx, alert.SrcIP)
	if err != nil {
		alert.Note = "whitelist unavailable"
		return fmt.Errorf("failed to check whitelist: %w", err)
	}
	if whitelisted {
		alert.Note = NoteWhitelisted
		return nil
	}

	if !policy.BlockingEnabled {
		alert.Note = NoteBlockingDisabled
		return nil
	}

	_, created, err := g.blocker.Block(ctx, mitigation.Request{
		IP:          alert.SrcIP,
		DurationSec: policy.BlockDurationSec,
		Reason:      alert.AttackType,
		Actor:       models.ActorModel,
	})
	if created {
		alert.Blocked = true
	} else if err == nil {
		alert.Blocked = true
		alert.Note = NoteAlreadyBlocked
	}
	if err != nil {
		return fmt.Errorf("failed to schedule block: %w", err)
	}
	return nil
}
