package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"neowatch/internal/config"
	"neowatch/internal/metrics"
	"neowatch/internal/model"
)

// DeliveryError describes one failed attempt to reach a subscriber. It
// never leaves the notifier; it is logged and kept in History.
type DeliveryError struct {
	Endpoint   string
	ExternalID string
	Attempt    int
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s (attempt %d): %v", e.ExternalID, e.Endpoint, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Policy is the part of the notifier that can change on config reload.
type Policy struct {
	ThresholdAU    float64
	Attempts       int
	InitialBackoff time.Duration
	Timeout        time.Duration
}

func PolicyFromConfig(cfg config.NotifyConfig) Policy {
	p := Policy{
		ThresholdAU:    cfg.ThresholdAU,
		Attempts:       cfg.Attempts,
		InitialBackoff: cfg.InitialBackoff,
		Timeout:        cfg.Timeout,
	}
	if p.ThresholdAU <= 0 {
		p.ThresholdAU = 0.05
	}
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	return p
}

// Qualifies reports whether r is close enough to alert on.
func (p Policy) Qualifies(r model.Record) bool {
	return r.MissDistanceAU < p.ThresholdAU
}

type Notifier struct {
	poster  Poster
	policy  atomic.Pointer[Policy]
	workers int
	limiter *rate.Limiter
	clock   clock.Clock
	history *History
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(cfg config.NotifyConfig, poster Poster, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	n := &Notifier{
		poster:  poster,
		workers: cfg.Workers,
		clock:   clock.WallClock,
		history: NewHistory(cfg.HistoryLimit),
		metrics: m,
		logger:  logger,
	}
	if n.workers <= 0 {
		n.workers = 8
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	p := PolicyFromConfig(cfg)
	n.policy.Store(&p)
	return n
}

func (n *Notifier) UpdateConfig(cfg config.NotifyConfig) {
	p := PolicyFromConfig(cfg)
	n.policy.Store(&p)
}

func (n *Notifier) Policy() Policy {
	return *n.policy.Load()
}

func (n *Notifier) History() *History {
	return n.history
}

// Notify sends every qualifying record to every subscriber and returns when
// all deliveries have finished or given up. Failures are only logged,
// counted and recorded in History.
func (n *Notifier) Notify(ctx context.Context, recs []model.Record, subs []model.Subscriber) {
	p := n.Policy()
	targets := append([]model.Subscriber(nil), subs...)
	if len(targets) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(n.workers)
	queued := 0
	for _, r := range recs {
		if !p.Qualifies(r) {
			continue
		}
		body, err := json.Marshal(model.NewPayload(r))
		if err != nil {
			if n.logger != nil {
				n.logger.Error("encode webhook payload", "external_id", r.ExternalID, "err", err)
			}
			continue
		}
		for _, s := range targets {
			r, s := r, s
			queued++
			g.Go(func() error {
				n.deliver(ctx, p, r, s, body)
				return nil
			})
		}
	}
	_ = g.Wait()
	if queued > 0 && n.logger != nil {
		n.logger.Info("notification pass finished", "deliveries", queued, "subscribers", len(targets))
	}
}

func (n *Notifier) deliver(ctx context.Context, p Policy, r model.Record, s model.Subscriber, body []byte) {
	attempts := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			if n.limiter != nil {
				if err := n.limiter.Wait(ctx); err != nil {
					return &DeliveryError{Endpoint: s.Endpoint, ExternalID: r.ExternalID, Attempt: attempts, Err: err}
				}
			}
			err := n.poster.Post(ctx, s.Endpoint, body, p.Timeout)
			n.metrics.DeliveryAttempt(err == nil)
			if err != nil {
				return &DeliveryError{Endpoint: s.Endpoint, ExternalID: r.ExternalID, Attempt: attempts, Err: err}
			}
			return nil
		},
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			if n.logger != nil && attempt < p.Attempts {
				n.logger.Debug("webhook attempt failed, retrying", "endpoint", s.Endpoint, "external_id", r.ExternalID, "attempt", attempt, "err", err)
			}
		},
		Attempts:    p.Attempts,
		Delay:       p.InitialBackoff,
		BackoffFunc: retry.DoubleDelay,
		Clock:       n.clock,
		Stop:        ctx.Done(),
	})

	outcome := Outcome{
		Time:       n.clock.Now().UTC(),
		ExternalID: r.ExternalID,
		Endpoint:   s.Endpoint,
		Attempts:   attempts,
		Delivered:  err == nil,
	}
	n.metrics.Delivery(err == nil)
	if err != nil {
		last := retry.LastError(err)
		if last == nil {
			last = err
		}
		outcome.Error = last.Error()
		if n.logger != nil {
			n.logger.Warn("webhook delivery failed", "endpoint", s.Endpoint, "external_id", r.ExternalID, "attempts", attempts, "err", last)
		}
	}
	n.history.Add(outcome)
}
