/*
scheduler.go - Periodic alert evaluation

PURPOSE:
  Periodically evaluates the alert rules over a fresh record snapshot and
  logs every non-empty bucket, so operations see overdue documents without
  polling the API.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Evaluates immediately on Start, then on every tick
  - Read-only: never writes to the store

CONFIGURATION:
  - CheckInterval: How often to check (FREIGHTSLA_ALERT_INTERVAL, default 1h)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAlertScheduler(store, profile.AlertEngine(), logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Alerts endpoint (on-demand evaluation)
  - analytics/alerts.go: AlertEngine
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/freight-sla/analytics"
	"github.com/warp/freight-sla/record"
)

// AlertScheduler evaluates alerts on a fixed interval.
type AlertScheduler struct {
	Store         record.Store
	Engine        analytics.AlertEngine
	Logger        logrus.FieldLogger
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAlertScheduler creates a new scheduler.
func NewAlertScheduler(store record.Store, engine analytics.AlertEngine, logger logrus.FieldLogger) *AlertScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AlertScheduler{
		Store:         store,
		Engine:        engine,
		Logger:        logger.WithField("component", "alert_scheduler"),
		CheckInterval: time.Hour,
		Enabled:       true,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the scheduler.
func (s *AlertScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ticker = time.NewTicker(s.CheckInterval)
	s.cancel = cancel
	s.wg.Add(1)

	go s.run(ctx, s.ticker)

	s.Logger.WithField("interval", s.CheckInterval.String()).Info("started")
}

// Stop stops the scheduler and waits for an in-flight evaluation.
func (s *AlertScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		s.cancel()
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("stopped")
	}
}

func (s *AlertScheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	// Run immediately on start
	s.check(ctx)

	for {
		select {
		case <-ticker.C:
			s.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow evaluates immediately and returns the buckets.
func (s *AlertScheduler) RunNow(ctx context.Context) ([]analytics.AlertBucket, error) {
	return s.evaluate(ctx)
}

func (s *AlertScheduler) check(ctx context.Context) {
	if _, err := s.evaluate(ctx); err != nil && ctx.Err() == nil {
		s.Logger.WithError(err).Error("alert evaluation failed")
	}
}

func (s *AlertScheduler) evaluate(ctx context.Context) ([]analytics.AlertBucket, error) {
	records, err := s.Store.QueryAll(ctx)
	if err != nil {
		return nil, err
	}
	asOf := record.Day(s.Now())
	buckets := s.Engine.Evaluate(records, asOf)

	firing := 0
	for _, b := range buckets {
		if b.Count == 0 {
			continue
		}
		firing++
		s.Logger.WithFields(logrus.Fields{
			"kind":           b.Kind,
			"category":       b.Category,
			"count":          b.Count,
			"amount":         b.Amount.StringFixed(2),
			"threshold_days": b.ThresholdDays,
		}).Warn("alert bucket")
	}
	s.Logger.WithFields(logrus.Fields{
		"as_of":   asOf.Format(record.DateLayout),
		"records": len(records),
		"firing":  firing,
	}).Info("alerts evaluated")
	return buckets, nil
}
