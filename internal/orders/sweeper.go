package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/p2pescrow/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepInterval = 60 * time.Second
	defaultSweepBatch    = 100
)

// SweepResult aggregates one sweep.
type SweepResult struct {
	Cancelled      int `json:"cancelled"`
	Expired        int `json:"expired"`
	DisputesOpened int `json:"disputesOpened"`
	Skipped        int `json:"skipped"`
	Failed         int `json:"failed"`
}

func (r *SweepResult) add(o SweepResult) {
	r.Cancelled += o.Cancelled
	r.Expired += o.Expired
	r.DisputesOpened += o.DisputesOpened
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Sweeper periodically times out orders stuck in a waiting status.
//
// Each sweep runs three scans in parallel, one per waiting status. Only
// one sweep runs at a time: a tick that fires while a sweep is in progress
// is dropped.
type Sweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time

	stop     chan struct{}
	running  atomic.Bool
	sweeping atomic.Bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sweeper driving service's timeout transitions.
func NewSweeper(service *Service, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		service:  service,
		store:    service.store,
		interval: defaultSweepInterval,
		batch:    defaultSweepBatch,
		logger:   logger,
		now:      service.now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.sweeping.Store(false)
			s.logger.Error("panic in timeout sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one full sweep. The bool is false when another sweep was
// already in progress and this one did nothing.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, bool) {
	if !s.sweeping.CompareAndSwap(false, true) {
		metrics.SweepsSkippedTotal.Inc()
		s.logger.Debug("sweep skipped, previous sweep still running")
		return SweepResult{}, false
	}
	defer s.sweeping.Store(false)

	start := time.Now()
	now := s.now()
	t := s.service.Timeouts()

	scans := []struct {
		status  Status
		timeout time.Duration
	}{
		{StatusAwaitingEscrow, t.Escrow},
		{StatusAwaitingFiatPayment, t.Payment},
		{StatusAwaitingConfirmation, t.Confirm},
	}
	results := make([]SweepResult, len(scans))

	var g errgroup.Group
	for i, sc := range scans {
		g.Go(func() error {
			r, err := s.scan(ctx, sc.status, now.Add(-sc.timeout))
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("sweep scan failed", "error", err)
	}

	var total SweepResult
	for _, r := range results {
		total.add(r)
	}
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if total != (SweepResult{}) {
		s.logger.Info("sweep complete",
			"cancelled", total.Cancelled, "expired", total.Expired,
			"disputes_opened", total.DisputesOpened, "skipped", total.Skipped, "failed", total.Failed)
	}
	return total, true
}

// scan times out every order in status whose anchor is before cutoff.
// Each order is handled on its own; one failure does not stop the rest.
func (s *Sweeper) scan(ctx context.Context, status Status, cutoff time.Time) (SweepResult, error) {
	var r SweepResult
	stale, err := s.store.ListStale(ctx, status, cutoff, s.batch)
	if err != nil {
		return r, fmt.Errorf("list stale %s: %w", status, err)
	}

	for _, o := range stale {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		trigger, err := s.service.applyTimeout(ctx, o)
		switch {
		case err == nil:
			switch trigger {
			case TriggerTimeoutNoEscrow:
				r.Cancelled++
				metrics.SweepResultsTotal.WithLabelValues("cancelled").Inc()
			case TriggerTimeoutNoPayment:
				r.Expired++
				metrics.SweepResultsTotal.WithLabelValues("expired").Inc()
			case TriggerTimeoutNoConfirmation:
				r.DisputesOpened++
				metrics.SweepResultsTotal.WithLabelValues("disputes_opened").Inc()
			}
		case benign(err):
			r.Skipped++
			metrics.SweepResultsTotal.WithLabelValues("skipped").Inc()
			s.logger.Debug("sweep skipped order", "order_id", o.ID, "status", o.Status, "error", err)
		default:
			r.Failed++
			metrics.SweepResultsTotal.WithLabelValues("failed").Inc()
			s.logger.Warn("sweep failed for order", "order_id", o.ID, "status", o.Status, "error", err)
		}
	}
	return r, nil
}
