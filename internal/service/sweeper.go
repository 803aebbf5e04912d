package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"samuraibot/internal/storage"
)

const (
	// DefaultSweepInterval is how often stranded stakes are looked for.
	DefaultSweepInterval = time.Minute
	// DefaultSweepGrace is how old a stake must be before it counts as stranded.
	DefaultSweepGrace = 5 * time.Minute
	// DefaultSweepBatch caps the stakes refunded per pass.
	DefaultSweepBatch = 100
)

// StakeSource lists stakes that were never paid out or refunded.
type StakeSource interface {
	OpenStakes(ctx context.Context, before time.Time, limit int) ([]storage.Stake, error)
}

// StakeRefunder returns a stranded stake to its account.
type StakeRefunder interface {
	RefundStake(ctx context.Context, st storage.Stake) (bool, error)
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Found    int
	Refunded int
	Amount   int64
	Failed   int
}

// StakeSweeper refunds stakes stranded by a failed wager rollback.
type StakeSweeper struct {
	stakes   StakeSource
	refunder StakeRefunder
	notifier *NotificationService
	log      *slog.Logger
	now      func() time.Time

	interval time.Duration
	grace    time.Duration
	batch    int

	ctx    context.Context
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// SweeperOption configures a StakeSweeper.
type SweeperOption func(*StakeSweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(w *StakeSweeper) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithSweepGrace(d time.Duration) SweeperOption {
	return func(w *StakeSweeper) {
		if d > 0 {
			w.grace = d
		}
	}
}

func WithSweepBatch(n int) SweeperOption {
	return func(w *StakeSweeper) {
		if n > 0 {
			w.batch = n
		}
	}
}

func WithSweepNotifier(ns *NotificationService) SweeperOption {
	return func(w *StakeSweeper) { w.notifier = ns }
}

func WithSweepLogger(log *slog.Logger) SweeperOption {
	return func(w *StakeSweeper) {
		if log != nil {
			w.log = log
		}
	}
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(w *StakeSweeper) {
		if now != nil {
			w.now = now
		}
	}
}

// NewStakeSweeper creates a sweeper. Call Start to run it in the background.
func NewStakeSweeper(stakes StakeSource, refunder StakeRefunder, opts ...SweeperOption) *StakeSweeper {
	w := &StakeSweeper{
		stakes:   stakes,
		refunder: refunder,
		log:      slog.Default(),
		now:      time.Now,
		interval: DefaultSweepInterval,
		grace:    DefaultSweepGrace,
		batch:    DefaultSweepBatch,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs one pass immediately and then one per interval until ctx is
// done or Stop is called.
func (w *StakeSweeper) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.ticker = time.NewTicker(w.interval)
	w.log.Info("stake sweeper started", "interval", w.interval, "grace", w.grace)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.SweepOnce(w.ctx)
		for {
			select {
			case <-w.ticker.C:
				w.SweepOnce(w.ctx)
			case <-w.ctx.Done():
				w.log.Info("stake sweeper stopped")
				return
			}
		}
	}()
}

// Stop halts the background loop and waits for an in-flight pass.
func (w *StakeSweeper) Stop() {
	if w.cancel == nil {
		return
	}
	w.ticker.Stop()
	w.cancel()
	w.wg.Wait()
}

// SweepOnce refunds every open stake older than the grace period, up to one
// batch. A stake whose refund fails stays open for the next pass.
func (w *StakeSweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult

	stakes, err := w.stakes.OpenStakes(ctx, w.now().Add(-w.grace), w.batch)
	if err != nil {
		w.log.Warn("stake sweep query failed", "error", err)
		return res
	}
	res.Found = len(stakes)
	if res.Found == 0 {
		return res
	}

	for _, st := range stakes {
		if ctx.Err() != nil {
			break
		}
		refunded, err := w.refunder.RefundStake(ctx, st)
		if err != nil {
			res.Failed++
			w.log.Error("stranded stake refund failed",
				"wager_id", st.WagerID, "account", st.Key.String(), "amount", st.Amount, "error", err)
			w.notifier.SendRefundFailedAlert(st, err)
			continue
		}
		if !refunded {
			continue
		}
		res.Refunded++
		res.Amount += st.Amount
		w.notifier.SendRefundNotification(st)
	}

	w.log.Info("stake sweep finished",
		"found", res.Found, "refunded", res.Refunded, "amount", res.Amount, "failed", res.Failed)
	w.notifier.PublishSweepSummary(res.Refunded, res.Amount)
	return res
}
