// Package ledger is the only writer of account balances. Every mutation is a
// relative delta carrying an operation id that is reused across retries, so
// an attempt that committed but lost its acknowledgement is never applied
// twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"samuraibot/internal/metrics"
	"samuraibot/internal/storage"
)

var (
	// ErrInsufficientFunds is returned when a delta would leave a negative
	// balance. It is never retried.
	ErrInsufficientFunds = storage.ErrInsufficientFunds
	// ErrNotFound is returned for an account that was never referenced.
	ErrNotFound = storage.ErrAccountNotFound
	// ErrLedgerUnavailable is returned once the retry budget is exhausted.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrInvariantViolation signals arithmetic that can only come from a bug.
	ErrInvariantViolation = errors.New("ledger invariant violation")
	// ErrInvalidAmount is returned for a non-positive stake or negative credit.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Store is the account store the ledger writes through.
type Store interface {
	GetOrCreate(ctx context.Context, key storage.AccountKey) (storage.Account, error)
	Get(ctx context.Context, key storage.AccountKey) (storage.Account, error)
	Apply(ctx context.Context, d storage.Delta) (storage.Applied, error)
}

// RetryPolicy bounds the exponential backoff applied to transient store
// conflicts.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// DefaultRetryPolicy retries up to five times starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	b.MaxInterval = max(p.MaxInterval, b.InitialInterval)
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	return b
}

// Ledger applies balance deltas with bounded retry.
type Ledger struct {
	store         Store
	policy        RetryPolicy
	log           *slog.Logger
	metrics       *metrics.Metrics
	newID         func() string
	refundTimeout time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) {
		if p.MaxAttempts == 0 {
			p.MaxAttempts = 1
		}
		l.policy = p
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithIDGenerator replaces the uuid generator used for wager and op ids.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.newID = fn
		}
	}
}

// WithRefundTimeout bounds a compensating refund, which runs even after the
// caller's context is cancelled.
func WithRefundTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.refundTimeout = d
		}
	}
}

// New creates a ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		policy:        DefaultRetryPolicy(),
		log:           slog.Default(),
		newID:         uuid.NewString,
		refundTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ensure returns the account for key, creating it on first reference.
func (l *Ledger) Ensure(ctx context.Context, key storage.AccountKey) (storage.Account, error) {
	return retry(ctx, l, "ensure", func() (storage.Account, error) {
		return l.store.GetOrCreate(ctx, key)
	})
}

// Get reads an account without creating it.
func (l *Ledger) Get(ctx context.Context, key storage.AccountKey) (storage.Account, error) {
	return retry(ctx, l, "get", func() (storage.Account, error) {
		return l.store.Get(ctx, key)
	})
}

// ApplyDelta adds the signed deltas to an existing account. Nothing is
// applied if either balance would go negative.
func (l *Ledger) ApplyDelta(ctx context.Context, key storage.AccountKey, coins, gems int64) (storage.Account, error) {
	applied, err := l.apply(ctx, storage.Delta{
		OpID:  l.newID(),
		Key:   key,
		Kind:  storage.EntryAdjust,
		Coins: coins,
		Gems:  gems,
	})
	if err != nil {
		return storage.Account{}, err
	}
	return applied.Account, nil
}

// Credit adds a positive amount of coins under the given entry kind.
func (l *Ledger) Credit(ctx context.Context, key storage.AccountKey, kind storage.EntryKind, coins int64) (storage.Account, error) {
	if coins <= 0 {
		return storage.Account{}, fmt.Errorf("credit %d: %w", coins, ErrInvalidAmount)
	}
	applied, err := l.apply(ctx, storage.Delta{
		OpID:  l.newID(),
		Key:   key,
		Kind:  kind,
		Coins: coins,
	})
	if err != nil {
		return storage.Account{}, err
	}
	return applied.Account, nil
}

// RecordActivity counts one chat message and credits coins for it. Zero
// coins records the message alone.
func (l *Ledger) RecordActivity(ctx context.Context, key storage.AccountKey, coins int64) (storage.Account, error) {
	if coins < 0 {
		return storage.Account{}, fmt.Errorf("activity reward %d: %w", coins, ErrInvalidAmount)
	}
	kind := storage.EntryReward
	if coins == 0 {
		kind = storage.EntryActivity
	}
	applied, err := l.apply(ctx, storage.Delta{
		OpID:     l.newID(),
		Key:      key,
		Kind:     kind,
		Coins:    coins,
		Messages: 1,
	})
	if err != nil {
		return storage.Account{}, err
	}
	return applied.Account, nil
}

// apply writes one delta, retrying transient conflicts with the same OpID.
func (l *Ledger) apply(ctx context.Context, d storage.Delta) (storage.Applied, error) {
	start := time.Now()
	defer l.metrics.ObserveLatency(string(d.Kind), start)

	applied, err := retry(ctx, l, string(d.Kind), func() (storage.Applied, error) {
		return l.store.Apply(ctx, d)
	})
	if err != nil {
		return storage.Applied{}, err
	}
	if applied.Account.Coins < 0 || applied.Account.Gems < 0 {
		l.log.Error("negative balance after apply",
			"op_id", d.OpID, "account", d.Key.String(), "coins", applied.Account.Coins, "gems", applied.Account.Gems)
		return storage.Applied{}, fmt.Errorf("apply %s: %w", d.OpID, ErrInvariantViolation)
	}
	if applied.Replayed {
		l.log.Debug("ledger op replayed", "op_id", d.OpID, "recorded_kind", string(applied.Kind))
	}
	return applied, nil
}

// retry runs fn until it succeeds, fails permanently, or the policy is
// exhausted. Only storage.ErrBusy is retried.
func retry[T any](ctx context.Context, l *Ledger, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if errors.Is(err, storage.ErrBusy) {
			return out, err
		}
		return out, backoff.Permanent(err)
	},
		backoff.WithBackOff(l.policy.backOff()),
		backoff.WithMaxTries(l.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.metrics.ObserveRetry()
			l.log.Warn("ledger retry", "op", op, "attempt", attempt, "next", next, "error", err)
		}),
	)
	if err == nil {
		return result, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	if errors.Is(err, storage.ErrBusy) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		l.metrics.ObserveUnavailable()
		l.log.Error("ledger unavailable", "op", op, "attempts", attempt, "error", err)
		var zero T
		return zero, fmt.Errorf("%w: %s after %d attempts: %w", ErrLedgerUnavailable, op, attempt, err)
	}
	var zero T
	return zero, err
}
