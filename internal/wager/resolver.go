// Package wager resolves house games against a player's balance.
//
// A wager moves through Requested, FundsChecked, StakeReserved,
// OutcomeDrawn, PayoutApplied and Resolved. Any failure ends in Rejected;
// once the stake is reserved a failure refunds it before returning.
package wager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"samuraibot/internal/ledger"
	"samuraibot/internal/metrics"
	"samuraibot/internal/rng"
	"samuraibot/internal/storage"
)

var (
	// ErrInvalidWager is returned for a non-positive bet, an unknown game or
	// a bad move. Nothing is mutated.
	ErrInvalidWager       = errors.New("invalid wager")
	ErrInsufficientFunds  = ledger.ErrInsufficientFunds
	ErrLedgerUnavailable  = ledger.ErrLedgerUnavailable
	ErrInvariantViolation = ledger.ErrInvariantViolation
)

// State is a step of wager resolution.
type State int

const (
	Requested State = iota
	FundsChecked
	StakeReserved
	OutcomeDrawn
	PayoutApplied
	Resolved
	Rejected
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case FundsChecked:
		return "funds_checked"
	case StakeReserved:
		return "stake_reserved"
	case OutcomeDrawn:
		return "outcome_drawn"
	case PayoutApplied:
		return "payout_applied"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Ledger is the part of the ledger the resolver drives.
type Ledger interface {
	Ensure(ctx context.Context, key storage.AccountKey) (storage.Account, error)
	DebitThenCredit(ctx context.Context, key storage.AccountKey, debit int64,
		settle func(*ledger.Reservation) (ledger.Settlement, error)) (storage.Account, error)
}

// Request asks to play one game.
type Request struct {
	Account storage.AccountKey
	Game    GameType
	Bet     int64
	// Move is the player's hand for rock-paper-scissors. When empty it is
	// drawn.
	Move string
}

// Result describes a resolved wager.
type Result struct {
	Wager      storage.Wager
	Outcome    Outcome
	NetChange  int64
	NewBalance int64
	Account    storage.Account
	State      State
	// FailedAt is the last state reached before a rejection.
	FailedAt State
}

// Resolver plays wagers. It is safe for concurrent use.
type Resolver struct {
	ledger  Ledger
	drawer  *rng.Drawer
	rules   Rules
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithRules(rules Rules) Option {
	return func(r *Resolver) { r.rules = rules }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver builds a resolver drawing outcomes from d.
func NewResolver(l Ledger, d *rng.Drawer, opts ...Option) *Resolver {
	r := &Resolver{
		ledger: l,
		drawer: d,
		rules:  DefaultRules(),
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve validates the request, reserves the stake, draws the outcome and
// applies the payout together with the history record.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	log := r.log.With("account", req.Account.String(), "game", string(req.Game), "bet", req.Bet)
	res := Result{State: Requested}

	game, err := r.validate(req)
	if err != nil {
		return r.reject(log, res, err)
	}

	acct, err := r.ledger.Ensure(ctx, req.Account)
	if err != nil {
		return r.reject(log, res, fmt.Errorf("read balance: %w", err))
	}
	if acct.Coins < req.Bet {
		return r.reject(log, res, fmt.Errorf("balance %d below bet %d: %w", acct.Coins, req.Bet, ErrInsufficientFunds))
	}
	res.State = FundsChecked
	log.Debug("wager funds checked", "coins", acct.Coins)

	var record storage.Wager
	final, err := r.ledger.DebitThenCredit(ctx, req.Account, req.Bet, func(rsv *ledger.Reservation) (ledger.Settlement, error) {
		res.State = StakeReserved
		log.Debug("wager stake reserved", "wager_id", rsv.WagerID, "coins", rsv.Balance.Coins)

		// Power and similar stats use the balance as it was just before the debit.
		before := rsv.Balance
		before.Coins += req.Bet
		round := game.Play(r.drawer, before, req.Move)
		res.State = OutcomeDrawn

		credit := Payout(round.Outcome, req.Bet)
		net := credit - req.Bet
		if err := verify(round.Outcome, req.Bet, net); err != nil {
			return ledger.Settlement{}, err
		}

		record = storage.Wager{
			ID:         rsv.WagerID,
			Key:        req.Account,
			Game:       string(req.Game),
			Bet:        req.Bet,
			Outcome:    string(round.Outcome),
			NetChange:  net,
			PlayerMove: round.PlayerMove,
			HouseMove:  round.HouseMove,
			CreatedAt:  r.now().UTC(),
		}

		s := ledger.Settlement{Credit: credit, Wager: &record}
		switch round.Outcome {
		case Win:
			s.Wins = 1
		case Lose:
			s.Losses = 1
		}
		return s, nil
	})
	if err != nil {
		return r.reject(log, res, err)
	}
	res.State = PayoutApplied

	res.Wager = record
	res.Outcome = Outcome(record.Outcome)
	res.NetChange = record.NetChange
	res.NewBalance = final.Coins
	res.Account = final
	res.State = Resolved

	r.metrics.ObserveWager(record.Game, record.Outcome)
	log.Debug("wager resolved",
		"wager_id", record.ID, "outcome", record.Outcome, "net_change", record.NetChange, "coins", final.Coins)
	return res, nil
}

func (r *Resolver) validate(req Request) (Game, error) {
	if req.Bet <= 0 {
		return nil, fmt.Errorf("%w: bet must be positive, got %d", ErrInvalidWager, req.Bet)
	}
	game, ok := r.rules[req.Game]
	if !ok {
		return nil, fmt.Errorf("%w: unknown game %q", ErrInvalidWager, req.Game)
	}
	if err := game.ValidateMove(req.Move); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWager, err)
	}
	return game, nil
}

// verify rechecks the net change against the outcome rule.
func verify(o Outcome, bet, net int64) error {
	var want int64
	switch o {
	case Win:
		want = bet
	case Tie:
		want = 0
	case Lose:
		want = -bet
	default:
		return fmt.Errorf("unknown outcome %q: %w", o, ErrInvariantViolation)
	}
	if net != want {
		return fmt.Errorf("%s with bet %d has net change %d, want %d: %w", o, bet, net, want, ErrInvariantViolation)
	}
	return nil
}

func (r *Resolver) reject(log *slog.Logger, res Result, err error) (Result, error) {
	res.FailedAt = res.State
	res.State = Rejected

	reason := rejectReason(err)
	r.metrics.ObserveRejection(reason)
	switch reason {
	case "invariant_violation":
		r.metrics.ObserveInvariantViolation()
		log.Error("wager invariant violated", "failed_at", res.FailedAt.String(), "error", err)
	case "ledger_unavailable", "error":
		log.Warn("wager rejected", "reason", reason, "failed_at", res.FailedAt.String(), "error", err)
	default:
		log.Debug("wager rejected", "reason", reason, "failed_at", res.FailedAt.String(), "error", err)
	}
	return res, err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidWager):
		return "invalid"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrLedgerUnavailable):
		return "ledger_unavailable"
	}
	return "error"
}
