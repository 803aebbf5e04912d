package ledger

import (
	"context"
	"errors"
	"fmt"

	"samuraibot/internal/storage"
)

// StakeOpID is the op id of the debit that reserves a wager's stake.
func StakeOpID(wagerID string) string { return wagerID + ":stake" }

// CloseOpID is shared by a wager's payout and its refund, so at most one of
// them is ever applied.
func CloseOpID(wagerID string) string { return wagerID + ":close" }

// Reservation is a stake that has been debited and not yet closed.
type Reservation struct {
	WagerID string
	Key     storage.AccountKey
	Amount  int64
	// Balance is the account right after the debit.
	Balance storage.Account

	ledger *Ledger
}

// Settlement describes how a reservation is closed.
type Settlement struct {
	// Credit is returned to the account: 2*stake on a win, stake on a tie, 0
	// on a loss.
	Credit int64
	Wins   int64
	Losses int64
	// Wager, when set, is appended to the battle history with the payout.
	Wager *storage.Wager
}

// Reserve debits amount from the account as a wager stake. If the debit
// fails nothing is reserved. When the outcome of the debit is unknown a
// compensating refund is attempted before the error is returned.
func (l *Ledger) Reserve(ctx context.Context, key storage.AccountKey, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("stake %d: %w", amount, ErrInvalidAmount)
	}

	r := &Reservation{
		WagerID: l.newID(),
		Key:     key,
		Amount:  amount,
		ledger:  l,
	}

	applied, err := l.apply(ctx, storage.Delta{
		OpID:    StakeOpID(r.WagerID),
		Key:     key,
		WagerID: r.WagerID,
		Kind:    storage.EntryStake,
		Coins:   -amount,
	})
	if err != nil {
		if errors.Is(err, ErrLedgerUnavailable) {
			if _, refundErr := r.refund(ctx, "rollback"); refundErr != nil {
				return nil, fmt.Errorf("reserve stake: %w (refund pending: %v)", err, refundErr)
			}
		}
		return nil, fmt.Errorf("reserve stake: %w", err)
	}

	r.Balance = applied.Account
	return r, nil
}

// Settle closes the reservation with a payout. If the payout cannot be
// applied the stake is refunded before the error is returned, leaving the
// account as it was before Reserve.
func (r *Reservation) Settle(ctx context.Context, s Settlement) (storage.Account, error) {
	if s.Credit < 0 {
		return storage.Account{}, fmt.Errorf("payout %d: %w", s.Credit, ErrInvalidAmount)
	}

	applied, err := r.ledger.apply(ctx, storage.Delta{
		OpID:    CloseOpID(r.WagerID),
		Key:     r.Key,
		WagerID: r.WagerID,
		Kind:    storage.EntryPayout,
		Coins:   s.Credit,
		Wins:    s.Wins,
		Losses:  s.Losses,
		AfterOp: StakeOpID(r.WagerID),
		Wager:   s.Wager,
	})
	if err != nil {
		closed, refundErr := r.refund(ctx, "rollback")
		if refundErr != nil {
			return storage.Account{}, fmt.Errorf("settle wager %s: %w (refund pending: %v)", r.WagerID, err, refundErr)
		}
		// The payout committed on an attempt whose acknowledgement was lost.
		if closed.Replayed && closed.Kind == storage.EntryPayout {
			return closed.Account, nil
		}
		return storage.Account{}, fmt.Errorf("settle wager %s: %w", r.WagerID, err)
	}

	if applied.Replayed && applied.Kind != storage.EntryPayout {
		return storage.Account{}, fmt.Errorf("settle wager %s: stake already refunded: %w", r.WagerID, ErrLedgerUnavailable)
	}
	return applied.Account, nil
}

// Release refunds the stake without a payout.
func (r *Reservation) Release(ctx context.Context) error {
	_, err := r.refund(ctx, "rollback")
	return err
}

// refund applies the close op as a refund. It runs detached from ctx's
// cancellation so a cancelled request still returns its stake.
func (r *Reservation) refund(ctx context.Context, source string) (storage.Applied, error) {
	l := r.ledger
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.refundTimeout)
	defer cancel()

	applied, err := l.apply(ctx, storage.Delta{
		OpID:    CloseOpID(r.WagerID),
		Key:     r.Key,
		WagerID: r.WagerID,
		Kind:    storage.EntryRefund,
		Coins:   r.Amount,
		AfterOp: StakeOpID(r.WagerID),
	})
	switch {
	case errors.Is(err, storage.ErrMissingPrecedent):
		// The stake never landed.
		return storage.Applied{}, nil
	case err != nil:
		l.log.Error("stake refund failed, left for sweeper",
			"wager_id", r.WagerID, "account", r.Key.String(), "amount", r.Amount, "error", err)
		return storage.Applied{}, err
	}

	if !applied.Replayed {
		l.metrics.ObserveRefund(source)
		l.log.Info("stake refunded", "wager_id", r.WagerID, "account", r.Key.String(), "amount", r.Amount, "source", source)
	}
	return applied, nil
}

// DebitThenCredit reserves debit, asks settle for the settlement given the
// post-debit account, and applies it. A failed reservation changes nothing;
// a failed settle function or payout refunds the stake before returning.
func (l *Ledger) DebitThenCredit(
	ctx context.Context,
	key storage.AccountKey,
	debit int64,
	settle func(reserved *Reservation) (Settlement, error),
) (storage.Account, error) {
	r, err := l.Reserve(ctx, key, debit)
	if err != nil {
		return storage.Account{}, err
	}

	s, err := settle(r)
	if err != nil {
		if refundErr := r.Release(ctx); refundErr != nil {
			return storage.Account{}, fmt.Errorf("%w (refund pending: %v)", err, refundErr)
		}
		return storage.Account{}, err
	}

	return r.Settle(ctx, s)
}

// RefundStake returns an open stake found by the sweeper. It reports false
// when the wager had already been closed.
func (l *Ledger) RefundStake(ctx context.Context, st storage.Stake) (bool, error) {
	if st.Amount <= 0 {
		return false, fmt.Errorf("refund stake %s: %w", st.WagerID, ErrInvalidAmount)
	}
	r := &Reservation{WagerID: st.WagerID, Key: st.Key, Amount: st.Amount, ledger: l}
	applied, err := r.refund(ctx, "sweeper")
	if err != nil {
		return false, err
	}
	return applied.Kind == storage.EntryRefund && !applied.Replayed, nil
}
