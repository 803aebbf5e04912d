package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"samuraibot/internal/storage"
)

// fakeStore mirrors storage.Store semantics in memory and injects
// transient failures per op id and kind.
type fakeStore struct {
	mu       sync.Mutex
	accounts map[storage.AccountKey]storage.Account
	ops      map[string]storage.EntryKind
	// busy counts the ErrBusy failures still to inject for "opID/kind";
	// a negative value fails forever.
	busy map[string]int
	// lostAck commits "opID/kind" and then reports ErrBusy once.
	lostAck map[string]bool
	calls   map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[storage.AccountKey]storage.Account),
		ops:      make(map[string]storage.EntryKind),
		busy:     make(map[string]int),
		lostAck:  make(map[string]bool),
		calls:    make(map[string]int),
	}
}

func (f *fakeStore) GetOrCreate(_ context.Context, key storage.AccountKey) (storage.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[key]
	if !ok {
		a = storage.Account{Key: key, Coins: 100, Level: 1}
		f.accounts[key] = a
	}
	return a, nil
}

func (f *fakeStore) Get(_ context.Context, key storage.AccountKey) (storage.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[key]
	if !ok {
		return storage.Account{}, storage.ErrAccountNotFound
	}
	return a, nil
}

func (f *fakeStore) Apply(_ context.Context, d storage.Delta) (storage.Applied, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tag := d.OpID + "/" + string(d.Kind)
	f.calls[tag]++

	if n := f.busy[tag]; n != 0 {
		if n > 0 {
			f.busy[tag] = n - 1
		}
		return storage.Applied{}, fmt.Errorf("apply: %w", storage.ErrBusy)
	}

	if kind, ok := f.ops[d.OpID]; ok {
		return storage.Applied{Account: f.accounts[d.Key], Replayed: true, Kind: kind}, nil
	}
	if d.AfterOp != "" {
		if _, ok := f.ops[d.AfterOp]; !ok {
			return storage.Applied{}, storage.ErrMissingPrecedent
		}
	}

	a, ok := f.accounts[d.Key]
	if !ok {
		return storage.Applied{}, storage.ErrAccountNotFound
	}
	if a.Coins+d.Coins < 0 || a.Gems+d.Gems < 0 {
		return storage.Applied{}, storage.ErrInsufficientFunds
	}
	a.Coins += d.Coins
	a.Gems += d.Gems
	a.Wins += d.Wins
	a.Losses += d.Losses
	f.accounts[d.Key] = a
	f.ops[d.OpID] = d.Kind

	if f.lostAck[tag] {
		delete(f.lostAck, tag)
		return storage.Applied{}, fmt.Errorf("commit: %w", storage.ErrBusy)
	}
	return storage.Applied{Account: a, Kind: d.Kind}, nil
}

func (f *fakeStore) coins(key storage.AccountKey) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[key].Coins
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newTestLedger(store Store, opts ...Option) *Ledger {
	base := []Option{
		WithRetryPolicy(fastPolicy()),
		WithLogger(quietLogger()),
		WithIDGenerator(sequentialIDs()),
	}
	return New(store, append(base, opts...)...)
}

var alice = storage.AccountKey{UserID: 1}

func TestApplyDeltaRetriesBusy(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store)
	ctx := context.Background()
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	store.busy["id-1/adjust"] = 2

	acct, err := l.ApplyDelta(ctx, alice, -40, 0)
	if err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}
	if acct.Coins != 60 {
		t.Errorf("Expected 60 coins, got %d", acct.Coins)
	}
	if got := store.calls["id-1/adjust"]; got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestApplyDeltaExhaustsRetryBudget(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store)
	ctx := context.Background()
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	store.busy["id-1/adjust"] = -1

	_, err := l.ApplyDelta(ctx, alice, 10, 0)
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("Expected ErrLedgerUnavailable, got %v", err)
	}
	if got := store.calls["id-1/adjust"]; got != 5 {
		t.Errorf("Expected 5 attempts, got %d", got)
	}
	if got := store.coins(alice); got != 100 {
		t.Errorf("Expected balance unchanged at 100, got %d", got)
	}
}

func TestApplyDeltaInsufficientFundsNotRetried(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store)
	ctx := context.Background()
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	_, err := l.ApplyDelta(ctx, alice, -101, 0)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	if got := store.calls["id-1/adjust"]; got != 1 {
		t.Errorf("Expected a single attempt, got %d", got)
	}
}

func TestApplyDeltaNotFound(t *testing.T) {
	l := newTestLedger(newFakeStore())

	_, err := l.ApplyDelta(context.Background(), alice, 1, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := l.Get(context.Background(), alice); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from Get, got %v", err)
	}
}

func TestLostAcknowledgementAppliesOnce(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store)
	ctx := context.Background()
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	store.lostAck["id-1/adjust"] = true

	acct, err := l.ApplyDelta(ctx, alice, -30, 0)
	if err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}
	if acct.Coins != 70 {
		t.Errorf("Expected 70 coins, got %d", acct.Coins)
	}
	if got := store.coins(alice); got != 70 {
		t.Errorf("Expected debit applied once, balance %d", got)
	}
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store, WithRetryPolicy(RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     time.Second,
		Multiplier:      1,
	}))
	if _, err := l.Ensure(context.Background(), alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	store.busy["id-1/adjust"] = -1

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.ApplyDelta(ctx, alice, 5, 0)
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Errorf("Expected ErrLedgerUnavailable, got %v", err)
	}
}

func TestCreditValidation(t *testing.T) {
	l := newTestLedger(newFakeStore())

	if _, err := l.Credit(context.Background(), alice, storage.EntryReward, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Reserve(context.Background(), alice, -1); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.RecordActivity(context.Background(), alice, -1); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestReserveAndSettle(t *testing.T) {
	tests := []struct {
		name      string
		credit    int64
		wins      int64
		losses    int64
		wantCoins int64
	}{
		{name: "win", credit: 40, wins: 1, wantCoins: 120},
		{name: "tie", credit: 20, wantCoins: 100},
		{name: "lose", credit: 0, losses: 1, wantCoins: 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			l := newTestLedger(store)
			ctx := context.Background()
			if _, err := l.Ensure(ctx, alice); err != nil {
				t.Fatalf("Ensure failed: %v", err)
			}

			r, err := l.Reserve(ctx, alice, 20)
			if err != nil {
				t.Fatalf("Reserve failed: %v", err)
			}
			if r.Balance.Coins != 80 {
				t.Errorf("Expected 80 coins after stake, got %d", r.Balance.Coins)
			}

			acct, err := r.Settle(ctx, Settlement{Credit: tt.credit, Wins: tt.wins, Losses: tt.losses})
			if err != nil {
				t.Fatalf("Settle failed: %v", err)
			}
			if acct.Coins != tt.wantCoins {
				t.Errorf("Expected %d coins, got %d", tt.wantCoins, acct.Coins)
			}
			if acct.Wins != tt.wins || acct.Losses != tt.losses {
				t.Errorf("Expected %d/%d wins/losses, got %d/%d", tt.wins, tt.losses, acct.Wins, acct.Losses)
			}
		})
	}
}

func TestReserveInsufficientFunds(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store)
	ctx := context.Background()
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	if _, err := l.Reserve(ctx, alice, 101); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	if got := store.coins(alice); got != 100 {
		t.Errorf("Expected balance 100, got %d", got)
	}
}

func TestReserveUnavailableLeavesBalance(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store)
	ctx := context.Background()
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	store.busy["id-1:stake/stake"] = -1

	_, err := l.Reserve(ctx, alice, 50)
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("Expected ErrLedgerUnavailable, got %v", err)
	}
	if got := store.coins(alice); got != 100 {
		t.Errorf("Expected balance 100, got %d", got)
	}
}

func TestSettleFailureRefundsStake(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store)
	ctx := context.Background()
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	r, err := l.Reserve(ctx, alice, 30)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	store.busy[CloseOpID(r.WagerID)+"/payout"] = -1

	_, err = r.Settle(ctx, Settlement{Credit: 60, Wins: 1})
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("Expected ErrLedgerUnavailable, got %v", err)
	}
	if got := store.coins(alice); got != 100 {
		t.Errorf("Expected stake refunded to 100, got %d", got)
	}
	if kind := store.ops[CloseOpID(r.WagerID)]; kind != storage.EntryRefund {
		t.Errorf("Expected close op recorded as refund, got %q", kind)
	}
}

func TestSettleLostAcknowledgementKeepsPayout(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store, WithRetryPolicy(RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond, Multiplier: 1}))
	ctx := context.Background()
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	r, err := l.Reserve(ctx, alice, 30)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	store.lostAck[CloseOpID(r.WagerID)+"/payout"] = true

	acct, err := r.Settle(ctx, Settlement{Credit: 60, Wins: 1})
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if acct.Coins != 130 {
		t.Errorf("Expected payout applied once for 130 coins, got %d", acct.Coins)
	}
	if got := store.coins(alice); got != 130 {
		t.Errorf("Expected store balance 130, got %d", got)
	}
}

func TestStrandedStakeRefundedLater(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store)
	ctx := context.Background()
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	r, err := l.Reserve(ctx, alice, 25)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	closeOp := CloseOpID(r.WagerID)
	store.busy[closeOp+"/payout"] = -1
	store.busy[closeOp+"/refund"] = -1

	_, err = r.Settle(ctx, Settlement{Credit: 50, Wins: 1})
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("Expected ErrLedgerUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "refund pending") {
		t.Errorf("Expected refund pending in error, got %v", err)
	}
	if got := store.coins(alice); got != 75 {
		t.Fatalf("Expected stake still held at 75, got %d", got)
	}

	delete(store.busy, closeOp+"/refund")
	stake := storage.Stake{OpID: StakeOpID(r.WagerID), WagerID: r.WagerID, Key: alice, Amount: 25}

	refunded, err := l.RefundStake(ctx, stake)
	if err != nil {
		t.Fatalf("RefundStake failed: %v", err)
	}
	if !refunded {
		t.Error("Expected stake to be refunded")
	}
	if got := store.coins(alice); got != 100 {
		t.Errorf("Expected 100 coins after refund, got %d", got)
	}

	refunded, err = l.RefundStake(ctx, stake)
	if err != nil {
		t.Fatalf("second RefundStake failed: %v", err)
	}
	if refunded {
		t.Error("Expected second refund to be a no-op")
	}
	if got := store.coins(alice); got != 100 {
		t.Errorf("Expected 100 coins after replay, got %d", got)
	}
}

func TestSettleAfterRefundFails(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store)
	ctx := context.Background()
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	r, err := l.Reserve(ctx, alice, 10)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := r.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if _, err := r.Settle(ctx, Settlement{Credit: 20, Wins: 1}); !errors.Is(err, ErrLedgerUnavailable) {
		t.Errorf("Expected ErrLedgerUnavailable for a refunded wager, got %v", err)
	}
	if got := store.coins(alice); got != 100 {
		t.Errorf("Expected 100 coins, got %d", got)
	}
}

func TestDebitThenCreditSettleError(t *testing.T) {
	store := newFakeStore()
	l := newTestLedger(store)
	ctx := context.Background()
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	boom := errors.New("boom")
	_, err := l.DebitThenCredit(ctx, alice, 40, func(r *Reservation) (Settlement, error) {
		if r.Balance.Coins != 60 {
			t.Errorf("Expected 60 coins during settle, got %d", r.Balance.Coins)
		}
		return Settlement{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected settle error, got %v", err)
	}
	if got := store.coins(alice); got != 100 {
		t.Errorf("Expected stake refunded to 100, got %d", got)
	}
}

func TestDebitThenCreditWithStore(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Options{Path: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	l := New(store, WithLogger(quietLogger()))
	if _, err := l.Ensure(ctx, alice); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	acct, err := l.DebitThenCredit(ctx, alice, 50, func(r *Reservation) (Settlement, error) {
		return Settlement{
			Credit: 100,
			Wins:   1,
			Wager: &storage.Wager{
				ID:         r.WagerID,
				Game:       "dice",
				Bet:        50,
				Outcome:    "win",
				NetChange:  50,
				PlayerMove: "6",
				HouseMove:  "2",
			},
		}, nil
	})
	if err != nil {
		t.Fatalf("DebitThenCredit failed: %v", err)
	}
	if acct.Coins != 150 || acct.Wins != 1 {
		t.Errorf("Expected 150 coins and 1 win, got %d/%d", acct.Coins, acct.Wins)
	}

	if _, err := l.DebitThenCredit(ctx, alice, 151, func(*Reservation) (Settlement, error) {
		t.Error("settle must not run when the stake cannot be reserved")
		return Settlement{}, nil
	}); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}

	entries, err := store.Entries(ctx, alice, 10)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected stake and payout entries, got %d", len(entries))
	}
	if entries[0].Kind != storage.EntryPayout || entries[1].Kind != storage.EntryStake {
		t.Errorf("Unexpected entry kinds %s, %s", entries[0].Kind, entries[1].Kind)
	}

	history, err := store.RecentWagers(ctx, alice, 10)
	if err != nil {
		t.Fatalf("RecentWagers failed: %v", err)
	}
	if len(history) != 1 || history[0].NetChange != 50 {
		t.Errorf("Expected one wager with net +50, got %+v", history)
	}
}
