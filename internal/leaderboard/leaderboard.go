// Package leaderboard ranks accounts by coins, then wins, then key.
package leaderboard

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"samuraibot/internal/storage"
)

// Store is the read side of the account store.
type Store interface {
	Get(ctx context.Context, key storage.AccountKey) (storage.Account, error)
	TopAccounts(ctx context.Context, limit int) ([]storage.Account, error)
	TopAccountsInGroup(ctx context.Context, groupID int64, limit int) ([]storage.Account, error)
	CountAhead(ctx context.Context, a storage.Account, inGroup bool) (int64, error)
}

// Entry is one ranked account. Rank starts at 1.
type Entry struct {
	Rank    int64           `json:"rank"`
	Account storage.Account `json:"account"`
}

// Compare orders a before b when a has more coins, then more wins, then the
// smaller user id and group id.
func Compare(a, b storage.Account) int {
	if c := cmp.Compare(b.Coins, a.Coins); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Wins, a.Wins); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Key.UserID, b.Key.UserID); c != 0 {
		return c
	}
	return cmp.Compare(a.Key.GroupID, b.Key.GroupID)
}

// Rank sorts a copy of accounts and numbers them from 1.
func Rank(accounts []storage.Account) []Entry {
	sorted := slices.Clone(accounts)
	slices.SortStableFunc(sorted, Compare)

	entries := make([]Entry, len(sorted))
	for i, a := range sorted {
		entries[i] = Entry{Rank: int64(i + 1), Account: a}
	}
	return entries
}

// Ranker answers leaderboard queries. Every method is a pure read.
type Ranker struct {
	store Store
}

func New(store Store) *Ranker {
	return &Ranker{store: store}
}

// TopN returns the n highest ranked accounts across all scopes. Callers
// facing users bound n themselves.
func (r *Ranker) TopN(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	accounts, err := r.store.TopAccounts(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("top %d: %w", n, err)
	}
	return Rank(accounts), nil
}

// TopNInGroup returns the n highest ranked accounts of one group scope.
func (r *Ranker) TopNInGroup(ctx context.Context, groupID int64, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	accounts, err := r.store.TopAccountsInGroup(ctx, groupID, n)
	if err != nil {
		return nil, fmt.Errorf("top %d in group %d: %w", n, groupID, err)
	}
	return Rank(accounts), nil
}

// RankOf returns the position of one account. With inGroup set the rank is
// among the accounts of the same group scope.
func (r *Ranker) RankOf(ctx context.Context, key storage.AccountKey, inGroup bool) (Entry, error) {
	acct, err := r.store.Get(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("rank of %s: %w", key, err)
	}
	ahead, err := r.store.CountAhead(ctx, acct, inGroup)
	if err != nil {
		return Entry{}, fmt.Errorf("rank of %s: %w", key, err)
	}
	return Entry{Rank: ahead + 1, Account: acct}, nil
}
