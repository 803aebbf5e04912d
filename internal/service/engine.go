// Package service ties the ledger, the wager resolver and the leaderboard
// into the engine that the bot and the HTTP API call, and runs the
// background stake sweeper.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"samuraibot/internal/leaderboard"
	"samuraibot/internal/ledger"
	"samuraibot/internal/rng"
	"samuraibot/internal/storage"
	"samuraibot/internal/wager"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 50
)

// Store is the read side the engine needs beyond the ledger.
type Store interface {
	leaderboard.Store
	RecentWagers(ctx context.Context, key storage.AccountKey, limit int) ([]storage.Wager, error)
}

// RewardPolicy controls coins granted for chat activity.
type RewardPolicy struct {
	// Chance is the probability in [0, 1] that one message earns a reward.
	Chance float64
	Min    int64
	Max    int64
}

// DefaultRewardPolicy grants 1 to 5 coins on one message in ten.
func DefaultRewardPolicy() RewardPolicy {
	return RewardPolicy{Chance: 0.1, Min: 1, Max: 5}
}

// Engine is the entry point for every account and wager operation.
type Engine struct {
	store    Store
	ledger   *ledger.Ledger
	resolver *wager.Resolver
	ranker   *leaderboard.Ranker
	drawer   *rng.Drawer
	rewards  RewardPolicy
	log      *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	rewards      RewardPolicy
	log          *slog.Logger
	resolverOpts []wager.Option
}

func WithRewardPolicy(p RewardPolicy) EngineOption {
	return func(c *engineConfig) { c.rewards = p }
}

func WithEngineLogger(log *slog.Logger) EngineOption {
	return func(c *engineConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithResolverOptions passes options through to the wager resolver.
func WithResolverOptions(opts ...wager.Option) EngineOption {
	return func(c *engineConfig) { c.resolverOpts = append(c.resolverOpts, opts...) }
}

// NewEngine builds an engine. d draws game outcomes and activity rewards.
func NewEngine(store Store, l *ledger.Ledger, d *rng.Drawer, opts ...EngineOption) *Engine {
	cfg := engineConfig{rewards: DefaultRewardPolicy(), log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	resolverOpts := append([]wager.Option{wager.WithLogger(cfg.log)}, cfg.resolverOpts...)

	return &Engine{
		store:    store,
		ledger:   l,
		resolver: wager.NewResolver(l, d, resolverOpts...),
		ranker:   leaderboard.New(store),
		drawer:   d,
		rewards:  cfg.rewards,
		log:      cfg.log,
	}
}

// GetOrCreateAccount returns the account, creating it with the starting
// balance on first reference.
func (e *Engine) GetOrCreateAccount(ctx context.Context, key storage.AccountKey) (storage.Account, error) {
	return e.ledger.Ensure(ctx, key)
}

// GetAccount returns an existing account or storage.ErrAccountNotFound.
func (e *Engine) GetAccount(ctx context.Context, key storage.AccountKey) (storage.Account, error) {
	return e.ledger.Get(ctx, key)
}

// ResolveWager plays one game against the house.
func (e *Engine) ResolveWager(ctx context.Context, key storage.AccountKey, game wager.GameType, bet int64, move string) (wager.Result, error) {
	return e.resolver.Resolve(ctx, wager.Request{
		Account: key,
		Game:    game,
		Bet:     bet,
		Move:    move,
	})
}

// GetLeaderboard returns the global top n.
func (e *Engine) GetLeaderboard(ctx context.Context, n int) ([]leaderboard.Entry, error) {
	return e.ranker.TopN(ctx, n)
}

// GroupLeaderboard returns the top n of one group scope.
func (e *Engine) GroupLeaderboard(ctx context.Context, groupID int64, n int) ([]leaderboard.Entry, error) {
	return e.ranker.TopNInGroup(ctx, groupID, n)
}

// RankOf ranks a group account among its group and a global account among
// all accounts.
func (e *Engine) RankOf(ctx context.Context, key storage.AccountKey) (leaderboard.Entry, error) {
	return e.ranker.RankOf(ctx, key, key.GroupID != 0)
}

// History returns the most recent wagers, newest first.
func (e *Engine) History(ctx context.Context, key storage.AccountKey, n int) ([]storage.Wager, error) {
	if n <= 0 {
		n = DefaultHistoryLimit
	}
	n = min(n, MaxHistoryLimit)
	wagers, err := e.store.RecentWagers(ctx, key, n)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", key, err)
	}
	if wagers == nil {
		wagers = []storage.Wager{}
	}
	return wagers, nil
}

// RewardActivity counts a chat message and may credit a few coins for it.
// It returns the amount credited, zero when the draw misses.
func (e *Engine) RewardActivity(ctx context.Context, key storage.AccountKey) (int64, error) {
	if _, err := e.ledger.Ensure(ctx, key); err != nil {
		return 0, err
	}

	var amount int64
	if e.rewardHit() {
		amount = max(int64(e.drawer.IntRange(int(e.rewards.Min), int(e.rewards.Max))), 0)
	}
	if _, err := e.ledger.RecordActivity(ctx, key, amount); err != nil {
		return 0, fmt.Errorf("activity reward: %w", err)
	}
	if amount > 0 {
		e.log.Debug("activity rewarded", "account", key.String(), "coins", amount)
	}
	return amount, nil
}

func (e *Engine) rewardHit() bool {
	const scale = 10000
	threshold := int(e.rewards.Chance * scale)
	if threshold <= 0 {
		return false
	}
	return e.drawer.IntRange(1, scale) <= threshold
}
