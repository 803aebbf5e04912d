package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/telebot.v3"

	"samuraibot/internal/auth"
	"samuraibot/internal/bot"
	"samuraibot/internal/config"
	"samuraibot/internal/handlers"
	"samuraibot/internal/leaderboard"
	"samuraibot/internal/ledger"
	"samuraibot/internal/logger"
	"samuraibot/internal/metrics"
	"samuraibot/internal/rng"
	"samuraibot/internal/service"
	"samuraibot/internal/storage"
	"samuraibot/internal/wager"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "samuraibot",
		Short:        "Samurai Bot economy: ledger, house games and leaderboard",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SAMURAIBOT_CONFIG"), "path to a TOML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newTopCmd(&configPath),
		newAccountCmd(&configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, log, nil
}

func openStore(ctx context.Context, cfg config.Config) (*storage.Store, error) {
	return storage.Open(ctx, storage.Options{
		Path:         cfg.Database.Path,
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Defaults: storage.Defaults{
			Coins: cfg.Economy.StartCoins,
			Gems:  cfg.Economy.StartGems,
			Level: cfg.Economy.StartLevel,
		},
	})
}

func newDrawer(cfg config.GamesConfig) *rng.Drawer {
	power := rng.WithPowerRange(cfg.PowerMin, cfg.PowerMax)
	if cfg.Seed != 0 {
		return rng.New(cfg.Seed, power)
	}
	return rng.NewRandom(power)
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot, the HTTP API and the stake sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.RequireToken(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	log.Info("opening database", "path", cfg.Database.Path)
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	l := ledger.New(store,
		ledger.WithRetryPolicy(ledger.RetryPolicy{
			MaxAttempts:     cfg.Ledger.MaxAttempts,
			InitialInterval: cfg.Ledger.InitialInterval,
			MaxInterval:     cfg.Ledger.MaxInterval,
			Multiplier:      cfg.Ledger.Multiplier,
			Jitter:          cfg.Ledger.Jitter,
		}),
		ledger.WithRefundTimeout(cfg.Ledger.RefundTimeout),
		ledger.WithLogger(log),
		ledger.WithMetrics(m),
	)

	engine := service.NewEngine(store, l, newDrawer(cfg.Games),
		service.WithEngineLogger(log),
		service.WithRewardPolicy(service.RewardPolicy{
			Chance: cfg.Economy.RewardChance,
			Min:    cfg.Economy.RewardMin,
			Max:    cfg.Economy.RewardMax,
		}),
		service.WithResolverOptions(wager.WithMetrics(m)),
	)

	tb, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.Telegram.Token,
		Poller: &telebot.LongPoller{Timeout: cfg.Telegram.PollTimeout},
	})
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	chatBot := bot.New(tb, engine, cfg.Telegram.WebAppURL, log)
	notifier := service.NewNotificationService(tb, cfg.Telegram.AdminID, cfg.Telegram.ChannelID, log)

	api := handlers.New(engine, cfg.HTTP.LeaderboardCacheTTL)
	validator := auth.NewValidator(cfg.Telegram.Token, auth.DefaultMaxAge)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           api.Router(validator.Middleware, promhttp.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Sweeper.Enabled {
		sweeper := service.NewStakeSweeper(store, l,
			service.WithSweepInterval(cfg.Sweeper.Interval),
			service.WithSweepGrace(cfg.Sweeper.Grace),
			service.WithSweepBatch(cfg.Sweeper.BatchSize),
			service.WithSweepNotifier(notifier),
			service.WithSweepLogger(log),
		)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		chatBot.Start()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		chatBot.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newTopCmd(configPath *string) *cobra.Command {
	var limit int
	var groupID int64

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Print the leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ranker := leaderboard.New(store)
			var entries []leaderboard.Entry
			if groupID != 0 {
				entries, err = ranker.TopNInGroup(cmd.Context(), groupID, limit)
			} else {
				entries, err = ranker.TopN(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RANK\tUSER\tGROUP\tCOINS\tWINS\tLOSSES")
			for _, e := range entries {
				a := e.Account
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\n", e.Rank, a.Key.UserID, a.Key.GroupID, a.Coins, a.Wins, a.Losses)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of entries")
	cmd.Flags().Int64Var(&groupID, "group", 0, "rank only this group's accounts")
	return cmd
}

func newAccountCmd(configPath *string) *cobra.Command {
	var groupID int64
	var history, entries int

	cmd := &cobra.Command{
		Use:   "account <user_id>",
		Short: "Print one account, its recent wagers and ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], err)
			}
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			key := storage.AccountKey{UserID: userID, GroupID: groupID}
			return writeAccount(cmd.Context(), cmd.OutOrStdout(), store, key, history, entries)
		},
	}
	cmd.Flags().Int64Var(&groupID, "group", 0, "group scope of the account")
	cmd.Flags().IntVar(&history, "history", 10, "number of recent wagers to show")
	cmd.Flags().IntVar(&entries, "ledger", 0, "number of recent ledger entries to show")
	return cmd
}

// accountReader is the read side of the store the account command prints.
type accountReader interface {
	Get(ctx context.Context, key storage.AccountKey) (storage.Account, error)
	RecentWagers(ctx context.Context, key storage.AccountKey, limit int) ([]storage.Wager, error)
	Entries(ctx context.Context, key storage.AccountKey, limit int) ([]storage.LedgerEntry, error)
}

func writeAccount(ctx context.Context, out io.Writer, store accountReader, key storage.AccountKey, history, entries int) error {
	acct, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("account %s: %w", key, err)
	}
	fmt.Fprintf(out, "account %s\ncoins %d\ngems %d\nlevel %d\nrecord %dW/%dL\nnet worth %d\n",
		key, acct.Coins, acct.Gems, acct.Level, acct.Wins, acct.Losses, acct.NetWorth())

	if history > 0 {
		wagers, err := store.RecentWagers(ctx, key, history)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nWHEN\tGAME\tBET\tOUTCOME\tNET\tMOVES")
		for _, w := range wagers {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%+d\t%s vs %s\n",
				w.CreatedAt.Format(time.DateTime), w.Game, w.Bet, w.Outcome, w.NetChange, w.PlayerMove, w.HouseMove)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if entries > 0 {
		rows, err := store.Entries(ctx, key, entries)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nWHEN\tKIND\tCOINS\tGEMS\tWAGER\tOP")
		for _, e := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%+d\t%+d\t%s\t%s\n",
				e.CreatedAt.Format(time.DateTime), e.Kind, e.CoinsDelta, e.GemsDelta, e.WagerID, e.OpID)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
