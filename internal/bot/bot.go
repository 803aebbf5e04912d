// Package bot is the Telegram front end: chat commands that call the engine.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gopkg.in/telebot.v3"

	"samuraibot/internal/leaderboard"
	"samuraibot/internal/logger"
	"samuraibot/internal/storage"
	"samuraibot/internal/wager"
)

const (
	topLimit     = 10
	historyLimit = 10
	// commandTimeout bounds the engine work done for one command.
	commandTimeout = 30 * time.Second
)

// Engine is the part of service.Engine the bot calls.
type Engine interface {
	GetOrCreateAccount(ctx context.Context, key storage.AccountKey) (storage.Account, error)
	ResolveWager(ctx context.Context, key storage.AccountKey, game wager.GameType, bet int64, move string) (wager.Result, error)
	GetLeaderboard(ctx context.Context, n int) ([]leaderboard.Entry, error)
	GroupLeaderboard(ctx context.Context, groupID int64, n int) ([]leaderboard.Entry, error)
	History(ctx context.Context, key storage.AccountKey, n int) ([]storage.Wager, error)
	RankOf(ctx context.Context, key storage.AccountKey) (leaderboard.Entry, error)
	RewardActivity(ctx context.Context, key storage.AccountKey) (int64, error)
}

// Bot routes Telegram updates to the engine.
type Bot struct {
	tb        *telebot.Bot
	engine    Engine
	webAppURL string
	log       *slog.Logger
}

// New wraps tb and registers every command handler.
func New(tb *telebot.Bot, engine Engine, webAppURL string, log *slog.Logger) *Bot {
	if log == nil {
		log = slog.Default()
	}
	b := &Bot{tb: tb, engine: engine, webAppURL: webAppURL, log: log}
	b.register()
	return b
}

// Start polls for updates until Stop is called.
func (b *Bot) Start() {
	b.log.Info("bot started")
	b.tb.Start()
}

// Stop ends polling.
func (b *Bot) Stop() {
	b.tb.Stop()
}

func (b *Bot) register() {
	b.tb.Handle("/start", b.handleStart)
	b.tb.Handle("/help", b.handleHelp)
	b.tb.Handle("/wallet", b.handleWallet)
	b.tb.Handle("/balance", b.handleWallet)
	b.tb.Handle("/rps", b.handleGame(wager.RockPaperScissors))
	b.tb.Handle("/dice", b.handleGame(wager.Dice))
	b.tb.Handle("/combat", b.handleGame(wager.StatsCombat))
	b.tb.Handle("/top", b.handleTop)
	b.tb.Handle("/history", b.handleHistory)
	b.tb.Handle("/rank", b.handleRank)
	b.tb.Handle(telebot.OnText, b.handleText)
}

// keyFor scopes group chats to a group account and everything else to the
// global account.
func keyFor(sender *telebot.User, chat *telebot.Chat) storage.AccountKey {
	key := storage.AccountKey{UserID: sender.ID}
	if chat != nil && (chat.Type == telebot.ChatGroup || chat.Type == telebot.ChatSuperGroup) {
		key.GroupID = chat.ID
	}
	return key
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}

func (b *Bot) handleStart(c telebot.Context) error {
	key := keyFor(c.Sender(), c.Chat())
	logger.Debug(key.UserID, "command_start", "username", c.Sender().Username, "group_id", key.GroupID)

	ctx, cancel := commandContext()
	defer cancel()
	acct, err := b.engine.GetOrCreateAccount(ctx, key)
	if err != nil {
		return c.Send(errorText(err))
	}

	welcome := fmt.Sprintf("Welcome to the dojo, %s! ⚔️\n\nYou have %s.\n\n%s",
		c.Sender().FirstName, formatBalance(acct.Coins), helpText)
	if b.webAppURL == "" || key.GroupID != 0 {
		return c.Send(welcome)
	}
	btn := telebot.InlineButton{
		Text:   "🏯 Open Samurai Arena",
		WebApp: &telebot.WebApp{URL: b.webAppURL},
	}
	return c.Send(welcome, &telebot.ReplyMarkup{
		InlineKeyboard: [][]telebot.InlineButton{{btn}},
	})
}

const helpText = "Commands:\n" +
	"/wallet - your coins, gems and record\n" +
	"/rps [rock|paper|scissors] <bet> - rock paper scissors\n" +
	"/dice <bet> - higher roll wins\n" +
	"/combat <bet> - your power against the house\n" +
	"/top - leaderboard\n" +
	"/rank - your position\n" +
	"/history - your last battles\n\n" +
	"Use \"all\" as the bet to go all in."

func (b *Bot) handleHelp(c telebot.Context) error {
	logger.Debug(c.Sender().ID, "command_help")
	return c.Send(helpText)
}

func (b *Bot) handleWallet(c telebot.Context) error {
	key := keyFor(c.Sender(), c.Chat())
	logger.Debug(key.UserID, "command_wallet", "group_id", key.GroupID)

	ctx, cancel := commandContext()
	defer cancel()
	acct, err := b.engine.GetOrCreateAccount(ctx, key)
	if err != nil {
		return c.Send(errorText(err))
	}
	return c.Send(formatWallet(acct))
}

func (b *Bot) handleGame(game wager.GameType) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		key := keyFor(c.Sender(), c.Chat())
		args, err := parseBetArgs(game, c.Args())
		if err != nil {
			return c.Send("❌ " + err.Error())
		}

		ctx, cancel := commandContext()
		defer cancel()
		if args.AllIn {
			acct, err := b.engine.GetOrCreateAccount(ctx, key)
			if err != nil {
				return c.Send(errorText(err))
			}
			if acct.Coins <= 0 {
				return c.Send(errorText(wager.ErrInsufficientFunds))
			}
			args.Bet = acct.Coins
		}

		logger.Debug(key.UserID, "command_"+string(game), "bet", args.Bet, "move", args.Move, "group_id", key.GroupID)
		res, err := b.engine.ResolveWager(ctx, key, game, args.Bet, args.Move)
		if err != nil {
			b.log.Debug("wager rejected", "account", key.String(), "failed_at", res.FailedAt.String(), "error", err)
			return c.Send(errorText(err))
		}
		return c.Send(formatResult(res))
	}
}

func (b *Bot) handleTop(c telebot.Context) error {
	key := keyFor(c.Sender(), c.Chat())
	logger.Debug(key.UserID, "command_top", "group_id", key.GroupID)

	ctx, cancel := commandContext()
	defer cancel()
	var entries []leaderboard.Entry
	var err error
	if key.GroupID != 0 {
		entries, err = b.engine.GroupLeaderboard(ctx, key.GroupID, topLimit)
	} else {
		entries, err = b.engine.GetLeaderboard(ctx, topLimit)
	}
	if err != nil {
		return c.Send(errorText(err))
	}
	return c.Send(formatLeaderboard(entries))
}

func (b *Bot) handleHistory(c telebot.Context) error {
	key := keyFor(c.Sender(), c.Chat())
	logger.Debug(key.UserID, "command_history", "group_id", key.GroupID)

	ctx, cancel := commandContext()
	defer cancel()
	wagers, err := b.engine.History(ctx, key, historyLimit)
	if err != nil {
		return c.Send(errorText(err))
	}
	return c.Send(formatHistory(wagers))
}

func (b *Bot) handleRank(c telebot.Context) error {
	key := keyFor(c.Sender(), c.Chat())
	logger.Debug(key.UserID, "command_rank", "group_id", key.GroupID)

	ctx, cancel := commandContext()
	defer cancel()
	if _, err := b.engine.GetOrCreateAccount(ctx, key); err != nil {
		return c.Send(errorText(err))
	}
	entry, err := b.engine.RankOf(ctx, key)
	if err != nil {
		return c.Send(errorText(err))
	}
	return c.Send(fmt.Sprintf("🏅 You are #%d with %s.", entry.Rank, formatBalance(entry.Account.Coins)))
}

// handleText rewards plain group messages. Private chats earn nothing.
func (b *Bot) handleText(c telebot.Context) error {
	key := keyFor(c.Sender(), c.Chat())
	if key.GroupID == 0 || c.Sender().IsBot {
		return nil
	}

	ctx, cancel := commandContext()
	defer cancel()
	amount, err := b.engine.RewardActivity(ctx, key)
	if err != nil {
		b.log.Warn("activity reward failed", "account", key.String(), "error", err)
		return nil
	}
	if amount > 0 {
		logger.Debug(key.UserID, "activity_reward", "group_id", key.GroupID, "coins", amount)
	}
	return nil
}

// BetArgs is a parsed game command.
type BetArgs struct {
	Bet   int64
	AllIn bool
	Move  string
}

// parseBetArgs reads "<bet>" for dice and combat and "<move> <bet>" (in
// either order) for rock-paper-scissors, where a missing move is drawn. The
// bet may be "all".
func parseBetArgs(game wager.GameType, args []string) (BetArgs, error) {
	var out BetArgs
	usage := fmt.Sprintf("Usage: /%s <bet>", game)
	if game == wager.RockPaperScissors {
		usage = "Usage: /rps [rock|paper|scissors] <bet>"
	}

	var betArg string
	for _, arg := range args {
		arg = strings.ToLower(strings.TrimSpace(arg))
		switch {
		case arg == "":
		case game == wager.RockPaperScissors && out.Move == "" && !isBet(arg):
			out.Move = arg
		case betArg == "":
			betArg = arg
		default:
			return BetArgs{}, errors.New(usage)
		}
	}
	if betArg == "" {
		return BetArgs{}, errors.New(usage)
	}

	if betArg == "all" {
		out.AllIn = true
		return out, nil
	}
	bet, err := strconv.ParseInt(betArg, 10, 64)
	if err != nil || bet <= 0 {
		return BetArgs{}, fmt.Errorf("bet must be a positive number or \"all\"\n%s", usage)
	}
	out.Bet = bet
	return out, nil
}

func isBet(arg string) bool {
	if arg == "all" {
		return true
	}
	_, err := strconv.ParseInt(arg, 10, 64)
	return err == nil
}

// errorText maps engine errors to replies.
func errorText(err error) string {
	switch {
	case errors.Is(err, wager.ErrInsufficientFunds):
		return "❌ Not enough coins for that bet. Check /wallet."
	case errors.Is(err, wager.ErrInvalidWager):
		return "❌ Invalid wager: " + strings.TrimPrefix(err.Error(), wager.ErrInvalidWager.Error()+": ")
	case errors.Is(err, wager.ErrLedgerUnavailable):
		return "⏳ The treasury is busy. Your coins are safe, try again in a moment."
	case errors.Is(err, storage.ErrAccountNotFound):
		return "Use /start to open your account first."
	}
	return "Something went wrong. Please try again."
}
