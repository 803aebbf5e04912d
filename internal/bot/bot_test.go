package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"gopkg.in/telebot.v3"

	"samuraibot/internal/leaderboard"
	"samuraibot/internal/ledger"
	"samuraibot/internal/rng"
	"samuraibot/internal/service"
	"samuraibot/internal/storage"
	"samuraibot/internal/wager"
)

// fakeContext records replies. Unused telebot.Context methods panic.
type fakeContext struct {
	telebot.Context
	sender *telebot.User
	chat   *telebot.Chat
	args   []string
	sent   []string
}

func (f *fakeContext) Sender() *telebot.User { return f.sender }
func (f *fakeContext) Chat() *telebot.Chat   { return f.chat }
func (f *fakeContext) Args() []string        { return f.args }

func (f *fakeContext) Send(what interface{}, _ ...interface{}) error {
	f.sent = append(f.sent, fmt.Sprint(what))
	return nil
}

func (f *fakeContext) last(t *testing.T) string {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("Expected a reply, got none")
	}
	return f.sent[len(f.sent)-1]
}

func privateChat(userID int64, args ...string) *fakeContext {
	return &fakeContext{
		sender: &telebot.User{ID: userID, FirstName: "Musashi"},
		chat:   &telebot.Chat{ID: userID, Type: telebot.ChatPrivate},
		args:   args,
	}
}

func groupChat(userID, groupID int64, args ...string) *fakeContext {
	return &fakeContext{
		sender: &telebot.User{ID: userID, FirstName: "Musashi"},
		chat:   &telebot.Chat{ID: groupID, Type: telebot.ChatSuperGroup},
		args:   args,
	}
}

func setupTestBot(t *testing.T, d *rng.Drawer, opts ...service.EngineOption) (*Bot, *service.Engine) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(store, ledger.WithLogger(quiet))
	opts = append([]service.EngineOption{service.WithEngineLogger(quiet)}, opts...)
	engine := service.NewEngine(store, l, d, opts...)
	return &Bot{engine: engine, log: quiet}, engine
}

func TestParseBetArgs(t *testing.T) {
	tests := []struct {
		name    string
		game    wager.GameType
		args    []string
		want    BetArgs
		wantErr bool
	}{
		{name: "dice bet", game: wager.Dice, args: []string{"25"}, want: BetArgs{Bet: 25}},
		{name: "dice all in", game: wager.Dice, args: []string{"ALL"}, want: BetArgs{AllIn: true}},
		{name: "dice missing bet", game: wager.Dice, args: nil, wantErr: true},
		{name: "dice extra arg", game: wager.Dice, args: []string{"5", "6"}, wantErr: true},
		{name: "dice word bet", game: wager.Dice, args: []string{"lots"}, wantErr: true},
		{name: "dice negative bet", game: wager.Dice, args: []string{"-5"}, wantErr: true},
		{name: "rps move then bet", game: wager.RockPaperScissors, args: []string{"Rock", "20"}, want: BetArgs{Bet: 20, Move: "rock"}},
		{name: "rps bet then move", game: wager.RockPaperScissors, args: []string{"20", "paper"}, want: BetArgs{Bet: 20, Move: "paper"}},
		{name: "rps drawn move", game: wager.RockPaperScissors, args: []string{"20"}, want: BetArgs{Bet: 20}},
		{name: "rps all in", game: wager.RockPaperScissors, args: []string{"scissors", "all"}, want: BetArgs{AllIn: true, Move: "scissors"}},
		{name: "rps two moves", game: wager.RockPaperScissors, args: []string{"rock", "paper", "1"}, wantErr: true},
		{name: "combat bet", game: wager.StatsCombat, args: []string{"7"}, want: BetArgs{Bet: 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBetArgs(tt.game, tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %+v", got)
				}
				if !strings.Contains(err.Error(), "Usage: /"+string(tt.game)) {
					t.Errorf("Expected usage in error, got %q", err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("parseBetArgs failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("parseBetArgs(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestKeyFor(t *testing.T) {
	user := &telebot.User{ID: 5}
	tests := []struct {
		name string
		chat *telebot.Chat
		want storage.AccountKey
	}{
		{name: "private", chat: &telebot.Chat{ID: 5, Type: telebot.ChatPrivate}, want: storage.AccountKey{UserID: 5}},
		{name: "group", chat: &telebot.Chat{ID: -10, Type: telebot.ChatGroup}, want: storage.AccountKey{UserID: 5, GroupID: -10}},
		{name: "supergroup", chat: &telebot.Chat{ID: -100, Type: telebot.ChatSuperGroup}, want: storage.AccountKey{UserID: 5, GroupID: -100}},
		{name: "channel", chat: &telebot.Chat{ID: -7, Type: telebot.ChatChannel}, want: storage.AccountKey{UserID: 5}},
		{name: "no chat", want: storage.AccountKey{UserID: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := keyFor(user, tt.chat); got != tt.want {
				t.Errorf("keyFor = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestErrorText(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: fmt.Errorf("bet: %w", wager.ErrInsufficientFunds), want: "Not enough coins"},
		{err: fmt.Errorf("%w: bet must be positive, got 0", wager.ErrInvalidWager), want: "Invalid wager: bet must be positive"},
		{err: fmt.Errorf("stake: %w", wager.ErrLedgerUnavailable), want: "coins are safe"},
		{err: storage.ErrAccountNotFound, want: "/start"},
		{err: errors.New("boom"), want: "Something went wrong"},
	}

	for _, tt := range tests {
		if got := errorText(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("errorText(%v) = %q, want it to contain %q", tt.err, got, tt.want)
		}
	}
}

func TestFormatResult(t *testing.T) {
	res := wager.Result{
		Wager: storage.Wager{
			Game:       string(wager.Dice),
			Bet:        10,
			PlayerMove: "6",
			HouseMove:  "2",
		},
		Outcome:    wager.Win,
		NetChange:  10,
		NewBalance: 110,
	}

	got := formatResult(res)
	for _, want := range []string{"Victory", "You rolled 6, the house rolled 2", "Change: +10", "Balance: 110 🪙"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatResult missing %q in %q", want, got)
		}
	}

	res.Outcome = wager.Lose
	res.NetChange = -10
	if got := formatResult(res); !strings.Contains(got, "Defeat") || !strings.Contains(got, "Change: -10") {
		t.Errorf("Unexpected loss text: %q", got)
	}
}

func TestFormatLeaderboardAndHistory(t *testing.T) {
	if got := formatLeaderboard(nil); !strings.Contains(got, "No warriors yet") {
		t.Errorf("Unexpected empty leaderboard: %q", got)
	}

	entries := []leaderboard.Entry{
		{Rank: 1, Account: storage.Account{Key: storage.AccountKey{UserID: 3}, Coins: 500, Wins: 4}},
		{Rank: 2, Account: storage.Account{Key: storage.AccountKey{UserID: 1}, Coins: 200}},
	}
	got := formatLeaderboard(entries)
	if !strings.Contains(got, "🥇 #1  3  500 🪙  (4W)") || !strings.Contains(got, "🥈 #2  1  200 🪙") {
		t.Errorf("Unexpected leaderboard: %q", got)
	}

	if got := formatHistory(nil); !strings.Contains(got, "No battles yet") {
		t.Errorf("Unexpected empty history: %q", got)
	}
	history := []storage.Wager{
		{Game: "rps", Outcome: "win", NetChange: 20, CreatedAt: time.Date(2025, 2, 3, 4, 5, 0, 0, time.UTC)},
	}
	if got := formatHistory(history); !strings.Contains(got, "Feb 3 04:05  rps  win  +20") {
		t.Errorf("Unexpected history: %q", got)
	}
}

func TestFormatWallet(t *testing.T) {
	got := formatWallet(storage.Account{Key: storage.AccountKey{UserID: 1, GroupID: -4}, Coins: 80, Gems: 2, Level: 3, Wins: 5, Losses: 1, Messages: 12})
	for _, want := range []string{"Group Wallet", "Coins: 80 🪙", "Gems: 2", "Level: 3", "5 W / 1 L", "Net worth: 100 🪙", "Messages: 12"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatWallet missing %q in %q", want, got)
		}
	}

	if got := formatWallet(storage.Account{Key: storage.AccountKey{UserID: 1}, Messages: 12}); strings.Contains(got, "Messages") {
		t.Errorf("Expected no message count in a global wallet, got %q", got)
	}
}

func TestHandleWallet(t *testing.T) {
	b, _ := setupTestBot(t, rng.New(1))

	c := privateChat(11)
	if err := b.handleWallet(c); err != nil {
		t.Fatalf("handleWallet failed: %v", err)
	}
	if got := c.last(t); !strings.Contains(got, "Coins: 100 🪙") || strings.Contains(got, "Group") {
		t.Errorf("Unexpected wallet reply: %q", got)
	}

	g := groupChat(11, -500)
	if err := b.handleWallet(g); err != nil {
		t.Fatalf("handleWallet failed: %v", err)
	}
	if got := g.last(t); !strings.Contains(got, "Group Wallet") {
		t.Errorf("Expected group wallet, got %q", got)
	}
}

func TestHandleGame(t *testing.T) {
	d := rng.NewWithSource(rng.NewSequence(handIndex(rng.Scissors)))
	b, engine := setupTestBot(t, d)
	ctx := context.Background()

	c := privateChat(21, "rock", "30")
	if err := b.handleGame(wager.RockPaperScissors)(c); err != nil {
		t.Fatalf("handleGame failed: %v", err)
	}
	if got := c.last(t); !strings.Contains(got, "Victory") || !strings.Contains(got, "Balance: 130 🪙") {
		t.Errorf("Unexpected reply: %q", got)
	}

	c = privateChat(21, "paper", "all")
	if err := b.handleGame(wager.RockPaperScissors)(c); err != nil {
		t.Fatalf("handleGame failed: %v", err)
	}
	if got := c.last(t); !strings.Contains(got, "Defeat") || !strings.Contains(got, "Balance: 0 🪙") {
		t.Errorf("Expected all-in loss, got %q", got)
	}

	c = privateChat(21, "5")
	if err := b.handleGame(wager.Dice)(c); err != nil {
		t.Fatalf("handleGame failed: %v", err)
	}
	if got := c.last(t); !strings.Contains(got, "Not enough coins") {
		t.Errorf("Expected insufficient funds reply, got %q", got)
	}

	c = privateChat(21, "all")
	if err := b.handleGame(wager.Dice)(c); err != nil {
		t.Fatalf("handleGame failed: %v", err)
	}
	if got := c.last(t); !strings.Contains(got, "Not enough coins") {
		t.Errorf("Expected all-in with no coins to be refused, got %q", got)
	}

	c = privateChat(21)
	if err := b.handleGame(wager.Dice)(c); err != nil {
		t.Fatalf("handleGame failed: %v", err)
	}
	if got := c.last(t); !strings.Contains(got, "Usage: /dice <bet>") {
		t.Errorf("Expected usage reply, got %q", got)
	}

	acct, err := engine.GetOrCreateAccount(ctx, storage.AccountKey{UserID: 21})
	if err != nil {
		t.Fatalf("GetOrCreateAccount failed: %v", err)
	}
	if acct.Coins != 0 || acct.Wins != 1 || acct.Losses != 1 {
		t.Errorf("Unexpected account after games: %+v", acct)
	}

	c = privateChat(21)
	if err := b.handleHistory(c); err != nil {
		t.Fatalf("handleHistory failed: %v", err)
	}
	if got := c.last(t); !strings.Contains(got, "Last 2 battles") {
		t.Errorf("Unexpected history reply: %q", got)
	}
}

func TestHandleTopAndRank(t *testing.T) {
	d := rng.NewWithSource(rng.NewSequence(handIndex(rng.Scissors)))
	b, _ := setupTestBot(t, d)

	if err := b.handleGame(wager.RockPaperScissors)(groupChat(1, -9, "rock", "50")); err != nil {
		t.Fatalf("handleGame failed: %v", err)
	}
	if err := b.handleWallet(groupChat(2, -9)); err != nil {
		t.Fatalf("handleWallet failed: %v", err)
	}
	if err := b.handleWallet(privateChat(3)); err != nil {
		t.Fatalf("handleWallet failed: %v", err)
	}

	g := groupChat(2, -9)
	if err := b.handleTop(g); err != nil {
		t.Fatalf("handleTop failed: %v", err)
	}
	got := g.last(t)
	if !strings.Contains(got, "#1  1  150 🪙") || !strings.Contains(got, "#2  2  100 🪙") || strings.Contains(got, "#3") {
		t.Errorf("Unexpected group leaderboard: %q", got)
	}

	p := privateChat(3)
	if err := b.handleTop(p); err != nil {
		t.Fatalf("handleTop failed: %v", err)
	}
	if got := p.last(t); !strings.Contains(got, "#3") {
		t.Errorf("Expected global leaderboard across scopes, got %q", got)
	}

	if err := b.handleRank(g); err != nil {
		t.Fatalf("handleRank failed: %v", err)
	}
	if got := g.last(t); !strings.Contains(got, "You are #2") {
		t.Errorf("Unexpected rank reply: %q", got)
	}
}

func TestHandleTextRewardsGroupsOnly(t *testing.T) {
	b, engine := setupTestBot(t, rng.New(1), service.WithRewardPolicy(service.RewardPolicy{Chance: 1, Min: 2, Max: 2}))
	ctx := context.Background()

	if err := b.handleText(privateChat(8)); err != nil {
		t.Fatalf("handleText failed: %v", err)
	}
	if err := b.handleText(groupChat(8, -3)); err != nil {
		t.Fatalf("handleText failed: %v", err)
	}

	group, err := engine.GetAccount(ctx, storage.AccountKey{UserID: 8, GroupID: -3})
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if group.Coins != 102 {
		t.Errorf("Expected 102 group coins, got %d", group.Coins)
	}
	if _, err := engine.GetAccount(ctx, storage.AccountKey{UserID: 8}); !errors.Is(err, storage.ErrAccountNotFound) {
		t.Errorf("Expected no private account from chat activity, got %v", err)
	}
}

// handIndex is the raw IntN value that makes rng.Drawer.Hand return h.
func handIndex(h rng.Hand) int {
	return slices.Index(rng.Hands[:], h)
}
