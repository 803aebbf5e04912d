package bot

import (
	"fmt"
	"strings"

	"samuraibot/internal/leaderboard"
	"samuraibot/internal/storage"
	"samuraibot/internal/wager"
)

// formatBalance formats an amount of coins
func formatBalance(balance int64) string {
	return fmt.Sprintf("%d 🪙", balance)
}

func formatWallet(a storage.Account) string {
	title := "💰 Your Wallet"
	if a.Key.GroupID != 0 {
		title = "💰 Your Group Wallet"
	}
	text := fmt.Sprintf("%s\n\nCoins: %s\nGems: %d 💎\nLevel: %d\nRecord: %d W / %d L\nNet worth: %s",
		title,
		formatBalance(a.Coins),
		a.Gems,
		a.Level,
		a.Wins,
		a.Losses,
		formatBalance(a.NetWorth()))
	if a.Key.GroupID != 0 {
		text += fmt.Sprintf("\nMessages: %d", a.Messages)
	}
	return text
}

var outcomeHeadline = map[wager.Outcome]string{
	wager.Win:  "🏆 Victory!",
	wager.Lose: "💀 Defeat.",
	wager.Tie:  "🤝 A draw.",
}

func formatResult(res wager.Result) string {
	var b strings.Builder
	b.WriteString(outcomeHeadline[res.Outcome])
	b.WriteString("\n\n")

	switch wager.GameType(res.Wager.Game) {
	case wager.RockPaperScissors:
		fmt.Fprintf(&b, "You threw %s, the house threw %s.\n", res.Wager.PlayerMove, res.Wager.HouseMove)
	case wager.Dice:
		fmt.Fprintf(&b, "You rolled %s, the house rolled %s.\n", res.Wager.PlayerMove, res.Wager.HouseMove)
	case wager.StatsCombat:
		fmt.Fprintf(&b, "Your power %s against the house's %s.\n", res.Wager.PlayerMove, res.Wager.HouseMove)
	}

	fmt.Fprintf(&b, "Bet: %s\nChange: %+d\nBalance: %s",
		formatBalance(res.Wager.Bet),
		res.NetChange,
		formatBalance(res.NewBalance))
	return b.String()
}

func formatLeaderboard(entries []leaderboard.Entry) string {
	if len(entries) == 0 {
		return "🏯 Leaderboard\n\nNo warriors yet."
	}

	var b strings.Builder
	b.WriteString("🏯 Leaderboard\n")
	for _, e := range entries {
		medal := ""
		switch e.Rank {
		case 1:
			medal = "🥇 "
		case 2:
			medal = "🥈 "
		case 3:
			medal = "🥉 "
		}
		fmt.Fprintf(&b, "\n%s#%d  %d  %s  (%dW)", medal, e.Rank, e.Account.Key.UserID, formatBalance(e.Account.Coins), e.Account.Wins)
	}
	return b.String()
}

func formatHistory(wagers []storage.Wager) string {
	if len(wagers) == 0 {
		return "📜 No battles yet. Try /dice 10."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📜 Last %d battles\n", len(wagers))
	for _, w := range wagers {
		fmt.Fprintf(&b, "\n%s  %s  %s  %+d",
			w.CreatedAt.Format("Jan 2 15:04"),
			w.Game,
			w.Outcome,
			w.NetChange)
	}
	return b.String()
}
