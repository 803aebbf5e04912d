package wager

import (
	"fmt"
	"strconv"
	"strings"

	"samuraibot/internal/rng"
	"samuraibot/internal/storage"
)

// GameType names a house game.
type GameType string

const (
	RockPaperScissors GameType = "rps"
	Dice              GameType = "dice"
	StatsCombat       GameType = "combat"
)

// ParseGame accepts a game name or one of its aliases.
func ParseGame(s string) (GameType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rps", "rock-paper-scissors", "rockpaperscissors":
		return RockPaperScissors, nil
	case "dice", "roll":
		return Dice, nil
	case "combat", "stats-combat", "battle", "duel":
		return StatsCombat, nil
	}
	return "", fmt.Errorf("%w: unknown game %q", ErrInvalidWager, s)
}

// Outcome is the result of a wager from the player's side.
type Outcome string

const (
	Win  Outcome = "win"
	Lose Outcome = "lose"
	Tie  Outcome = "tie"
)

// Payout is what a settled wager credits back: twice the stake on a win,
// the stake on a tie, nothing on a loss.
func Payout(o Outcome, bet int64) int64 {
	switch o {
	case Win:
		return 2 * bet
	case Tie:
		return bet
	}
	return 0
}

// NetChange is the signed effect of a wager on the balance.
func NetChange(o Outcome, bet int64) int64 {
	return Payout(o, bet) - bet
}

// compare maps a three-way comparison of player against house to an outcome.
func compare(player, house int64) Outcome {
	switch {
	case player > house:
		return Win
	case player < house:
		return Lose
	}
	return Tie
}

// Power is a player's stats-combat strength.
func Power(coins, level int64) int64 {
	return coins/10 + level*5
}

// Round is one drawn game.
type Round struct {
	Outcome    Outcome
	PlayerMove string
	HouseMove  string
}

// Game is the rule for one game type. Play must draw all randomness from d.
type Game interface {
	Type() GameType
	// ValidateMove checks a caller-supplied move. An empty move is always
	// accepted.
	ValidateMove(move string) error
	// HouseMove draws the house side of one round.
	HouseMove(d *rng.Drawer) string
	// Play resolves one round for the account as it was before the stake
	// was debited.
	Play(d *rng.Drawer, before storage.Account, move string) Round
}

// Rules maps each game type to its strategy.
type Rules map[GameType]Game

// DrawMove draws one house move for game: a hand for rps, a roll in [1, 6]
// for dice, an opponent power for combat.
func (r Rules) DrawMove(d *rng.Drawer, game GameType) (string, error) {
	g, ok := r[game]
	if !ok {
		return "", fmt.Errorf("%w: unknown game %q", ErrInvalidWager, game)
	}
	return g.HouseMove(d), nil
}

// DefaultRules holds the three house games.
func DefaultRules() Rules {
	return Rules{
		RockPaperScissors: rpsGame{},
		Dice:              diceGame{},
		StatsCombat:       combatGame{},
	}
}

type rpsGame struct{}

func (rpsGame) Type() GameType { return RockPaperScissors }

func (rpsGame) ValidateMove(move string) error {
	if move == "" {
		return nil
	}
	_, err := rng.ParseHand(move)
	return err
}

func (rpsGame) HouseMove(d *rng.Drawer) string { return string(d.Hand()) }

// Play uses the supplied move or draws one for the player, then draws the
// house hand.
func (g rpsGame) Play(d *rng.Drawer, _ storage.Account, move string) Round {
	player, err := rng.ParseHand(move)
	if err != nil {
		player = d.Hand()
	}
	house := rng.Hand(g.HouseMove(d))

	outcome := Tie
	switch {
	case player.Beats(house):
		outcome = Win
	case house.Beats(player):
		outcome = Lose
	}
	return Round{Outcome: outcome, PlayerMove: string(player), HouseMove: string(house)}
}

type diceGame struct{}

func (diceGame) Type() GameType { return Dice }

func (diceGame) ValidateMove(move string) error {
	if move != "" {
		return fmt.Errorf("dice takes no move")
	}
	return nil
}

func (diceGame) HouseMove(d *rng.Drawer) string { return strconv.Itoa(d.Die()) }

// Play rolls for the player first, then for the house.
func (g diceGame) Play(d *rng.Drawer, _ storage.Account, _ string) Round {
	player := d.Die()
	house := g.HouseMove(d)
	roll, _ := strconv.Atoi(house)
	return Round{
		Outcome:    compare(int64(player), int64(roll)),
		PlayerMove: strconv.Itoa(player),
		HouseMove:  house,
	}
}

type combatGame struct{}

func (combatGame) Type() GameType { return StatsCombat }

func (combatGame) ValidateMove(move string) error {
	if move != "" {
		return fmt.Errorf("combat takes no move")
	}
	return nil
}

func (combatGame) HouseMove(d *rng.Drawer) string {
	return strconv.FormatInt(d.Power(), 10)
}

func (combatGame) Play(d *rng.Drawer, before storage.Account, _ string) Round {
	player := Power(before.Coins, before.Level)
	house := d.Power()
	return Round{
		Outcome:    compare(player, house),
		PlayerMove: strconv.FormatInt(player, 10),
		HouseMove:  strconv.FormatInt(house, 10),
	}
}
