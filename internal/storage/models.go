package storage

import (
	"fmt"
	"time"
)

// GemValue is how many coins one gem is worth when computing net worth.
const GemValue int64 = 10

// AccountKey identifies an account. GroupID 0 is the global scope; a
// non-zero GroupID scopes the account to one chat group.
type AccountKey struct {
	UserID  int64 `json:"user_id"`
	GroupID int64 `json:"group_id"`
}

// String renders the key for logs.
func (k AccountKey) String() string {
	if k.GroupID == 0 {
		return fmt.Sprintf("%d", k.UserID)
	}
	return fmt.Sprintf("%d@%d", k.UserID, k.GroupID)
}

// Account is the per-user economic record
type Account struct {
	Key       AccountKey `json:"key"`
	Coins     int64      `json:"coins" db:"coins"`
	Gems      int64      `json:"gems" db:"gems"`
	Level     int64      `json:"level" db:"level"`
	Wins      int64      `json:"wins" db:"wins"`
	Losses    int64      `json:"losses" db:"losses"`
	Messages  int64      `json:"messages" db:"messages"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// NetWorth is the wallet value with gems converted to coins.
func (a Account) NetWorth() int64 {
	return a.Coins + a.Gems*GemValue
}

// Defaults are the balances a new account starts with.
type Defaults struct {
	Coins int64
	Gems  int64
	Level int64
}

// DefaultStartingBalance is used when no Defaults are configured.
var DefaultStartingBalance = Defaults{Coins: 100, Gems: 0, Level: 1}

// EntryKind is the business reason for a ledger entry.
type EntryKind string

const (
	EntryStake  EntryKind = "stake"
	EntryPayout EntryKind = "payout"
	EntryRefund EntryKind = "refund"
	EntryReward EntryKind = "reward"
	// EntryActivity records a chat message that earned no coins.
	EntryActivity EntryKind = "activity"
	EntryAdjust EntryKind = "adjust"
)

// Delta is one relative mutation of an account. OpID makes it idempotent:
// a delta whose OpID is already recorded is never applied twice.
type Delta struct {
	OpID    string
	Key     AccountKey
	WagerID string
	Kind    EntryKind
	Coins   int64
	Gems    int64
	Wins    int64
	Losses  int64
	// Messages counts chat messages behind an activity delta.
	Messages int64
	// AfterOp, when set, names an op that must already be recorded.
	AfterOp string
	// Wager is appended to the battle history in the same transaction.
	Wager *Wager
}

// Applied reports the outcome of Store.Apply.
type Applied struct {
	Account  Account
	Replayed bool
	Kind     EntryKind
}

// LedgerEntry is one audit row written per applied delta
type LedgerEntry struct {
	OpID       string     `json:"op_id"`
	Key        AccountKey `json:"key"`
	WagerID    string     `json:"wager_id,omitempty"`
	Kind       EntryKind  `json:"kind"`
	CoinsDelta int64      `json:"coins_delta"`
	GemsDelta  int64      `json:"gems_delta"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Wager is one resolved bet in the battle history
type Wager struct {
	ID         string     `json:"id"`
	Key        AccountKey `json:"key"`
	Game       string     `json:"game"`
	Bet        int64      `json:"bet"`
	Outcome    string     `json:"outcome"`
	NetChange  int64      `json:"net_change"`
	PlayerMove string     `json:"player_move"`
	HouseMove  string     `json:"house_move"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Stake is a reserved wager stake that has not been paid out or refunded.
type Stake struct {
	OpID      string
	WagerID   string
	Key       AccountKey
	Amount    int64
	CreatedAt time.Time
}
