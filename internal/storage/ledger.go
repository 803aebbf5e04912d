package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Apply atomically applies one relative delta to an account. The balance
// update is conditional, so a delta that would leave coins or gems negative
// changes nothing and fails with ErrInsufficientFunds. A delta whose OpID is
// already recorded is not applied again; the current account is returned
// with Replayed set and the recorded kind.
func (s *Store) Apply(ctx context.Context, d Delta) (Applied, error) {
	if d.OpID == "" {
		return Applied{}, fmt.Errorf("apply delta: op id is required")
	}
	if d.Wins < 0 || d.Losses < 0 || d.Messages < 0 {
		return Applied{}, fmt.Errorf("apply delta %s: counters cannot decrease", d.OpID)
	}

	var out Applied
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var recorded string
		err := tx.QueryRowContext(ctx, `SELECT kind FROM ledger_entries WHERE op_id = ?`, d.OpID).Scan(&recorded)
		switch {
		case err == nil:
			acct, err := getAccount(ctx, tx, d.Key)
			if err != nil {
				return err
			}
			out = Applied{Account: acct, Replayed: true, Kind: EntryKind(recorded)}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check op %s: %w", d.OpID, err)
		}

		if d.AfterOp != "" {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM ledger_entries WHERE op_id = ?`, d.AfterOp).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrMissingPrecedent
			}
			if err != nil {
				return fmt.Errorf("check preceding op %s: %w", d.AfterOp, err)
			}
		}

		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET coins = coins + ?1,
				gems = gems + ?2,
				wins = wins + ?3,
				losses = losses + ?4,
				messages = messages + ?8,
				updated_at = ?5
			WHERE user_id = ?6 AND group_id = ?7
				AND coins + ?1 >= 0
				AND gems + ?2 >= 0
		`, d.Coins, d.Gems, d.Wins, d.Losses, toMillis(now), d.Key.UserID, d.Key.GroupID, d.Messages)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			if _, err := getAccount(ctx, tx, d.Key); err != nil {
				return err
			}
			return ErrInsufficientFunds
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (op_id, user_id, group_id, wager_id, kind, coins_delta, gems_delta, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, d.OpID, d.Key.UserID, d.Key.GroupID, nullString(d.WagerID), string(d.Kind), d.Coins, d.Gems, toMillis(now))
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		if d.Wager != nil {
			if err := insertWager(ctx, tx, d.Key, *d.Wager, now); err != nil {
				return err
			}
		}

		acct, err := getAccount(ctx, tx, d.Key)
		if err != nil {
			return err
		}
		out = Applied{Account: acct, Kind: d.Kind}
		return nil
	})
	if err != nil {
		return Applied{}, fmt.Errorf("apply %s %s: %w", d.Kind, d.OpID, err)
	}
	return out, nil
}

// Entries returns the most recent ledger entries of an account, newest first.
func (s *Store) Entries(ctx context.Context, key AccountKey, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_id, user_id, group_id, wager_id, kind, coins_delta, gems_delta, created_at
		FROM ledger_entries
		WHERE user_id = ? AND group_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, key.UserID, key.GroupID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list ledger entries: %w", err))
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var wagerID sql.NullString
		var kind string
		var createdAt int64
		if err := rows.Scan(&e.OpID, &e.Key.UserID, &e.Key.GroupID, &wagerID, &kind, &e.CoinsDelta, &e.GemsDelta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.WagerID = wagerID.String
		e.Kind = EntryKind(kind)
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate ledger entries: %w", err))
	}
	return entries, nil
}

// OpenStakes lists stake entries recorded before the cutoff whose wager has
// neither a payout nor a refund entry, oldest first.
func (s *Store) OpenStakes(ctx context.Context, before time.Time, limit int) ([]Stake, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.op_id, st.wager_id, st.user_id, st.group_id, st.coins_delta, st.created_at
		FROM ledger_entries st
		WHERE st.kind = ?
			AND st.created_at < ?
			AND st.wager_id IS NOT NULL
			AND NOT EXISTS (
				SELECT 1 FROM ledger_entries cl
				WHERE cl.wager_id = st.wager_id AND cl.kind IN (?, ?)
			)
		ORDER BY st.created_at ASC
		LIMIT ?
	`, string(EntryStake), toMillis(before), string(EntryPayout), string(EntryRefund), limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list open stakes: %w", err))
	}
	defer rows.Close()

	var stakes []Stake
	for rows.Next() {
		var st Stake
		var coinsDelta, createdAt int64
		if err := rows.Scan(&st.OpID, &st.WagerID, &st.Key.UserID, &st.Key.GroupID, &coinsDelta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan open stake: %w", err)
		}
		st.Amount = -coinsDelta
		st.CreatedAt = fromMillis(createdAt)
		stakes = append(stakes, st)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate open stakes: %w", err))
	}
	return stakes, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
