package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func insertWager(ctx context.Context, tx *sql.Tx, key AccountKey, w Wager, now time.Time) error {
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wagers (id, user_id, group_id, game, bet, outcome, net_change, player_move, house_move, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, key.UserID, key.GroupID, w.Game, w.Bet, w.Outcome, w.NetChange, w.PlayerMove, w.HouseMove, toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("insert wager %s: %w", w.ID, err)
	}
	return nil
}

// RecentWagers returns an account's battle history, newest first.
func (s *Store) RecentWagers(ctx context.Context, key AccountKey, limit int) ([]Wager, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, group_id, game, bet, outcome, net_change, player_move, house_move, created_at
		FROM wagers
		WHERE user_id = ? AND group_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, key.UserID, key.GroupID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("list wagers: %w", err))
	}
	defer rows.Close()

	var wagers []Wager
	for rows.Next() {
		var w Wager
		var createdAt int64
		if err := rows.Scan(&w.ID, &w.Key.UserID, &w.Key.GroupID, &w.Game, &w.Bet, &w.Outcome, &w.NetChange, &w.PlayerMove, &w.HouseMove, &createdAt); err != nil {
			return nil, fmt.Errorf("scan wager: %w", err)
		}
		w.CreatedAt = fromMillis(createdAt)
		wagers = append(wagers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate wagers: %w", err))
	}
	return wagers, nil
}
