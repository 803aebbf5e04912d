package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const accountColumns = `user_id, group_id, coins, gems, level, wins, losses, messages, created_at, updated_at`

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var createdAt, updatedAt int64
	err := row.Scan(
		&a.Key.UserID,
		&a.Key.GroupID,
		&a.Coins,
		&a.Gems,
		&a.Level,
		&a.Wins,
		&a.Losses,
		&a.Messages,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, nil
}

func getAccount(ctx context.Context, q queryer, key AccountKey) (Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = ? AND group_id = ?
	`, key.UserID, key.GroupID))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account %s: %w", key, err)
	}
	return a, nil
}

// GetOrCreate returns the account for key, creating it with the starting
// balance if absent. The insert is a no-op on conflict, so concurrent first
// references create exactly one row.
func (s *Store) GetOrCreate(ctx context.Context, key AccountKey) (Account, error) {
	var out Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(s.now())
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (user_id, group_id, coins, gems, level, wins, losses, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)
			ON CONFLICT (user_id, group_id) DO NOTHING
		`, key.UserID, key.GroupID, s.defaults.Coins, s.defaults.Gems, s.defaults.Level, now, now)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}

		out, err = getAccount(ctx, tx, key)
		return err
	})
	if err != nil {
		return Account{}, fmt.Errorf("get or create account %s: %w", key, err)
	}
	return out, nil
}

// Get retrieves an account. It returns ErrAccountNotFound if the key was
// never referenced.
func (s *Store) Get(ctx context.Context, key AccountKey) (Account, error) {
	a, err := getAccount(ctx, s.db, key)
	if err != nil {
		return Account{}, classify(err)
	}
	return a, nil
}

// TopAccounts returns up to limit accounts ordered by coins, then wins
// (both descending), then key ascending.
func (s *Store) TopAccounts(ctx context.Context, limit int) ([]Account, error) {
	return s.listRanked(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		ORDER BY coins DESC, wins DESC, user_id ASC, group_id ASC
		LIMIT ?
	`, limit)
}

// TopAccountsInGroup is TopAccounts restricted to one group scope.
func (s *Store) TopAccountsInGroup(ctx context.Context, groupID int64, limit int) ([]Account, error) {
	return s.listRanked(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE group_id = ?
		ORDER BY coins DESC, wins DESC, user_id ASC
		LIMIT ?
	`, groupID, limit)
}

func (s *Store) listRanked(ctx context.Context, query string, args ...any) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list accounts: %w", err))
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate accounts: %w", err))
	}
	return accounts, nil
}

// CountAhead counts the accounts that rank strictly before a. With inGroup
// set only accounts in a's group are counted.
func (s *Store) CountAhead(ctx context.Context, a Account, inGroup bool) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM accounts
		WHERE (coins > ?1
			OR (coins = ?1 AND wins > ?2)
			OR (coins = ?1 AND wins = ?2 AND user_id < ?3)
			OR (coins = ?1 AND wins = ?2 AND user_id = ?3 AND group_id < ?4))`
	if inGroup {
		query += ` AND group_id = ?4`
	}

	var n int64
	err := s.db.QueryRowContext(ctx, query, a.Coins, a.Wins, a.Key.UserID, a.Key.GroupID).Scan(&n)
	if err != nil {
		return 0, classify(fmt.Errorf("count accounts ahead: %w", err))
	}
	return n, nil
}
