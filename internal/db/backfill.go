package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lv-marginbook/internal/model"
	"lv-marginbook/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const backfillAccountName = "Main"

type BackfillReport struct {
	Users    int `json:"users"`
	Created  int `json:"created"`
	Attached int `json:"attached"`
	Skipped  int `json:"skipped"`
}

// Backfill attaches account_states rows written before trading accounts
// existed to a per-user "Main" trading account, creating it when missing.
// A legacy row whose mode is already held by that account is left untouched.
// Running it again after a successful run changes nothing.
func Backfill(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) (BackfillReport, error) {
	var report BackfillReport

	rows, err := pool.Query(ctx, "SELECT DISTINCT user_id FROM account_states WHERE trading_account_id IS NULL ORDER BY user_id")
	if err != nil {
		return report, fmt.Errorf("list legacy users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return report, fmt.Errorf("list legacy users: %w", err)
	}

	for _, userID := range users {
		created, attached, skipped, err := backfillUser(ctx, pool, userID)
		if err != nil {
			return report, fmt.Errorf("backfill user %s: %w", userID, err)
		}
		report.Users++
		if created {
			report.Created++
		}
		report.Attached += attached
		report.Skipped += skipped
		log.Info().Str("user_id", userID).Int("attached", attached).Int("skipped", skipped).Bool("created_account", created).Msg("legacy account states backfilled")
	}
	return report, nil
}

func backfillUser(ctx context.Context, pool *pgxpool.Pool, userID string) (created bool, attached, skipped int, err error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return false, 0, 0, err
	}
	defer tx.Rollback(ctx)

	legacy, err := tx.Query(ctx, `
		SELECT id::text, mode, last_active_at
		FROM account_states
		WHERE user_id = $1 AND trading_account_id IS NULL
		ORDER BY last_active_at DESC
		FOR UPDATE
	`, userID)
	if err != nil {
		return false, 0, 0, err
	}
	states, err := pgx.CollectRows(legacy, pgx.RowToStructByPos[legacyState])
	if err != nil {
		return false, 0, 0, err
	}

	accountID, created, err := ensureMainAccount(ctx, tx, userID, latestMode(states))
	if err != nil {
		return false, 0, 0, err
	}

	for _, st := range states {
		var taken bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM account_states WHERE trading_account_id = $1 AND mode = $2)", accountID, st.Mode).Scan(&taken); err != nil {
			return false, 0, 0, err
		}
		if taken {
			skipped++
			continue
		}
		if _, err := tx.Exec(ctx, "UPDATE account_states SET trading_account_id = $1, updated_at = NOW() WHERE id = $2", accountID, st.ID); err != nil {
			return false, 0, 0, err
		}
		attached++
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, 0, err
	}
	return created, attached, skipped, nil
}

type legacyState struct {
	ID           string
	Mode         string
	LastActiveAt time.Time
}

// latestMode is the mode of the most recently active legacy state, which was
// the user's selection before the mode was stored on the account.
func latestMode(states []legacyState) types.Mode {
	mode := types.ModeDemo
	var latest time.Time
	for _, st := range states {
		m := types.Mode(st.Mode)
		if !m.Valid() {
			continue
		}
		if latest.IsZero() || st.LastActiveAt.After(latest) {
			latest = st.LastActiveAt
			mode = m
		}
	}
	return mode
}

func ensureMainAccount(ctx context.Context, tx pgx.Tx, userID string, mode types.Mode) (string, bool, error) {
	var id string
	err := tx.QueryRow(ctx, `
		SELECT id::text FROM trading_accounts
		WHERE user_id = $1
		ORDER BY (lower(name) = lower($2)) DESC, created_at ASC
		LIMIT 1
	`, userID, backfillAccountName).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}

	// Account numbers are random; retry a few times on the unlikely collision.
	now := time.Now().UTC()
	for attempt := 0; attempt < 5; attempt++ {
		err = tx.QueryRow(ctx, `
			INSERT INTO trading_accounts (user_id, name, number, is_active, current_mode, created_at, updated_at)
			VALUES ($1, $2, $3, TRUE, $4, $5, $5)
			ON CONFLICT (number) DO NOTHING
			RETURNING id::text
		`, userID, backfillAccountName, model.NewAccountNumber(), string(mode), now).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("create main account: %w", err)
		}
	}
	return "", false, errors.New("create main account: could not allocate account number")
}
