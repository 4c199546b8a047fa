package postgres

import (
	"context"
	"time"

	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tradingAccountColumns = `id::text, user_id, name, number, color, is_active, current_mode, created_at, updated_at`

func scanTradingAccount(row pgx.Row) (model.TradingAccount, error) {
	var a model.TradingAccount
	var mode string
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Number, &a.Color, &a.IsActive, &mode, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.TradingAccount{}, translate(err)
	}
	a.CurrentMode = types.Mode(mode)
	return a, nil
}

// validID keeps malformed ids away from uuid columns; they can never match a row.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (t *txStore) InsertTradingAccount(ctx context.Context, acc *model.TradingAccount) error {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	if acc.UpdatedAt.IsZero() {
		acc.UpdatedAt = acc.CreatedAt
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trading_accounts (id, user_id, name, number, color, is_active, current_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, acc.ID, acc.UserID, acc.Name, acc.Number, acc.Color, acc.IsActive, string(acc.CurrentMode), acc.CreatedAt, acc.UpdatedAt)
	return translate(err)
}

func (t *txStore) GetTradingAccount(ctx context.Context, userID, id string) (model.TradingAccount, error) {
	if !validID(id) {
		return model.TradingAccount{}, store.ErrNotFound
	}
	row := t.tx.QueryRow(ctx, `
		SELECT `+tradingAccountColumns+`
		FROM trading_accounts
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	return scanTradingAccount(row)
}

func (t *txStore) ListTradingAccounts(ctx context.Context, userID string) ([]model.TradingAccount, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+tradingAccountColumns+`
		FROM trading_accounts
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.TradingAccount, 0, 4)
	for rows.Next() {
		a, err := scanTradingAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txStore) UpdateTradingAccount(ctx context.Context, acc model.TradingAccount) error {
	if !validID(acc.ID) {
		return store.ErrNotFound
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE trading_accounts
		SET name = $1, color = $2, is_active = $3, current_mode = $4, updated_at = $5
		WHERE id = $6 AND user_id = $7
	`, acc.Name, acc.Color, acc.IsActive, string(acc.CurrentMode), time.Now().UTC(), acc.ID, acc.UserID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txStore) SetActiveTradingAccount(ctx context.Context, userID, id string) error {
	if _, err := t.GetTradingAccount(ctx, userID, id); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE trading_accounts
		SET is_active = (id = $2), updated_at = NOW()
		WHERE user_id = $1
	`, userID, id)
	return translate(err)
}

func (t *txStore) DeleteTradingAccount(ctx context.Context, userID, id string) error {
	if !validID(id) {
		return store.ErrNotFound
	}
	tag, err := t.tx.Exec(ctx, "DELETE FROM trading_accounts WHERE id = $1 AND user_id = $2", id, userID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
