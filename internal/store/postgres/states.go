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

const accountStateColumns = `id::text, COALESCE(trading_account_id::text, ''), user_id, mode,
	balance, equity, margin, free_margin, margin_level,
	leverage, is_auto_leverage, currency, last_active_at, updated_at`

func scanAccountState(row pgx.Row) (model.AccountState, error) {
	var st model.AccountState
	var mode string
	err := row.Scan(
		&st.ID, &st.TradingAccountID, &st.UserID, &mode,
		&st.Balance, &st.Equity, &st.Margin, &st.FreeMargin, &st.MarginLevel,
		&st.Leverage, &st.IsAutoLeverage, &st.Currency, &st.LastActiveAt, &st.UpdatedAt,
	)
	if err != nil {
		return model.AccountState{}, translate(err)
	}
	st.Mode = types.Mode(mode)
	return st, nil
}

func (t *txStore) GetAccountStateForUpdate(ctx context.Context, tradingAccountID string, mode types.Mode) (model.AccountState, error) {
	if !validID(tradingAccountID) {
		return model.AccountState{}, store.ErrNotFound
	}
	row := t.tx.QueryRow(ctx, `
		SELECT `+accountStateColumns+`
		FROM account_states
		WHERE trading_account_id = $1 AND mode = $2
		FOR UPDATE
	`, tradingAccountID, string(mode))
	return scanAccountState(row)
}

func (t *txStore) ListAccountStates(ctx context.Context, tradingAccountID string) ([]model.AccountState, error) {
	if !validID(tradingAccountID) {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+accountStateColumns+`
		FROM account_states
		WHERE trading_account_id = $1
		ORDER BY mode ASC
	`, tradingAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.AccountState, 0, 2)
	for rows.Next() {
		st, err := scanAccountState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (t *txStore) InsertAccountState(ctx context.Context, st *model.AccountState) error {
	if !validID(st.TradingAccountID) {
		return store.ErrNotFound
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	// ON CONFLICT keeps the transaction usable when a concurrent insert won;
	// a raised unique violation would abort it.
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO account_states (
			id, trading_account_id, user_id, mode,
			balance, equity, margin, free_margin, margin_level,
			leverage, is_auto_leverage, currency, last_active_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (trading_account_id, mode) DO NOTHING
	`,
		st.ID, st.TradingAccountID, st.UserID, string(st.Mode),
		st.Balance, st.Equity, st.Margin, st.FreeMargin, st.MarginLevel,
		st.Leverage, st.IsAutoLeverage, st.Currency, st.LastActiveAt, st.UpdatedAt,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (t *txStore) UpdateAccountState(ctx context.Context, st model.AccountState) error {
	if !validID(st.ID) {
		return store.ErrNotFound
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE account_states
		SET balance = $1, equity = $2, margin = $3, free_margin = $4, margin_level = $5,
			leverage = $6, is_auto_leverage = $7, currency = $8, last_active_at = $9, updated_at = $10
		WHERE id = $11
	`,
		st.Balance, st.Equity, st.Margin, st.FreeMargin, st.MarginLevel,
		st.Leverage, st.IsAutoLeverage, st.Currency, st.LastActiveAt, time.Now().UTC(),
		st.ID,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
