package postgres

import (
	"context"
	"strconv"
	"strings"

	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const positionColumns = `id::text, user_id, trading_account_id::text, account_state_id::text, mode,
	symbol, category, side, volume, contract_size, entry_price, current_price,
	stop_loss, take_profit, reserved_margin, status, profit, close_price, opened_at, closed_at`

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	var mode, category, side, status string
	err := row.Scan(
		&p.ID, &p.UserID, &p.TradingAccountID, &p.AccountStateID, &mode,
		&p.Symbol, &category, &side, &p.Volume, &p.ContractSize, &p.EntryPrice, &p.CurrentPrice,
		&p.StopLoss, &p.TakeProfit, &p.ReservedMargin, &status, &p.Profit, &p.ClosePrice, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return model.Position{}, translate(err)
	}
	p.Mode = types.Mode(mode)
	p.Category = types.Category(category)
	p.Side = types.OrderSide(side)
	p.Status = types.PositionStatus(status)
	return p, nil
}

func (t *txStore) InsertPosition(ctx context.Context, p *model.Position) error {
	if !validID(p.AccountStateID) || !validID(p.TradingAccountID) {
		return store.ErrNotFound
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO positions (
			id, user_id, trading_account_id, account_state_id, mode,
			symbol, category, side, volume, contract_size, entry_price, current_price,
			stop_loss, take_profit, reserved_margin, status, profit, close_price, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		p.ID, p.UserID, p.TradingAccountID, p.AccountStateID, string(p.Mode),
		p.Symbol, string(p.Category), string(p.Side), p.Volume, p.ContractSize, p.EntryPrice, p.CurrentPrice,
		p.StopLoss, p.TakeProfit, p.ReservedMargin, string(p.Status), p.Profit, p.ClosePrice, p.OpenedAt, p.ClosedAt,
	)
	return translate(err)
}

func (t *txStore) GetPositionForUpdate(ctx context.Context, id string) (model.Position, error) {
	if !validID(id) {
		return model.Position{}, store.ErrNotFound
	}
	row := t.tx.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanPosition(row)
}

func (t *txStore) UpdatePosition(ctx context.Context, p model.Position) error {
	if !validID(p.ID) {
		return store.ErrNotFound
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE positions
		SET current_price = $1, profit = $2, status = $3, close_price = $4, closed_at = $5,
			stop_loss = $6, take_profit = $7, reserved_margin = $8
		WHERE id = $9
	`,
		p.CurrentPrice, p.Profit, string(p.Status), p.ClosePrice, p.ClosedAt,
		p.StopLoss, p.TakeProfit, p.ReservedMargin, p.ID,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txStore) ListPositions(ctx context.Context, f store.PositionFilter) ([]model.Position, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.TradingAccountID != "" {
		if !validID(f.TradingAccountID) {
			return nil, nil
		}
		add("trading_account_id = ?", f.TradingAccountID)
	}
	if f.Mode != "" {
		add("mode = ?", string(f.Mode))
	}
	if f.Symbol != "" {
		add("symbol = ?", f.Symbol)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.ClosedBefore != nil {
		add("closed_at < ?", *f.ClosedBefore)
	}

	query := "SELECT " + positionColumns + " FROM positions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY COALESCE(closed_at, opened_at) DESC, opened_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Position, 0, 8)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txStore) SumOpenVolume(ctx context.Context, userID string, mode types.Mode, symbol string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(volume), 0)
		FROM positions
		WHERE user_id = $1 AND mode = $2 AND symbol = $3 AND status = 'open'
	`, userID, string(mode), symbol).Scan(&sum)
	return sum, err
}

func (t *txStore) CountOpenPositions(ctx context.Context, tradingAccountID string, mode types.Mode) (int, error) {
	if !validID(tradingAccountID) {
		return 0, nil
	}
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM positions
		WHERE trading_account_id = $1 AND status = 'open' AND ($2::text = '' OR mode = $2::text)
	`, tradingAccountID, string(mode)).Scan(&n)
	return n, err
}
