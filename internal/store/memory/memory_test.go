package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAccount(t *testing.T, s *Store, userID, name string) (model.TradingAccount, model.AccountState) {
	t.Helper()
	var (
		acc model.TradingAccount
		st  model.AccountState
	)
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		acc = model.TradingAccount{UserID: userID, Name: name, Number: model.NewAccountNumber(), CreatedAt: time.Now()}
		if err := tx.InsertTradingAccount(ctx, &acc); err != nil {
			return err
		}
		st = model.AccountState{TradingAccountID: acc.ID, UserID: userID, Mode: types.ModeDemo, Balance: decimal.NewFromInt(100)}
		return tx.InsertAccountState(ctx, &st)
	})
	require.NoError(t, err)
	return acc, st
}

func TestFailedTransactionLeavesNoTrace(t *testing.T) {
	s := New()
	acc, st := seedAccount(t, s, "u1", "Main")

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		st.Balance = decimal.NewFromInt(5)
		require.NoError(t, tx.UpdateAccountState(ctx, st))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetAccountStateForUpdate(ctx, acc.ID, types.ModeDemo)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(100).Equal(got.Balance))
		return nil
	}))
}

func TestUniqueConstraints(t *testing.T) {
	s := New()
	acc, _ := seedAccount(t, s, "u1", "Main")

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		dup := model.TradingAccount{UserID: "u1", Name: "main", Number: "99999999"}
		return tx.InsertTradingAccount(ctx, &dup)
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	err = s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		again := model.AccountState{TradingAccountID: acc.ID, UserID: "u1", Mode: types.ModeDemo}
		return tx.InsertAccountState(ctx, &again)
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	// another user may reuse the name
	seedAccount(t, s, "u2", "Main")
}

func TestDeleteCascadesAndScopesByUser(t *testing.T) {
	s := New()
	acc, st := seedAccount(t, s, "u1", "Main")

	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		p := model.Position{UserID: "u1", TradingAccountID: acc.ID, AccountStateID: st.ID, Mode: types.ModeDemo,
			Symbol: "EURUSD", Volume: decimal.NewFromInt(1), Status: types.PositionStatusOpen, OpenedAt: time.Now()}
		return tx.InsertPosition(ctx, &p)
	}))

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteTradingAccount(ctx, "u2", acc.ID)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteTradingAccount(ctx, "u1", acc.ID)
	}))
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		states, err := tx.ListAccountStates(ctx, acc.ID)
		require.NoError(t, err)
		assert.Empty(t, states)
		n, err := tx.CountOpenPositions(ctx, acc.ID, "")
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func TestSumOpenVolumeAndHistoryOrder(t *testing.T) {
	s := New()
	acc, st := seedAccount(t, s, "u1", "Main")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for i, vol := range []int64{1, 2, 4} {
			p := model.Position{UserID: "u1", TradingAccountID: acc.ID, AccountStateID: st.ID, Mode: types.ModeDemo,
				Symbol: "EURUSD", Volume: decimal.NewFromInt(vol), Status: types.PositionStatusOpen,
				OpenedAt: base.Add(time.Duration(i) * time.Minute)}
			if i == 2 {
				closed := base.Add(time.Hour)
				p.Status = types.PositionStatusClosed
				p.ClosedAt = &closed
			}
			if err := tx.InsertPosition(ctx, &p); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		sum, err := tx.SumOpenVolume(ctx, "u1", types.ModeDemo, "EURUSD")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(3).Equal(sum))

		sum, err = tx.SumOpenVolume(ctx, "u1", types.ModeLive, "EURUSD")
		require.NoError(t, err)
		assert.True(t, sum.IsZero())

		open, err := tx.ListPositions(ctx, store.PositionFilter{UserID: "u1", Status: types.PositionStatusOpen})
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.True(t, open[0].OpenedAt.After(open[1].OpenedAt))

		cutoff := base.Add(30 * time.Minute)
		closed, err := tx.ListPositions(ctx, store.PositionFilter{UserID: "u1", Status: types.PositionStatusClosed, ClosedBefore: &cutoff})
		require.NoError(t, err)
		assert.Empty(t, closed)
		return nil
	}))
}

func TestCanceledContextSkipsTransaction(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
