// Package memory is an in-process store. Transactions are serialized by one
// mutex and work on a copy of the data that replaces the original on commit.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"lv-marginbook/internal/model"
	"lv-marginbook/internal/store"
	"lv-marginbook/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu   sync.Mutex
	data *snapshot
}

func New() *Store {
	return &Store{data: newSnapshot()}
}

type snapshot struct {
	seq       int64
	accounts  map[string]model.TradingAccount
	states    map[string]model.AccountState
	positions map[string]model.Position
	order     map[string]int64
}

func newSnapshot() *snapshot {
	return &snapshot{
		accounts:  map[string]model.TradingAccount{},
		states:    map[string]model.AccountState{},
		positions: map[string]model.Position{},
		order:     map[string]int64{},
	}
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		seq:       s.seq,
		accounts:  make(map[string]model.TradingAccount, len(s.accounts)),
		states:    make(map[string]model.AccountState, len(s.states)),
		positions: make(map[string]model.Position, len(s.positions)),
		order:     make(map[string]int64, len(s.order)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.states {
		c.states[k] = v
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	for k, v := range s.order {
		c.order[k] = v
	}
	return c
}

func (s *snapshot) stamp(id string) {
	s.seq++
	s.order[id] = s.seq
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	if err := fn(ctx, &tx{data: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

type tx struct {
	data *snapshot
}

var _ store.Tx = (*tx)(nil)

func (t *tx) InsertTradingAccount(ctx context.Context, acc *model.TradingAccount) error {
	for _, existing := range t.data.accounts {
		if existing.Number == acc.Number && acc.Number != "" {
			return store.ErrDuplicate
		}
		if existing.UserID == acc.UserID && strings.EqualFold(existing.Name, acc.Name) {
			return store.ErrDuplicate
		}
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	t.data.accounts[acc.ID] = *acc
	t.data.stamp(acc.ID)
	return nil
}

func (t *tx) GetTradingAccount(ctx context.Context, userID, id string) (model.TradingAccount, error) {
	acc, ok := t.data.accounts[id]
	if !ok || acc.UserID != userID {
		return model.TradingAccount{}, store.ErrNotFound
	}
	return acc, nil
}

func (t *tx) ListTradingAccounts(ctx context.Context, userID string) ([]model.TradingAccount, error) {
	out := make([]model.TradingAccount, 0, 4)
	for _, acc := range t.data.accounts {
		if acc.UserID == userID {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return t.data.order[out[i].ID] < t.data.order[out[j].ID]
	})
	return out, nil
}

func (t *tx) UpdateTradingAccount(ctx context.Context, acc model.TradingAccount) error {
	existing, ok := t.data.accounts[acc.ID]
	if !ok || existing.UserID != acc.UserID {
		return store.ErrNotFound
	}
	for id, other := range t.data.accounts {
		if id != acc.ID && other.UserID == acc.UserID && strings.EqualFold(other.Name, acc.Name) {
			return store.ErrDuplicate
		}
	}
	t.data.accounts[acc.ID] = acc
	return nil
}

func (t *tx) SetActiveTradingAccount(ctx context.Context, userID, id string) error {
	target, ok := t.data.accounts[id]
	if !ok || target.UserID != userID {
		return store.ErrNotFound
	}
	for k, acc := range t.data.accounts {
		if acc.UserID != userID {
			continue
		}
		acc.IsActive = k == id
		t.data.accounts[k] = acc
	}
	return nil
}

func (t *tx) DeleteTradingAccount(ctx context.Context, userID, id string) error {
	acc, ok := t.data.accounts[id]
	if !ok || acc.UserID != userID {
		return store.ErrNotFound
	}
	delete(t.data.accounts, id)
	for k, st := range t.data.states {
		if st.TradingAccountID == id {
			delete(t.data.states, k)
		}
	}
	for k, p := range t.data.positions {
		if p.TradingAccountID == id {
			delete(t.data.positions, k)
		}
	}
	return nil
}

func (t *tx) GetAccountStateForUpdate(ctx context.Context, tradingAccountID string, mode types.Mode) (model.AccountState, error) {
	for _, st := range t.data.states {
		if st.TradingAccountID == tradingAccountID && st.Mode == mode {
			return st, nil
		}
	}
	return model.AccountState{}, store.ErrNotFound
}

func (t *tx) ListAccountStates(ctx context.Context, tradingAccountID string) ([]model.AccountState, error) {
	out := make([]model.AccountState, 0, 2)
	for _, st := range t.data.states {
		if st.TradingAccountID == tradingAccountID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mode < out[j].Mode })
	return out, nil
}

func (t *tx) InsertAccountState(ctx context.Context, st *model.AccountState) error {
	if _, ok := t.data.accounts[st.TradingAccountID]; !ok {
		return store.ErrNotFound
	}
	for _, existing := range t.data.states {
		if existing.TradingAccountID == st.TradingAccountID && existing.Mode == st.Mode {
			return store.ErrDuplicate
		}
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	t.data.states[st.ID] = *st
	t.data.stamp(st.ID)
	return nil
}

func (t *tx) UpdateAccountState(ctx context.Context, st model.AccountState) error {
	if _, ok := t.data.states[st.ID]; !ok {
		return store.ErrNotFound
	}
	t.data.states[st.ID] = st
	return nil
}

func (t *tx) InsertPosition(ctx context.Context, p *model.Position) error {
	if _, ok := t.data.states[p.AccountStateID]; !ok {
		return store.ErrNotFound
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	t.data.positions[p.ID] = *p
	t.data.stamp(p.ID)
	return nil
}

func (t *tx) GetPositionForUpdate(ctx context.Context, id string) (model.Position, error) {
	p, ok := t.data.positions[id]
	if !ok {
		return model.Position{}, store.ErrNotFound
	}
	return p, nil
}

func (t *tx) UpdatePosition(ctx context.Context, p model.Position) error {
	if _, ok := t.data.positions[p.ID]; !ok {
		return store.ErrNotFound
	}
	t.data.positions[p.ID] = p
	return nil
}

func (t *tx) ListPositions(ctx context.Context, f store.PositionFilter) ([]model.Position, error) {
	out := make([]model.Position, 0, 8)
	for _, p := range t.data.positions {
		if !matches(p, f) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := sortTime(out[i]), sortTime(out[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return t.data.order[out[i].ID] > t.data.order[out[j].ID]
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(p model.Position, f store.PositionFilter) bool {
	switch {
	case f.UserID != "" && p.UserID != f.UserID:
		return false
	case f.TradingAccountID != "" && p.TradingAccountID != f.TradingAccountID:
		return false
	case f.Mode != "" && p.Mode != f.Mode:
		return false
	case f.Symbol != "" && p.Symbol != f.Symbol:
		return false
	case f.Status != "" && p.Status != f.Status:
		return false
	case f.ClosedBefore != nil && (p.ClosedAt == nil || !p.ClosedAt.Before(*f.ClosedBefore)):
		return false
	}
	return true
}

func sortTime(p model.Position) time.Time {
	if p.ClosedAt != nil {
		return *p.ClosedAt
	}
	return p.OpenedAt
}

func (t *tx) SumOpenVolume(ctx context.Context, userID string, mode types.Mode, symbol string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range t.data.positions {
		if p.UserID == userID && p.Mode == mode && p.Symbol == symbol && p.Status == types.PositionStatusOpen {
			sum = sum.Add(p.Volume)
		}
	}
	return sum, nil
}

func (t *tx) CountOpenPositions(ctx context.Context, tradingAccountID string, mode types.Mode) (int, error) {
	n := 0
	for _, p := range t.data.positions {
		if p.TradingAccountID != tradingAccountID || p.Status != types.PositionStatusOpen {
			continue
		}
		if mode != "" && p.Mode != mode {
			continue
		}
		n++
	}
	return n, nil
}
