package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lv-marginbook/internal/accounts"
	"lv-marginbook/internal/auth"
	"lv-marginbook/internal/health"
	"lv-marginbook/internal/ledger"
	"lv-marginbook/internal/margin"
	"lv-marginbook/internal/marketdata"
	"lv-marginbook/internal/orders"
	"lv-marginbook/internal/store/memory"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const internalToken = "internal-test-token"

type testServer struct {
	*httptest.Server
	authSvc *auth.Service
	cache   *marketdata.LiveQuotes
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	log := zerolog.Nop()
	mem := memory.New()
	bus := marketdata.NewBus()
	cache := marketdata.NewLiveQuotes()
	quotes := marketdata.NewQuotes(cache, nil, time.Hour, log)

	authSvc := auth.NewService("marginbook", []byte("test-secret"), time.Hour)
	hash, err := auth.HashInternalToken(internalToken)
	require.NoError(t, err)
	authSvc.SetInternalTokenHash(hash)

	ledgerSvc := ledger.NewService(mem, bus, log)
	accountSvc := accounts.NewService(mem, ledgerSvc, log)
	orderSvc := orders.NewService(mem, ledgerSvc, margin.NewCalculator(margin.DefaultTable()), quotes, nil, log)

	router := NewRouter(RouterDeps{
		AuthHandler:     auth.NewHandler(authSvc),
		AccountsHandler: accounts.NewHandler(accountSvc),
		LedgerHandler:   ledger.NewHandler(ledgerSvc),
		OrderHandler:    orders.NewHandler(orderSvc),
		HealthHandler:   health.NewHandler(time.Now(), "memory", ":0"),
		AuthService:     authSvc,
		AccountStream:   NewAccountStream(bus, authSvc, accountSvc, "*", log),
		Logger:          log,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return testServer{Server: srv, authSvc: authSvc, cache: cache}
}

func (s testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.authSvc.IssueToken(userID)
	require.NoError(t, err)
	return token
}

func (s testServer) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func TestHealthAndAuthGuards(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/health/live", "", nil, nil))
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/health", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodGet, "/health/full", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodGet, "/v1/accounts", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodGet, "/v1/accounts", "garbage", nil, nil))

	var me map[string]string
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/me", srv.token(t, "u1"), nil, &me))
	assert.Equal(t, "u1", me["user_id"])
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1")

	var list []accounts.Account
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/accounts", token, nil, &list))
	require.Len(t, list, 1)
	accountID := list[0].ID

	var placed orders.Result
	status := srv.do(t, http.MethodPost, "/v1/orders", token, map[string]string{
		"account_id": accountID, "symbol": "EURUSD", "side": "buy", "volume": "25", "price": "1.10",
	}, &placed)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, decimal.NewFromInt(7150).Equal(placed.Position.ReservedMargin))

	var errResp errorBody
	status = srv.do(t, http.MethodPost, "/v1/orders", token, map[string]string{
		"symbol": "EURUSD", "side": "buy", "volume": "abc",
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", errResp.Kind)

	status = srv.do(t, http.MethodPost, "/v1/orders", token, map[string]string{
		"symbol": "EURUSD", "side": "buy", "volume": "1e20000000", "price": "1.10",
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", errResp.Kind)
	assert.Less(t, len(errResp.Error), 100)

	status = srv.do(t, http.MethodPost, "/v1/orders", token, map[string]string{
		"symbol": "EURUSD", "side": "buy", "volume": "20", "price": "1.10",
	}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "insufficient_margin", errResp.Kind)

	// no quote is cached and no bridge is configured
	status = srv.do(t, http.MethodPost, "/v1/orders", token, map[string]string{
		"symbol": "EURUSD", "side": "buy", "volume": "1",
	}, &errResp)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unavailable", errResp.Kind)

	var open []map[string]any
	require.NoError(t, srv.cache.Put(context.Background(), marketdata.Snapshot{
		Quote:      marketdata.Quote{Symbol: "EURUSD", Bid: decimal.RequireFromString("1.11"), Ask: decimal.RequireFromString("1.1102"), Time: time.Now()},
		ReceivedAt: time.Now(),
	}))
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/orders", token, nil, &open))
	require.Len(t, open, 1)

	var closed orders.Result
	status = srv.do(t, http.MethodPost, "/v1/orders/"+placed.Position.ID+"/close", token, map[string]string{"price": "1.10"}, &closed)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, closed.Account.Margin.IsZero())

	status = srv.do(t, http.MethodPost, "/v1/orders/"+placed.Position.ID+"/close", token, nil, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_state", errResp.Kind)

	status = srv.do(t, http.MethodPost, "/v1/orders/"+placed.Position.ID+"/close", srv.token(t, "u2"), nil, &errResp)
	assert.Equal(t, http.StatusNotFound, status)

	var history []map[string]any
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/orders/history?limit=5", token, nil, &history))
	assert.Len(t, history, 1)
}

func TestTransferErrorsAreBadRequests(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1")

	var list []accounts.Account
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/accounts", token, nil, &list))
	var second accounts.Account
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/accounts", token, map[string]string{"name": "Second"}, &second))

	var errResp errorBody
	status := srv.do(t, http.MethodPost, "/v1/accounts/transfer", token, map[string]string{
		"from_account_id": list[0].ID, "to_account_id": second.ID, "amount": "20000",
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "transfer", errResp.Kind)

	var res accounts.TransferResult
	status = srv.do(t, http.MethodPost, "/v1/accounts/transfer", token, map[string]string{
		"from_account_id": list[0].ID, "to_account_id": second.ID, "amount": "2500", "mode": "demo",
	}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decimal.NewFromInt(7500).Equal(res.From))
	assert.True(t, decimal.NewFromInt(12500).Equal(res.To))
}

func TestInternalDepositAndAccountStream(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1")

	var list []accounts.Account
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/accounts", token, nil, &list))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var snapshot marketdata.Event
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, eventAccountsSnapshot, snapshot.Type)

	deposit := map[string]string{"user_id": "u1", "trading_account_id": list[0].ID, "mode": "live", "amount": "250"}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/internal/deposits", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("X-Internal-Token", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	huge, err := json.Marshal(map[string]string{"user_id": "u1", "trading_account_id": list[0].ID, "mode": "live", "amount": "1e20000000"})
	require.NoError(t, err)
	req, err = http.NewRequest(http.MethodPost, srv.URL+"/v1/internal/deposits", bytes.NewReader(huge))
	require.NoError(t, err)
	req.Header.Set("X-Internal-Token", internalToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, err := json.Marshal(deposit)
	require.NoError(t, err)
	req, err = http.NewRequest(http.MethodPost, srv.URL+"/v1/internal/deposits", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Internal-Token", internalToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var evt struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, marketdata.EventAccountState, evt.Type)
	assert.Equal(t, "live", evt.Data["mode"])
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("1.2.3.4"))
	assert.True(t, rl.allow("1.2.3.4"))
	assert.False(t, rl.allow("1.2.3.4"))
	assert.True(t, rl.allow("5.6.7.8"))

	now = now.Add(time.Second)
	assert.True(t, rl.allow("1.2.3.4"))
	assert.False(t, rl.allow("1.2.3.4"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:5555"
	rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestQuoteSubscriptionMatchesSuffixedSymbols(t *testing.T) {
	var subs symbolSet
	subs.set([]string{"eurusdm", " xauusd "}, true)

	batch := subs.filter([]marketdata.Quote{{Symbol: "EURUSDM"}, {Symbol: "XAUUSD"}, {Symbol: "GBPUSD"}})
	require.Len(t, batch, 2)
	assert.Equal(t, "EURUSDM", batch[0].Symbol)

	subs.set([]string{"EURUSDm"}, false)
	assert.Len(t, subs.filter([]marketdata.Quote{{Symbol: "EURUSDM"}}), 0)
}
