package orders

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/httputil"
	"lv-marginbook/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type placeRequest struct {
	AccountID  string `json:"account_id"`
	Mode       string `json:"mode"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Volume     string `json:"volume"`
	Price      string `json:"price"`
	StopLoss   string `json:"stop_loss"`
	TakeProfit string `json:"take_profit"`
}

type closeRequest struct {
	Price string `json:"price"`
}

type closeScopeRequest struct {
	AccountID string `json:"account_id"`
	Mode      string `json:"mode"`
	Scope     string `json:"scope"`
}

func optionalDecimal(raw, field string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := httputil.ParseDecimal(raw, field)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func optionalMode(raw string) (types.Mode, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	mode, ok := types.ParseMode(raw)
	if !ok {
		return "", apperr.Validation("mode must be live or demo")
	}
	return mode, nil
}

func (req placeRequest) toPlaceRequest(userID string) (PlaceRequest, error) {
	side, ok := types.ParseSide(req.Side)
	if !ok {
		return PlaceRequest{}, apperr.Validation("side must be buy or sell")
	}
	mode, err := optionalMode(req.Mode)
	if err != nil {
		return PlaceRequest{}, err
	}
	volume, err := httputil.ParseDecimal(req.Volume, "volume")
	if err != nil {
		return PlaceRequest{}, err
	}
	price, err := optionalDecimal(req.Price, "price")
	if err != nil {
		return PlaceRequest{}, err
	}
	sl, err := optionalDecimal(req.StopLoss, "stop_loss")
	if err != nil {
		return PlaceRequest{}, err
	}
	tp, err := optionalDecimal(req.TakeProfit, "take_profit")
	if err != nil {
		return PlaceRequest{}, err
	}
	return PlaceRequest{
		UserID:           userID,
		TradingAccountID: strings.TrimSpace(req.AccountID),
		Mode:             mode,
		Symbol:           req.Symbol,
		Side:             side,
		Volume:           volume,
		EntryPrice:       price,
		StopLoss:         sl,
		TakeProfit:       tp,
	}, nil
}

func (h *Handler) Place(w http.ResponseWriter, r *http.Request, userID string) {
	var req placeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	in, err := req.toPlaceRequest(userID)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	res, err := h.svc.PlacePosition(r.Context(), in)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) Preview(w http.ResponseWriter, r *http.Request, userID string) {
	var req placeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	in, err := req.toPlaceRequest(userID)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	res, err := h.svc.Preview(r.Context(), in)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request, userID string) {
	var req closeRequest
	// the body is optional; an empty one closes at the current quote
	if r.ContentLength != 0 {
		if err := httputil.ReadJSON(r, &req); err != nil {
			httputil.WriteError(w, h.svc.log, err)
			return
		}
	}
	price, err := optionalDecimal(req.Price, "price")
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	res, err := h.svc.ClosePosition(r.Context(), userID, chi.URLParam(r, "id"), price)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) CloseByScope(w http.ResponseWriter, r *http.Request, userID string) {
	var req closeScopeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	scope, ok := types.ParseCloseScope(req.Scope)
	if !ok {
		httputil.WriteError(w, h.svc.log, apperr.Validation("invalid close scope; allowed: all, profit, loss"))
		return
	}
	mode, err := optionalMode(req.Mode)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	res, err := h.svc.CloseByScope(r.Context(), userID, strings.TrimSpace(req.AccountID), mode, scope)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()
	mode, err := optionalMode(q.Get("mode"))
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	list, err := h.svc.ListOpen(r.Context(), userID, q.Get("account_id"), mode)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()
	mode, err := optionalMode(q.Get("mode"))
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			httputil.WriteError(w, h.svc.log, apperr.Validation("invalid limit"))
			return
		}
	}
	var before *time.Time
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteError(w, h.svc.log, apperr.Validation("before must be an RFC3339 timestamp"))
			return
		}
		before = &t
	}
	list, err := h.svc.History(r.Context(), userID, q.Get("account_id"), mode, before, limit)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Quote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, q)
}
