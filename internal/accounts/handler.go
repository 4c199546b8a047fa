package accounts

import (
	"net/http"
	"strings"

	"lv-marginbook/internal/apperr"
	"lv-marginbook/internal/httputil"
	"lv-marginbook/internal/types"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func parseMode(raw string, required bool) (types.Mode, error) {
	if strings.TrimSpace(raw) == "" && !required {
		return "", nil
	}
	mode, ok := types.ParseMode(raw)
	if !ok {
		return "", apperr.Validation("mode must be live or demo")
	}
	return mode, nil
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	accounts, err := h.svc.List(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	if accounts == nil {
		accounts = []Account{}
	}
	httputil.WriteJSON(w, http.StatusOK, accounts)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	acc, err := h.svc.Create(r.Context(), userID, req.Name, req.Color)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acc)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, userID string) {
	sum, err := h.svc.Summary(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sum)
}

func (h *Handler) Switch(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	sum, err := h.svc.SetActive(r.Context(), userID, req.AccountID)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sum)
}

func (h *Handler) SwitchMode(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		AccountID string `json:"account_id"`
		Mode      string `json:"mode"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	mode, err := parseMode(req.Mode, true)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	res, err := h.svc.SwitchMode(r.Context(), userID, req.AccountID, mode)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Rename(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		AccountID string `json:"account_id"`
		Name      string `json:"name"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	acc, err := h.svc.Rename(r.Context(), userID, req.AccountID, req.Name)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

func (h *Handler) UpdateLeverage(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		AccountID string `json:"account_id"`
		Mode      string `json:"mode"`
		Leverage  int    `json:"leverage"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	mode, err := parseMode(req.Mode, false)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	st, err := h.svc.UpdateLeverage(r.Context(), userID, req.AccountID, mode, req.Leverage)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		FromAccountID string `json:"from_account_id"`
		ToAccountID   string `json:"to_account_id"`
		Mode          string `json:"mode"`
		Amount        string `json:"amount"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	amount, err := httputil.ParseDecimal(req.Amount, "amount")
	if err != nil {
		httputil.WriteError(w, h.svc.log, apperr.Transfer(apperr.KindValidation, "%s", err.Error()))
		return
	}
	mode, err := parseMode(req.Mode, false)
	if err != nil {
		httputil.WriteError(w, h.svc.log, apperr.Transfer(apperr.KindValidation, "mode must be live or demo"))
		return
	}
	res, err := h.svc.Transfer(r.Context(), TransferRequest{
		UserID:        userID,
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Mode:          mode,
		Amount:        amount,
	})
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.svc.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
