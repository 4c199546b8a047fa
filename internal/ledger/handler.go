package ledger

import (
	"net/http"

	"lv-marginbook/internal/httputil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Deposit is called by trusted internal services behind InternalAuth.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	if err := httputil.CheckDecimal(req.Amount, "amount"); err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	st, err := h.svc.Deposit(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, h.svc.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}
