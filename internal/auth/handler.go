package auth

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

// Me echoes the caller's identity so clients can check their token.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request, userID string) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}
