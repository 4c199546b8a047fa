package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"

	"lv-marginbook/internal/apperr"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	maxBodyBytes = 1 << 20

	maxDecimalChars    = 64
	maxDecimalExponent = 18
	maxDecimalDigits   = 30
)

var maxCoefficient = new(big.Int).Exp(big.NewInt(10), big.NewInt(maxDecimalDigits), nil)

type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("invalid json: %v", err)
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error kind to its HTTP status. Errors without a kind are
// infrastructure failures.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindTransfer:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInsufficientMargin, apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError answers with the error kind and message. Internal errors are
// logged and replaced by a generic message.
func WriteError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		WriteJSON(w, status, ErrorResponse{Error: "internal error"})
		return
	}
	WriteJSON(w, status, ErrorResponse{Error: err.Error(), Kind: apperr.KindOf(err)})
}

// CheckDecimal rejects numbers no price, volume or amount can have: an
// exponent outside ±18 or more than 30 significant digits.
func CheckDecimal(v decimal.Decimal, field string) error {
	exp := v.Exponent()
	if exp < -maxDecimalExponent || exp > maxDecimalExponent {
		return apperr.Validation("%s is out of range", field)
	}
	if v.Coefficient().CmpAbs(maxCoefficient) >= 0 {
		return apperr.Validation("%s has too many digits", field)
	}
	return nil
}

// ParseDecimal parses a request number and applies CheckDecimal.
func ParseDecimal(raw, field string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxDecimalChars {
		return decimal.Zero, apperr.Validation("%s is out of range", field)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, apperr.Validation("invalid %s", field)
	}
	if err := CheckDecimal(v, field); err != nil {
		return decimal.Zero, err
	}
	return v, nil
}
