package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindSentinel(t *testing.T) {
	err := NotFound("position %s not found", "p1")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "position p1 not found", err.Error())
}

func TestTransferKeepsCause(t *testing.T) {
	err := Transfer(KindInsufficientMargin, "amount exceeds free margin")

	assert.Equal(t, KindTransfer, KindOf(err))
	assert.True(t, errors.Is(err, ErrTransfer))
	assert.True(t, errors.Is(err, ErrInsufficientMargin))
	assert.False(t, errors.Is(err, ErrValidation))
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("close position: %w", InvalidState("position is already closed"))

	assert.Equal(t, KindInvalidState, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("connection reset")))
}

func TestUnavailableUnwrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Unavailable(cause, "quote for %s unavailable", "EURUSD")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrUnavailable)
}
