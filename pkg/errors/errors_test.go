package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "bad channel", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: bad channel", err.Error())

	cause := errors.New("dial tcp: refused")
	wrapped := Transport(cause, "presence add failed")
	assert.Contains(t, wrapped.Error(), "dial tcp: refused")
	assert.ErrorIs(t, wrapped, cause)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewInvalidInputError("bad").WithContext("channel", "r1").WithContext("count", 2)
	assert.Equal(t, "r1", err.Context["channel"])
	assert.Equal(t, 2, err.Context["count"])
}

func TestTaxonomy(t *testing.T) {
	cause := errors.New("x")
	tests := []struct {
		name         string
		err          error
		validation   bool
		accessDenied bool
		transport    bool
		code         ErrorCode
	}{
		{"validation", Validation(cause, "v"), true, false, false, ErrCodeInvalidInput},
		{"access denied", AccessDenied(cause, "a"), false, true, false, ErrCodeForbidden},
		{"transport", Transport(cause, "t"), false, false, true, ErrCodeServiceUnavailable},
		{"wrapped transport", fmt.Errorf("offer: %w", Transport(cause, "t")), false, false, true, ErrCodeServiceUnavailable},
		{"plain", cause, false, false, false, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.validation, IsValidation(tt.err))
			assert.Equal(t, tt.accessDenied, IsAccessDenied(tt.err))
			assert.Equal(t, tt.transport, IsTransport(tt.err))
			assert.Equal(t, tt.code, CodeOf(tt.err))
		})
	}
}

func TestGetAppError(t *testing.T) {
	assert.Nil(t, GetAppError(nil))
	assert.Nil(t, GetAppError(errors.New("plain")))

	inner := NewForbiddenError("no")
	got := GetAppError(fmt.Errorf("outer: %w", inner))
	assert.Same(t, inner, got)
}
