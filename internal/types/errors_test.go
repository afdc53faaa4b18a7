package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorFormat(t *testing.T) {
	appErr := NewAppError(ErrCodeNotFoundJob, "job job_1 not found", nil)
	assert.Equal(t, "not_found_job: job job_1 not found", appErr.Error())
}

func TestAppError_UnwrapChain(t *testing.T) {
	underlying := errors.New("connection refused")
	appErr := NewAppError(ErrCodeInternalDB, "failed to enqueue job", underlying)

	wrapped := fmt.Errorf("enqueue: %w", appErr)
	assert.True(t, errors.Is(wrapped, underlying))

	var target *AppError
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, ErrCodeInternalDB, target.Code)
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("cycle: %w", NewAppError(ErrCodeConflictAlreadyProcessed, "job job_1 is not pending", nil))
	assert.True(t, HasCode(err, ErrCodeConflictAlreadyProcessed))
	assert.False(t, HasCode(err, ErrCodeInternalDB))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeConflictAlreadyProcessed))
	assert.False(t, HasCode(nil, ErrCodeConflictAlreadyProcessed))
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidTime, http.StatusBadRequest},
		{ErrCodeAuthTokenInvalid, http.StatusUnauthorized},
		{ErrCodeAuthSignatureInvalid, http.StatusUnauthorized},
		{ErrCodePermissionOrgMismatch, http.StatusForbidden},
		{ErrCodeNotFoundAppointment, http.StatusNotFound},
		{ErrCodeConflictAppointmentState, http.StatusConflict},
		{ErrCodeSmsUndeliverable, http.StatusUnprocessableEntity},
		{ErrCodeUpstreamTwilio, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.HTTPStatus())
		})
	}
}

func TestAppError_WithDetailsDoesNotMutate(t *testing.T) {
	orig := NewAppErrorWithDetails(ErrCodeValidationMissingField, "missing", nil, map[string]any{"field": "to"})
	cp := orig.WithDetails(map[string]any{"hint": "E.164"})

	assert.Len(t, orig.Details, 1)
	assert.Equal(t, "to", cp.Details["field"])
	assert.Equal(t, "E.164", cp.Details["hint"])
}

func TestSecretString_Redacts(t *testing.T) {
	s := SecretString("AC-secret")
	assert.Equal(t, redactedPlaceholder, fmt.Sprintf("%v", s))

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"***REDACTED***"`, string(b))
	assert.Equal(t, "AC-secret", s.Unmask())
}
