package errors

import (
	"fmt"
	"net/http"
	"testing"

	"livecast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDomainMapping(t *testing.T) {
	cases := []struct {
		err    error
		code   ErrorCode
		status int
	}{
		{domain.ErrRoomNotFound, ErrCodeNoRoom, http.StatusNotFound},
		{domain.ErrPeerNotFound, ErrCodeNotFound, http.StatusNotFound},
		{domain.ErrRoomCapacity, ErrCodeCapacity, http.StatusServiceUnavailable},
		{domain.ErrRoomFull, ErrCodeRoomFull, http.StatusServiceUnavailable},
		{domain.ErrHostPresent, ErrCodeHostPresent, http.StatusConflict},
		{domain.ErrRoleMismatch, ErrCodeRoleMismatch, http.StatusForbidden},
		{domain.ErrTransportNotReady, ErrCodeTransportNotReady, http.StatusConflict},
		{domain.ErrWrongDirection, ErrCodeStateError, http.StatusConflict},
		{domain.ErrAlreadyConsuming, ErrCodeAlreadyConsuming, http.StatusConflict},
		{domain.ErrCannotConsume, ErrCodeMediaWorker, http.StatusConflict},
		{domain.ErrWorkerDead, ErrCodeFatal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		appErr := FromDomain(tc.err)
		require.NotNil(t, appErr, tc.err.Error())
		assert.Equal(t, tc.code, appErr.Code, tc.err.Error())
		assert.Equal(t, tc.status, appErr.HTTPStatus, tc.err.Error())
	}
}

func TestFromDomainWrapsUnknown(t *testing.T) {
	cause := fmt.Errorf("boom")
	appErr := FromDomain(cause)
	require.NotNil(t, appErr)
	assert.Equal(t, ErrCodeInternal, appErr.Code)
	assert.ErrorIs(t, appErr, cause)
}

func TestFromDomainNil(t *testing.T) {
	assert.Nil(t, FromDomain(nil))
}

func TestFromDomainWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("register: %w", domain.ErrRoomFull)
	appErr := FromDomain(err)
	require.NotNil(t, appErr)
	assert.Equal(t, ErrCodeRoomFull, appErr.Code)
}

func TestGetAppError(t *testing.T) {
	appErr := NewValidationError("bad input")
	wrapped := fmt.Errorf("handler: %w", appErr)

	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeValidation, got.Code)

	assert.Nil(t, GetAppError(fmt.Errorf("plain")))
}

func TestAppErrorString(t *testing.T) {
	err := Wrap(fmt.Errorf("socket closed"), ErrCodeMediaWorker, "produce failed", http.StatusInternalServerError)
	assert.Contains(t, err.Error(), "MEDIA_WORKER")
	assert.Contains(t, err.Error(), "socket closed")
}
