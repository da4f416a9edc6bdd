package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(CodeNotFound, "call not found")
	assert.Equal(t, "NOT_FOUND: call not found", plain.Error())

	wrapped := Wrap(CodeInternal, "failed to persist call record", errors.New("connection refused"))
	assert.Equal(t, "INTERNAL_ERROR: failed to persist call record: connection refused", wrapped.Error())
	assert.Equal(t, wrapped.Cause, errors.Unwrap(wrapped))
}

func TestWithDetailsChaining(t *testing.T) {
	err := New(CodeInvalidPhoneNumber, "phone number must be E.164").
		WithDetails(map[string]any{"phone": "555-1234"})

	require.NotNil(t, err.Details)
	assert.Equal(t, "555-1234", err.Details["phone"])
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeNotFound, 404},
		{CodeRateLimited, 429},
		{CodeCircuitOpen, 503},
		{CodeProviderError, 502},
		{Code("SOMETHING_UNMAPPED"), 500},
	}
	for _, tc := range cases {
		err := New(tc.code, "x")
		assert.Equal(t, tc.want, err.HTTPStatus(), "code=%s", tc.code)
	}
}

func TestCodeOfAndIs(t *testing.T) {
	err := New(CodeCallAlreadyCompleted, "already completed")
	assert.Equal(t, CodeCallAlreadyCompleted, CodeOf(err))
	assert.True(t, Is(err, CodeCallAlreadyCompleted))
	assert.False(t, Is(err, CodeNotFound))

	wrapped := Wrap(CodeRetryNotFound, "no retry", errors.New("boom"))
	outer := errors.New("context: " + wrapped.Error())
	assert.Equal(t, CodeInternal, CodeOf(outer), "a plain error should classify as internal")
	assert.Equal(t, CodeRetryNotFound, CodeOf(wrapped))
}

func TestCodeOfNonAppError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain error")))
}
