package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Unwraps(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFoundError("SUBSCRIPTION"))

	assert.True(t, IsNotFound(err))
	assert.Equal(t, "SUBSCRIPTION_NOT_FOUND", GetErrorCode(err))
	assert.False(t, IsConflict(err))
}

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", NotFoundError("ENROLLMENT"), false},
		{"signature", SignatureError("stripe", errors.New("bad mac")), false},
		{"unauthorized", UnauthorizedError("token rejected", nil), false},
		{"missing secret", NotConfiguredError("stripe webhook secret"), true},
		{"unavailable", ServiceUnavailableError("validator", nil), true},
		{"plain io error", errors.New("connection reset"), true},
		{"wrapped invalid input", fmt.Errorf("x: %w", ErrInvalidInput), false},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldRetry(tc.err))
		})
	}
}

func TestInternalError_NilCause(t *testing.T) {
	de := InternalError("boom", nil)
	assert.Nil(t, de.Details)
	assert.True(t, errors.Is(de, ErrInternal))
}
