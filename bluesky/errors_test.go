package bluesky

import (
	"context"
	"errors"
	"testing"

	"github.com/bluesky-social/indigo/xrpc"
	"github.com/stretchr/testify/assert"

	"skyfeeds/savedfeeds"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{
			name:     "unauthorized",
			err:      &xrpc.Error{StatusCode: 401, Wrapped: &xrpc.XRPCError{ErrStr: "AuthenticationRequired"}},
			expected: savedfeeds.ErrAuth,
		},
		{
			name:     "expired token on bad request",
			err:      &xrpc.Error{StatusCode: 400, Wrapped: &xrpc.XRPCError{ErrStr: "ExpiredToken"}},
			expected: savedfeeds.ErrAuth,
		},
		{
			name:     "conflict",
			err:      &xrpc.Error{StatusCode: 409, Wrapped: &xrpc.XRPCError{ErrStr: "InvalidSwap"}},
			expected: savedfeeds.ErrConflict,
		},
		{
			name:     "rejected request",
			err:      &xrpc.Error{StatusCode: 400, Wrapped: &xrpc.XRPCError{ErrStr: "InvalidRequest"}},
			expected: savedfeeds.ErrConflict,
		},
		{
			name:     "missing list",
			err:      &xrpc.Error{StatusCode: 400, Wrapped: &xrpc.XRPCError{ErrStr: "ListNotFound"}},
			expected: ErrNotFound,
		},
		{
			name:     "server error",
			err:      &xrpc.Error{StatusCode: 502},
			expected: savedfeeds.ErrNetwork,
		},
		{
			name:     "rate limited",
			err:      &xrpc.Error{StatusCode: 429},
			expected: savedfeeds.ErrNetwork,
		},
		{
			name:     "timeout",
			err:      context.DeadlineExceeded,
			expected: savedfeeds.ErrNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err)
			assert.True(t, errors.Is(err, tt.expected), "got %v", err)
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify(nil))
}

func TestIsExpiredToken(t *testing.T) {
	assert.True(t, isExpiredToken(&xrpc.Error{StatusCode: 400, Wrapped: &xrpc.XRPCError{ErrStr: "ExpiredToken"}}))
	assert.False(t, isExpiredToken(&xrpc.Error{StatusCode: 400, Wrapped: &xrpc.XRPCError{ErrStr: "InvalidRequest"}}))
	assert.False(t, isExpiredToken(errors.New("boom")))
}
