package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	te := &TimeoutError{Timeout: time.Second, Operation: "RPC echo"}
	wrapped := errors.Wrap(te, "calling device")

	assert.True(t, IsTimeout(wrapped))
	assert.False(t, IsRPC(wrapped))
	assert.False(t, IsValidation(wrapped))
	assert.Equal(t, "RPC echo timed out after 1s", te.Error())

	var got *TimeoutError
	require.True(t, errors.As(wrapped, &got))
	assert.Equal(t, time.Second, got.Timeout)

	re := &RPCError{Method: "echo", DeviceID: "dev-1", StatusCode: 500, Message: "failed", cause: netTimeout{}}
	assert.True(t, IsRPC(re))
	assert.Equal(t, netTimeout{}, errors.Cause(re))
	assert.Contains(t, re.Error(), "HTTP status 500")

	assert.True(t, IsValidation(newValidationError("method", "", "empty")))
}

func TestIsTransportTimeout(t *testing.T) {
	assert.True(t, isTransportTimeout(context.DeadlineExceeded))
	assert.True(t, isTransportTimeout(errors.Wrap(context.DeadlineExceeded, "executing POST")))
	assert.True(t, isTransportTimeout(errors.Wrap(netTimeout{}, "executing POST")))
	assert.True(t, isTransportTimeout(&RPCError{Message: "polling", cause: netTimeout{}}))

	assert.False(t, isTransportTimeout(nil))
	assert.False(t, isTransportTimeout(context.Canceled))
	assert.False(t, isTransportTimeout(errors.New("connection refused")))
	assert.False(t, isTransportTimeout(&TimeoutError{Timeout: time.Second}))
}
