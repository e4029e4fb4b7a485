package rpc

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryReturnsLastTimeoutUnchanged(t *testing.T) {
	attempts := 0
	var last *TimeoutError

	_, err := Retry(context.Background(), clock.WallClock, RetryPolicy{MaxRetries: 2}, "op", func() (*Response, error) {
		attempts++
		last = &TimeoutError{Timeout: time.Second, Operation: "op"}
		return nil, last
	})

	assert.Equal(t, 3, attempts)
	assert.True(t, err == error(last), "expected the final attempt's error")
}

func TestRetryStopsOnSuccess(t *testing.T) {
	attempts := 0

	resp, err := Retry(context.Background(), clock.WallClock, RetryPolicy{MaxRetries: 5}, "op", func() (*Response, error) {
		attempts++
		if attempts < 3 {
			return nil, &RPCError{Method: "op", Message: "busy"}
		}
		return &Response{Method: "op"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "op", resp.Method)
	assert.Equal(t, 3, attempts)
}

func TestRetryDoesNotRetryValidation(t *testing.T) {
	attempts := 0

	_, err := Retry(context.Background(), clock.WallClock, RetryPolicy{MaxRetries: 3}, "op", func() (*Response, error) {
		attempts++
		return nil, newValidationError("method", "", "empty")
	})

	assert.True(t, IsValidation(err))
	assert.Equal(t, 1, attempts)
}

func TestRetryZeroRetries(t *testing.T) {
	attempts := 0

	_, err := Retry(context.Background(), clock.WallClock, RetryPolicy{}, "op", func() (*Response, error) {
		attempts++
		return nil, &RPCError{Message: "nope"}
	})

	assert.True(t, IsRPC(err))
	assert.Equal(t, 1, attempts)
}

func TestRetryRejectsNegativePolicy(t *testing.T) {
	called := false
	call := func() (*Response, error) {
		called = true
		return nil, nil
	}

	_, err := Retry(context.Background(), clock.WallClock, RetryPolicy{MaxRetries: -1}, "op", call)
	assert.True(t, IsValidation(err))

	_, err = Retry(context.Background(), clock.WallClock, RetryPolicy{Delay: -time.Second}, "op", call)
	assert.True(t, IsValidation(err))

	assert.False(t, called)
}

func TestRetryWaitsBetweenAttempts(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	attempts := make(chan struct{}, 10)

	done := make(chan error, 1)
	go func() {
		_, err := Retry(context.Background(), clk, RetryPolicy{MaxRetries: 2, Delay: time.Minute}, "op", func() (*Response, error) {
			attempts <- struct{}{}
			return nil, &RPCError{Message: "busy"}
		})
		done <- err
	}()

	<-attempts
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	<-attempts
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	<-attempts

	select {
	case err := <-done:
		assert.True(t, IsRPC(err))
	case <-time.After(time.Second * 5):
		t.Fatal("Retry did not return")
	}
	assert.Len(t, attempts, 0)
}

func TestRetryInterruptedByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	_, err := Retry(ctx, clock.WallClock, RetryPolicy{MaxRetries: 3, Delay: time.Hour}, "op", func() (*Response, error) {
		attempts++
		cancel()
		return nil, &RPCError{Message: "busy"}
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, attempts)
}

func TestSendWithRetry(t *testing.T) {
	tr := newStubTransport(func(n int, call sentCall) stubReply {
		if n == 0 {
			return stubReply{status: http.StatusRequestTimeout}
		}
		return stubReply{status: http.StatusOK, body: `{"value":1}`}
	})

	resp, err := NewLiveClient(tr).SendWithRetry(testDevice, "read", nil, time.Second, 2, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":1}`, string(resp.Payload))
	assert.Len(t, tr.Calls(), 2)
}

func TestSendWithRetryExhausted(t *testing.T) {
	tr := newStubTransport(func(int, sentCall) stubReply {
		return stubReply{err: netTimeout{}}
	})

	_, err := NewLiveClient(tr).SendWithRetry(testDevice, "read", nil, time.Second, 2, 0)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, time.Second, te.Timeout)
	assert.Len(t, tr.Calls(), 3)
}

func TestWaitForWithRetry(t *testing.T) {
	tr := newStubTransport(func(n int, call sentCall) stubReply {
		if n == 0 {
			return stubReply{status: http.StatusOK, body: persistentDoc(StatusFailed, "")}
		}
		return stubReply{status: http.StatusOK, body: persistentDoc(StatusSuccessful, `{"ok":true}`)}
	})

	resp, err := NewLiveClient(tr).WaitForWithRetry("rpc-1", time.Second, time.Millisecond*10, RetryPolicy{MaxRetries: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Payload))
}
