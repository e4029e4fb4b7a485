package rpc

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/juju/clock"
)

// Transport performs an authenticated call against the platform API.  A
// timeout of zero means the transport's default.
type Transport interface {
	Send(ctx context.Context, method string, path string, body interface{}, query url.Values, timeout time.Duration) (int, []byte, error)
}

// Response is the device reply to a completed two-way or persistent call
type Response struct {
	RequestID  string
	Method     string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the device reply into v
func (r Response) Decode(v interface{}) error {
	return json.Unmarshal(r.Payload, v)
}

func (r Response) ReceivedAtMillis() int64 {
	return millis(r.ReceivedAt)
}

// PersistentHandle identifies a submitted persistent request.  It is owned
// by the caller; the client keeps no copy.
type PersistentHandle struct {
	RequestID   string
	DeviceID    string
	Method      string
	SubmittedAt time.Time
	ExpiresAt   time.Time
}

// PollResult is a single authoritative read of a persistent request
type PollResult struct {
	RequestID string
	DeviceID  string
	Method    string
	Status    Status
	ExpiresAt time.Time

	// Set only when Status is StatusSuccessful
	Response *Response
}

type Client interface {
	WithContext(ctx context.Context) Client
	WithClock(clk clock.Clock) Client
	WithTimeoutBuffer(d time.Duration) Client

	SendOneWay(deviceID string, method string, params Params) (bool, error)
	SendTwoWay(deviceID string, method string, params Params, timeout time.Duration) (*Response, error)
	SendWithRetry(deviceID string, method string, params Params, timeout time.Duration, maxRetries int, retryDelay time.Duration) (*Response, error)

	Submit(deviceID string, method string, params Params, expiration time.Time) (*PersistentHandle, error)
	PollStatus(requestID string) (*PollResult, error)
	WaitFor(requestID string, timeout time.Duration, pollInterval time.Duration) (*Response, error)
	WaitForWithRetry(requestID string, timeout time.Duration, pollInterval time.Duration, policy RetryPolicy) (*Response, error)
	Cancel(requestID string) (bool, error)
}
