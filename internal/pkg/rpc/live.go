package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
)

// DefaultTimeoutBuffer is added to the RPC timeout to give the transport
// deadline, so that the platform's own timeout surfaces first
const DefaultTimeoutBuffer = time.Second * 5

type Live struct {
	transport     Transport
	timeoutBuffer time.Duration
	clock         clock.Clock
	ctx           context.Context
}

func NewLiveClient(t Transport) *Live {
	return &Live{
		transport:     t,
		timeoutBuffer: DefaultTimeoutBuffer,
		clock:         clock.WallClock,
		ctx:           context.Background(),
	}
}

func (c *Live) WithContext(ctx context.Context) Client {
	nc := *c
	nc.ctx = ctx
	return &nc
}

func (c *Live) WithClock(clk clock.Clock) Client {
	nc := *c
	nc.clock = clk
	return &nc
}

func (c *Live) WithTimeoutBuffer(d time.Duration) Client {
	nc := *c
	nc.timeoutBuffer = d
	return &nc
}

func (c *Live) logger(deviceID, method string) *logrus.Entry {
	return logging.Logger(c.ctx).WithFields(logrus.Fields{
		"deviceid": deviceID,
		"method":   method,
	})
}

// callerErr returns the caller's own context error, if any.  It is not an
// RPC failure and is never retried.
func (c *Live) callerErr(format string, args ...interface{}) error {
	if err := c.ctx.Err(); err != nil {
		return errors.Wrapf(err, format, args...)
	}

	return nil
}

func validateDeviceID(deviceID string) (string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", newValidationError("deviceID", deviceID, "device ID must not be empty")
	}

	return deviceID, nil
}

func (c *Live) SendOneWay(deviceID string, method string, params Params) (bool, error) {
	deviceID, err := validateDeviceID(deviceID)
	if err != nil {
		return false, err
	}

	req, err := NewRequest(method, params)
	if err != nil {
		return false, err
	}

	c.logger(deviceID, req.Method()).Debug("sending one-way rpc")

	path := "/api/plugins/rpc/oneway/" + url.PathEscape(deviceID)
	status, _, err := c.transport.Send(c.ctx, http.MethodPost, path, req, nil, 0)
	if err != nil {
		if cerr := c.callerErr("one-way rpc %s to device %s", req.Method(), deviceID); cerr != nil {
			return false, cerr
		}
		return false, &RPCError{
			Method:   req.Method(),
			DeviceID: deviceID,
			Message:  "sending one-way request",
			cause:    err,
		}
	}

	if status != http.StatusOK {
		c.logger(deviceID, req.Method()).Warnf("one-way rpc not accepted: HTTP status %d", status)
		return false, nil
	}

	return true, nil
}

func (c *Live) SendTwoWay(deviceID string, method string, params Params, timeout time.Duration) (*Response, error) {
	deviceID, err := validateDeviceID(deviceID)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		return nil, newValidationError("timeout", timeout, "timeout must be greater than zero")
	}

	req, err := NewRequest(method, params, WithTimeout(timeout))
	if err != nil {
		return nil, err
	}

	ctxLogger := c.logger(deviceID, req.Method())
	ctxLogger.Debugf("sending two-way rpc, timeout %s", timeout)

	path := "/api/plugins/rpc/twoway/" + url.PathEscape(deviceID)
	status, body, err := c.transport.Send(c.ctx, http.MethodPost, path, req, nil, timeout+c.timeoutBuffer)
	if err != nil {
		if cerr := c.callerErr("two-way rpc %s to device %s", req.Method(), deviceID); cerr != nil {
			return nil, cerr
		}
		if isTransportTimeout(err) {
			return nil, &TimeoutError{Timeout: timeout, Operation: "RPC " + req.Method()}
		}

		return nil, &RPCError{
			Method:   req.Method(),
			DeviceID: deviceID,
			Message:  "sending two-way request",
			cause:    err,
		}
	}

	switch status {
	case http.StatusOK:
	case http.StatusRequestTimeout:
		// platform gave up waiting for the device
		return nil, &TimeoutError{Timeout: timeout, Operation: "RPC " + req.Method()}
	default:
		return nil, &RPCError{
			Method:     req.Method(),
			DeviceID:   deviceID,
			StatusCode: status,
			Message:    "two-way request failed: " + string(body),
		}
	}

	resp := &Response{
		RequestID:  replyID(body),
		Method:     req.Method(),
		Payload:    json.RawMessage(body),
		ReceivedAt: c.clock.Now(),
	}
	ctxLogger.Debugf("two-way rpc reply: %s", body)

	return resp, nil
}

// replyID extracts a string "id" member from a device reply, if the reply
// is an object that has one
func replyID(body []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}

	var id string
	if raw, ok := obj["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return ""
		}
	}

	return id
}

func (c *Live) SendWithRetry(deviceID string, method string, params Params, timeout time.Duration, maxRetries int, retryDelay time.Duration) (*Response, error) {
	policy := RetryPolicy{MaxRetries: maxRetries, Delay: retryDelay}

	return Retry(c.ctx, c.clock, policy, "RPC "+strings.TrimSpace(method), func() (*Response, error) {
		return c.SendTwoWay(deviceID, method, params, timeout)
	})
}
