package rpc

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
)

/*
  Persistent RPC status document, GET /api/rpc/persistent/{rpcId}:

{
	"id": { "entityType": "RPC", "id": "0f1a6d3c-..." },
	"createdTime": 1672531200000,
	"deviceId": { "entityType": "DEVICE", "id": "784f394c-..." },
	"expirationTime": 1672534800000,
	"request": { "body": { "method": "setGpio", "params": "{\"pin\":7}" }, ... },
	"response": { "pin": 7, "value": 1 },
	"status": "SUCCESSFUL"
}
*/

type entityID struct {
	EntityType string `json:"entityType"`
	ID         string `json:"id"`
}

type persistentRPC struct {
	ID             entityID        `json:"id"`
	DeviceID       entityID        `json:"deviceId"`
	ExpirationTime int64           `json:"expirationTime"`
	Status         Status          `json:"status"`
	Response       json.RawMessage `json:"response"`
	Request        struct {
		Body struct {
			Method string `json:"method"`
		} `json:"body"`
	} `json:"request"`
}

type submitResponse struct {
	RPCID string `json:"rpcId"`
}

func validateRequestID(requestID string) (string, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return "", newValidationError("requestID", requestID, "request ID must not be empty")
	}

	return requestID, nil
}

func persistentPath(requestID string) string {
	return "/api/rpc/persistent/" + url.PathEscape(requestID)
}

// Submit posts a durable request and returns as soon as the platform has
// queued it.  The device may be offline.
func (c *Live) Submit(deviceID string, method string, params Params, expiration time.Time) (*PersistentHandle, error) {
	deviceID, err := validateDeviceID(deviceID)
	if err != nil {
		return nil, err
	}

	req, err := NewRequest(method, params, WithExpiration(expiration))
	if err != nil {
		return nil, err
	}

	ctxLogger := c.logger(deviceID, req.Method())
	ctxLogger.Debugf("submitting persistent rpc, expires %s", expiration)

	path := "/api/rpc/twoway/" + url.PathEscape(deviceID)
	status, body, err := c.transport.Send(c.ctx, http.MethodPost, path, req, nil, 0)
	if err != nil {
		if cerr := c.callerErr("submitting persistent rpc %s to device %s", req.Method(), deviceID); cerr != nil {
			return nil, cerr
		}
		return nil, &RPCError{
			Method:   req.Method(),
			DeviceID: deviceID,
			Message:  "submitting persistent request",
			cause:    err,
		}
	}

	if status != http.StatusOK {
		return nil, &RPCError{
			Method:     req.Method(),
			DeviceID:   deviceID,
			StatusCode: status,
			Message:    "persistent request rejected: " + string(body),
		}
	}

	sr := submitResponse{}
	if err := json.Unmarshal(body, &sr); err != nil || sr.RPCID == "" {
		if err == nil {
			err = errors.New("no rpcId in response")
		}
		return nil, &RPCError{
			Method:   req.Method(),
			DeviceID: deviceID,
			Message:  "decoding persistent submission response",
			cause:    err,
		}
	}

	ctxLogger.Infof("persistent rpc queued as %s", sr.RPCID)

	return &PersistentHandle{
		RequestID:   sr.RPCID,
		DeviceID:    deviceID,
		Method:      req.Method(),
		SubmittedAt: c.clock.Now(),
		ExpiresAt:   req.Expiration(),
	}, nil
}

// PollStatus reads the current state of a persistent request.  Nothing is
// cached between calls.
func (c *Live) PollStatus(requestID string) (*PollResult, error) {
	requestID, err := validateRequestID(requestID)
	if err != nil {
		return nil, err
	}

	return c.pollStatus(requestID, 0)
}

// pollStatus makes one status read bounded by timeout, zero meaning the
// transport default
func (c *Live) pollStatus(requestID string, timeout time.Duration) (*PollResult, error) {
	status, body, err := c.transport.Send(c.ctx, http.MethodGet, persistentPath(requestID), nil, nil, timeout)
	if err != nil {
		if cerr := c.callerErr("polling persistent rpc %s", requestID); cerr != nil {
			return nil, cerr
		}
		return nil, &RPCError{
			RequestID: requestID,
			Message:   "polling persistent request",
			cause:     err,
		}
	}

	if status != http.StatusOK {
		msg := "polling persistent request failed"
		if status == http.StatusNotFound {
			msg = "persistent request not found"
		}
		return nil, &RPCError{
			RequestID:  requestID,
			StatusCode: status,
			Message:    msg,
		}
	}

	doc := persistentRPC{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &RPCError{
			RequestID: requestID,
			Message:   "decoding persistent request status",
			cause:     err,
		}
	}

	result := &PollResult{
		RequestID: requestID,
		DeviceID:  doc.DeviceID.ID,
		Method:    doc.Request.Body.Method,
		Status:    doc.Status,
	}
	if doc.ExpirationTime > 0 {
		result.ExpiresAt = fromMillis(doc.ExpirationTime)
	}

	if doc.Status == StatusSuccessful {
		result.Response = &Response{
			RequestID:  requestID,
			Method:     doc.Request.Body.Method,
			Payload:    doc.Response,
			ReceivedAt: c.clock.Now(),
		}
	}

	c.logger(doc.DeviceID.ID, doc.Request.Body.Method).Debugf("persistent rpc %s is %s", requestID, doc.Status)

	return result, nil
}

// WaitFor polls a persistent request until it reaches a terminal state or
// timeout elapses.  Each poll is bounded by the time remaining.  On timeout
// the request is left on the platform; callers should Cancel it.
func (c *Live) WaitFor(requestID string, timeout time.Duration, pollInterval time.Duration) (*Response, error) {
	requestID, err := validateRequestID(requestID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, newValidationError("timeout", timeout, "timeout must be greater than zero")
	}
	if pollInterval <= 0 {
		return nil, newValidationError("pollInterval", pollInterval, "poll interval must be greater than zero")
	}

	deadline := c.clock.Now().Add(timeout)
	timedOut := func(last Status) error {
		logging.Logger(c.ctx).Warnf("gave up waiting for persistent rpc %s after %s, last status %s", requestID, timeout, last)
		return &TimeoutError{Timeout: timeout, Operation: "persistent RPC " + requestID}
	}

	var last Status
	for {
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return nil, timedOut(last)
		}

		result, err := c.pollStatus(requestID, remaining)
		if err != nil {
			var re *RPCError
			if errors.As(err, &re) && isTransportTimeout(re.Cause()) {
				return nil, timedOut(last)
			}
			return nil, err
		}
		last = result.Status

		if result.Status == StatusSuccessful {
			return result.Response, nil
		}

		if result.Status.IsTerminal() {
			return nil, &RPCError{
				Method:    result.Method,
				DeviceID:  result.DeviceID,
				RequestID: requestID,
				Status:    result.Status,
				Message:   "persistent request ended unsuccessfully",
			}
		}

		wait := pollInterval
		if remaining = deadline.Sub(c.clock.Now()); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			continue
		}

		select {
		case <-c.ctx.Done():
			return nil, errors.Wrapf(c.ctx.Err(), "waiting for persistent rpc %s", requestID)
		case <-c.clock.After(wait):
		}
	}
}

func (c *Live) WaitForWithRetry(requestID string, timeout time.Duration, pollInterval time.Duration, policy RetryPolicy) (*Response, error) {
	return Retry(c.ctx, c.clock, policy, "persistent RPC "+requestID, func() (*Response, error) {
		return c.WaitFor(requestID, timeout, pollInterval)
	})
}

// Cancel deletes a persistent request.  A request that is already gone is
// reported as false, not as an error.
func (c *Live) Cancel(requestID string) (bool, error) {
	requestID, err := validateRequestID(requestID)
	if err != nil {
		return false, err
	}

	status, body, err := c.transport.Send(c.ctx, http.MethodDelete, persistentPath(requestID), nil, nil, 0)
	if err != nil {
		if cerr := c.callerErr("deleting persistent rpc %s", requestID); cerr != nil {
			return false, cerr
		}
		return false, &RPCError{
			RequestID: requestID,
			Message:   "deleting persistent request",
			cause:     err,
		}
	}

	switch status {
	case http.StatusOK, http.StatusNoContent:
		logging.Logger(c.ctx).Debugf("deleted persistent rpc %s", requestID)
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}

	return false, &RPCError{
		RequestID:  requestID,
		StatusCode: status,
		Message:    "deleting persistent request failed: " + string(body),
	}
}
