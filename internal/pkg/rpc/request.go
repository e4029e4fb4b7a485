package rpc

import (
	"encoding/json"
	"strings"
	"time"
)

// Params holds the arguments of an RPC call.  The shape is whatever the
// device firmware expects; only JSON-serialisability is required.
type Params map[string]interface{}

// Request is a validated RPC call, built by NewRequest.  The zero value is
// not usable.
type Request struct {
	method     string
	params     Params
	persistent bool
	timeout    time.Duration
	expiration time.Time
}

type RequestOption func(*Request) error

// WithTimeout sets the server-side deadline of a two-way call
func WithTimeout(d time.Duration) RequestOption {
	return func(r *Request) error {
		if d <= 0 {
			return newValidationError("timeout", d, "timeout must be greater than zero")
		}
		r.timeout = d
		return nil
	}
}

// WithExpiration marks the request as persistent, to be discarded by the
// platform at t if still undelivered
func WithExpiration(t time.Time) RequestOption {
	return func(r *Request) error {
		if t.IsZero() || millis(t) <= 0 {
			return newValidationError("expirationTime", t, "expiration time must be a positive epoch time")
		}
		r.persistent = true
		r.expiration = t
		return nil
	}
}

// NewRequest validates the caller input and returns an immutable request
func NewRequest(method string, params Params, opts ...RequestOption) (Request, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return Request{}, newValidationError("method", method, "RPC method name must not be empty")
	}

	// copy so that later changes to the caller's map are not transmitted
	p := make(Params, len(params))
	for k, v := range params {
		p[k] = v
	}

	r := Request{
		method: method,
		params: p,
	}

	for _, opt := range opts {
		if err := opt(&r); err != nil {
			return Request{}, err
		}
	}

	return r, nil
}

func (r Request) Method() string {
	return r.method
}

// Params returns a copy of the request parameters
func (r Request) Params() Params {
	p := make(Params, len(r.params))
	for k, v := range r.params {
		p[k] = v
	}
	return p
}

func (r Request) IsPersistent() bool {
	return r.persistent
}

// Timeout returns the server-side deadline, or zero if none was set
func (r Request) Timeout() time.Duration {
	return r.timeout
}

// Expiration returns the persistent request expiry, or the zero time
func (r Request) Expiration() time.Time {
	return r.expiration
}

// Version of the request that goes over the wire
type requestMarshal struct {
	Method         string `json:"method"`
	Params         Params `json:"params"`
	Timeout        int64  `json:"timeout,omitempty"`
	Persistent     bool   `json:"persistent,omitempty"`
	ExpirationTime int64  `json:"expirationTime,omitempty"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	rm := requestMarshal{
		Method:     r.method,
		Params:     r.params,
		Persistent: r.persistent,
	}

	if rm.Params == nil {
		rm.Params = Params{}
	}
	if r.timeout > 0 {
		rm.Timeout = r.timeout.Milliseconds()
	}
	if r.persistent {
		rm.ExpirationTime = millis(r.expiration)
	}

	return json.Marshal(rm)
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}
