package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	openapierrors "github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/gorilla/mux"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
	"github.com/jake-scott/thingsboard-rpc/internal/pkg/rpc"
)

/*
 * RPCHandler exposes the RPC client over a small local REST API, so that
 * scripts and services without a platform login can drive devices:
 *
 *   POST   /devices/{deviceId}/rpc/oneway
 *   POST   /devices/{deviceId}/rpc/twoway
 *   POST   /devices/{deviceId}/rpc/persistent
 *   GET    /rpc/{rpcId}
 *   GET    /rpc/{rpcId}/wait?timeout=30s&interval=1s
 *   DELETE /rpc/{rpcId}
 */

const (
	defaultWaitTimeout  = time.Second * 30
	defaultWaitInterval = time.Second
)

type RPCHandler struct {
	client rpc.Client
}

func NewRPCHandler(cli rpc.Client) RPCHandler {
	return RPCHandler{client: cli}
}

// Register adds the bridge routes to r
func (h *RPCHandler) Register(r *mux.Router) {
	r.HandleFunc("/devices/{deviceId}/rpc/oneway", h.HandleOneWay).Methods(http.MethodPost)
	r.HandleFunc("/devices/{deviceId}/rpc/twoway", h.HandleTwoWay).Methods(http.MethodPost)
	r.HandleFunc("/devices/{deviceId}/rpc/persistent", h.HandleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/rpc/{rpcId}", h.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/rpc/{rpcId}/wait", h.HandleWait).Methods(http.MethodGet)
	r.HandleFunc("/rpc/{rpcId}", h.HandleCancel).Methods(http.MethodDelete)
}

type rpcRequestBody struct {
	Method string     `json:"method"`
	Params rpc.Params `json:"params"`

	// two-way only, milliseconds
	Timeout    int64 `json:"timeout,omitempty"`
	Retries    int   `json:"retries,omitempty"`
	RetryDelay int64 `json:"retryDelay,omitempty"`

	// persistent only, epoch milliseconds
	ExpirationTime int64 `json:"expirationTime,omitempty"`
}

type rpcResponseBody struct {
	RequestID  string          `json:"requestId,omitempty"`
	Method     string          `json:"method,omitempty"`
	Status     rpc.Status      `json:"status,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt int64           `json:"receivedAt,omitempty"`
	ExpiresAt  int64           `json:"expirationTime,omitempty"`
}

type oneWayResponseBody struct {
	Delivered bool `json:"delivered"`
}

func newRPCResponseBody(resp *rpc.Response) rpcResponseBody {
	return rpcResponseBody{
		RequestID:  resp.RequestID,
		Method:     resp.Method,
		Payload:    resp.Payload,
		ReceivedAt: resp.ReceivedAtMillis(),
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// Largest millisecond count that converts to a time.Duration
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// millisField converts a millisecond request field, rejecting values that
// would overflow
func millisField(w http.ResponseWriter, r *http.Request, name string, ms int64) (time.Duration, bool) {
	if ms > maxMillis || ms < -maxMillis {
		sendBadRequest(w, r, "%s %d is out of range", name, ms)
		return 0, false
	}

	return time.Duration(ms) * time.Millisecond, true
}

// Platform device IDs are UUIDs; reject anything else before it is used
// in an upstream URL
func (h *RPCHandler) deviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["deviceId"]
	if !strfmt.IsUUID(id) {
		sendBadRequest(w, r, "device ID %q is not a UUID", id)
		return "", false
	}

	return id, true
}

func (h *RPCHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (rpcRequestBody, bool) {
	var req rpcRequestBody
	if err := decodeJSONBody(w, r, &req); err != nil {
		logging.Logger(r.Context()).WithError(err).Errorf("decoding JSON")
		sendBadRequest(w, r, "unable to parse JSON: %s", err)
		return req, false
	}

	return req, true
}

func (h *RPCHandler) HandleOneWay(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	delivered, err := h.client.WithContext(r.Context()).SendOneWay(deviceID, req.Method, req.Params)
	if err != nil {
		sendRPCError(w, r, err)
		return
	}

	status := http.StatusOK
	if !delivered {
		status = http.StatusBadGateway
	}
	sendJSONResponse(w, r, status, oneWayResponseBody{Delivered: delivered})
}

func (h *RPCHandler) HandleTwoWay(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	timeout, ok := millisField(w, r, "timeout", req.Timeout)
	if !ok {
		return
	}
	if req.Timeout == 0 {
		timeout = defaultWaitTimeout
	}
	retryDelay, ok := millisField(w, r, "retryDelay", req.RetryDelay)
	if !ok {
		return
	}

	c := h.client.WithContext(r.Context())

	var (
		resp *rpc.Response
		err  error
	)
	// negative retry counts are rejected by the retry policy
	if req.Retries != 0 || req.RetryDelay != 0 {
		resp, err = c.SendWithRetry(deviceID, req.Method, req.Params, timeout, req.Retries, retryDelay)
	} else {
		resp, err = c.SendTwoWay(deviceID, req.Method, req.Params, timeout)
	}
	if err != nil {
		sendRPCError(w, r, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, newRPCResponseBody(resp))
}

func (h *RPCHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	if req.ExpirationTime > maxMillis || req.ExpirationTime < 0 {
		sendBadRequest(w, r, "expirationTime %d is out of range", req.ExpirationTime)
		return
	}
	expiration := time.Unix(0, req.ExpirationTime*int64(time.Millisecond))
	if req.ExpirationTime == 0 {
		expiration = time.Now().Add(time.Hour * 24)
	}

	handle, err := h.client.WithContext(r.Context()).Submit(deviceID, req.Method, req.Params, expiration)
	if err != nil {
		sendRPCError(w, r, err)
		return
	}

	w.Header().Set("Location", "/rpc/"+handle.RequestID)
	sendJSONResponse(w, r, http.StatusAccepted, rpcResponseBody{
		RequestID: handle.RequestID,
		Method:    handle.Method,
		Status:    rpc.StatusQueued,
		ExpiresAt: toMillis(handle.ExpiresAt),
	})
}

func (h *RPCHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	rpcID := mux.Vars(r)["rpcId"]

	result, err := h.client.WithContext(r.Context()).PollStatus(rpcID)
	if err != nil {
		sendRPCError(w, r, err)
		return
	}

	body := rpcResponseBody{
		RequestID: result.RequestID,
		Method:    result.Method,
		Status:    result.Status,
	}
	if !result.ExpiresAt.IsZero() {
		body.ExpiresAt = toMillis(result.ExpiresAt)
	}
	if result.Response != nil {
		body.Payload = result.Response.Payload
		body.ReceivedAt = result.Response.ReceivedAtMillis()
	}

	sendJSONResponse(w, r, http.StatusOK, body)
}

func durationParam(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}

	return time.ParseDuration(v)
}

func (h *RPCHandler) HandleWait(w http.ResponseWriter, r *http.Request) {
	rpcID := mux.Vars(r)["rpcId"]

	timeout, err := durationParam(r, "timeout", defaultWaitTimeout)
	if err != nil {
		sendBadRequest(w, r, "bad timeout: %s", err)
		return
	}
	interval, err := durationParam(r, "interval", defaultWaitInterval)
	if err != nil {
		sendBadRequest(w, r, "bad interval: %s", err)
		return
	}

	resp, err := h.client.WithContext(r.Context()).WaitFor(rpcID, timeout, interval)
	if err != nil {
		sendRPCError(w, r, err)
		return
	}

	body := newRPCResponseBody(resp)
	body.Status = rpc.StatusSuccessful
	sendJSONResponse(w, r, http.StatusOK, body)
}

func (h *RPCHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	rpcID := mux.Vars(r)["rpcId"]

	deleted, err := h.client.WithContext(r.Context()).Cancel(rpcID)
	if err != nil {
		sendRPCError(w, r, err)
		return
	}

	if !deleted {
		openapierrors.ServeError(w, r, openapierrors.NotFound("persistent rpc %s not found", rpcID))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
