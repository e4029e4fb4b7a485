package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	openapierrors "github.com/go-openapi/errors"
	"github.com/go-openapi/runtime/middleware/header"
	"github.com/pkg/errors"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
	"github.com/jake-scott/thingsboard-rpc/internal/pkg/rpc"
)

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Header.Get("Content-Type") != "" {
		value, _ := header.ParseValueAndParams(r.Header, "Content-Type")
		if value != "application/json" {
			return fmt.Errorf("expected JSON request, got %s", value)
		}
	}

	// 100kb max body
	reader := http.MaxBytesReader(w, r.Body, 100*1024)
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}

	return nil
}

func sendJSONResponse(w http.ResponseWriter, r *http.Request, status int, d interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("sending json response")
	}
}

func sendBadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	openapierrors.ServeError(w, r, openapierrors.New(http.StatusBadRequest, format, args...))
}

// sendRPCError maps the RPC error kinds to HTTP status codes:
// invalid input is the caller's fault, a timeout is a gateway timeout and
// anything the platform or device rejected is a bad gateway
func sendRPCError(w http.ResponseWriter, r *http.Request, err error) {
	ctxLogger := logging.Logger(r.Context()).WithError(err)

	var (
		verr *rpc.ValidationError
		terr *rpc.TimeoutError
		rerr *rpc.RPCError
	)

	switch {
	case errors.As(err, &verr):
		ctxLogger.Info("rejecting invalid rpc request")
		openapierrors.ServeError(w, r, openapierrors.New(http.StatusBadRequest, "%s", verr.Error()))
	case errors.As(err, &terr):
		ctxLogger.Warn("rpc timed out")
		openapierrors.ServeError(w, r, openapierrors.New(http.StatusGatewayTimeout, "%s", terr.Error()))
	case errors.As(err, &rerr):
		ctxLogger.Error("rpc failed")
		code := http.StatusBadGateway
		if rerr.StatusCode == http.StatusNotFound {
			code = http.StatusNotFound
		}
		openapierrors.ServeError(w, r, openapierrors.New(int32(code), "%s", rerr.Error()))
	default:
		ctxLogger.Error("rpc bridge error")
		openapierrors.ServeError(w, r, openapierrors.New(http.StatusInternalServerError, "%s", http.StatusText(http.StatusInternalServerError)))
	}
}
