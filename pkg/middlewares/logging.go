package middlewares

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
)

// Request and response bodies are logged up to this size
const maxLoggedBody = 4096

// auditWriter records the status and size of a bridge response, and
// optionally its body
type auditWriter struct {
	http.ResponseWriter

	ctx         context.Context
	statusCode  int
	size        int
	logBody     bool
	wroteHeader bool
}

func (aw *auditWriter) WriteHeader(statusCode int) {
	if !aw.wroteHeader {
		aw.statusCode = statusCode
		aw.wroteHeader = true
	}
	aw.ResponseWriter.WriteHeader(statusCode)
}

func (aw *auditWriter) Write(b []byte) (int, error) {
	if !aw.wroteHeader {
		aw.wroteHeader = true
		if aw.logBody {
			logging.Logger(aw.ctx).Debugf("response headers: %+v", aw.ResponseWriter.Header())
		}
	}

	size, err := aw.ResponseWriter.Write(b)
	aw.size += size

	if err == nil && aw.logBody {
		logging.Logger(aw.ctx).Debugf("response body: %s", truncated(b[:size]))
	}
	return size, err
}

func truncated(b []byte) []byte {
	if len(b) > maxLoggedBody {
		return b[:maxLoggedBody]
	}
	return b
}

// bodyLogger logs an RPC request body as the handler consumes it
type bodyLogger struct {
	io.ReadCloser
	ctx context.Context
}

func (bl bodyLogger) Read(b []byte) (size int, err error) {
	size, err = bl.ReadCloser.Read(b)
	if size > 0 {
		logging.Logger(bl.ctx).Debugf("request body: %s", truncated(b[:size]))
	}

	return size, err
}

type LoggingMw struct {
	logRequests bool
	next        http.Handler
}

// Called once
func NewLoggingMw(reqLogging bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewLogging(reqLogging, next)
	}
}

func NewLogging(reqLogging bool, next http.Handler) *LoggingMw {
	return &LoggingMw{next: next, logRequests: reqLogging}
}

// routeFields names the matched bridge route and the device or RPC it
// addresses
func routeFields(r *http.Request) logrus.Fields {
	f := logrus.Fields{}

	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			f["route"] = tmpl
		}
	}
	for k, v := range mux.Vars(r) {
		f[k] = v
	}

	return f
}

func (mw *LoggingMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	// Reuse a caller-supplied correlation ID if an earlier middleware
	// accepted one
	txnID, ok := logging.TxnID(r.Context())
	if !ok {
		txnID = uuid.New().String()
		r = r.WithContext(logging.WithTxnID(r.Context(), txnID))
	}

	// Must be set before the handler writes the response
	rw.Header().Set("X-Txn-ID", txnID)

	if mw.logRequests {
		logging.Logger(r.Context()).Debugf("request headers: %+v", r.Header)
		r.Body = bodyLogger{ReadCloser: r.Body, ctx: r.Context()}
	}

	aw := &auditWriter{
		ResponseWriter: rw,
		ctx:            r.Context(),
		statusCode:     http.StatusOK,
		logBody:        mw.logRequests,
	}
	mw.next.ServeHTTP(aw, r)

	entry := logging.Logger(r.Context()).WithFields(routeFields(r)).WithFields(logrus.Fields{
		"entrytype": "audit",
		"status":    aw.statusCode,
		"method":    r.Method,
		"remote":    r.RemoteAddr,
		"start":     startTime.Format(time.RFC3339Nano),
		"duration":  time.Since(startTime),
		"path":      r.URL.String(),
		"size":      aw.size,
	})

	// upstream failures show up as 5xx from the bridge
	if aw.statusCode >= http.StatusInternalServerError {
		entry.Warn(http.StatusText(aw.statusCode))
	} else {
		entry.Info(http.StatusText(aw.statusCode))
	}
}
