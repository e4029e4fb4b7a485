package middlewares

import (
	"net/http"
	"runtime/debug"

	openapierrors "github.com/go-openapi/errors"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
)

type RecoveryMw struct {
	next http.Handler
}

func NewRecoveryMw() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewRecovery(next)
	}
}

func NewRecovery(next http.Handler) *RecoveryMw {
	return &RecoveryMw{next: next}
}

func (mw *RecoveryMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			logging.Logger(r.Context()).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Errorf("caught panic: %v : %s", err, debug.Stack())

			openapierrors.ServeError(rw, r, openapierrors.New(http.StatusInternalServerError, "%s", http.StatusText(http.StatusInternalServerError)))
		}
	}()

	mw.next.ServeHTTP(rw, r)
}
