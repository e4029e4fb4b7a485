package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
)

func newTestRouter(h http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(NewCorsMw(BridgeCorsOptions([]string{"https://console.example.com"})))
	r.Use(NewCorrelationMw("X-Correlation-ID"))
	r.Use(NewLoggingMw(true))
	r.Use(NewRecoveryMw())
	r.HandleFunc("/test", h).Methods(http.MethodGet, http.MethodPost)

	return r
}

func TestCorrelationIDBecomesTxnID(t *testing.T) {
	var seen string
	r := newTestRouter(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.TxnID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Correlation-ID", "job-1234")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "job-1234", seen)
	assert.Equal(t, "job-1234", rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "job-1234", rec.Header().Get("X-Txn-ID"))
}

func TestBadCorrelationID(t *testing.T) {
	var seen string
	r := newTestRouter(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.TxnID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Correlation-ID", "no spaces allowed!")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, badCorrelationID, rec.Header().Get("X-Correlation-ID"))
	assert.NotEqual(t, badCorrelationID, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Txn-ID"))
	assert.Len(t, seen, 36)
}

func TestGeneratedTxnID(t *testing.T) {
	r := newTestRouter(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Correlation-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-Txn-ID"))
}

func TestRecovery(t *testing.T) {
	r := newTestRouter(func(w http.ResponseWriter, r *http.Request) {
		panic("handler bug")
	})

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCorsPreflight(t *testing.T) {
	r := newTestRouter(func(w http.ResponseWriter, r *http.Request) {})
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
