package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/rpc"
)

type echoTransport struct {
	paths []string
}

func (t *echoTransport) Send(ctx context.Context, method string, path string, body interface{}, query url.Values, timeout time.Duration) (int, []byte, error) {
	t.paths = append(t.paths, method+" "+path)
	return http.StatusOK, []byte(`{"id":"r1","value":42}`), nil
}

func TestBridgeTwoWay(t *testing.T) {
	tr := &echoTransport{}
	h := newBridgeHandler(rpc.NewLiveClient(tr), false, nil)

	req := httptest.NewRequest(http.MethodPost, "/devices/784f394c-42b6-435a-983c-b7beff2784f9/rpc/twoway",
		strings.NewReader(`{"method":"echo","timeout":1000}`))
	req.Header.Set("X-Correlation-ID", "bridge-test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bridge-test", rec.Header().Get("X-Txn-ID"))
	assert.Contains(t, rec.Body.String(), `"requestId":"r1"`)
	assert.Equal(t, []string{"POST /api/plugins/rpc/twoway/784f394c-42b6-435a-983c-b7beff2784f9"}, tr.paths)
}

func TestBridgeCorsPreflight(t *testing.T) {
	h := newBridgeHandler(rpc.NewLiveClient(&echoTransport{}), false, []string{"https://console.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/rpc/r1", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCheckRequiredFlags(t *testing.T) {
	err := checkRequiredFlags("bridge.test-unset-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge.test-unset-key")
}
