package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type sentCall struct {
	Method  string
	Path    string
	Body    []byte
	Timeout time.Duration
}

type stubReply struct {
	status int
	body   string
	err    error
}

// stubTransport records every call and answers with reply
type stubTransport struct {
	mu    sync.Mutex
	calls []sentCall
	reply func(n int, call sentCall) stubReply
}

func newStubTransport(reply func(n int, call sentCall) stubReply) *stubTransport {
	return &stubTransport{reply: reply}
}

func (t *stubTransport) Send(ctx context.Context, method string, path string, body interface{}, query url.Values, timeout time.Duration) (int, []byte, error) {
	call := sentCall{Method: method, Path: path, Timeout: timeout}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		call.Body = b
	}

	t.mu.Lock()
	n := len(t.calls)
	t.calls = append(t.calls, call)
	t.mu.Unlock()

	r := t.reply(n, call)
	return r.status, []byte(r.body), r.err
}

func (t *stubTransport) Calls() []sentCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]sentCall(nil), t.calls...)
}

func (t *stubTransport) CallsWithMethod(method string) int {
	n := 0
	for _, c := range t.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func ok(body string) func(int, sentCall) stubReply {
	return func(int, sentCall) stubReply {
		return stubReply{status: http.StatusOK, body: body}
	}
}

// netTimeout looks like the error an http.Client returns when its deadline
// passes
type netTimeout struct{}

func (netTimeout) Error() string   { return "i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

func persistentDoc(status Status, response string) string {
	doc := map[string]interface{}{
		"id":             map[string]string{"entityType": "RPC", "id": "rpc-1"},
		"deviceId":       map[string]string{"entityType": "DEVICE", "id": "dev-1"},
		"expirationTime": 1893456000000,
		"status":         status,
		"request": map[string]interface{}{
			"body": map[string]string{"method": "setGpio"},
		},
	}
	if response != "" {
		doc["response"] = json.RawMessage(response)
	}

	b, _ := json.Marshal(doc)
	return string(b)
}
