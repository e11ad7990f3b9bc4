package trigger

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// newStubWebhookServer returns every request the same fixed status/body,
// used by worker tests to drive the fire phase deterministically.
func newStubWebhookServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if body != "" {
			w.Write([]byte(body))
		}
	}))
}
