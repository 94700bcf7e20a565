package throttle

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

func TestAllowPerKey(t *testing.T) {
	l := New(0.001, 2, quietLogger())

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	// another client has its own bucket
	assert.True(t, l.Allow("b"))
}

func TestMiddleware(t *testing.T) {
	l := New(0.001, 1, quietLogger())

	calls := 0
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(remote string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)

		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:1000"))
	// same host, different port
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:2000"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.2:1000"))
	assert.Equal(t, 2, calls)
}
