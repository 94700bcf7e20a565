package exchange

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.UploadPath = t.TempDir()

	return cfg
}

// newExchange binds r to a recorder without ingesting it.
func newExchange(t *testing.T, cfg Config, r *http.Request, opts ...Option) (*Exchange, *httptest.ResponseRecorder) {
	t.Helper()

	rec := httptest.NewRecorder()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)

	return New(rec, r, cfg, opts...), rec
}

// ingested binds and ingests r, failing the test on rejection.
func ingested(t *testing.T, cfg Config, r *http.Request, opts ...Option) (*Exchange, *httptest.ResponseRecorder) {
	t.Helper()

	x, rec := newExchange(t, cfg, r, opts...)
	require.NoError(t, x.Ingest(r.Context()))
	require.Equal(t, StateHandling, x.State())

	return x, rec
}

func TestBind(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com:8080/a/../b/?x=1&x=2&y=%20z", nil)
	r.Header.Set("Cookie", "sid=a%20b; theme=dark; sid=ignored")
	r.Header.Set("Content-Type", "text/plain; charset=utf-8")

	x, _ := newExchange(t, DefaultConfig(), r)

	assert.Equal(t, StateBound, x.State())
	assert.Equal(t, "bound", x.State().String())

	assert.Equal(t, "1", x.Query("x"))
	assert.Equal(t, " z", x.Query("y"))
	assert.Equal(t, map[string]string{"x": "1", "y": " z"}, x.QueryAll())

	assert.Equal(t, "b", x.Pathname())
	assert.Equal(t, "example.com:8080", x.Host())
	assert.Equal(t, "example.com", x.Hostname())
	assert.Equal(t, "1.1", x.Version())
	assert.Equal(t, "text/plain", x.RequestType())
	assert.Equal(t, http.MethodGet, x.Method())
	assert.Equal(t, "/a/../b/?x=1&x=2&y=%20z", x.URL())

	assert.Equal(t, "a b", x.Cookie("sid"))
	assert.Equal(t, "dark", x.Cookie("theme"))
	assert.Empty(t, x.Cookie("missing"))
}

func TestQueryIsACopy(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?a=1", nil)
	x, _ := newExchange(t, DefaultConfig(), r)

	q := x.QueryAll()
	q["a"] = "changed"

	assert.Equal(t, "1", x.Query("a"))
}

func TestParamsPreferPost(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/?a=q&b=q", strings.NewReader("a=p"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	x, _ := ingested(t, testConfig(t), r)

	assert.Equal(t, "p", x.Param("a"))
	assert.Equal(t, "q", x.Param("b"))
	assert.Equal(t, map[string]string{"a": "p", "b": "q"}, x.Params())
}

func TestRequestInfo(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Referer", "https://shop.example.org/cart?id=1")
	r.Header.Set("X-Requested-With", "XMLHttpRequest")

	x, _ := newExchange(t, DefaultConfig(), r)

	assert.Equal(t, "https://shop.example.org/cart?id=1", x.Referer(false))
	assert.Equal(t, "shop.example.org", x.Referer(true))
	assert.True(t, x.IsAjax(""))
	assert.True(t, x.IsAjax("post"))
	assert.False(t, x.IsAjax(http.MethodGet))
	assert.Equal(t, "XMLHttpRequest", x.Header("x-requested-with"))
}

func TestIsJSONP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?callback=cb&jsonp=other", nil)
	x, _ := newExchange(t, DefaultConfig(), r)

	assert.True(t, x.IsJSONP(""))
	assert.True(t, x.IsJSONP("jsonp"))
	assert.False(t, x.IsJSONP("cb"))
}

func TestIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{name: "direct peer", remote: "10.0.0.5:4000", headers: map[string]string{"X-Forwarded-For": "1.2.3.4"}, want: "10.0.0.5"},
		{name: "forwarded", remote: "127.0.0.1:4000", headers: map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, want: "1.2.3.4"},
		{name: "real ip", remote: "127.0.0.1:4000", headers: map[string]string{"X-Real-Ip": "9.9.9.9"}, want: "9.9.9.9"},
		{name: "loopback only", remote: "[::1]:4000", want: "127.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote

			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			x, _ := newExchange(t, DefaultConfig(), r)
			assert.Equal(t, tt.want, x.IP())
		})
	}
}
