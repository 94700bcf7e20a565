package observe

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchangeServer/pkg/exchange"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	l, err = NewLogger("warn", "")
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)

	_, err = NewLogger("loud", "text")
	assert.Error(t, err)

	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
}

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	for _, status := range []int{http.StatusOK, http.StatusOK, http.StatusNotFound} {
		r := httptest.NewRequest(http.MethodGet, "/x", nil)
		x := exchange.New(httptest.NewRecorder(), r, exchange.DefaultConfig(), exchange.WithAfterEnd(m.Observe))
		require.NoError(t, x.Ingest(r.Context()))

		x.SetStatus(status)
		require.NoError(t, x.End(nil, ""))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.exchanges.WithLabelValues(http.MethodGet, "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues(http.MethodGet, "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.uploads))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer

	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	r := httptest.NewRequest(http.MethodPost, "/submit?a=1", nil)
	x := exchange.New(httptest.NewRecorder(), r, exchange.DefaultConfig(), exchange.WithAfterEnd(AccessLog(l)))
	require.NoError(t, x.Ingest(r.Context()))
	require.NoError(t, x.End("ok", ""))

	out := buf.String()
	assert.Contains(t, out, `"method":"POST"`)
	assert.Contains(t, out, `"path":"/submit?a=1"`)
	assert.Contains(t, out, `"status":200`)
	assert.Contains(t, out, "exchange ended")
}
