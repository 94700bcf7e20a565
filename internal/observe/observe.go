// Package observe builds the process logger and the Prometheus collectors
// fed by finished exchanges.
package observe

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"exchangeServer/pkg/exchange"
)

// NewLogger returns a logger writing to stderr at level, formatted as "text"
// or "json".
func NewLogger(level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", format)
	}

	return l, nil
}

// Metrics counts finished exchanges. Register it with an exchange through
// exchange.WithAfterEnd(m.Observe).
type Metrics struct {
	exchanges *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	uploads   prometheus.Counter
	uploaded  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "exchange",
				Name:      "finished_total",
				Help:      "Total number of exchanges ended.",
			},
			[]string{"method", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "exchange",
				Name:      "duration_seconds",
				Help:      "Time from binding an exchange to terminating its reply.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"method"},
		),
		uploads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "exchange",
				Subsystem: "upload",
				Name:      "files_total",
				Help:      "Total number of uploaded files stored.",
			},
		),
		uploaded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "exchange",
				Subsystem: "upload",
				Name:      "bytes_total",
				Help:      "Total size of uploaded files stored.",
			},
		),
	}

	reg.MustRegister(m.exchanges, m.duration, m.uploads, m.uploaded)

	return m
}

// Observe records x. It is meant to run as an after-end listener.
func (m *Metrics) Observe(x *exchange.Exchange) {
	m.exchanges.WithLabelValues(x.Method(), strconv.Itoa(x.Status())).Inc()
	m.duration.WithLabelValues(x.Method()).Observe(time.Since(x.StartTime()).Seconds())

	for _, f := range x.Files() {
		m.uploads.Inc()
		m.uploaded.Add(float64(f.Size))
	}
}

// AccessLog returns an after-end listener writing one line per exchange.
func AccessLog(l logrus.FieldLogger) func(*exchange.Exchange) {
	return func(x *exchange.Exchange) {
		l.WithFields(logrus.Fields{
			"method":   x.Method(),
			"path":     x.URL(),
			"status":   x.Status(),
			"ip":       x.IP(),
			"duration": time.Since(x.StartTime()).String(),
		}).Info("exchange ended")
	}
}
