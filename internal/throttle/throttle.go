// Package throttle admits requests per client with a token bucket.
package throttle

import (
	"net"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxLimiters bounds the per-client table; past it the table starts over.
const maxLimiters = 10000

// Limiter keeps one token bucket per client key.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      logrus.FieldLogger
}

// New returns a Limiter allowing perSecond requests per client with bursts
// of burst. A burst below 1 is raised to 1.
func New(perSecond float64, burst int, log logrus.FieldLogger) *Limiter {
	if burst < 1 {
		burst = 1
	}

	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		log:      log,
	}
}

func (l *Limiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxLimiters {
			l.limiters = make(map[string]*rate.Limiter)
		}

		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = lim
	}

	return lim
}

// Allow reports whether a request from key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

// Middleware answers 429 to clients over their budget. Clients are keyed
// by the host part of RemoteAddr.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(key); err == nil {
			key = host
		}

		if !l.Allow(key) {
			l.log.WithFields(logrus.Fields{
				"key":    key,
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("rate limit exceeded")

			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		next.ServeHTTP(w, r)
	})
}
