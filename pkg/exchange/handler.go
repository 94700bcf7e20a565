package exchange

import "net/http"

// HandlerFunc is handler code working on an ingested exchange. It must not
// keep using x after it returns.
type HandlerFunc func(x *Exchange)

type handler struct {
	cfg  Config
	fn   HandlerFunc
	opts []Option
}

// Handler adapts fn into an http.Handler. Every request gets its own
// Exchange; rejected requests never reach fn, and exchanges fn leaves open
// are ended when it returns, or with 500 when it panics.
func Handler(cfg Config, fn HandlerFunc, opts ...Option) http.Handler {
	return &handler{cfg: cfg, fn: fn, opts: opts}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	x := New(w, r, h.cfg, h.opts...)

	if err := x.Ingest(r.Context()); err != nil {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			if !x.Ended() {
				x.SetStatus(http.StatusInternalServerError)
				_ = x.End(nil, "")
			}

			panic(p)
		}

		if !x.Ended() {
			_ = x.End(nil, "")
		}
	}()

	h.fn(x)
}
