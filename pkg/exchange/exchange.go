// Package exchange wraps one HTTP request/response pair into a stateful
// Exchange: the request body is ingested under resource limits, handler code
// reads and writes through the Exchange, and End finalizes the reply exactly
// once.
package exchange

import (
	"context"
	"maps"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// A State is a step of the exchange lifecycle. States only move forward.
type State int32

const (
	// StateBound is the state right after New: query, cookies and
	// request metadata are parsed, the body is untouched.
	StateBound State = iota

	// StateIngesting is held while Ingest drives one ingestion strategy.
	StateIngesting

	// StateHandling means the body has been ingested and handler code owns
	// the exchange.
	StateHandling

	// StateEnding is entered by End. Output tasks are joined while in it.
	StateEnding

	// StateEnded is terminal. Nothing is written after it.
	StateEnded
)

var stateName = map[State]string{
	StateBound:     "bound",
	StateIngesting: "ingesting",
	StateHandling:  "handling",
	StateEnding:    "ending",
	StateEnded:     "ended",
}

func (s State) String() string {
	return stateName[s]
}

// FileHandle describes an uploaded file stored on local disk.
type FileHandle struct {
	FieldName        string
	OriginalFilename string
	Path             string
	Size             int64
	Header           map[string][]string
}

// Option customizes an Exchange at construction time.
type Option func(*Exchange)

// WithLogger sets the logger used for rejections and swallowed task errors.
func WithLogger(l logrus.FieldLogger) Option {
	return func(x *Exchange) {
		if l != nil {
			x.log = l
		}
	}
}

// WithAfterEnd registers a listener notified once the exchange has ended.
func WithAfterEnd(fn func(*Exchange)) Option {
	return func(x *Exchange) {
		if fn != nil {
			x.afterEnd = append(x.afterEnd, fn)
		}
	}
}

// Exchange is the per-request state shared by the ingestion strategies,
// handler code and the finalizer. Output transforms get their own handle on
// the same state; see End.
type Exchange struct {
	*exchangeState

	// task is set on the handle passed to an output transform.
	task bool
}

type exchangeState struct {
	cfg Config
	log logrus.FieldLogger

	req *http.Request
	rw  http.ResponseWriter

	startTime time.Time
	state     atomic.Int32

	query     map[string]string
	post      map[string]string
	files     map[string]*FileHandle
	tempPaths []string
	cookiesIn map[string]string
	payload   []byte

	requestType string
	pathname    string
	hostname    string

	// mu guards the response side: writes, header guards, status and the
	// cookie stage. Output tasks write concurrently with each other.
	mu              sync.Mutex
	status          int
	headersSent     bool
	contentTypeSent bool
	cookiesOut      []*http.Cookie

	tasks    sync.WaitGroup
	taskMu   sync.Mutex
	taskErrs []error

	afterEnd []func(*Exchange)

	// done is closed once the exchange has ended.
	done chan struct{}
}

// New binds r and w into an Exchange. The body is not read until Ingest.
func New(w http.ResponseWriter, r *http.Request, cfg Config, opts ...Option) *Exchange {
	x := &Exchange{exchangeState: &exchangeState{
		cfg:       cfg,
		log:       logrus.StandardLogger(),
		req:       r,
		rw:        w,
		startTime: time.Now(),
		post:      make(map[string]string),
		files:     make(map[string]*FileHandle),
		status:    http.StatusOK,
		done:      make(chan struct{}),
	}}

	for _, opt := range opts {
		opt(x)
	}

	x.bind()

	return x
}

func (x *Exchange) bind() {
	r := x.req

	x.query = firstValues(r.URL.Query())
	x.cookiesIn = parseCookies(r)
	x.requestType = strings.TrimSpace(strings.Split(r.Header.Get("Content-Type"), ";")[0])

	x.pathname = strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")

	x.hostname = r.Host
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		x.hostname = h
	}
}

func firstValues(values map[string][]string) map[string]string {
	m := make(map[string]string, len(values))

	for k, vv := range values {
		if len(vv) > 0 {
			m[k] = vv[0]
		}
	}

	return m
}

// State reports the current lifecycle state.
func (x *Exchange) State() State {
	return State(x.state.Load())
}

// Ended reports whether End has finished.
func (x *Exchange) Ended() bool {
	return x.State() == StateEnded
}

// Request returns the underlying request.
func (x *Exchange) Request() *http.Request { return x.req }

// Context returns the request context.
func (x *Exchange) Context() context.Context { return x.req.Context() }

// Config returns the configuration snapshot the exchange was built with.
func (x *Exchange) Config() Config { return x.cfg }

// StartTime returns the time the exchange was bound.
func (x *Exchange) StartTime() time.Time { return x.startTime }

func (x *Exchange) Method() string   { return x.req.Method }
func (x *Exchange) URL() string      { return x.req.URL.RequestURI() }
func (x *Exchange) Pathname() string { return x.pathname }
func (x *Exchange) Host() string     { return x.req.Host }
func (x *Exchange) Hostname() string { return x.hostname }

// Version returns the HTTP version as "major.minor".
func (x *Exchange) Version() string {
	return strconv.Itoa(x.req.ProtoMajor) + "." + strconv.Itoa(x.req.ProtoMinor)
}

// RequestType returns the request Content-Type without parameters.
func (x *Exchange) RequestType() string { return x.requestType }

// Payload returns the raw body captured by the buffered strategy.
func (x *Exchange) Payload() []byte { return x.payload }

// Query returns the first value of the query parameter name, or "".
func (x *Exchange) Query(name string) string { return x.query[name] }

// QueryAll returns a copy of the parsed query.
func (x *Exchange) QueryAll() map[string]string { return maps.Clone(x.query) }

// Post returns the ingested form field name, or "".
func (x *Exchange) Post(name string) string { return x.post[name] }

// PostAll returns a copy of the ingested form fields.
func (x *Exchange) PostAll() map[string]string { return maps.Clone(x.post) }

// SetPost stores a form field. Hooks use it to supply fields themselves.
func (x *Exchange) SetPost(name, value string) { x.post[name] = value }

// Param returns the post field name, falling back to the query parameter.
func (x *Exchange) Param(name string) string {
	if v := x.post[name]; v != "" {
		return v
	}

	return x.query[name]
}

// Params merges query and post fields, post fields taking precedence.
func (x *Exchange) Params() map[string]string {
	m := maps.Clone(x.query)
	maps.Copy(m, x.post)

	return m
}

// File returns the uploaded file registered under name, or nil.
func (x *Exchange) File(name string) *FileHandle { return x.files[name] }

// Files returns a copy of the uploaded file table.
func (x *Exchange) Files() map[string]*FileHandle { return maps.Clone(x.files) }

// Header returns the request header name.
func (x *Exchange) Header(name string) string { return x.req.Header.Get(name) }

// Headers returns the request headers.
func (x *Exchange) Headers() http.Header { return x.req.Header }

// Referer returns the Referer header. With hostOnly it returns only the
// referring hostname.
func (x *Exchange) Referer(hostOnly bool) string {
	ref := x.req.Header.Get("Referer")
	if ref == "" {
		ref = x.req.Header.Get("Referrer")
	}

	if ref == "" || !hostOnly {
		return ref
	}

	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}

	return u.Hostname()
}

// IsAjax reports whether the request came from XMLHttpRequest. A non-empty
// method additionally has to match the request method.
func (x *Exchange) IsAjax(method string) bool {
	if method != "" && !strings.EqualFold(x.req.Method, method) {
		return false
	}

	return x.req.Header.Get("X-Requested-With") == "XMLHttpRequest"
}

// IsJSONP reports whether the callback query parameter is present. An empty
// name uses the configured callback name.
func (x *Exchange) IsJSONP(name string) bool {
	if name == "" {
		name = x.cfg.CallbackName
	}

	return x.Query(name) != ""
}

// IP returns the client address. Loopback peers are assumed to be a local
// proxy, in which case the forwarding headers are consulted.
func (x *Exchange) IP() string {
	host, _, err := net.SplitHostPort(x.req.RemoteAddr)
	if err != nil {
		host = x.req.RemoteAddr
	}

	if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
		return host
	}

	if v := x.req.Header.Get("X-Forwarded-For"); v != "" {
		first, _, _ := strings.Cut(v, ",")
		return strings.TrimSpace(first)
	}

	if v := x.req.Header.Get("X-Real-Ip"); v != "" {
		return v
	}

	return localIP
}

const localIP = "127.0.0.1"
