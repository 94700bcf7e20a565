package pkg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"

	"exchangeServer/internal"
)

var (
	// ServerContextKey is a context key. Handlers can use it with
	// Context.Value to reach the *MiniServer that started them.
	ServerContextKey = &contextKey{"http-server"}

	// LocalAddrContextKey is a context key. Handlers can use it with
	// Context.Value to reach the net.Addr the connection arrived on.
	LocalAddrContextKey = &contextKey{"local-addr"}
)

// This is pools to make garbage collector works much easier
// because the buffer reader and writer and heavy object storing them after resetting here
var (
	bufioReaderPool   sync.Pool
	bufioWriter2kPool sync.Pool
	bufioWriter4kPool sync.Pool
)

// rstAvoidanceDelay is how long we sleep after closing the write side of a
// TCP connection before closing the socket, so the client sees our FIN
// before any RST caused by unread data.
const rstAvoidanceDelay = 500 * time.Millisecond

// shutdownPollIntervalMax is the upper bound of the backoff used by Shutdown
// while waiting for connections to go idle.
const shutdownPollIntervalMax = 500 * time.Millisecond

type conn struct {
	// server is the server on which the connection arrived.
	// Immutable; never nil.
	server *MiniServer

	// cancelCtx cancels the connection-level context.
	cancelCtx context.CancelFunc

	// rwc is the underlying network connection.
	rwc net.Conn

	// remoteAddr is rwc.RemoteAddr().String(), populated in serve.
	remoteAddr string

	// werr is set to the first write error to rwc.
	// It is set via checkConnErrorWriter{w}, where bufw writes.
	werr error

	// bufr reads from r.
	bufr *bufio.Reader

	// bufw writes to checkConnErrorWriter{c}, which populates werr on error.
	bufw *bufio.Writer

	// lastMethod is the method of the most recent request
	// on this connection, if any.
	lastMethod string

	// r is bufr's read source. It limits the bytes read while parsing
	// request headers. See *connReader docs.
	r *connReader

	curState atomic.Uint64 // packed (unixtime<<8|uint8(ConnState))
}

// MiniServer is an HTTP/1.x server. It accepts connections, parses requests
// off the wire, and drives Handler for each of them over keep-alive
// connections.
type MiniServer struct {
	// Addr optionally specifies the TCP address for the server to listen on,
	// in the form "host:port". If empty, ":http" (port 80) is used.
	Addr string

	// Handler serves every request. http.NotFoundHandler is used when nil.
	Handler http.Handler

	// DisableGeneralOptionsHandler, if true, passes "OPTIONS *" requests to the Handler,
	// otherwise responds with 200 OK and Content-Length: 0.
	DisableGeneralOptionsHandler bool

	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body. A zero or negative value means
	// there will be no timeout.
	ReadTimeout time.Duration

	// ReadHeaderTimeout is the amount of time allowed to read
	// request headers. If ReadHeaderTimeout is zero, the value of
	// ReadTimeout is used. If both are zero, there is no timeout.
	ReadHeaderTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out
	// writes of the response. It is reset whenever a new
	// request's header is read.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled. If IdleTimeout
	// is zero, the value of ReadTimeout is used. If both are
	// zero, there is no timeout.
	IdleTimeout time.Duration

	// MaxHeaderBytes controls the maximum number of bytes the
	// server will read parsing the request header's keys and
	// values, including the request line.
	// If zero, DefaultMaxHeaderBytes is used.
	MaxHeaderBytes int

	// Logger receives accept errors, handler panics and protocol
	// warnings. logrus.StandardLogger() is used when nil.
	Logger logrus.FieldLogger

	inShutdown atomic.Bool // true when server is in shutdown

	disableKeepAlives atomic.Bool

	mu         sync.Mutex
	activeConn map[*conn]struct{}
	listeners  map[*net.Listener]struct{}
}

// ListenAndServer it creates HTTP server that works with HTTP/1.1 protocol
func ListenAndServer(addr string, handler http.Handler) error {
	s := &MiniServer{Addr: addr, Handler: handler}

	return s.ListenAndServer()
}

func (s *MiniServer) ListenAndServer() error {
	if s.shuttingDown() {
		return http.ErrServerClosed
	}

	addr := s.Addr

	if addr == "" {
		addr = ":http"
	}

	ln, err := net.Listen("tcp", addr)

	if err != nil {
		return err
	}

	return s.Serve(ln)
}

// onceCloseListener wraps a net.Listener, protecting it from
// multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)

	return oc.closeErr
}

func (oc *onceCloseListener) close() {
	oc.closeErr = oc.Listener.Close()
}

// MiniServer Methods

// Serve accepts connections on l and serves each in its own goroutine.
// It always returns a non-nil error; after Shutdown it is
// http.ErrServerClosed.
func (s *MiniServer) Serve(l net.Listener) error {
	if s.shuttingDown() {
		return http.ErrServerClosed
	}

	l = &onceCloseListener{Listener: l}

	defer l.Close()

	if !s.trackListener(&l, true) {
		return http.ErrServerClosed
	}

	defer s.trackListener(&l, false)

	var tempDelay time.Duration // how long to sleep on accept failure

	ctx := context.WithValue(context.Background(), ServerContextKey, s)

	for {
		rw, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return http.ErrServerClosed
			}

			var ne net.Error

			//nolint:all
			if errors.As(err, &ne) && ne.Temporary() {

				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}

				if duration := 1 * time.Second; tempDelay > duration {
					tempDelay = duration
				}

				s.logger().WithError(err).Warnf("http: accept error; retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}

			return err
		}

		tempDelay = 0
		c := s.newConn(rw)
		c.setState(StateNew) // before Serve can return

		go c.serve(ctx)
	}
}

// Shutdown stops accepting connections, then waits for every connection to
// become idle and closes it. When ctx expires first its error is returned
// and the remaining connections are left to finish on their own.
func (s *MiniServer) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	lnerr := s.closeListenersLocked()
	s.mu.Unlock()

	pollIntervalBase := time.Millisecond
	nextPollInterval := func() time.Duration {
		interval := pollIntervalBase
		pollIntervalBase *= 2

		if pollIntervalBase > shutdownPollIntervalMax {
			pollIntervalBase = shutdownPollIntervalMax
		}

		return interval
	}

	timer := time.NewTimer(nextPollInterval())
	defer timer.Stop()

	for {
		if s.closeIdleConns() {
			return lnerr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(nextPollInterval())
		}
	}
}

// SetKeepAlivesEnabled controls whether HTTP keep-alives are enabled.
// Servers only turn them off while shutting down.
func (s *MiniServer) SetKeepAlivesEnabled(v bool) {
	if v {
		s.disableKeepAlives.Store(false)

		return
	}

	s.disableKeepAlives.Store(true)
	s.closeIdleConns()
}

// closeIdleConns closes all idle connections and reports whether the
// server is quiescent.
func (s *MiniServer) closeIdleConns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	quiescent := true

	for c := range s.activeConn {
		st, unixSec := c.getState()
		// A connection that never sent a byte is treated as idle after a
		// few seconds.
		if st == StateNew && unixSec < time.Now().Unix()-5 {
			st = StateIdle
		}

		if st != StateIdle || unixSec == 0 {
			quiescent = false

			continue
		}

		c.rwc.Close()
		delete(s.activeConn, c)
	}

	return quiescent
}

func (s *MiniServer) closeListenersLocked() error {
	var err error

	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}

func (s *MiniServer) trackListener(ln *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}

	if add {
		if s.shuttingDown() {
			return false
		}

		s.listeners[ln] = struct{}{}

		return true
	}

	delete(s.listeners, ln)

	return true
}

func (s *MiniServer) shuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *MiniServer) logger() logrus.FieldLogger {
	if s.Logger != nil {
		return s.Logger
	}

	return logrus.StandardLogger()
}

func (s *MiniServer) newConn(con net.Conn) *conn {
	return &conn{
		server: s,
		rwc:    con,
	}
}

func (s *MiniServer) doKeepAlives() bool {
	return !s.disableKeepAlives.Load() && !s.shuttingDown()
}

func (s *MiniServer) readHeaderTimeout() time.Duration {
	if s.ReadHeaderTimeout > 0 {
		return s.ReadHeaderTimeout
	}

	return s.ReadTimeout
}

func (s *MiniServer) idleTimeout() time.Duration {
	if s.IdleTimeout > 0 {
		return s.IdleTimeout
	}

	return s.ReadTimeout
}

// A ConnState represents the state of a client connection to a server.
type ConnState int

const (
	// StateNew represents a new connection that is expected to
	// send a request immediately. Connections begin at this
	// state and then transition to either StateActive or
	// StateClosed.
	StateNew ConnState = iota

	// StateActive represents a connection that has read 1 or more
	// bytes of a request. After the request is handled, the state
	// transitions to StateClosed or StateIdle.
	StateActive

	// StateIdle represents a connection that has finished
	// handling a request and is in the keep-alive state, waiting
	// for a new request. Connections transition from StateIdle
	// to either StateActive or StateClosed.
	StateIdle

	// StateClosed represents a closed connection.
	// This is a terminal state.
	StateClosed
)

var stateName = map[ConnState]string{
	StateNew:    "new",
	StateActive: "active",
	StateIdle:   "idle",
	StateClosed: "closed",
}

func (c ConnState) String() string {
	return stateName[c]
}

func (s *MiniServer) trackConn(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeConn == nil {
		s.activeConn = make(map[*conn]struct{})
	}

	if add {
		s.activeConn[c] = struct{}{}
		return
	}

	delete(s.activeConn, c)
}

// DefaultMaxHeaderBytes is the maximum permitted size of the headers
// in an HTTP request.
// This can be overridden by setting MiniServer.MaxHeaderBytes.
const DefaultMaxHeaderBytes = 1 << 20 // 1 MB

func (s *MiniServer) maxHeaderBytes() int {
	if s.MaxHeaderBytes > 0 {
		return s.MaxHeaderBytes
	}

	return DefaultMaxHeaderBytes
}

func (s *MiniServer) initialReadLimitSize() int64 {
	return int64(s.maxHeaderBytes()) + 4096 // bufio slop
}

// conn Methods

func (c *conn) setState(state ConnState) {
	srv := c.server

	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateClosed:
		srv.trackConn(c, false)
	}

	if state > 0xff || state < 0 {
		panic("internal error")
	}

	packedState := uint64(time.Now().Unix()<<8) | uint64(state)

	c.curState.Store(packedState)
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()

	return ConnState(packedState & 0xff), int64(packedState >> 8)
}

func (c *conn) serve(ctx context.Context) {
	if ra := c.rwc.RemoteAddr(); ra != nil {
		c.remoteAddr = ra.String()
	}

	ctx = context.WithValue(ctx, LocalAddrContextKey, c.rwc.LocalAddr())

	var inFlightResponse *response

	defer func() {
		//nolint:all
		if err := recover(); err != nil && err != http.ErrAbortHandler {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			c.server.logger().WithFields(logrus.Fields{
				"remote": c.remoteAddr,
				"panic":  err,
			}).Errorf("http: panic serving request\n%s", buf)
		}

		if inFlightResponse != nil {
			inFlightResponse.cancelCtx()
			inFlightResponse.reqBody.Close()
		}

		c.close()
		c.setState(StateClosed)
	}()

	ctx, cancelCtx := context.WithCancel(ctx)
	c.cancelCtx = cancelCtx
	defer cancelCtx()

	c.r = &connReader{conn: c}
	c.bufr = newBufioReader(c.r)
	c.bufw = newBufioWriterSize(checkConnErrorWriter{c}, 4<<10)

	for {
		w, err := c.readRequest(ctx)

		if c.r.remain != c.server.initialReadLimitSize() {
			// If we read any bytes off the wire, we're active.
			c.setState(StateActive)
		}

		if err != nil {
			c.replyReadError(err)

			return
		}

		// Expect 100 Continue support
		req := w.req

		if ExpectsContinue(req) {
			if req.ProtoAtLeast(1, 1) && req.ContentLength != 0 {
				// Wrap the Body reader with one that replies on the connection
				req.Body = &expectContinueReader{readCloser: req.Body, resp: w}
				w.canWriteContinue.Store(true)
			}
		} else if GetHeader(req.Header, "Expect") != "" {
			w.sendExpectationFailed()

			return
		}

		inFlightResponse = w
		c.serveRequest(w)
		inFlightResponse = nil

		w.cancelCtx()
		w.finishRequest()

		if !w.shouldReuseConnection() {
			if w.closedRequestBodyEarly() {
				c.closeWriteAndWait()
			}

			return
		}

		c.setState(StateIdle)

		if !c.server.doKeepAlives() {
			// We're in shutdown mode. We might've replied
			// to the user without "Connection: close" and
			// they might think they can send another
			// request, but such is life with HTTP/1.1.
			return
		}

		if d := c.server.idleTimeout(); d > 0 {
			c.rwc.SetReadDeadline(time.Now().Add(d))
		} else {
			c.rwc.SetReadDeadline(time.Time{})
		}

		// Wait for the connection to become readable again before trying to
		// read the next request. This prevents a ReadHeaderTimeout or
		// ReadTimeout from starting until the first bytes of the next request
		// have been received.
		if _, err := c.bufr.Peek(4); err != nil {
			return
		}
	}
}

func (c *conn) serveRequest(w *response) {
	req := w.req

	if req.RequestURI == "*" && req.Method == http.MethodOptions && !c.server.DisableGeneralOptionsHandler {
		globalOptionsHandler{}.ServeHTTP(w, req)

		return
	}

	handler := c.server.Handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	handler.ServeHTTP(w, req)
}

// replyReadError answers a request that could not be parsed and leaves the
// connection ready to be closed.
func (c *conn) replyReadError(err error) {
	const errorHeaders = "\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n"

	switch {
	case errors.Is(err, errTooLarge):
		// Their HTTP client may or may not be able to read this if we're
		// responding to them and hanging up while they're still writing
		// their request.
		const publicErr = "431 Request Header Fields Too Large"

		fmt.Fprintf(c.rwc, "HTTP/1.1 "+publicErr+errorHeaders+publicErr)

		c.closeWriteAndWait()

	case isUnsupportedTEError(err):
		// RFC 7230 Section 3.3.1: an unknown transfer coding SHOULD be
		// answered with 501. The value is not echoed back.
		code := http.StatusNotImplemented

		fmt.Fprintf(
			c.rwc,
			"HTTP/1.1 %d %s%sUnsupported transfer encoding",
			code,
			http.StatusText(code),
			errorHeaders,
		)

	case isCommonNetReadError(err):
		// don't reply

	default:
		var v statusError

		if errors.As(err, &v) {
			fmt.Fprintf(c.rwc,
				"HTTP/1.1 %d %s: %s%s%d %s: %s",
				v.code,
				http.StatusText(v.code),
				v.text,
				errorHeaders,
				v.code,
				http.StatusText(v.code),
				v.text,
			)

			return
		}

		c.server.logger().WithError(err).WithField("remote", c.remoteAddr).Debug("http: bad request")

		publicErr := "400 Bad Request"
		fmt.Fprintf(c.rwc, "HTTP/1.1 "+publicErr+errorHeaders+publicErr)
	}
}

var errTooLarge = errors.New("http: request too large")

// Read next request from connection.
func (c *conn) readRequest(ctx context.Context) (w *response, err error) {
	var (
		wholeReqDeadline time.Time // or zero if none
		hdrDeadline      time.Time // or zero if none
	)

	t0 := time.Now()

	if d := c.server.readHeaderTimeout(); d > 0 {
		hdrDeadline = t0.Add(d)
	}

	if d := c.server.ReadTimeout; d > 0 {
		wholeReqDeadline = t0.Add(d)
	}

	c.rwc.SetReadDeadline(hdrDeadline)

	if d := c.server.WriteTimeout; d > 0 {
		defer func() {
			c.rwc.SetWriteDeadline(time.Now().Add(d))
		}()
	}

	c.r.setReadLimit(c.server.initialReadLimitSize())

	if c.lastMethod == http.MethodPost {
		// RFC 7230 section 3 tolerance for old buggy clients.
		peek, _ := c.bufr.Peek(4) // ReadRequest will get err below
		c.bufr.Discard(internal.LeadingCRLF(peek))
	}

	req, err := readRequest(c.bufr)
	if err != nil {
		if c.r.hitReadLimit() {
			return nil, errTooLarge
		}

		return nil, err
	}

	if req.ProtoMajor != 1 {
		return nil, badRequestError("unsupported protocol version")
	}

	c.lastMethod = req.Method
	c.r.setInfiniteReadLimit()

	hosts, haveHost := req.Header["Host"]

	if req.ProtoAtLeast(1, 1) && (!haveHost || len(hosts) == 0) && req.Method != http.MethodConnect {
		return nil, badRequestError("missing required Host header")
	}

	if len(hosts) == 1 && !httpguts.ValidHostHeader(hosts[0]) {
		return nil, badRequestError("malformed Host header")
	}

	for k, vv := range req.Header {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, badRequestError("invalid header name")
		}

		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, badRequestError("invalid header value")
			}
		}
	}

	delete(req.Header, "Host")

	ctx, cancelCtx := context.WithCancel(ctx)
	req = req.WithContext(ctx)
	req.RemoteAddr = c.remoteAddr

	if body, ok := req.Body.(*body); ok {
		body.doEarlyClose = true
	}

	// Adjust the read deadline if necessary.
	if !hdrDeadline.Equal(wholeReqDeadline) {
		c.rwc.SetReadDeadline(wholeReqDeadline)
	}

	w = &response{
		conn:          c,
		cancelCtx:     cancelCtx,
		req:           req,
		reqBody:       req.Body,
		handlerHeader: make(http.Header),
		contentLength: -1,

		wants10KeepAlive: wantsHttp10KeepAlive(req),
		wantsClose:       wantsClose(req),
	}

	w.cw.res = w
	w.w = newBufioWriterSize(&w.cw, bufferBeforeChunkingSize)

	return w, nil
}

func (c *conn) close() {
	c.finalFlush()
	c.rwc.Close()
}

func newBufioReader(r io.Reader) *bufio.Reader {
	if v := bufioReaderPool.Get(); v != nil {
		br := v.(*bufio.Reader)
		br.Reset(r)

		return br
	}

	return bufio.NewReader(r)
}

func putBufioReader(br *bufio.Reader) {
	br.Reset(nil)
	bufioReaderPool.Put(br)
}

func newBufioWriterSize(w io.Writer, size int) *bufio.Writer {
	pool := bufioWriterPool(size)

	if pool != nil {
		if v := pool.Get(); v != nil {
			bw := v.(*bufio.Writer)
			bw.Reset(w)

			return bw
		}
	}

	return bufio.NewWriterSize(w, size)
}

// bufioWriterPool it checks the available size so it can assign correct writer to it
func bufioWriterPool(size int) *sync.Pool {
	switch size {
	case 2 << 10:
		return &bufioWriter2kPool
	case 4 << 10:
		return &bufioWriter4kPool
	}

	return nil
}

func putBufioWriter(bw *bufio.Writer) {
	bw.Reset(nil)

	if pool := bufioWriterPool(bw.Available()); pool != nil {
		pool.Put(bw)
	}
}

// checkConnErrorWriter writes to c.rwc and records any write errors to c.werr.
// It only contains one field (and a pointer field at that), so it
// fits in an interface value without an extra allocation.
type checkConnErrorWriter struct {
	c *conn
}

func (w checkConnErrorWriter) Write(p []byte) (n int, err error) {
	n, err = w.c.rwc.Write(p)

	if err != nil && w.c.werr == nil {
		w.c.werr = err
		w.c.cancelCtx()
	}

	return
}

func (c *conn) finalFlush() {
	if c.bufr != nil {
		// Steal the bufio.Reader (~4KB worth of memory) and its associated
		// reader for a future connection.
		putBufioReader(c.bufr)
		c.bufr = nil
	}

	if c.bufw != nil {
		c.bufw.Flush()
		// Steal the bufio.Writer (~4KB worth of memory) and its associated
		// writer for a future connection.
		putBufioWriter(c.bufw)
		c.bufw = nil
	}
}

type closeWriter interface {
	CloseWrite() error
}

// closeWriteAndWait flushes any outstanding data and sends a FIN packet (if
// client is connected via TCP), signaling that we're done. We then
// pause for a bit, hoping the client processes it before any
// subsequent RST.
func (c *conn) closeWriteAndWait() {
	c.finalFlush()

	if tcp, ok := c.rwc.(closeWriter); ok {
		tcp.CloseWrite()
	}

	time.Sleep(rstAvoidanceDelay)
}

// connReader methods

// connReader is the io.Reader wrapper used by *conn. It bounds how much
// can be read while parsing request headers and cancels the connection
// context once the client goes away.
type connReader struct {
	conn *conn

	mu     sync.Mutex // guards following
	remain int64      // bytes remaining
}

func (cr *connReader) setReadLimit(remain int64) {
	cr.mu.Lock()
	cr.remain = remain
	cr.mu.Unlock()
}

func (cr *connReader) setInfiniteReadLimit() {
	cr.setReadLimit(maxInt64)
}

func (cr *connReader) hitReadLimit() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	return cr.remain <= 0
}

// handleReadError is called whenever a Read from the client returns a
// non-nil error. Any error means the connection is dead, so its context
// is cancelled.
func (cr *connReader) handleReadError(_ error) {
	cr.conn.cancelCtx()
}

func (cr *connReader) Read(p []byte) (n int, err error) {
	cr.mu.Lock()
	remain := cr.remain
	cr.mu.Unlock()

	if remain <= 0 {
		return 0, io.EOF
	}

	if len(p) == 0 {
		return 0, nil
	}

	if int64(len(p)) > remain {
		p = p[:remain]
	}

	n, err = cr.conn.rwc.Read(p)
	if err != nil {
		cr.handleReadError(err)
	}

	cr.mu.Lock()
	cr.remain -= int64(n)
	cr.mu.Unlock()

	return n, err
}

// errors

// badRequestError is a literal string (used by in the server in HTML,
// unescaped) to tell the user why their request was bad. It should
// be plain text without user info or other embedded errors.
func badRequestError(e string) error {
	return statusError{http.StatusBadRequest, e}
}

// statusError is an error used to respond to a request with an HTTP status.
// The text should be plain text without user info or other embedded errors.
type statusError struct {
	code int
	text string
}

func (e statusError) Error() string { return http.StatusText(e.code) + ": " + e.text }

// isCommonNetReadError reports whether err is a common error
// encountered during reading a request off the network when the
// client has gone away or had its read fail somehow.
func isCommonNetReadError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var neterr net.Error

	if errors.As(err, &neterr) && neterr.Timeout() {
		return true
	}

	var oe *net.OpError

	if errors.As(err, &oe) && oe.Op == "read" {
		return true
	}

	return false
}

// wrapper around io.ReadCloser which on first read, sends an
// HTTP/1.1 100 Continue header
type expectContinueReader struct {
	resp       *response
	readCloser io.ReadCloser
	closed     atomic.Bool
	sawEOF     atomic.Bool
}

func (ecr *expectContinueReader) Read(p []byte) (n int, err error) {
	if ecr.closed.Load() {
		return 0, http.ErrBodyReadAfterClose
	}

	w := ecr.resp

	if !w.wroteContinue && w.canWriteContinue.Load() {
		w.wroteContinue = true
		w.writeContinueMu.Lock()

		if w.canWriteContinue.Load() {
			w.conn.bufw.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
			w.conn.bufw.Flush()
			w.canWriteContinue.Store(false)
		}

		w.writeContinueMu.Unlock()
	}

	n, err = ecr.readCloser.Read(p)

	if errors.Is(err, io.EOF) {
		ecr.sawEOF.Store(true)
	}

	return
}

func (ecr *expectContinueReader) Close() error {
	ecr.closed.Store(true)

	return ecr.readCloser.Close()
}

// globalOptionsHandler responds to "OPTIONS *" requests.
type globalOptionsHandler struct{}

func (globalOptionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Length", "0")

	if r.ContentLength != 0 {
		// Up to 4KB of OPTIONS body is read and dropped; anything
		// larger ends the connection through MaxBytesReader.
		mb := http.MaxBytesReader(w, r.Body, 4<<10)
		io.Copy(io.Discard, mb)
	}
}
