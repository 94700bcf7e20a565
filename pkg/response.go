package pkg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http/httpguts"

	"exchangeServer/internal"
)

// ErrTerminated is returned by writes to a response whose reply has already
// been finished with Terminate.
var ErrTerminated = errors.New("http: write after reply was terminated")

var (
	crlf       = []byte("\r\n")
	colonSpace = []byte(": ")
)

var (
	suppressedHeaders304    = []string{"Content-Type", "Content-Length", "Transfer-Encoding"}
	suppressedHeadersNoBody = []string{"Content-Length", "Transfer-Encoding"}
)

// Sorted the same as extraHeader.Write's loop.
var extraHeaderKeys = [][]byte{
	[]byte("Content-Type"),
	[]byte("Connection"),
	[]byte("Transfer-Encoding"),
}

var (
	headerContentLength = []byte("Content-Length: ")
	headerDate          = []byte("Date: ")
)

const closeStr = "close"

// bufferBeforeChunkingSize is how much output a handler may produce before
// the reply switches from a computed Content-Length to chunked framing.
const bufferBeforeChunkingSize = 2048

// maxPostHandlerReadBytes is the max number of unread request body bytes
// the server discards to keep a connection alive. Above it the reply gets
// "Connection: close".
const maxPostHandlerReadBytes = 256 << 10

// isProtocolSwitchHeader reports whether the request or response header
// is for a protocol switch.
func isProtocolSwitchHeader(h http.Header) bool {
	return h.Get("Upgrade") != "" &&
		httpguts.HeaderValuesContainsToken(h["Connection"], "Upgrade")
}

// isProtocolSwitchResponse reports whether the response code and
// response header indicate a successful protocol upgrade response.
func isProtocolSwitchResponse(code int, h http.Header) bool {
	return code == http.StatusSwitchingProtocols && isProtocolSwitchHeader(h)
}

func fixPragmaCacheControl(header http.Header) {
	if hp, ok := header["Pragma"]; ok && len(hp) > 0 && hp[0] == "no-cache" {
		if _, presentcc := header["Cache-Control"]; !presentcc {
			header["Cache-Control"] = []string{"no-cache"}
		}
	}
}

// bodyAllowedForStatus reports whether a given response status code
// permits a body. See RFC 7230, section 3.3.
func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == 204:
		return false
	case status == 304:
		return false
	}

	return true
}

func suppressedHeaders(status int) []string {
	switch {
	case status == 304:
		// RFC 7232 section 4.1
		return suppressedHeaders304
	case !bodyAllowedForStatus(status):
		return suppressedHeadersNoBody
	}

	return nil
}

// response is the http.ResponseWriter handed to the Handler for one request
// on a conn. Output is buffered in w until it either fits a computed
// Content-Length or overflows into chunked framing via cw.
type response struct {
	conn             *conn
	req              *http.Request
	reqBody          io.ReadCloser
	cancelCtx        context.CancelFunc
	wroteHeader      bool // a non-1xx header has been (logically) written
	wroteContinue    bool // 100 Continue response was written
	wants10KeepAlive bool // HTTP/1.0 w/ Connection "keep-alive"
	wantsClose       bool // HTTP request has Connection "close"

	// canWriteContinue says whether a 100 Continue may still be written.
	// writeContinueMu is held while writing it.
	canWriteContinue atomic.Bool
	writeContinueMu  sync.Mutex

	w  *bufio.Writer
	cw chunkWriter

	handlerHeader http.Header

	written       int64 // number of bytes written in body
	contentLength int64 // explicitly-declared Content-Length; or -1
	status        int

	closeAfterReply bool

	// terminated is set once the reply is complete on the wire, either by
	// Terminate or after the handler returned.
	terminated bool

	handlerDone atomic.Bool

	// Buffers for Date, Content-Length, and status code
	dateBuf   [len(http.TimeFormat)]byte
	clenBuf   [10]byte
	statusBuf [3]byte
}

func (w *response) Header() http.Header {
	return w.handlerHeader
}

func checkWriteHeaderCode(code int) {
	// Only three digits are enforced; there is nothing sensible to put on
	// the wire for anything else, and WriteHeader cannot return an error.
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("invalid WriteHeader code %v", code))
	}
}

func (w *response) WriteHeader(code int) {
	if w.wroteHeader || w.terminated {
		return
	}

	checkWriteHeaderCode(code)

	// Informational headers go out immediately and leave the header map
	// for the final response. 101 takes the regular path.
	if code >= 100 && code <= 199 && code != http.StatusSwitchingProtocols {
		if code == 100 && w.canWriteContinue.Load() {
			w.writeContinueMu.Lock()
			w.canWriteContinue.Store(false)
			w.writeContinueMu.Unlock()
		}

		writeStatusLine(w.conn.bufw, w.req.ProtoAtLeast(1, 1), code, w.statusBuf[:])
		w.handlerHeader.WriteSubset(w.conn.bufw, map[string]bool{"Content-Length": true, "Transfer-Encoding": true})
		w.conn.bufw.Write(crlf)
		w.conn.bufw.Flush()

		return
	}

	w.wroteHeader = true
	w.status = code
	w.cw.header = w.handlerHeader.Clone()

	if cl := GetHeader(w.cw.header, "Content-Length"); cl != "" {
		v, err := strconv.ParseInt(cl, 10, 64)
		if err == nil && v >= 0 {
			w.contentLength = v
		} else {
			w.conn.server.logger().Warnf("http: invalid Content-Length of %q", cl)
			w.cw.header.Del("Content-Length")
		}
	}
}

func (w *response) Write(p []byte) (n int, err error) {
	if w.terminated {
		return 0, ErrTerminated
	}

	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	if len(p) == 0 {
		return 0, nil
	}

	if !bodyAllowedForStatus(w.status) {
		return 0, http.ErrBodyNotAllowed
	}

	w.written += int64(len(p))
	if w.contentLength != -1 && w.written > w.contentLength {
		return 0, http.ErrContentLength
	}

	return w.w.Write(p)
}

// Flush sends the headers and any buffered body to the client.
func (w *response) Flush() {
	if w.terminated {
		return
	}

	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	w.w.Flush()
	w.cw.flush()
}

// Terminate finishes the reply on the wire. The handler may keep running,
// but nothing it writes afterwards reaches the client.
func (w *response) Terminate() error {
	w.finishRequest()

	return w.conn.werr
}

func (w *response) sendExpectationFailed() {
	// RFC 7231 5.1.1: an Expect other than 100-continue may be answered
	// with 417.
	w.Header().Set("Connection", closeStr)
	w.WriteHeader(http.StatusExpectationFailed)
	w.finishRequest()
}

func (w *response) finishRequest() {
	if w.terminated {
		return
	}

	w.handlerDone.Store(true)

	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	w.terminated = true

	w.w.Flush()
	putBufioWriter(w.w)
	w.cw.close()
	w.conn.bufw.Flush()

	// Close the body (regardless of w.closeAfterReply) so its bufio.Reader
	// can be reused for the next request.
	w.reqBody.Close()
}

func (w *response) closedRequestBodyEarly() bool {
	b, ok := w.reqBody.(*body)

	return ok && b.didEarlyClose()
}

func (w *response) shouldReuseConnection() bool {
	if w.closeAfterReply {
		return false
	}

	if w.req.Method != http.MethodHead && w.contentLength != -1 && w.written != w.contentLength {
		// Did not write enough. Avoid getting out of sync.
		return false
	}

	if w.conn.werr != nil {
		return false
	}

	return !w.closedRequestBodyEarly()
}

// chunkWriter writes to a response's conn buffer, and is the writer
// wrapped by the response.w buffered writer.
//
// chunkWriter finalizes the header: it sets a Content-Length when the whole
// body fit into the first buffer, sniffs a Content-Type, and adds chunk
// framing otherwise.
type chunkWriter struct {
	res *response

	// header is the clone of res.handlerHeader taken at WriteHeader.
	header http.Header

	// wroteHeader tells whether the header's been written to
	// res.conn.bufw, unlike response.wroteHeader.
	wroteHeader bool

	chunking bool // using chunked transfer encoding for reply body
}

// writeHeader finalizes the header and writes it to cw.res.conn.bufw.
// p is the first chunk of the body; it is sniffed for a Content-Type and
// sizes the Content-Length when the handler is already done.
func (cw *chunkWriter) writeHeader(p []byte) {
	if cw.wroteHeader {
		return
	}

	cw.wroteHeader = true

	w := cw.res
	keepAlivesEnabled := w.conn.server.doKeepAlives()
	isHEAD := w.req.Method == http.MethodHead
	header := cw.header

	var setHeader extraHeader

	te := GetHeader(header, "Transfer-Encoding")
	hasTE := te != ""

	if w.handlerDone.Load() &&
		!hasTE &&
		bodyAllowedForStatus(w.status) &&
		!HasHeader(header, "Content-Length") && (!isHEAD || len(p) > 0) {
		w.contentLength = int64(len(p))
		setHeader.contentLength = strconv.AppendInt(w.clenBuf[:0], int64(len(p)), 10)
	}

	if w.wants10KeepAlive && keepAlivesEnabled {
		sentLength := GetHeader(header, "Content-Length") != ""
		if sentLength && GetHeader(header, "Connection") == "keep-alive" {
			w.closeAfterReply = false
		}
	}

	hasCL := w.contentLength != -1

	if w.wants10KeepAlive && (isHEAD || hasCL || !bodyAllowedForStatus(w.status)) {
		if _, connectionHeaderSet := header["Connection"]; !connectionHeaderSet {
			setHeader.connection = "keep-alive"
		}
	} else if !w.req.ProtoAtLeast(1, 1) || w.wantsClose {
		w.closeAfterReply = true
	}

	if GetHeader(header, "Connection") == closeStr || !keepAlivesEnabled {
		w.closeAfterReply = true
	}

	// Drain what the handler left unread so the next request can be parsed.
	// An unanswered 100-continue means the client may never send the body.
	if w.req.ContentLength != 0 && !w.closeAfterReply {
		discard := true

		if ecr, ok := w.req.Body.(*expectContinueReader); ok && !ecr.resp.wroteContinue {
			discard = false
			w.closeAfterReply = true
		}

		if discard {
			_, err := io.CopyN(io.Discard, w.reqBody, maxPostHandlerReadBytes+1)

			switch {
			case err == nil:
				// There must be even more data left over.
				w.closeAfterReply = true

				header.Del("Connection")
				setHeader.connection = closeStr
			case errors.Is(err, io.EOF), errors.Is(err, http.ErrBodyReadAfterClose):
			default:
				w.closeAfterReply = true
			}
		}
	}

	code := w.status
	if bodyAllowedForStatus(code) {
		_, haveType := header["Content-Type"]
		hasCE := header.Get("Content-Encoding") != ""

		if !hasCE && !haveType && !hasTE && len(p) > 0 {
			setHeader.contentType = http.DetectContentType(p)
		}
	} else {
		for _, k := range suppressedHeaders(code) {
			header.Del(k)
		}
	}

	if !HasHeader(header, "Date") {
		setHeader.date = appendTime(w.dateBuf[:0], time.Now())
	}

	if hasCL && hasTE && te != "identity" {
		w.conn.server.logger().Warnf("http: WriteHeader called with both Transfer-Encoding of %q and a Content-Length of %d",
			te, w.contentLength)
		header.Del("Content-Length")

		hasCL = false
	}

	switch {
	case isHEAD || !bodyAllowedForStatus(code):
		header.Del("Transfer-Encoding")
	case hasCL:
		header.Del("Transfer-Encoding")
	case w.req.ProtoAtLeast(1, 1):
		if hasTE && te == "identity" {
			// No length and no chunking: EOF marks the end.
			cw.chunking = false
			w.closeAfterReply = true

			header.Del("Transfer-Encoding")
		} else {
			cw.chunking = true
			setHeader.transferEncoding = "chunked"

			header.Del("Transfer-Encoding")
		}
	default:
		// HTTP/1.0 without a length: closing the connection ends the body.
		w.closeAfterReply = true

		header.Del("Transfer-Encoding")
	}

	if cw.chunking {
		header.Del("Content-Length")
	}

	if !w.req.ProtoAtLeast(1, 0) {
		return
	}

	if w.closeAfterReply &&
		(!keepAlivesEnabled || !internal.HasToken(GetHeader(header, "Connection"), closeStr)) &&
		!isProtocolSwitchResponse(w.status, header) {
		header.Del("Connection")

		if w.req.ProtoAtLeast(1, 1) {
			setHeader.connection = closeStr
		}
	}

	writeStatusLine(w.conn.bufw, w.req.ProtoAtLeast(1, 1), code, w.statusBuf[:])
	header.Write(w.conn.bufw)
	setHeader.Write(w.conn.bufw)
	w.conn.bufw.Write(crlf)
}

func (cw *chunkWriter) Write(p []byte) (n int, err error) {
	if !cw.wroteHeader {
		cw.writeHeader(p)
	}

	if cw.res.req.Method == http.MethodHead {
		return len(p), nil
	}

	if cw.chunking {
		_, err = fmt.Fprintf(cw.res.conn.bufw, "%x\r\n", len(p))
		if err != nil {
			cw.res.conn.rwc.Close()
			return
		}
	}

	n, err = cw.res.conn.bufw.Write(p)
	if cw.chunking && err == nil {
		_, err = cw.res.conn.bufw.Write(crlf)
	}

	if err != nil {
		cw.res.conn.rwc.Close()
	}

	return
}

func (cw *chunkWriter) flush() error {
	if !cw.wroteHeader {
		cw.writeHeader(nil)
	}

	return cw.res.conn.bufw.Flush()
}

func (cw *chunkWriter) close() {
	if !cw.wroteHeader {
		cw.writeHeader(nil)
	}

	if cw.chunking {
		// zero chunk to mark EOF, then the empty trailer section
		cw.res.conn.bufw.WriteString("0\r\n\r\n")
	}
}

// writeStatusLine writes an HTTP/1.x Status-Line (RFC 7230 Section 3.1.2)
// to bw. is11 is whether the HTTP request is HTTP/1.1. false means HTTP/1.0.
// scratch is an optional scratch buffer. If it has at least capacity 3, it's used.
func writeStatusLine(bw *bufio.Writer, is11 bool, code int, scratch []byte) {
	if is11 {
		bw.WriteString("HTTP/1.1 ")
	} else {
		bw.WriteString("HTTP/1.0 ")
	}

	if text := http.StatusText(code); text != "" {
		bw.Write(strconv.AppendInt(scratch[:0], int64(code), 10))
		bw.WriteByte(' ')
		bw.WriteString(text)
		bw.WriteString("\r\n")
	} else {
		fmt.Fprintf(bw, "%03d status code %d\r\n", code, code)
	}
}

// appendTime is a non-allocating version of []byte(t.UTC().Format(TimeFormat))
func appendTime(b []byte, t time.Time) []byte {
	const days = "SunMonTueWedThuFriSat"

	const months = "JanFebMarAprMayJunJulAugSepOctNovDec"

	t = t.UTC()
	yy, mm, dd := t.Date()
	hh, mn, ss := t.Clock()
	day := days[3*t.Weekday():]
	mon := months[3*(mm-1):]

	return append(b,
		day[0], day[1], day[2], ',', ' ',
		byte('0'+dd/10), byte('0'+dd%10), ' ',
		mon[0], mon[1], mon[2], ' ',
		byte('0'+yy/1000), byte('0'+(yy/100)%10), byte('0'+(yy/10)%10), byte('0'+yy%10), ' ',
		byte('0'+hh/10), byte('0'+hh%10), ':',
		byte('0'+mn/10), byte('0'+mn%10), ':',
		byte('0'+ss/10), byte('0'+ss%10), ' ',
		'G', 'M', 'T')
}

// extraHeader is the set of headers sometimes added by chunkWriter.writeHeader.
type extraHeader struct {
	contentType      string
	connection       string
	transferEncoding string
	date             []byte // written if not nil
	contentLength    []byte // written if not nil
}

// Write writes the headers described in h to w. The value receiver avoids
// an allocation.
func (h extraHeader) Write(w *bufio.Writer) {
	if h.date != nil {
		w.Write(headerDate)
		w.Write(h.date)
		w.Write(crlf)
	}

	if h.contentLength != nil {
		w.Write(headerContentLength)
		w.Write(h.contentLength)
		w.Write(crlf)
	}

	for i, v := range []string{h.contentType, h.connection, h.transferEncoding} {
		if v != "" {
			w.Write(extraHeaderKeys[i])
			w.Write(colonSpace)
			w.WriteString(v)
			w.Write(crlf)
		}
	}
}
