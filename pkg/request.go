package pkg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/http/httpguts"

	"exchangeServer/internal"
)

var textprotoReaderPool sync.Pool

func newTextprotoReader(br *bufio.Reader) *textproto.Reader {
	if v := textprotoReaderPool.Get(); v != nil {
		tr := v.(*textproto.Reader)
		tr.R = br

		return tr
	}

	return textproto.NewReader(br)
}

func putTextprotoReader(r *textproto.Reader) {
	r.R = nil
	textprotoReaderPool.Put(r)
}

// parseRequestLine parses "GET /foo HTTP/1.1" into its three parts.
func parseRequestLine(line string) (method, requestURI, proto string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	requestURI, proto, ok2 := strings.Cut(rest, " ")

	if !ok1 || !ok2 {
		return "", "", "", false
	}

	return method, requestURI, proto, true
}

func readRequest(b *bufio.Reader) (req *http.Request, err error) {
	tp := newTextprotoReader(b)
	defer putTextprotoReader(tp)

	req = new(http.Request)

	var s string

	// First line: GET /index.html HTTP/1.0
	if s, err = tp.ReadLine(); err != nil {
		return nil, err
	}

	defer func() {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
	}()

	var ok bool
	req.Method, req.RequestURI, req.Proto, ok = parseRequestLine(s)

	if !ok {
		return nil, badStringError("malformed HTTP request", s)
	}

	if !ValidMethod(req.Method) {
		return nil, badStringError("invalid method", req.Method)
	}

	rawurl := req.RequestURI

	if req.ProtoMajor, req.ProtoMinor, ok = http.ParseHTTPVersion(req.Proto); !ok {
		return nil, badStringError("malformed HTTP version", req.Proto)
	}

	// CONNECT carries just an authority ("CONNECT example.com:443"), which
	// only parses as a URL with a scheme in front.
	justAuthority := req.Method == http.MethodConnect && !strings.HasPrefix(rawurl, "/")
	if justAuthority {
		rawurl = "http://" + rawurl
	}

	if req.URL, err = url.ParseRequestURI(rawurl); err != nil {
		return nil, err
	}

	if justAuthority {
		req.URL.Scheme = ""
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	req.Header = http.Header(mimeHeader)
	if len(req.Header["Host"]) > 1 {
		return nil, fmt.Errorf("too many Host headers")
	}

	// RFC 7230, section 5.3: an absolute request target overrides Host.
	req.Host = req.URL.Host
	if req.Host == "" {
		req.Host = GetHeader(req.Header, "Host")
	}

	fixPragmaCacheControl(req.Header)

	req.Close = shouldClose(req.ProtoMajor, req.ProtoMinor, req.Header, false)

	if err = readTransfer(req, b); err != nil {
		return nil, err
	}

	return req, nil
}

// shouldClose reports whether the connection should be closed after the
// message with the given version and header.
func shouldClose(major, minor int, header http.Header, removeCloseHeader bool) bool {
	if major < 1 {
		return true
	}

	conv := header["Connection"]
	hasClose := httpguts.HeaderValuesContainsToken(conv, closeStr)

	if major == 1 && minor == 0 {
		return hasClose || !httpguts.HeaderValuesContainsToken(conv, "keep-alive")
	}

	if hasClose && removeCloseHeader {
		header.Del("Connection")
	}

	return hasClose
}

func ExpectsContinue(r *http.Request) bool {
	return internal.HasToken(GetHeader(r.Header, "Expect"), "100-continue")
}

func GetHeader(h http.Header, key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}

	return ""
}

func HasHeader(h http.Header, key string) bool {
	_, ok := h[key]

	return ok
}

func wantsHttp10KeepAlive(r *http.Request) bool {
	if r.ProtoMajor != 1 || r.ProtoMinor != 0 {
		return false
	}

	return internal.HasToken(GetHeader(r.Header, "Connection"), "keep-alive")
}

func wantsClose(r *http.Request) bool {
	if r.Close {
		return true
	}

	return internal.HasToken(GetHeader(r.Header, "Connection"), closeStr)
}
