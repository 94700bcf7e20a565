package pkg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"sync"

	"exchangeServer/internal"
)

// unsupportedTEError is returned for any Transfer-Encoding other than a
// single "chunked". The server answers it with 501.
type unsupportedTEError struct {
	encodings []string
}

func (e *unsupportedTEError) Error() string {
	return fmt.Sprintf("http: unsupported transfer encoding %q", e.encodings)
}

func isUnsupportedTEError(err error) bool {
	var te *unsupportedTEError

	return errors.As(err, &te)
}

// readTransfer sets req.Body and req.ContentLength from the framing headers.
// Chunked wins over Content-Length (RFC 7230 section 3.3.3); a request with
// neither has no body.
func readTransfer(req *http.Request, r *bufio.Reader) error {
	chunked, err := parseTransferEncoding(req.Header)
	if err != nil {
		return err
	}

	realLength, err := fixLength(req.Header, chunked)
	if err != nil {
		return err
	}

	switch {
	case chunked:
		req.TransferEncoding = []string{"chunked"}
		req.ContentLength = -1
		req.Body = &body{src: httputil.NewChunkedReader(r), hdr: req, r: r, closing: req.Close}
	case realLength > 0:
		req.ContentLength = realLength
		req.Body = &body{src: io.LimitReader(r, realLength), closing: req.Close}
	default:
		req.ContentLength = 0
		req.Body = http.NoBody
	}

	return nil
}

func parseTransferEncoding(header http.Header) (bool, error) {
	raw, present := header["Transfer-Encoding"]
	if !present {
		return false, nil
	}

	delete(header, "Transfer-Encoding")

	if len(raw) != 1 {
		return false, &unsupportedTEError{encodings: raw}
	}

	if !internal.EqualFold(textproto.TrimString(raw[0]), "chunked") {
		return false, &unsupportedTEError{encodings: raw}
	}

	// A sender must not send Content-Length alongside Transfer-Encoding;
	// if one does, the length is ignored.
	delete(header, "Content-Length")

	return true, nil
}

func fixLength(header http.Header, chunked bool) (int64, error) {
	contentLens := header["Content-Length"]

	// Identical duplicates collapse into one; differing ones are an attack
	// vector for request smuggling.
	if len(contentLens) > 1 {
		first := textproto.TrimString(contentLens[0])

		for _, ct := range contentLens[1:] {
			if first != textproto.TrimString(ct) {
				return 0, fmt.Errorf("http: message cannot contain multiple Content-Length headers; got %q", contentLens)
			}
		}

		header.Del("Content-Length")
		header.Add("Content-Length", first)

		contentLens = header["Content-Length"]
	}

	if chunked {
		return -1, nil
	}

	if len(contentLens) > 0 {
		return parseContentLength(contentLens[0])
	}

	return 0, nil
}

func parseContentLength(cl string) (int64, error) {
	cl = textproto.TrimString(cl)
	if cl == "" {
		return 0, badStringError("invalid empty Content-Length", cl)
	}

	n, err := strconv.ParseUint(cl, 10, 63)
	if err != nil {
		return 0, badStringError("bad Content-Length", cl)
	}

	return int64(n), nil
}

// body turns a Reader into a ReadCloser.
// Close ensures that the body has been fully read
// and then reads the trailer if necessary.
type body struct {
	src          io.Reader
	hdr          any           // non-nil (Response or Request) value means read trailer
	r            *bufio.Reader // underlying wire-format reader for the trailer
	closing      bool          // is the connection to be closed after reading body?
	doEarlyClose bool          // whether Close should stop early

	mu         sync.Mutex // guards following, and calls to Read and Close
	sawEOF     bool
	closed     bool
	earlyClose bool // Close called and we didn't read to the end of src
}

func (b *body) Read(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, http.ErrBodyReadAfterClose
	}

	return b.readLocked(p)
}

// Must hold b.mu.
func (b *body) readLocked(p []byte) (n int, err error) {
	if b.sawEOF {
		return 0, io.EOF
	}

	n, err = b.src.Read(p)

	if errors.Is(err, io.EOF) {
		b.sawEOF = true

		if b.hdr != nil {
			if e := b.readTrailer(); e != nil {
				err = e
				// A broken trailer leaves the connection in an unknown
				// state: no further reads, no further requests.
				b.sawEOF = false
				b.closed = true
			}

			b.hdr = nil
		} else if lr, ok := b.src.(*io.LimitedReader); ok && lr.N > 0 {
			err = io.ErrUnexpectedEOF
		}
	}

	// Report EOF together with the last bytes when the declared length
	// has been consumed.
	if err == nil && n > 0 {
		if lr, ok := b.src.(*io.LimitedReader); ok && lr.N == 0 {
			err = io.EOF
			b.sawEOF = true
		}
	}

	return n, err
}

var (
	singleCRLF = []byte("\r\n")
	doubleCRLF = []byte("\r\n\r\n")
)

func seeUpcomingDoubleCRLF(r *bufio.Reader) bool {
	for peekSize := 4; ; peekSize++ {
		// This loop stops when Peek returns an error,
		// which it does when r's buffer has been filled.
		buf, err := r.Peek(peekSize)
		if bytes.HasSuffix(buf, doubleCRLF) {
			return true
		}

		if err != nil {
			break
		}
	}

	return false
}

var errTrailerEOF = errors.New("http: unexpected EOF reading trailer")

func (b *body) readTrailer() error {
	buf, err := b.r.Peek(2)
	if bytes.Equal(buf, singleCRLF) {
		b.r.Discard(2)
		return nil
	}

	if len(buf) < 2 {
		return errTrailerEOF
	}

	if err != nil {
		return err
	}

	// The trailer is bounded by the bufio.Reader's buffer: a header
	// terminator has to be visible within it.
	if !seeUpcomingDoubleCRLF(b.r) {
		return errors.New("http: suspiciously long trailer after chunked body")
	}

	hdr, err := textproto.NewReader(b.r).ReadMIMEHeader()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errTrailerEOF
		}

		return err
	}

	if req, ok := b.hdr.(*http.Request); ok {
		mergeSetHeader(&req.Trailer, http.Header(hdr))
	}

	return nil
}

func mergeSetHeader(dst *http.Header, src http.Header) {
	if *dst == nil {
		*dst = src

		return
	}

	for k, vv := range src {
		(*dst)[k] = vv
	}
}

func (b *body) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	var err error

	switch {
	case b.sawEOF:
	case b.hdr == nil && b.closing:
		// no trailer and closing the connection next.
		// no point in reading to EOF.
	case b.doEarlyClose:
		// Read up to maxPostHandlerReadBytes looking for EOF so the
		// connection can be reused.
		if lr, ok := b.src.(*io.LimitedReader); ok && lr.N > maxPostHandlerReadBytes {
			b.earlyClose = true
		} else {
			var n int64

			n, err = io.CopyN(io.Discard, bodyLocked{b}, maxPostHandlerReadBytes)
			if errors.Is(err, io.EOF) {
				err = nil
			}

			if n == maxPostHandlerReadBytes {
				b.earlyClose = true
			}
		}
	default:
		_, err = io.Copy(io.Discard, bodyLocked{b})
	}

	b.closed = true

	return err
}

func (b *body) didEarlyClose() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.earlyClose
}

// bodyLocked is an io.Reader reading from a *body when its mutex is
// already held.
type bodyLocked struct {
	b *body
}

func (bl bodyLocked) Read(p []byte) (n int, err error) {
	if bl.b.closed {
		return 0, http.ErrBodyReadAfterClose
	}

	return bl.b.readLocked(p)
}
