package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
)

// OutputTransform receives echoed content instead of the connection. It runs
// on its own goroutine and is expected to write through x.Write or
// x.WriteEncoded. End waits for every transform before closing.
type OutputTransform func(ctx context.Context, payload []byte, encoding string, x *Exchange) error

// SetStatus sets the status code sent with the headers. It has no effect
// once the headers are out.
func (x *Exchange) SetStatus(code int) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.headersSent {
		x.status = code
	}
}

// Status returns the response status code.
func (x *Exchange) Status() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.status
}

// SetHeader sets a response header. It reports false when the headers were
// already sent, or when name is Content-Type and a type was set before.
func (x *Exchange) SetHeader(name, value string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.headersSent {
		return false
	}

	if http.CanonicalHeaderKey(name) == "Content-Type" {
		if x.contentTypeSent {
			return false
		}

		x.contentTypeSent = true
	}

	x.rw.Header().Set(name, value)

	return true
}

// ContentType returns the response Content-Type set so far.
func (x *Exchange) ContentType() string {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.rw.Header().Get("Content-Type")
}

// Type sets the response Content-Type once per exchange. A value without a
// slash is looked up as a file extension, and a charset is appended unless
// the value carries one.
func (x *Exchange) Type(contentType, encoding string) {
	if contentType == "" {
		return
	}

	if !strings.Contains(contentType, "/") {
		if t := mime.TypeByExtension("." + strings.TrimPrefix(contentType, ".")); t != "" {
			contentType = t
		}
	}

	if !strings.Contains(strings.ToLower(contentType), "charset=") {
		if encoding == "" {
			encoding = x.cfg.Encoding
		}

		if encoding != "" {
			contentType += "; charset=" + encoding
		}
	}

	x.SetHeader("Content-Type", contentType)
}

// SendTime writes the elapsed time since bind as X-<name>, X-EXEC-TIME when
// name is empty.
func (x *Exchange) SendTime(name string) {
	if name == "" {
		name = "EXEC-TIME"
	}

	ms := time.Since(x.startTime).Milliseconds()
	x.SetHeader("X-"+name, strconv.FormatInt(ms, 10)+"ms")
}

// Write writes p to the response, sending the headers first if needed.
func (x *Exchange) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.State() == StateEnded {
		return 0, ErrEnded
	}

	x.writeHeaderLocked()

	return x.rw.Write(p)
}

// WriteEncoded transcodes p from UTF-8 into encoding and writes it.
func (x *Exchange) WriteEncoded(p []byte, encoding string) error {
	b, err := encode(p, encoding)
	if err != nil {
		return err
	}

	_, err = x.Write(b)

	return err
}

func (x *Exchange) writeHeaderLocked() {
	if x.headersSent {
		return
	}

	x.headersSent = true
	x.rw.WriteHeader(x.status)
}

func encode(p []byte, name string) ([]byte, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return p, nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("exchange: encoding %q: %w", name, err)
	}

	b, err := enc.NewEncoder().Bytes(p)
	if err != nil {
		return nil, fmt.Errorf("exchange: encode %s: %w", name, err)
	}

	return b, nil
}

// Echo writes payload. The first echo fixes the content type, and every
// echo flushes staged cookies and refreshes the timing header while the
// headers are still open. Maps, slices, arrays and structs are written as
// JSON. With an output transform configured the payload goes to it as an
// output task instead.
func (x *Exchange) Echo(payload any, encoding string) error {
	if x.State() >= StateEnding {
		return ErrEnded
	}

	x.Type(x.cfg.TplContentType, "")
	x.FlushCookies()
	x.SendTime("")

	if payload == nil {
		return nil
	}

	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	if encoding == "" {
		encoding = x.cfg.Encoding
	}

	if fn := x.cfg.OutputContent; fn != nil {
		x.spawn(fn, data, encoding)
		return nil
	}

	return x.WriteEncoded(data, encoding)
}

func (x *Exchange) spawn(fn OutputTransform, data []byte, encoding string) {
	x.tasks.Add(1)

	go func() {
		defer x.tasks.Done()
		defer func() {
			if p := recover(); p != nil {
				x.recordTaskErr(fmt.Errorf("exchange: output task panic: %v", p))
			}
		}()

		if err := fn(x.Context(), data, encoding, &Exchange{exchangeState: x.exchangeState, task: true}); err != nil {
			x.recordTaskErr(err)
		}
	}()
}

func (x *Exchange) recordTaskErr(err error) {
	x.taskMu.Lock()
	x.taskErrs = append(x.taskErrs, err)
	x.taskMu.Unlock()
}

func marshalPayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	}

	switch reflect.Indirect(reflect.ValueOf(payload)).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return marshalJSON(payload)
	}

	return []byte(fmt.Sprint(payload)), nil
}

// marshalJSON encodes v without HTML escaping and without the trailing
// newline json.Encoder adds.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("exchange: marshal: %w", err)
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// envelope is the {errorKey, errorMsg, data?} object written by Success and
// Fail, keys kept in that order.
type envelope struct {
	codeKey string
	msgKey  string
	code    int
	msg     string
	data    any
}

func (e envelope) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	fields := []struct {
		key   string
		value any
	}{{e.codeKey, e.code}, {e.msgKey, e.msg}}

	if e.data != nil {
		fields = append(fields, struct {
			key   string
			value any
		}{"data", e.data})
	}

	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}

		k, err := marshalJSON(f.key)
		if err != nil {
			return nil, err
		}

		v, err := marshalJSON(f.value)
		if err != nil {
			return nil, err
		}

		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// Success ends the exchange with a zero-code envelope. A nil data omits the
// data member.
func (x *Exchange) Success(data any, message string) error {
	x.Type(x.cfg.JSONContentType, "")

	return x.End(envelope{codeKey: x.cfg.ErrorKey, msgKey: x.cfg.ErrorMsg, msg: message, data: data}, "")
}

// Fail ends the exchange with an error envelope. An empty message becomes
// "error".
func (x *Exchange) Fail(code int, message string, data any) error {
	if message == "" {
		message = "error"
	}

	x.Type(x.cfg.JSONContentType, "")

	return x.End(envelope{codeKey: x.cfg.ErrorKey, msgKey: x.cfg.ErrorMsg, code: code, msg: message, data: data}, "")
}

// FailMessage is Fail with the configured default error code.
func (x *Exchange) FailMessage(message string, data any) error {
	return x.Fail(x.cfg.ErrorValue, message, data)
}

// JSON ends the exchange with data under the JSON content type.
func (x *Exchange) JSON(data any) error {
	x.Type(x.cfg.JSONContentType, "")

	return x.End(data, "")
}

var unsafeCallback = regexp.MustCompile(`[^\w.]`)

// JSONP ends the exchange with data wrapped in the callback named by the
// callback query parameter. Characters outside [A-Za-z0-9_.] are dropped
// from the callback; without a callback data is written as plain JSON.
func (x *Exchange) JSONP(data any) error {
	x.Type(x.cfg.JSONContentType, "")

	callback := unsafeCallback.ReplaceAllString(x.Query(x.cfg.CallbackName), "")
	if callback == "" {
		return x.End(data, "")
	}

	var body []byte

	if data != nil {
		var err error

		if body, err = marshalJSON(data); err != nil {
			return err
		}
	}

	return x.End(callback+"("+string(body)+")", "")
}

// Redirect ends the exchange with a Location header. A zero code means 302,
// an empty location "/".
func (x *Exchange) Redirect(location string, code int) error {
	if code == 0 {
		code = http.StatusFound
	}

	if location == "" {
		location = "/"
	}

	x.SetStatus(code)
	x.SetHeader("Location", location)

	return x.End(nil, "")
}
