package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type strategy int

const (
	strategyNone strategy = iota
	strategyMultipart
	strategyUpload
	strategyBuffered
)

var strategyName = map[strategy]string{
	strategyNone:      "none",
	strategyMultipart: "multipart",
	strategyUpload:    "upload",
	strategyBuffered:  "buffered",
}

func (s strategy) String() string {
	return strategyName[s]
}

var multipartType = regexp.MustCompile(`(?i)^multipart/(form-data|related);\s*boundary=(?:"([^"]+)"|([^;]+))$`)

// maxExtLen bounds the extension kept on stored upload names, dot included.
const maxExtLen = 5

// Ingest reads the request body with the strategy the method and headers
// select. A nil result means handler code may run. Any failure has already
// ended the response with 413 and is reported as a *RejectError.
func (x *Exchange) Ingest(ctx context.Context) error {
	if !x.state.CompareAndSwap(int32(StateBound), int32(StateIngesting)) {
		return ErrIngested
	}

	s, boundary := x.strategy()

	var err error

	switch s {
	case strategyMultipart:
		err = x.ingestMultipart(boundary)
	case strategyUpload:
		err = x.ingestUpload()
	case strategyBuffered:
		err = x.ingestBuffered(ctx)
	}

	if err != nil {
		return x.reject(s, err)
	}

	x.state.CompareAndSwap(int32(StateIngesting), int32(StateHandling))

	return nil
}

func (x *Exchange) strategy() (strategy, string) {
	switch x.req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return strategyNone, ""
	}

	if !x.hasBody() {
		return strategyNone, ""
	}

	if m := multipartType.FindStringSubmatch(x.req.Header.Get("Content-Type")); m != nil {
		if m[2] != "" {
			return strategyMultipart, m[2]
		}

		return strategyMultipart, strings.TrimSpace(m[3])
	}

	if h := x.cfg.AjaxFilenameHeader; h != "" && x.req.Header.Get(h) != "" {
		return strategyUpload, ""
	}

	return strategyBuffered, ""
}

func (x *Exchange) hasBody() bool {
	if len(x.req.TransferEncoding) > 0 || x.req.Header.Get("Transfer-Encoding") != "" {
		return true
	}

	return x.req.ContentLength > 0
}

func (x *Exchange) reject(s strategy, cause error) error {
	x.log.WithFields(logrus.Fields{
		"method":   x.req.Method,
		"path":     x.req.URL.Path,
		"strategy": s.String(),
	}).WithError(cause).Warn("exchange: ingestion rejected")

	x.SetStatus(http.StatusRequestEntityTooLarge)
	_ = x.End(nil, "")

	return &RejectError{Status: http.StatusRequestEntityTooLarge, Strategy: s.String(), Cause: cause}
}

func (x *Exchange) ingestMultipart(boundary string) error {
	dir, err := x.uploadDir()
	if err != nil {
		return err
	}

	mr := multipart.NewReader(x.req.Body, boundary)
	fields := 0

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("exchange: read multipart: %w", err)
		}

		name := part.FormName()

		if part.FileName() == "" {
			fields++
			if limit := x.cfg.MaxFields; limit > 0 && fields > limit {
				part.Close()
				return fmt.Errorf("%w: more than %d", ErrTooManyFields, limit)
			}

			value, err := readField(part, x.cfg.MaxFieldsSize)
			part.Close()

			if err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}

			x.post[name] = value

			continue
		}

		err = x.storePart(dir, name, part)
		part.Close()

		if err != nil {
			return err
		}
	}

	return x.enforceLimits()
}

func readField(r io.Reader, limit int64) (string, error) {
	if limit <= 0 {
		b, err := io.ReadAll(r)
		return string(b), err
	}

	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", err
	}

	if int64(len(b)) > limit {
		return "", ErrFieldTooLarge
	}

	return string(b), nil
}

func (x *Exchange) storePart(dir, name string, part *multipart.Part) error {
	fh := &FileHandle{
		FieldName:        name,
		OriginalFilename: part.FileName(),
		Header:           part.Header,
	}

	f, err := x.createUpload(dir, fh)
	if err != nil {
		return err
	}

	var src io.Reader = part
	limit := x.cfg.MaxFileSize

	if limit > 0 {
		src = io.LimitReader(part, limit+1)
	}

	n, err := io.Copy(f, src)
	cerr := f.Close()
	fh.Size = n

	switch {
	case err != nil:
		return fmt.Errorf("exchange: store %q: %w", fh.OriginalFilename, err)
	case limit > 0 && n > limit:
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrFileTooLarge, fh.OriginalFilename, limit)
	case cerr != nil:
		return fmt.Errorf("exchange: store %q: %w", fh.OriginalFilename, cerr)
	}

	x.files[name] = fh

	return nil
}

func (x *Exchange) ingestUpload() error {
	dir, err := x.uploadDir()
	if err != nil {
		return err
	}

	fh := &FileHandle{
		FieldName:        "file",
		OriginalFilename: x.req.Header.Get(x.cfg.AjaxFilenameHeader),
	}

	f, err := x.createUpload(dir, fh)
	if err != nil {
		return err
	}

	_, err = io.Copy(f, x.req.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return fmt.Errorf("exchange: store upload: %w", err)
	}

	fi, err := os.Stat(fh.Path)
	if err != nil {
		return fmt.Errorf("exchange: stat upload: %w", err)
	}

	fh.Size = fi.Size()
	x.files[fh.FieldName] = fh

	return nil
}

// createUpload opens a fresh file for fh under dir. The path is tracked for
// removal at End before any byte is written.
func (x *Exchange) createUpload(dir string, fh *FileHandle) (*os.File, error) {
	ext := filepath.Ext(fh.OriginalFilename)
	if len(ext) > maxExtLen {
		ext = ext[:maxExtLen]
	}

	fh.Path = filepath.Join(dir, strings.ReplaceAll(uuid.NewString(), "-", "")+ext)

	f, err := os.OpenFile(fh.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("exchange: create upload: %w", err)
	}

	x.tempPaths = append(x.tempPaths, fh.Path)

	return f, nil
}

func (x *Exchange) uploadDir() (string, error) {
	dir := x.cfg.UploadPath
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "exchange_upload")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("exchange: upload dir: %w", err)
	}

	return dir, nil
}

func (x *Exchange) ingestBuffered(ctx context.Context) error {
	body, err := io.ReadAll(x.req.Body)
	if err != nil {
		return fmt.Errorf("exchange: read body: %w", err)
	}

	x.payload = body

	if hook := x.cfg.FormParse; hook != nil {
		if err := hook(ctx, x); err != nil {
			return fmt.Errorf("exchange: form parse hook: %w", err)
		}
	}

	if len(x.post) == 0 && len(x.payload) > 0 {
		x.post = parseForm(string(x.payload))
	}

	return x.enforceLimits()
}

// parseForm decodes an url-encoded body without ever failing: only '&'
// separates pairs, the first value of a repeated key wins and escapes that
// do not decode are kept as written.
func parseForm(body string) map[string]string {
	form := make(map[string]string)

	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}

		k, v, _ := strings.Cut(pair, "=")
		k = unescapeForm(k)

		if _, ok := form[k]; !ok {
			form[k] = unescapeForm(v)
		}
	}

	return form
}

func unescapeForm(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}

	b := make([]byte, 0, len(s))

	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			b = append(b, ' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b = append(b, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
		default:
			b = append(b, c)
		}
	}

	return string(b)
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case c <= '9':
		return c - '0'
	case c <= 'F':
		return c - 'A' + 10
	}

	return c - 'a' + 10
}
