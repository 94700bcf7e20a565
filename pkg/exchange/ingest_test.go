package exchange

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type formPart struct {
	name, filename, content string
}

func multipartRequest(t *testing.T, parts ...formPart) *http.Request {
	t.Helper()

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	for _, p := range parts {
		var (
			w   io.Writer
			err error
		)

		if p.filename != "" {
			w, err = mw.CreateFormFile(p.name, p.filename)
		} else {
			w, err = mw.CreateFormField(p.name)
		}

		require.NoError(t, err)

		_, err = w.Write([]byte(p.content))
		require.NoError(t, err)
	}

	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())

	return r
}

func formRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/form", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return r
}

func assertRejected(t *testing.T, err error, cause error, rec *httptest.ResponseRecorder, x *Exchange) {
	t.Helper()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, cause)

	var re *RejectError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusRequestEntityTooLarge, re.Status)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.True(t, x.Ended())
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	return entries
}

func TestIngestWithoutBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	x, _ := ingested(t, testConfig(t), r)

	assert.Empty(t, x.PostAll())
	assert.Empty(t, x.Files())
	assert.Nil(t, x.Payload())

	assert.ErrorIs(t, x.Ingest(context.Background()), ErrIngested)
}

func TestIngestSkipsBodyOfGet(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", strings.NewReader("a=1"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	x, _ := ingested(t, testConfig(t), r)

	assert.Empty(t, x.PostAll())
}

func TestIngestMultipart(t *testing.T) {
	cfg := testConfig(t)
	r := multipartRequest(t,
		formPart{name: "title", content: "quarterly"},
		formPart{name: "doc", filename: "report.pdf", content: "%PDF-1.4 body"},
	)

	x, _ := ingested(t, cfg, r)

	assert.Equal(t, "quarterly", x.Post("title"))

	f := x.File("doc")
	require.NotNil(t, f)
	assert.Equal(t, "doc", f.FieldName)
	assert.Equal(t, "report.pdf", f.OriginalFilename)
	assert.Equal(t, int64(len("%PDF-1.4 body")), f.Size)
	assert.Equal(t, cfg.UploadPath, filepath.Dir(f.Path))
	assert.Equal(t, ".pdf", filepath.Ext(f.Path))

	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 body", string(data))

	require.NoError(t, x.End(nil, ""))

	_, err = os.Stat(f.Path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, dirEntries(t, cfg.UploadPath))
}

func TestIngestMultipartQuotedBoundary(t *testing.T) {
	body := "--xyz\r\nContent-Disposition: form-data; name=\"a\"\r\n\r\n1\r\n--xyz--\r\n"

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set("Content-Type", `multipart/form-data; boundary="xyz"`)

	x, _ := ingested(t, testConfig(t), r)

	assert.Equal(t, "1", x.Post("a"))
}

func TestIngestMultipartLongExtensionIsTruncated(t *testing.T) {
	r := multipartRequest(t, formPart{name: "f", filename: "archive.tar.gzipped", content: "x"})

	x, _ := ingested(t, testConfig(t), r)

	assert.Equal(t, ".gzip", filepath.Ext(x.File("f").Path))
}

func TestIngestMultipartTooManyFields(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFields = 1

	r := multipartRequest(t, formPart{name: "a", content: "1"}, formPart{name: "b", content: "2"})
	x, rec := newExchange(t, cfg, r)

	err := x.Ingest(r.Context())
	assertRejected(t, err, ErrTooManyFields, rec, x)
}

func TestIngestMultipartFieldTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFieldsSize = 4

	r := multipartRequest(t, formPart{name: "a", content: "12345"})
	x, rec := newExchange(t, cfg, r)

	assertRejected(t, x.Ingest(r.Context()), ErrFieldTooLarge, rec, x)
}

func TestIngestMultipartFileTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFileSize = 4

	r := multipartRequest(t,
		formPart{name: "small", filename: "a.txt", content: "ok"},
		formPart{name: "big", filename: "b.txt", content: "far too large"},
	)
	x, rec := newExchange(t, cfg, r)

	assertRejected(t, x.Ingest(r.Context()), ErrFileTooLarge, rec, x)

	// partial files are removed by the rejection
	assert.Empty(t, dirEntries(t, cfg.UploadPath))
}

func TestIngestDirectUpload(t *testing.T) {
	cfg := testConfig(t)

	r := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("jpeg-bytes"))
	r.Header.Set("Content-Type", "application/octet-stream")
	r.Header.Set("X-Filename", "photo.jpeg")

	x, _ := ingested(t, cfg, r)

	f := x.File("file")
	require.NotNil(t, f)
	assert.Equal(t, "photo.jpeg", f.OriginalFilename)
	assert.Equal(t, int64(len("jpeg-bytes")), f.Size)
	assert.Equal(t, ".jpeg", filepath.Ext(f.Path))
	assert.Empty(t, x.PostAll())

	require.NoError(t, x.End(nil, ""))
	assert.Empty(t, dirEntries(t, cfg.UploadPath))
}

func TestIngestCreatesUploadDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UploadPath = filepath.Join(t.TempDir(), "nested", "uploads")

	r := httptest.NewRequest(http.MethodPut, "/", strings.NewReader("x"))
	r.Header.Set("X-Filename", "a.bin")

	x, _ := ingested(t, cfg, r)

	assert.FileExists(t, x.File("file").Path)
}

func TestIngestBuffered(t *testing.T) {
	x, _ := ingested(t, testConfig(t), formRequest("a=1&a=2&b=x%20y"))

	assert.Equal(t, "1", x.Post("a"))
	assert.Equal(t, "x y", x.Post("b"))
	assert.Equal(t, []byte("a=1&a=2&b=x%20y"), x.Payload())
}

func TestIngestBufferedChunked(t *testing.T) {
	r := formRequest("k=v")
	r.ContentLength = -1
	r.TransferEncoding = []string{"chunked"}

	x, _ := ingested(t, testConfig(t), r)

	assert.Equal(t, "v", x.Post("k"))
}

func TestIngestBufferedLimits(t *testing.T) {
	t.Run("too many fields", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MaxFields = 2

		r := formRequest("a=1&b=2&c=3")
		x, rec := newExchange(t, cfg, r)

		assertRejected(t, x.Ingest(r.Context()), ErrTooManyFields, rec, x)
	})

	t.Run("field too large", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MaxFieldsSize = 3

		r := formRequest("a=toolong")
		x, rec := newExchange(t, cfg, r)

		assertRejected(t, x.Ingest(r.Context()), ErrFieldTooLarge, rec, x)
	})

	t.Run("zero disables", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MaxFields = 0
		cfg.MaxFieldsSize = 0

		x, _ := ingested(t, cfg, formRequest("a=1&b=2&c="+strings.Repeat("x", 4096)))
		assert.Len(t, x.PostAll(), 3)
	})
}

func TestIngestLenientForm(t *testing.T) {
	tests := []struct {
		name string
		body string
		want map[string]string
	}{
		{name: "semicolon is literal", body: "a=1;b=2", want: map[string]string{"a": "1;b=2"}},
		{name: "trailing percent", body: "note=50%", want: map[string]string{"note": "50%"}},
		{name: "bad escape kept", body: "a=%zz%20x+y", want: map[string]string{"a": "%zz x y"}},
		{name: "first value wins", body: "a=1&a=2&&b", want: map[string]string{"a": "1", "b": ""}},
		{name: "plain", body: "a=1&b=caf%C3%A9", want: map[string]string{"a": "1", "b": "café"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, rec := ingested(t, testConfig(t), formRequest(tt.body))

			assert.Equal(t, tt.want, x.PostAll())
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestRejectedExchangeRefusesOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFields = 1

	r := formRequest("a=1&b=2")
	x, rec := newExchange(t, cfg, r)
	require.Error(t, x.Ingest(r.Context()))

	_, err := x.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrEnded)
	assert.ErrorIs(t, x.End("late", ""), ErrEnded)
	assert.Empty(t, rec.Body.String())
}
