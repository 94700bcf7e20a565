package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")

	return r
}

func TestHookReplacesFormParse(t *testing.T) {
	cfg := testConfig(t)
	cfg.FormParse = func(_ context.Context, x *Exchange) error {
		x.SetPost("from", "hook")
		return nil
	}

	x, _ := ingested(t, cfg, formRequest("a=1"))

	assert.Equal(t, "hook", x.Post("from"))
	assert.Empty(t, x.Post("a"))
	assert.Equal(t, []byte("a=1"), x.Payload())
}

func TestHookWithoutFieldsFallsBackToFormParse(t *testing.T) {
	called := false

	cfg := testConfig(t)
	cfg.FormParse = func(context.Context, *Exchange) error {
		called = true
		return nil
	}

	x, _ := ingested(t, cfg, formRequest("a=1"))

	assert.True(t, called)
	assert.Equal(t, "1", x.Post("a"))
}

func TestHookErrorRejects(t *testing.T) {
	errDenied := errors.New("denied")

	cfg := testConfig(t)
	cfg.FormParse = func(context.Context, *Exchange) error { return errDenied }

	r := formRequest("a=1")
	x, rec := newExchange(t, cfg, r)

	assertRejected(t, x.Ingest(r.Context()), errDenied, rec, x)
}

func TestHookFieldsAreLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFields = 1
	cfg.FormParse = func(_ context.Context, x *Exchange) error {
		x.SetPost("a", "1")
		x.SetPost("b", "2")
		return nil
	}

	r := formRequest("ignored=1")
	x, rec := newExchange(t, cfg, r)

	assertRejected(t, x.Ingest(r.Context()), ErrTooManyFields, rec, x)
}

func TestHookNotRunForMultipart(t *testing.T) {
	cfg := testConfig(t)
	cfg.FormParse = func(context.Context, *Exchange) error {
		t.Error("hook ran for a multipart body")
		return nil
	}

	ingested(t, cfg, multipartRequest(t, formPart{name: "a", content: "1"}))
}

func TestJSONFormHook(t *testing.T) {
	cfg := testConfig(t)
	cfg.FormParse = JSONFormHook

	x, _ := ingested(t, cfg, jsonRequest(`{"name":"bob","age":3,"tags":["x","y"],"ok":true}`))

	assert.Equal(t, "bob", x.Post("name"))
	assert.Equal(t, "3", x.Post("age"))
	assert.Equal(t, `["x","y"]`, x.Post("tags"))
	assert.Equal(t, "true", x.Post("ok"))
	assert.Equal(t, "application/json", x.RequestType())
}

func TestJSONFormHookInvalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.FormParse = JSONFormHook

	r := jsonRequest(`{"name":`)
	x, rec := newExchange(t, cfg, r)

	assertRejected(t, x.Ingest(r.Context()), ErrMalformedBody, rec, x)
}

func TestJSONFormHookIgnoresOtherTypes(t *testing.T) {
	cfg := testConfig(t)
	cfg.FormParse = JSONFormHook

	x, _ := ingested(t, cfg, formRequest("a=1"))

	assert.Equal(t, "1", x.Post("a"))
}

func TestChainHooks(t *testing.T) {
	var order []string

	errStop := errors.New("stop")
	hook := ChainHooks(
		func(context.Context, *Exchange) error { order = append(order, "first"); return nil },
		nil,
		func(context.Context, *Exchange) error { order = append(order, "second"); return errStop },
		func(context.Context, *Exchange) error { order = append(order, "third"); return nil },
	)

	r := formRequest("a=1")
	x, _ := newExchange(t, testConfig(t), r)

	require.ErrorIs(t, hook(context.Background(), x), errStop)
	assert.Equal(t, []string{"first", "second"}, order)
}
