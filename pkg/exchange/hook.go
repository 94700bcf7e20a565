package exchange

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Hook is invoked once per buffered request after the body was captured and
// before the limits are enforced. Fields it stores with SetPost replace the
// url-encoded parse. A returned error rejects the request.
type Hook func(ctx context.Context, x *Exchange) error

// ChainHooks runs hooks in order and stops at the first error.
func ChainHooks(hooks ...Hook) Hook {
	return func(ctx context.Context, x *Exchange) error {
		for _, h := range hooks {
			if h == nil {
				continue
			}

			if err := h(ctx, x); err != nil {
				return err
			}
		}

		return nil
	}
}

// JSONFormHook fills the post fields from the members of a JSON object body.
// String members keep their value, other members their raw JSON text.
// Requests that are not application/json are left alone.
func JSONFormHook(_ context.Context, x *Exchange) error {
	if !strings.EqualFold(x.RequestType(), "application/json") || len(x.payload) == 0 {
		return nil
	}

	if !gjson.ValidBytes(x.payload) {
		return fmt.Errorf("%w: invalid JSON", ErrMalformedBody)
	}

	doc := gjson.ParseBytes(x.payload)
	if !doc.IsObject() {
		return nil
	}

	doc.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String {
			x.SetPost(key.String(), value.String())
		} else {
			x.SetPost(key.String(), value.Raw)
		}

		return true
	})

	return nil
}
