package pkg

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

func badStringError(what, val string) error {
	return fmt.Errorf("%s %q", what, val)
}

// ValidMethod reports whether method is an RFC 7230 token. Extension
// methods are accepted alongside the standard ones.
func ValidMethod(method string) bool {
	return method != "" && strings.IndexFunc(method, func(r rune) bool {
		return !httpguts.IsTokenRune(r)
	}) == -1
}
