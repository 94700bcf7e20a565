// Package internal holds the ASCII helpers the HTTP/1.x parser needs for
// header tokens. Header syntax is ASCII, so none of these look at runes.
package internal

import "strings"

func lower(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b | 0x20
	}

	return b
}

// EqualFold reports whether s and t are equal under ASCII case folding.
func EqualFold(s, t string) bool {
	if len(s) != len(t) {
		return false
	}

	for i := 0; i < len(s); i++ {
		if lower(s[i]) != lower(t[i]) {
			return false
		}
	}

	return true
}

// HasToken reports whether token is one of the comma or whitespace
// separated elements of the header value v. token must be lowercase.
func HasToken(v, token string) bool {
	if token == "" || len(v) < len(token) {
		return false
	}

	for _, elem := range strings.FieldsFunc(v, isTokenBoundary) {
		if EqualFold(elem, token) {
			return true
		}
	}

	return false
}

func isTokenBoundary(r rune) bool {
	return r == ' ' || r == ',' || r == '\t'
}

// LeadingCRLF counts the CR and LF bytes at the start of b. Old clients
// send a stray CRLF after a POST body.
func LeadingCRLF(b []byte) int {
	n := 0

	for n < len(b) && (b[n] == '\r' || b[n] == '\n') {
		n++
	}

	return n
}
