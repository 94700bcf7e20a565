package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEqualFold(t *testing.T) {
	assert.True(t, EqualFold("Chunked", "chunked"))
	assert.True(t, EqualFold("", ""))
	assert.False(t, EqualFold("chunked", "chunk"))
	assert.False(t, EqualFold("^", "~"))
}

func TestHasToken(t *testing.T) {
	tests := []struct {
		v, token string
		want     bool
	}{
		{v: "100-continue", token: "100-continue", want: true},
		{v: "foo, Keep-Alive", token: "keep-alive", want: true},
		{v: "Upgrade,\tclose", token: "close", want: true},
		{v: "closed", token: "close", want: false},
		{v: "x-close", token: "close", want: false},
		{v: "", token: "close", want: false},
		{v: "close", token: "", want: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HasToken(tt.v, tt.token), "%q in %q", tt.token, tt.v)
	}
}

func TestLeadingCRLF(t *testing.T) {
	assert.Equal(t, 2, LeadingCRLF([]byte("\r\nGET")))
	assert.Equal(t, 0, LeadingCRLF([]byte("GET")))
	assert.Equal(t, 3, LeadingCRLF([]byte("\n\r\n")))
}
