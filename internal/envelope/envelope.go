// Package envelope encodes and decodes the base64 text used on the Flow wire format.
package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedInput is returned when text cannot be decoded as base64.
var ErrMalformedInput = errors.New("malformed input")

// Encode returns the standard padded base64 form of b.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode strips ASCII whitespace from s and decodes the remainder.
// Key material is often distributed wrapped at 64 columns, so line breaks are tolerated.
// On failure the returned slice is always nil.
func Decode(s string) ([]byte, error) {
	clean := stripWhitespace(s)
	out, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedInput, err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func stripWhitespace(s string) string {
	if !strings.ContainsAny(s, " \t\r\n") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
