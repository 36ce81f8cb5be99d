package status

import (
	"strings"
	"unicode/utf8"
)

// The grpc-message trailer is percent-encoded: bytes outside the printable
// ASCII range, plus '%' itself, are emitted as %XX over the UTF-8 encoding.

const hexDigits = "0123456789ABCDEF"

func needsEscape(b byte) bool {
	return b < ' ' || b > '~' || b == '%'
}

// EncodeMessage percent-encodes a status message for the grpc-message trailer.
func EncodeMessage(msg string) string {
	for i := 0; i < len(msg); i++ {
		if needsEscape(msg[i]) {
			return encodeMessageSlow(msg, i)
		}
	}
	return msg
}

func encodeMessageSlow(msg string, first int) string {
	var sb strings.Builder
	sb.Grow(len(msg) + 8)
	sb.WriteString(msg[:first])
	for i := first; i < len(msg); i++ {
		b := msg[i]
		if !needsEscape(b) {
			sb.WriteByte(b)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hexDigits[b>>4])
		sb.WriteByte(hexDigits[b&0xf])
	}
	return sb.String()
}

// DecodeMessage reverses EncodeMessage. Malformed escapes are passed through
// verbatim rather than rejected, since the message is advisory.
func DecodeMessage(msg string) string {
	if !strings.ContainsRune(msg, '%') {
		return msg
	}
	var sb strings.Builder
	sb.Grow(len(msg))
	for i := 0; i < len(msg); i++ {
		if msg[i] == '%' && i+2 < len(msg) {
			hi, okHi := unhex(msg[i+1])
			lo, okLo := unhex(msg[i+2])
			if okHi && okLo {
				sb.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		sb.WriteByte(msg[i])
	}
	out := sb.String()
	if !utf8.ValidString(out) {
		return msg
	}
	return out
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
