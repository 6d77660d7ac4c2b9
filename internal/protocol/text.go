package protocol

import (
	"strings"
	"unicode/utf8"
)

// decodeLossy converts b to a string, replacing every maximal ill-formed
// subsequence with a single U+FFFD.
func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	var sb strings.Builder
	sb.Grow(len(b) + utf8.UTFMax)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r != utf8.RuneError || size > 1 {
			sb.Write(b[:size])
			b = b[size:]
			continue
		}
		sb.WriteRune(utf8.RuneError)
		b = b[invalidPrefixLen(b):]
	}
	return sb.String()
}

// invalidPrefixLen returns how many bytes at the start of b form the maximal
// prefix of a well-formed sequence (at least 1). b must start with an
// ill-formed sequence.
func invalidPrefixLen(b []byte) int {
	lo, hi := byte(0x80), byte(0xBF)
	var trail int

	switch lead := b[0]; {
	case lead >= 0xC2 && lead <= 0xDF:
		trail = 1
	case lead == 0xE0:
		trail, lo = 2, 0xA0
	case lead == 0xED:
		trail, hi = 2, 0x9F
	case lead >= 0xE1 && lead <= 0xEF:
		trail = 2
	case lead == 0xF0:
		trail, lo = 3, 0x90
	case lead == 0xF4:
		trail, hi = 3, 0x8F
	case lead >= 0xF1 && lead <= 0xF3:
		trail = 3
	default:
		return 1
	}

	n := 1
	for n <= trail && n < len(b) {
		c := b[n]
		if n == 1 && (c < lo || c > hi) {
			break
		}
		if n > 1 && (c < 0x80 || c > 0xBF) {
			break
		}
		n++
	}
	return n
}
