package store

import (
	"fmt"
	"strconv"
	"strings"
)

const reserved = "\\:*?\"<>|"

// EncodePath makes a tracked path safe for case-insensitive filesystems:
// upper-case letters become '_' plus the lower-case letter, '_' is doubled,
// and bytes outside printable ASCII or in reserved become ~xx. Slashes are
// kept so the data directory mirrors the tree.
func EncodePath(path string) string {
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c == '_':
			b.WriteString("__")
		case c >= 'A' && c <= 'Z':
			b.WriteByte('_')
			b.WriteByte(c + ('a' - 'A'))
		case c < 32 || c >= 126 || strings.IndexByte(reserved, c) >= 0:
			fmt.Fprintf(&b, "~%02x", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// DecodePath reverses EncodePath.
func DecodePath(enc string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(enc); i++ {
		c := enc[i]
		switch c {
		case '_':
			if i+1 >= len(enc) {
				return "", fmt.Errorf("decode %q: dangling '_'", enc)
			}
			i++
			n := enc[i]
			switch {
			case n == '_':
				b.WriteByte('_')
			case n >= 'a' && n <= 'z':
				b.WriteByte(n - ('a' - 'A'))
			default:
				return "", fmt.Errorf("decode %q: bad escape _%c", enc, n)
			}
		case '~':
			if i+2 >= len(enc) {
				return "", fmt.Errorf("decode %q: short ~ escape", enc)
			}
			v, err := strconv.ParseUint(enc[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("decode %q: %w", enc, err)
			}
			b.WriteByte(byte(v))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
