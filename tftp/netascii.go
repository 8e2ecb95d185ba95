package tftp

// NetASCII encoding (RFC 764): a line break is CR LF, a literal
// carriage return is CR NUL. A CR is therefore always followed by
// either LF or NUL on the wire.

// ToNetASCII converts native bytes to NetASCII. Every LF becomes CR LF
// and every CR not already followed by LF becomes CR NUL (an existing
// CR LF pair passes through unchanged). The output never contains a
// bare CR and is not null-terminated.
func ToNetASCII(v []byte) []byte {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '\n':
			out = append(out, '\r', '\n')
		case '\r':
			if i+1 < len(v) && v[i+1] == '\n' {
				out = append(out, '\r', '\n')
				i++
			} else {
				out = append(out, '\r', 0)
			}
		default:
			out = append(out, v[i])
		}
	}
	return out
}

// FromNetASCII converts NetASCII bytes back to native form: CR LF
// becomes LF and CR NUL becomes CR. A lone CR at the end of the buffer
// is kept as-is; the cross-block ambiguity it leaves is resolved by the
// transfer engine, which inspects the first byte of the next block.
func FromNetASCII(v []byte) []byte {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '\r' {
			out = append(out, v[i])
			continue
		}
		switch {
		case i+1 < len(v) && v[i+1] == '\n':
			out = append(out, '\n')
			i++
		case i+1 < len(v) && v[i+1] == 0:
			out = append(out, '\r')
			i++
		default:
			out = append(out, '\r')
		}
	}
	return out
}

// ToNetASCIIString is ToNetASCII over a string.
func ToNetASCIIString(s string) string {
	return string(ToNetASCII([]byte(s)))
}

// FromNetASCIIString is FromNetASCII over a string.
func FromNetASCIIString(s string) string {
	return string(FromNetASCII([]byte(s)))
}
