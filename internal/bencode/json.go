package bencode

import (
	"fmt"
	"strconv"
	"strings"
)

// ToJSON renders v as a JSON-like string: byte strings become quoted
// strings, integers become numbers, lists become arrays and
// dictionaries become objects with string keys. Used by the "decode"
// command for human-readable output; not meant to round-trip back to
// bencode.
func ToJSON(v Value) string {
	var b strings.Builder
	writeJSON(&b, v)
	return b.String()
}

func writeJSON(b *strings.Builder, v Value) {
	switch v.Kind {
	case KindString:
		b.WriteString(strconv.Quote(string(v.Str)))
	case KindInt:
		b.WriteString(fmt.Sprintf("%d", v.Int))
	case KindList:
		b.WriteByte('[')
		for i, e := range v.List {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSON(b, e)
		}
		b.WriteByte(']')
	case KindDict:
		b.WriteByte('{')
		for i, e := range v.Dict {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(string(e.Key)))
			b.WriteByte(':')
			writeJSON(b, e.Value)
		}
		b.WriteByte('}')
	}
}
