package query

import "strings"

var escaper = strings.NewReplacer(
	`\`, `\\`,
	`/`, `\/`,
	` `, `\s`,
	`|`, `\p`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

var unescapes = map[byte]byte{
	'\\': '\\',
	'/':  '/',
	's':  ' ',
	'p':  '|',
	'n':  '\n',
	'r':  '\r',
	't':  '\t',
}

// Escape encodes free text for use as a command parameter value. Every name
// or message placed on the wire must pass through it, since space and pipe
// are field separators.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape. Unknown escape sequences are kept verbatim.
func Unescape(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch != '\\' || i+1 == len(s) {
			b.WriteByte(ch)
			continue
		}
		if r, ok := unescapes[s[i+1]]; ok {
			b.WriteByte(r)
			i++
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}
