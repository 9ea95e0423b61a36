package compiler

import (
	"strings"

	"github.com/simforge/simforge/pkg/engine"
)

// substitute replaces {name} tokens in line with parameter values by
// literal text replacement, no type coercion. Doubled braces escape to
// literal braces. Tokens with no matching parameter are left verbatim and
// reported in unbound. A lone brace that never closes on the line is not a
// token and passes through unchanged.
func substitute(line string, params engine.Params) (string, []string) {
	var b strings.Builder
	var unbound []string
	b.Grow(len(line))

	for i := 0; i < len(line); {
		ch := line[i]
		switch {
		case ch == '{' && i+1 < len(line) && line[i+1] == '{':
			b.WriteByte('{')
			i += 2
		case ch == '}' && i+1 < len(line) && line[i+1] == '}':
			b.WriteByte('}')
			i += 2
		case ch == '{':
			end := strings.IndexByte(line[i+1:], '}')
			var name string
			if end >= 0 {
				name = line[i+1 : i+1+end]
			}
			if end < 0 || name == "" || strings.IndexByte(name, '{') >= 0 {
				b.WriteByte(ch)
				i++
				continue
			}
			if v, ok := params[name]; ok {
				b.WriteString(v)
			} else {
				b.WriteString(line[i : i+2+end])
				unbound = append(unbound, name)
			}
			i += end + 2
		default:
			b.WriteByte(ch)
			i++
		}
	}

	return b.String(), unbound
}
