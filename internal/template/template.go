// Package template implements the workflow engine's placeholder substitution:
// literal `{{identifier}}` tokens resolved against a flat context map. It is
// deliberately not text/template and not regexp-based — the grammar is a
// single non-nested token shape, and a hand-written scanner makes the
// identifier rule ([A-Za-z0-9_-]+) and the empty-string-on-miss behavior
// explicit rather than emergent from a general template language.
package template

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Context is the flat lookup table available to a rendered template.
// Keys are matched exactly against the identifier inside `{{ }}`.
type Context map[string]any

// Render scans s for `{{identifier}}` tokens and substitutes each with the
// string form of ctx[identifier]. Composite values (maps, slices) are
// JSON-serialized; scalars are stringified with fmt.Sprint. A name absent
// from ctx substitutes the empty string and logs a warning. Malformed
// tokens (an unterminated "{{" or an identifier containing characters
// outside [A-Za-z0-9_-]) are left verbatim in the output.
func Render(s string, ctx Context) string {
	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "{{")
		if start < 0 {
			out.WriteString(s[i:])
			break
		}
		start += i
		out.WriteString(s[i:start])

		end := strings.Index(s[start+2:], "}}")
		if end < 0 {
			// No closing delimiter; emit the rest verbatim.
			out.WriteString(s[start:])
			break
		}
		end += start + 2

		name := s[start+2 : end]
		if isIdentifier(name) {
			out.WriteString(resolve(name, ctx))
			i = end + 2
			continue
		}

		// Not a valid identifier token: emit the opening delimiter literally
		// and resume scanning just past it, so a stray "{{" in free text
		// doesn't swallow unrelated content.
		out.WriteString("{{")
		i = start + 2
	}

	return out.String()
}

// isIdentifier reports whether name matches [A-Za-z0-9_-]+ and is non-empty.
func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

func resolve(name string, ctx Context) string {
	val, ok := ctx[name]
	if !ok {
		slog.Warn("template: undefined variable", "name", name)
		return ""
	}
	return stringify(val)
}

func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}
