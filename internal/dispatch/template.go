package dispatch

import "strings"

// Render substitutes {{name}} tokens in tmpl with recipient variables.
// Unknown tokens are left in place so a typo is visible in the sent text
// instead of silently vanishing.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	var b strings.Builder
	b.Grow(len(tmpl))

	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end += start

		b.WriteString(rest[:start])
		name := strings.TrimSpace(rest[start+2 : end])
		if value, ok := vars[name]; ok {
			b.WriteString(value)
		} else {
			b.WriteString(rest[start : end+2])
		}
		rest = rest[end+2:]
	}
}
