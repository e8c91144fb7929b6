// Package script renders parameterized command scripts. Placeholders use the
// form {{name}} where name is lowercase alphanumeric with underscores. Render
// validates that every placeholder is bound before producing output, so a
// misconfigured deployment fails locally instead of on a target.
package script

import (
	"fmt"
	"sort"
	"strings"
)

// Bindings is the substitution set supplied at render time.
type Bindings map[string]string

// Template is a named script body with substitution placeholders.
type Template struct {
	Name string
	Body string
}

// Rendered is the immutable result of substituting bindings into a template.
// It is produced per run and per target, never reused.
type Rendered struct {
	Template string
	Script   string
}

// RenderError reports placeholders that had no binding. Rendering is all or
// nothing: no partially substituted script is ever returned.
type RenderError struct {
	Template string
	Missing  []string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: missing binding %q", e.Template, strings.Join(e.Missing, ", "))
}

// Placeholders returns the distinct placeholder names in body, sorted.
func Placeholders(body string) []string {
	seen := map[string]bool{}
	for i := 0; i < len(body); {
		open := strings.Index(body[i:], "{{")
		if open < 0 {
			break
		}
		open += i
		end := strings.Index(body[open+2:], "}}")
		if end < 0 {
			break
		}
		name := body[open+2 : open+2+end]
		if validName(name) {
			seen[name] = true
		}
		i = open + 2 + end + 2
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render substitutes bindings into the template body. Every placeholder in
// the body must have a binding; unknown extra bindings are ignored. Render is
// pure and performs no I/O.
func (t Template) Render(b Bindings) (Rendered, error) {
	var missing []string
	for _, name := range Placeholders(t.Body) {
		if _, ok := b[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Rendered{}, &RenderError{Template: t.Name, Missing: missing}
	}
	var sb strings.Builder
	body := t.Body
	for {
		open := strings.Index(body, "{{")
		if open < 0 {
			sb.WriteString(body)
			break
		}
		end := strings.Index(body[open+2:], "}}")
		if end < 0 {
			sb.WriteString(body)
			break
		}
		name := body[open+2 : open+2+end]
		if validName(name) {
			sb.WriteString(body[:open])
			sb.WriteString(b[name])
		} else {
			// Not a placeholder (e.g. a Go template in a docker command);
			// leave the braces untouched.
			sb.WriteString(body[:open+2+end+2])
		}
		body = body[open+2+end+2:]
	}
	return Rendered{Template: t.Name, Script: sb.String()}, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
