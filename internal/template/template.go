// Package template renders subject and body templates by substituting
// {key} placeholders from a per-recipient context. Pure key substitution:
// no expressions, no arithmetic. {{ and }} produce literal braces.
package template

import (
	"errors"
	"fmt"
	"strings"
)

// MissingPlaceholderError reports a placeholder with no matching context key.
type MissingPlaceholderError struct {
	Key string
}

func (e *MissingPlaceholderError) Error() string {
	return fmt.Sprintf("template references unknown field %q", e.Key)
}

var errUnclosedPlaceholder = errors.New("unclosed placeholder in template")

// Render substitutes every {key} in tmpl with ctx[key].
func Render(tmpl string, ctx map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]

		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", errUnclosedPlaceholder
			}
			key := tmpl[i+1 : i+1+end]
			val, ok := ctx[key]
			if !ok {
				return "", &MissingPlaceholderError{Key: key}
			}
			b.WriteString(val)
			i += end + 1

		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", errUnclosedPlaceholder

		default:
			b.WriteByte(c)
		}
	}

	return b.String(), nil
}

// RenderHTMLPreview renders the body for on-screen preview, converting
// newlines to <br>. The delivery path never goes through this: the sent
// body preserves the template text as authored.
func RenderHTMLPreview(tmpl string, ctx map[string]string) (string, error) {
	out, err := Render(tmpl, ctx)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(out, "\n", "<br>"), nil
}
