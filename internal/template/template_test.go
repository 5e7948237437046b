package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	ctx := map[string]string{
		"name":      "Ada",
		"company":   "Acme",
		"your_name": "Grace",
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"single key", "Hello {name}", "Hello Ada"},
		{"multiple keys", "Hi {name} at {company}, regards {your_name}", "Hi Ada at Acme, regards Grace"},
		{"no placeholders", "plain text", "plain text"},
		{"repeated key", "{name} {name}", "Ada Ada"},
		{"escaped braces", "{{literal}} {name}", "{literal} Ada"},
		{"empty template", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderMissingKey(t *testing.T) {
	_, err := Render("Hello {nickname}", map[string]string{"name": "Ada"})
	require.Error(t, err)

	var missing *MissingPlaceholderError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "nickname", missing.Key)
}

func TestRenderUnclosed(t *testing.T) {
	for _, tmpl := range []string{"Hello {name", "stray } here"} {
		_, err := Render(tmpl, map[string]string{"name": "Ada"})
		assert.Error(t, err, "template %q", tmpl)
	}
}

func TestRenderHTMLPreview(t *testing.T) {
	got, err := RenderHTMLPreview("Dear {name},\nbest regards", map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Dear Ada,<br>best regards", got)
}

func TestRenderHTMLPreviewMissingKey(t *testing.T) {
	_, err := RenderHTMLPreview("{ghost}", map[string]string{})
	assert.Error(t, err)
}
