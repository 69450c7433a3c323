// Package render turns a stored template body and a context mapping into the
// text sent to a chat. Bodies using {{ }} or {% %} are rendered with pongo2;
// everything else uses {name} placeholders. Rendering never fails from the
// caller's point of view: missing variables become [[MISSING:name]] markers
// and engine errors fall back to the raw body.
package render

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// Renderer renders body with vars.
type Renderer interface {
	Render(body string, vars map[string]any) (string, error)
}

// MissingMarker is the placeholder substituted for an absent variable.
func MissingMarker(name string) string { return "[[MISSING:" + name + "]]" }

// Select picks the engine for body.
func Select(body string) Renderer {
	if strings.Contains(body, "{{") || strings.Contains(body, "{%") {
		return TemplateEngine{}
	}
	return FormatEngine{}
}

// Render renders body with the selected engine and trims the result. On any
// engine error the trimmed raw body is returned.
func Render(body string, vars map[string]any) string {
	if vars == nil {
		vars = map[string]any{}
	}
	out, err := Select(body).Render(body, vars)
	if err != nil {
		log.Warn().Err(err).Msg("template render failed; using raw body")
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(out)
}
