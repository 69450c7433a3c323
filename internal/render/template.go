package render

import (
	"math"
	"regexp"
	"strings"

	"github.com/flosch/pongo2/v6"
)

func init() {
	// bodies are plain text for Telegram, not HTML
	pongo2.SetAutoescape(false)
}

// TemplateEngine renders Django-style bodies with pongo2.
type TemplateEngine struct{}

// outputVarRe finds bare variables printed by {{ name }} or {{ name|filter }}.
var outputVarRe = regexp.MustCompile(`\{\{-?\s*([A-Za-z_][A-Za-z0-9_]*)\s*(?:\||-?\}\})`)

// Names bound by tags inside the body itself.
var (
	forBindRe  = regexp.MustCompile(`\{%-?\s*for\s+([A-Za-z_][A-Za-z0-9_]*)(?:\s*,\s*([A-Za-z_][A-Za-z0-9_]*))?\s+in\s`)
	setBindRe  = regexp.MustCompile(`\{%-?\s*set\s+([A-Za-z_][A-Za-z0-9_]*)\s*=`)
	withTagRe  = regexp.MustCompile(`\{%-?\s*with\s+([^%]*)%\}`)
	withBindRe = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*=|\bas\s+([A-Za-z_][A-Za-z0-9_]*)`)
)

func (TemplateEngine) Render(body string, vars map[string]any) (string, error) {
	tpl, err := pongo2.FromString(markMissing(body, vars))
	if err != nil {
		return "", err
	}
	pctx := pongo2.Context{}
	for k, v := range vars {
		pctx[k] = normalize(v)
	}
	return tpl.Execute(pctx)
}

// markMissing replaces printed variables that are neither in vars nor bound by
// a tag with a string literal holding the missing marker. Absent names keep
// evaluating as false in conditions.
func markMissing(body string, vars map[string]any) string {
	bound := boundNames(body)
	var b strings.Builder
	last := 0
	for _, m := range outputVarRe.FindAllStringSubmatchIndex(body, -1) {
		name := body[m[2]:m[3]]
		if _, ok := vars[name]; ok {
			continue
		}
		if _, ok := bound[name]; ok {
			continue
		}
		b.WriteString(body[last:m[2]])
		b.WriteString(`"` + MissingMarker(name) + `"`)
		last = m[3]
	}
	if last == 0 {
		return body
	}
	b.WriteString(body[last:])
	return b.String()
}

func boundNames(body string) map[string]struct{} {
	out := map[string]struct{}{"forloop": {}}
	add := func(groups []string) {
		for _, g := range groups {
			if g != "" {
				out[g] = struct{}{}
			}
		}
	}
	for _, m := range forBindRe.FindAllStringSubmatch(body, -1) {
		add(m[1:])
	}
	for _, m := range setBindRe.FindAllStringSubmatch(body, -1) {
		add(m[1:])
	}
	for _, tag := range withTagRe.FindAllStringSubmatch(body, -1) {
		for _, m := range withBindRe.FindAllStringSubmatch(tag[1], -1) {
			add(m[1:])
		}
	}
	return out
}

// normalize turns integral float64 values, as produced by JSON decoding, into
// int64 so they print without a fractional part.
func normalize(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalize(vv)
		}
		return out
	}
	return v
}
