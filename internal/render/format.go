package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// FormatEngine substitutes {name} placeholders. A conversion or format spec
// after the name ({n:02d}, {n!r}) is accepted and ignored.
type FormatEngine struct{}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(?:[!:][^{}]*)?\}`)

func (FormatEngine) Render(body string, vars map[string]any) (string, error) {
	return placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			return MissingMarker(name)
		}
		return formatValue(v)
	}), nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case json.Number:
		return x.String()
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x)
	case fmt.Stringer:
		return x.String()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}
