package render

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return m
}

func TestSelect(t *testing.T) {
	if _, ok := Select("hi {name}").(FormatEngine); !ok {
		t.Fatalf("expected FormatEngine for placeholder body")
	}
	if _, ok := Select("hi {{ name }}").(TemplateEngine); !ok {
		t.Fatalf("expected TemplateEngine for {{ }} body")
	}
	if _, ok := Select("{% if a %}x{% endif %}").(TemplateEngine); !ok {
		t.Fatalf("expected TemplateEngine for {%% %%} body")
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		body string
		vars string
		want string
	}{
		{"format int from json", "salom, {count}", `{"count":3}`, "salom, 3"},
		{"format float", "{x}", `{"x":2.5}`, "2.5"},
		{"format missing", "hi {name}, {count}", `{"count":1}`, "hi [[MISSING:name]], 1"},
		{"format spec ignored", "{count:02d} left", `{"count":7}`, "7 left"},
		{"format trims", "  \n hi {n} \t", `{"n":"a"}`, "hi a"},
		{"format nested value", "{obj}", `{"obj":{"a":1}}`, `{"a":1}`},
		{"format null value", "[{v}]", `{"v":null}`, "[]"},
		{"plain text", "no placeholders", `{}`, "no placeholders"},
		{"empty body", "", `{}`, ""},
		{"template vars", "{{ name }} has {{ count }} items", `{"name":"Ali","count":3}`, "Ali has 3 items"},
		{"template missing", "hi {{ who }}!", `{}`, "hi [[MISSING:who]]!"},
		{"template filter", "{{ name|upper }}", `{"name":"ali"}`, "ALI"},
		{"template missing with filter", "{{ name|upper }}", `{}`, "[[MISSING:NAME]]"},
		{"template if on missing is falsy", "{% if vip %}VIP {% endif %}{{ name }}", `{"name":"Ali"}`, "Ali"},
		{"template loop", "{% for i in items %}{{ i }};{% endfor %}", `{"items":[1,2,3]}`, "1;2;3;"},
		{"template if on printed missing takes else", "{% if name %}Hi {{ name }}{% else %}Hi there{% endif %}", `{}`, "Hi there"},
		{"template if on printed present", "{% if name %}Hi {{ name }}{% else %}Hi there{% endif %}", `{"name":"Ali"}`, "Hi Ali"},
		{"template missing inside loop", "{% for i in items %}{{ i }}{{ x }};{% endfor %}", `{"items":[1]}`, "1[[MISSING:x]];"},
		{"template with binding", "{% with who=name %}{{ who }}{% endwith %}", `{"name":"Ali"}`, "Ali"},
		{"template set binding", `{% set greeting = "salom" %}{{ greeting }}`, `{}`, "salom"},
		{"template no autoescape", "{{ s }}", `{"s":"<b>&</b>"}`, "<b>&</b>"},
		{"template syntax error falls back", "  {% if %}broken  ", `{}`, "{% if %}broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.body, decode(t, tt.vars))
			if got != tt.want {
				t.Fatalf("Render(%q) = %q; want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestRender_NilVars(t *testing.T) {
	if got := Render("hi {name}", nil); got != "hi [[MISSING:name]]" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatEngine_LeavesStrayBraces(t *testing.T) {
	got, err := FormatEngine{}.Render("a { b } {1x}", map[string]any{})
	if err != nil || got != "a { b } {1x}" {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestMarkMissing(t *testing.T) {
	body := "{{ a }} {{ b|upper }} {% for k, v in m %}{{ k }}{{ v }}{% endfor %}"
	got := markMissing(body, map[string]any{"a": 1})
	want := `{{ a }} {{ "[[MISSING:b]]"|upper }} {% for k, v in m %}{{ k }}{{ v }}{% endfor %}`
	if got != want {
		t.Fatalf("markMissing = %q; want %q", got, want)
	}
}
