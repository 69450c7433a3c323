package domain

import (
	"encoding/json"
	"testing"
)

func TestContext_UnmarshalForms(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		list    bool
		wantErr bool
	}{
		{"object", `{"a":1}`, false, false},
		{"array", `[{"a":1},{"a":2}]`, true, false},
		{"null", `null`, false, false},
		{"empty array", `[]`, true, false},
		{"string", `"x"`, false, true},
		{"array of scalars", `[1,2]`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Context
			err := json.Unmarshal([]byte(tt.raw), &c)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if c.IsList() != tt.list {
				t.Fatalf("IsList = %v; want %v", c.IsList(), tt.list)
			}
		})
	}
}

func TestContext_For(t *testing.T) {
	list := PerRecipient([]map[string]any{{"n": "a"}, nil})
	if got := list.For(0)["n"]; got != "a" {
		t.Fatalf("For(0) = %v", got)
	}
	if got := list.For(1); got == nil || len(got) != 0 {
		t.Fatalf("For(1) nil element should be empty map, got %#v", got)
	}
	if got := list.For(5); got == nil || len(got) != 0 {
		t.Fatalf("For(5) out of range should be empty map, got %#v", got)
	}
	if got := list.For(-1); len(got) != 0 {
		t.Fatalf("For(-1) should be empty map, got %#v", got)
	}

	single := Single(map[string]any{"n": "s"})
	for i := 0; i < 3; i++ {
		if got := single.For(i)["n"]; got != "s" {
			t.Fatalf("single.For(%d) = %v", i, got)
		}
	}
	if got := (Context{}).For(0); got == nil {
		t.Fatalf("zero Context should yield empty map")
	}
}

func TestContext_MarshalRoundTrip(t *testing.T) {
	req := DispatchRequest{
		UserIDs:     []int64{10, 11},
		Type:        "info",
		TemplateKey: "k",
		Context:     PerRecipient([]map[string]any{{"a": "x"}, {"a": "y"}}),
		IdemKey:     "key-1",
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got DispatchRequest
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Context.IsList() || got.Context.For(1)["a"] != "y" {
		t.Fatalf("context lost: %s", b)
	}
	if got.IdemKey != "key-1" || len(got.UserIDs) != 2 {
		t.Fatalf("fields lost: %+v", got)
	}

	empty, _ := json.Marshal(Context{})
	if string(empty) != "{}" {
		t.Fatalf("zero Context marshals to %s; want {}", empty)
	}
}
