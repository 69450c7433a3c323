package domain

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Context is the rendering context of a dispatch. It is either one mapping
// shared by every recipient, or a list holding one mapping per recipient
// position. On the wire it is a JSON object or a JSON array.
type Context struct {
	single map[string]any
	items  []map[string]any
	list   bool
}

// Single returns a context shared by all recipients.
func Single(m map[string]any) Context { return Context{single: m} }

// PerRecipient returns a context whose i-th element belongs to the i-th recipient.
func PerRecipient(items []map[string]any) Context { return Context{items: items, list: true} }

// IsList reports whether c holds one mapping per recipient.
func (c Context) IsList() bool { return c.list }

// For returns the variables for the recipient at position i. Out-of-range list
// positions and absent mappings yield an empty, non-nil map.
func (c Context) For(i int) map[string]any {
	var m map[string]any
	if c.list {
		if i >= 0 && i < len(c.items) {
			m = c.items[i]
		}
	} else {
		m = c.single
	}
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Value returns the context as a plain JSON-able value: a map or a slice.
func (c Context) Value() any {
	if c.list {
		if c.items == nil {
			return []map[string]any{}
		}
		return c.items
	}
	if c.single == nil {
		return map[string]any{}
	}
	return c.single
}

// MarshalJSON implements json.Marshaler.
func (c Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value())
}

// UnmarshalJSON accepts an object, an array of objects, or null.
func (c *Context) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*c = Context{}
		return nil
	case b[0] == '{':
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		*c = Single(m)
		return nil
	case b[0] == '[':
		var items []map[string]any
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*c = PerRecipient(items)
		return nil
	}
	return errors.New("context must be a JSON object or an array of objects")
}

// DispatchRequest is the unit of work handed to the scheduler and executed by
// the dispatcher.
type DispatchRequest struct {
	UserIDs     []int64 `json:"user_ids"`
	Type        string  `json:"type"`
	TemplateKey string  `json:"template_key"`
	Context     Context `json:"context"`
	IdemKey     string  `json:"idem_key,omitempty"`
}
