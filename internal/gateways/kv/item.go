package kv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Item is a row's attributes. Values are canonicalised by Normalize to
// string, bool, int64, []any and map[string]any.
type Item map[string]any

// String returns the string attribute name, or "" when absent.
func (it Item) String(name string) string {
	s, _ := it[name].(string)
	return s
}

// Int returns the integer attribute name and whether it was present.
func (it Item) Int(name string) (int64, bool) {
	v, ok := it[name]
	if !ok {
		return 0, false
	}
	n, ok := toInt64(v)
	return n, ok
}

// Bool returns the boolean attribute name, false when absent.
func (it Item) Bool(name string) bool {
	b, _ := it[name].(bool)
	return b
}

// Clone deep-copies the item.
func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

type int64er interface {
	Int64() (int64, error)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
		return 0, false
	case int64er:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// Normalize converts backend-decoded values into the canonical Item value set.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, int64:
		return t, nil
	case int, int32, uint32, float64, int64er:
		n, ok := toInt64(t)
		if !ok {
			return nil, fmt.Errorf("%w: non-integral number %v", ErrUnsupportedVal, t)
		}
		return n, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case Item:
		return Normalize(map[string]any(t))
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedVal, v)
}

// NormalizeItem applies Normalize to every attribute.
func NormalizeItem(raw map[string]any) (Item, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(Item, len(raw))
	for k, v := range raw {
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// MarshalItem converts a json-tagged struct into an Item.
func MarshalItem(v any) (Item, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	return DecodeItemJSON(b)
}

// UnmarshalItem fills a json-tagged struct from an Item.
func UnmarshalItem(item Item, v any) error {
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return nil
}

// DecodeItemJSON parses a JSON object into a normalised Item.
func DecodeItemJSON(b []byte) (Item, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	return NormalizeItem(raw)
}
