// Package cursor turns a store "last evaluated key" into an opaque,
// URL-safe continuation token and back.
//
// A token is the unpadded base64url encoding of the JSON object form of the
// position. It carries no integrity protection: it is only meaningful to the
// query shape that produced it, and the reader that consumes it checks that
// it still fits that shape.
package cursor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vitalhearts/core/internal/gateways/kv"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// maxTokenLen bounds the work done on hostile input.
const maxTokenLen = 4096

// Encode serialises a position. A nil or empty position has no token.
func Encode(pos kv.Position) (string, error) {
	if len(pos) == 0 {
		return "", nil
	}
	b, err := json.Marshal(map[string]any(pos))
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Decode is the inverse of Encode. Anything that is not a non-empty object of
// scalar values fails with ErrInvalidCursor.
func Decode(token string) (kv.Position, error) {
	if token == "" || len(token) > maxTokenLen {
		return nil, ErrInvalidCursor
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidCursor)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty position", ErrInvalidCursor)
	}

	pos := make(kv.Position, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string, bool:
			pos[k] = t
		case json.Number:
			n, err := t.Int64()
			if err != nil {
				return nil, fmt.Errorf("%w: attribute %s", ErrInvalidCursor, k)
			}
			pos[k] = n
		default:
			return nil, fmt.Errorf("%w: attribute %s is not a scalar", ErrInvalidCursor, k)
		}
	}
	return pos, nil
}
