package cursor

import (
	"encoding/base64"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/vitalhearts/core/internal/gateways/kv"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pos  kv.Position
	}{
		{"log key", kv.Position{"pk": "LOG#dataEntry#u1", "sk": "00001829381827391232"}},
		{"single attribute", kv.Position{"sk": "2024-06-01"}},
		{"numeric attribute", kv.Position{"pk": "GAME#snake", "score": int64(42)}},
		{"unicode", kv.Position{"pk": "USER#ünï", "sk": "MISSION#D#2024-06-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := Encode(tt.pos)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if strings.ContainsAny(token, "+/=") {
				t.Errorf("Encode() token %q is not URL-safe", token)
			}
			got, err := Decode(token)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.pos) {
				t.Errorf("Decode(Encode()) = %#v, want %#v", got, tt.pos)
			}
		})
	}
}

func TestEncodeStable(t *testing.T) {
	a, _ := Encode(kv.Position{"pk": "p", "sk": "s"})
	b, _ := Encode(kv.Position{"sk": "s", "pk": "p"})
	if a != b {
		t.Errorf("Encode() not stable: %q vs %q", a, b)
	}
	if tok, err := Encode(nil); tok != "" || err != nil {
		t.Errorf("Encode(nil) = %q, %v", tok, err)
	}
}

func TestDecodeInvalid(t *testing.T) {
	b64 := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "!!!not-a-token!!!"},
		{"padded std base64", base64.StdEncoding.EncodeToString([]byte(`{"sk":"a"}`)) + "=="},
		{"not json", b64("garbage")},
		{"json array", b64(`["pk","sk"]`)},
		{"json string", b64(`"pk"`)},
		{"empty object", b64(`{}`)},
		{"nested value", b64(`{"pk":{"S":"x"}}`)},
		{"fractional number", b64(`{"n":1.5}`)},
		{"trailing data", b64(`{"pk":"a"}{"pk":"b"}`)},
		{"too long", strings.Repeat("a", maxTokenLen+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.token)
			if !errors.Is(err, ErrInvalidCursor) {
				t.Errorf("Decode() error = %v, want ErrInvalidCursor", err)
			}
			if got != nil {
				t.Errorf("Decode() returned partial position %v", got)
			}
		})
	}
}
