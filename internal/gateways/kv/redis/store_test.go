package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/vitalhearts/core/internal/gateways/kv"
)

func TestLexBounds(t *testing.T) {
	tests := []struct {
		name   string
		query  kv.Query
		lo, hi string
	}{
		{"open", kv.Query{}, "-", "+"},
		{"range", kv.Query{Start: "a", End: "m"}, "[a", "[m"},
		{"resume ascending", kv.Query{Start: "a", ExclusiveStart: kv.Position{"sk": "c"}}, "(c", "+"},
		{"resume before start keeps start", kv.Query{Start: "d", ExclusiveStart: kv.Position{"sk": "c"}}, "[d", "+"},
		{"resume descending", kv.Query{End: "m", Descending: true, ExclusiveStart: kv.Position{"sk": "k"}}, "-", "(k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := lexBounds(tt.query)
			if lo != tt.lo || hi != tt.hi {
				t.Errorf("lexBounds() = (%q, %q), want (%q, %q)", lo, hi, tt.lo, tt.hi)
			}
		})
	}
}

func TestItemKeys(t *testing.T) {
	s := NewWithClient(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "vh")
	if got := s.itemKey(kv.Key{Partition: "USER#u1", Sort: "BALANCE"}); got != "vh|item|USER#u1|BALANCE" {
		t.Errorf("itemKey() = %q", got)
	}
	if got := s.indexKey("LOG#food#u1"); got != "vh|idx|LOG#food#u1" {
		t.Errorf("indexKey() = %q", got)
	}
}

func TestClassify(t *testing.T) {
	if !kv.IsRetryable(classify("get", context.DeadlineExceeded)) {
		t.Errorf("deadline should be retryable")
	}
	if !kv.IsRetryable(classify("get", redis.ErrClosed)) {
		t.Errorf("closed client should be retryable")
	}
	if kv.IsRetryable(classify("get", errors.New("WRONGTYPE"))) {
		t.Errorf("command error should not be retryable")
	}
}
