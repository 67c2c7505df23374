package kv

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"golang.org/x/time/rate"
)

func TestCondition_Eval(t *testing.T) {
	item := Item{"balance": int64(5), "resetDate": "2024-06-01", "flag": true}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"zero", Condition{}, true},
		{"not exists on missing", NotExists("dailyCap"), true},
		{"not exists on present", NotExists("balance"), false},
		{"exists", Exists("balance"), true},
		{"ge equal", GreaterOrEqual("balance", 5), true},
		{"ge larger", GreaterOrEqual("balance", 6), false},
		{"lt", Less("balance", 6), true},
		{"eq string", Equal("resetDate", "2024-06-01"), true},
		{"ne string", NotEqual("resetDate", "2024-06-02"), true},
		{"missing attribute compares false", Greater("dailyCap", 0), false},
		{"missing attribute not-equal is false", NotEqual("dailyCap", "x"), false},
		{"type mismatch not equal", NotEqual("balance", "5"), true},
		{"and", And(Exists("balance"), Equal("flag", true)), true},
		{"and short", And(Exists("balance"), Equal("flag", false)), false},
		{"or", Or(NotExists("resetDate"), NotEqual("resetDate", "2024-06-01")), false},
		{"or second", Or(NotExists("resetDate"), NotEqual("resetDate", "2024-06-02")), true},
		{"and drops zero", And(Condition{}, Exists("flag")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Eval(item); got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}

	if !NotExists("a").Eval(nil) {
		t.Errorf("NotExists on absent row should hold")
	}
	if GreaterOrEqual("a", 0).Eval(nil) {
		t.Errorf("comparison on absent row should fail")
	}
}

func TestMemory_UpdateConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := Key{Partition: "USER#u1", Sort: "BALANCE"}

	res, err := m.Update(ctx, key, Update{
		Add:       map[string]int64{"balance": 10},
		Set:       map[string]any{"resetDate": "2024-06-01"},
		Condition: NotExists("balance"),
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !res.Applied {
		t.Fatalf("Update() on absent row not applied")
	}
	if n, _ := res.Item.Int("balance"); n != 10 {
		t.Errorf("balance = %d, want 10", n)
	}

	res, err = m.Update(ctx, key, Update{
		Add:       map[string]int64{"balance": -20},
		Condition: GreaterOrEqual("balance", 20),
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if res.Applied {
		t.Fatalf("Update() applied despite failing condition")
	}
	if n, _ := res.Item.Int("balance"); n != 10 {
		t.Errorf("current balance = %d, want 10", n)
	}

	res, err = m.Update(ctx, key, Update{Append: map[string][]any{"entries": {map[string]any{"kind": "food", "amount": 1}}}})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	want := []any{map[string]any{"kind": "food", "amount": int64(1)}}
	if !reflect.DeepEqual(res.Item["entries"], want) {
		t.Errorf("entries = %#v, want %#v", res.Item["entries"], want)
	}
}

func TestMemory_UpdateRejectsKeyAttributes(t *testing.T) {
	m := NewMemory()
	_, err := m.Update(context.Background(), Key{Partition: "p", Sort: "s"}, Update{Set: map[string]any{AttrSort: "x"}})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("Update() error = %v, want ErrInvalidQuery", err)
	}
}

func TestMemory_ConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := Key{Partition: "USER#u1", Sort: "BALANCE"}
	if err := m.Put(ctx, key, Item{"balance": 10}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Update(ctx, key, Update{
				Add:       map[string]int64{"balance": -3},
				Condition: GreaterOrEqual("balance", 3),
			})
			if err != nil {
				t.Errorf("Update() error = %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 3 {
		t.Errorf("applied = %d, want 3", applied)
	}
	item, _ := m.Get(ctx, key)
	if n, _ := item.Int("balance"); n != 1 {
		t.Errorf("balance = %d, want 1", n)
	}
}

func TestMemory_QueryPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 1; i <= 5; i++ {
		sk := fmt.Sprintf("%03d", i)
		if err := m.Put(ctx, Key{Partition: "LOG", Sort: sk}, Item{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name       string
		query      Query
		wantSorts  []string
		wantCursor string
	}{
		{"first page", Query{Partition: "LOG", Limit: 2}, []string{"001", "002"}, "002"},
		{"resume", Query{Partition: "LOG", Limit: 2, ExclusiveStart: Position{AttrPartition: "LOG", AttrSort: "002"}}, []string{"003", "004"}, "004"},
		{"last full page reports key", Query{Partition: "LOG", Limit: 1, ExclusiveStart: Position{AttrSort: "004"}}, []string{"005"}, "005"},
		{"past the end", Query{Partition: "LOG", Limit: 2, ExclusiveStart: Position{AttrSort: "005"}}, nil, ""},
		{"range", Query{Partition: "LOG", Start: "002", End: "003", Limit: 10}, []string{"002", "003"}, ""},
		{"descending", Query{Partition: "LOG", Limit: 2, Descending: true}, []string{"005", "004"}, "004"},
		{"descending resume", Query{Partition: "LOG", Limit: 5, Descending: true, ExclusiveStart: Position{AttrSort: "004"}}, []string{"003", "002", "001"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Query(ctx, tt.query)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			var got []string
			for _, it := range res.Items {
				got = append(got, it.String(AttrSort))
			}
			if !reflect.DeepEqual(got, tt.wantSorts) {
				t.Errorf("Query() sorts = %v, want %v", got, tt.wantSorts)
			}
			if res.LastKey.SortKeyOf() != tt.wantCursor {
				t.Errorf("Query() LastKey = %v, want %q", res.LastKey, tt.wantCursor)
			}
		})
	}
}

func TestMemory_BatchWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	records := make([]Record, 60)
	for i := range records {
		records[i] = Record{Key: Key{Partition: "P", Sort: fmt.Sprintf("%03d", i)}, Item: Item{"i": i}}
	}
	if err := m.BatchWrite(ctx, records); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("BatchWrite() error = %v, want ErrBatchTooLarge", err)
	}
	if err := WriteBatches(ctx, m, records, rate.NewLimiter(rate.Inf, 1)); err != nil {
		t.Fatalf("WriteBatches() error = %v", err)
	}
	res, err := m.Query(ctx, Query{Partition: "P", Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 60 {
		t.Errorf("stored %d items, want 60", len(res.Items))
	}
}

func TestRetryable(t *testing.T) {
	base := errors.New("throttled")
	err := Retryable("update", base)
	if !IsRetryable(err) || !errors.Is(err, base) {
		t.Errorf("Retryable() = %v, should be retryable and wrap base", err)
	}
	if IsRetryable(base) {
		t.Errorf("plain error reported retryable")
	}
	if !IsRetryable(fmt.Errorf("op: %w", context.DeadlineExceeded)) {
		t.Errorf("deadline should be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Errorf("cancellation should not be retryable")
	}
}
