// Package kvtest checks the conditional update behaviour every kv.Store
// backend has to share. Backend packages call Run from their tests.
package kvtest

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/vitalhearts/core/internal/gateways/kv"
)

// Factory returns an empty store owned by t. Backends register any cleanup on t.
type Factory func(t *testing.T) kv.Store

type testCase struct {
	name string
	run  func(t *testing.T, ctx context.Context, s kv.Store)
}

var cases = []testCase{
	{"condition failure returns current row", conditionFailureReturnsCurrentRow},
	{"create if absent", createIfAbsent},
	{"create if absent twice", createIfAbsentTwice},
	{"guarded subtraction refused", guardedSubtractionRefused},
	{"comparison on absent row", comparisonOnAbsentRow},
	{"not equal on missing attribute", notEqualOnMissingAttribute},
	{"string ordering", stringOrdering},
	{"unconditional add creates row", unconditionalAddCreatesRow},
	{"concurrent create has one winner", concurrentCreateHasOneWinner},
	{"concurrent adds are atomic", concurrentAddsAreAtomic},
	{"version check has one winner", versionCheckHasOneWinner},
}

// Run executes every case against a fresh store from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, context.Background(), newStore(t))
		})
	}
}

func key(sort string) kv.Key {
	return kv.Key{Partition: "GAME#conformance", Sort: sort}
}

func mustPut(t *testing.T, ctx context.Context, s kv.Store, k kv.Key, item kv.Item) {
	t.Helper()
	if err := s.Put(ctx, k, item); err != nil {
		t.Fatalf("Put(%s) error = %v", k, err)
	}
}

func mustUpdate(t *testing.T, ctx context.Context, s kv.Store, k kv.Key, u kv.Update) kv.UpdateResult {
	t.Helper()
	res, err := s.Update(ctx, k, u)
	if err != nil {
		t.Fatalf("Update(%s) error = %v", k, err)
	}
	return res
}

// updateRetrying repeats retryable failures the way domain callers do.
func updateRetrying(ctx context.Context, s kv.Store, k kv.Key, u kv.Update) (kv.UpdateResult, error) {
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		var res kv.UpdateResult
		res, err = s.Update(ctx, k, u)
		if !kv.IsRetryable(err) {
			return res, err
		}
	}
	return kv.UpdateResult{}, err
}

func intAttr(t *testing.T, item kv.Item, name string) int64 {
	t.Helper()
	n, ok := item.Int(name)
	if !ok {
		t.Fatalf("item %v has no integer %q", item, name)
	}
	return n
}

func conditionFailureReturnsCurrentRow(t *testing.T, ctx context.Context, s kv.Store) {
	k := key("USER#u1")
	mustPut(t, ctx, s, k, kv.Item{"score": 10})

	// improve-only write of a worse score
	res := mustUpdate(t, ctx, s, k, kv.Update{
		Set:       map[string]any{"score": 7},
		Condition: kv.Or(kv.NotExists("score"), kv.Less("score", 7)),
	})
	if res.Applied {
		t.Fatalf("Update() applied a worse score")
	}
	if got := intAttr(t, res.Item, "score"); got != 10 {
		t.Errorf("returned score = %d, want 10", got)
	}

	res = mustUpdate(t, ctx, s, k, kv.Update{
		Set:       map[string]any{"score": 12},
		Condition: kv.Or(kv.NotExists("score"), kv.Less("score", 12)),
	})
	if !res.Applied {
		t.Fatalf("Update() refused a better score")
	}
	if got := intAttr(t, res.Item, "score"); got != 12 {
		t.Errorf("returned score = %d, want 12", got)
	}
}

func createIfAbsent(t *testing.T, ctx context.Context, s kv.Store) {
	k := key("USER#u2")
	res := mustUpdate(t, ctx, s, k, kv.Update{
		Set:       map[string]any{"owner": "a"},
		Add:       map[string]int64{"version": 1},
		Condition: kv.NotExists(kv.AttrPartition),
	})
	if !res.Applied {
		t.Fatalf("Update() on absent row not applied")
	}
	got, err := s.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.String("owner") != "a" || intAttr(t, got, "version") != 1 {
		t.Errorf("Get() = %v, want owner a version 1", got)
	}
	if got.String(kv.AttrPartition) != k.Partition || got.String(kv.AttrSort) != k.Sort {
		t.Errorf("Get() key attributes = %q/%q, want %s", got.String(kv.AttrPartition), got.String(kv.AttrSort), k)
	}
}

func createIfAbsentTwice(t *testing.T, ctx context.Context, s kv.Store) {
	k := key("USER#u3")
	mark := func(owner string) kv.UpdateResult {
		return mustUpdate(t, ctx, s, k, kv.Update{
			Set:       map[string]any{"owner": owner},
			Condition: kv.NotExists(kv.AttrPartition),
		})
	}
	if res := mark("first"); !res.Applied {
		t.Fatalf("first mark not applied")
	}
	res := mark("second")
	if res.Applied {
		t.Fatalf("second mark applied")
	}
	if res.Item.String("owner") != "first" {
		t.Errorf("returned owner = %q, want first", res.Item.String("owner"))
	}
}

func guardedSubtractionRefused(t *testing.T, ctx context.Context, s kv.Store) {
	k := key("USER#u4")
	mustPut(t, ctx, s, k, kv.Item{"dailyCap": 3, "balance": 0})

	res := mustUpdate(t, ctx, s, k, kv.Update{
		Add:       map[string]int64{"dailyCap": -5, "balance": 5},
		Condition: kv.GreaterOrEqual("dailyCap", 5),
	})
	if res.Applied {
		t.Fatalf("Update() exceeded the guard")
	}
	if got := intAttr(t, res.Item, "dailyCap"); got != 3 {
		t.Errorf("returned dailyCap = %d, want 3", got)
	}

	res = mustUpdate(t, ctx, s, k, kv.Update{
		Add:       map[string]int64{"dailyCap": -3, "balance": 3},
		Condition: kv.GreaterOrEqual("dailyCap", 3),
	})
	if !res.Applied {
		t.Fatalf("Update() within the guard not applied")
	}
	if intAttr(t, res.Item, "dailyCap") != 0 || intAttr(t, res.Item, "balance") != 3 {
		t.Errorf("returned row = %v, want dailyCap 0 balance 3", res.Item)
	}
}

func comparisonOnAbsentRow(t *testing.T, ctx context.Context, s kv.Store) {
	k := key("USER#u5")
	res := mustUpdate(t, ctx, s, k, kv.Update{
		Add:       map[string]int64{"balance": -1},
		Condition: kv.GreaterOrEqual("balance", 1),
	})
	if res.Applied {
		t.Fatalf("Update() applied on absent row")
	}
	if res.Item != nil {
		t.Errorf("returned item = %v, want nil", res.Item)
	}
	got, err := s.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %v, want nil", got)
	}
}

func notEqualOnMissingAttribute(t *testing.T, ctx context.Context, s kv.Store) {
	k := key("USER#u6")
	mustPut(t, ctx, s, k, kv.Item{"balance": 1})

	res := mustUpdate(t, ctx, s, k, kv.Update{
		Set:       map[string]any{"resetDate": "2024-06-01"},
		Condition: kv.NotEqual("resetDate", "2024-06-01"),
	})
	if res.Applied {
		t.Fatalf("NotEqual on a missing attribute held")
	}
}

func stringOrdering(t *testing.T, ctx context.Context, s kv.Store) {
	k := key("USER#u7")
	mustPut(t, ctx, s, k, kv.Item{"resetDate": "2024-06-02"})

	reset := func(date string) kv.UpdateResult {
		return mustUpdate(t, ctx, s, k, kv.Update{
			Set:       map[string]any{"resetDate": date},
			Condition: kv.Or(kv.NotExists("resetDate"), kv.Less("resetDate", date)),
		})
	}
	if res := reset("2024-06-01"); res.Applied {
		t.Errorf("reset to an earlier day applied")
	}
	if res := reset("2024-06-02"); res.Applied {
		t.Errorf("reset to the same day applied")
	}
	res := reset("2024-06-03")
	if !res.Applied {
		t.Fatalf("reset to a later day not applied")
	}
	if got := res.Item.String("resetDate"); got != "2024-06-03" {
		t.Errorf("resetDate = %q, want 2024-06-03", got)
	}
}

func unconditionalAddCreatesRow(t *testing.T, ctx context.Context, s kv.Store) {
	k := key("USER#u8")
	for i := 0; i < 2; i++ {
		mustUpdate(t, ctx, s, k, kv.Update{Add: map[string]int64{"score": 4}})
	}
	got, err := s.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n := intAttr(t, got, "score"); n != 8 {
		t.Errorf("score = %d, want 8", n)
	}
}

func concurrentCreateHasOneWinner(t *testing.T, ctx context.Context, s kv.Store) {
	k := key("MISSION#D#2024-06-01")
	const writers = 8

	results := make([]kv.UpdateResult, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = updateRetrying(ctx, s, k, kv.Update{
				Set:       map[string]any{"owner": fmt.Sprintf("w%d", i)},
				Condition: kv.NotExists(kv.AttrPartition),
			})
		}()
	}
	wg.Wait()

	winners := 0
	winner := ""
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("writer %d error = %v", i, errs[i])
		}
		if res.Applied {
			winners++
			winner = res.Item.String("owner")
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
	for i, res := range results {
		if res.Applied {
			continue
		}
		if got := res.Item.String("owner"); got != winner {
			t.Errorf("writer %d saw owner %q, want %q", i, got, winner)
		}
	}
}

func concurrentAddsAreAtomic(t *testing.T, ctx context.Context, s kv.Store) {
	k := key("USER#u9")
	const writers = 10

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = updateRetrying(ctx, s, k, kv.Update{Add: map[string]int64{"score": 1}})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d error = %v", i, err)
		}
	}

	got, err := s.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n := intAttr(t, got, "score"); n != writers {
		t.Errorf("score = %d, want %d", n, writers)
	}
}

func versionCheckHasOneWinner(t *testing.T, ctx context.Context, s kv.Store) {
	k := key("USER#u10")
	mustPut(t, ctx, s, k, kv.Item{"version": 1, "tasks": []any{"open"}})
	const writers = 6

	applied := make([]bool, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res kv.UpdateResult
			res, errs[i] = updateRetrying(ctx, s, k, kv.Update{
				Set:       map[string]any{"tasks": []any{"done"}},
				Add:       map[string]int64{"version": 1},
				Condition: kv.Equal("version", 1),
			})
			applied[i] = res.Applied
		}()
	}
	wg.Wait()

	winners := 0
	for i := range applied {
		if errs[i] != nil {
			t.Fatalf("writer %d error = %v", i, errs[i])
		}
		if applied[i] {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}

	got, err := s.Get(ctx, k)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if intAttr(t, got, "version") != 2 || !reflect.DeepEqual(got["tasks"], []any{"done"}) {
		t.Errorf("Get() = %v, want version 2 tasks [done]", got)
	}
}
