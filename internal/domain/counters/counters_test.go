package counters

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/gateways/kv/mock"
)

var subj = Subject{Game: "snake", User: "u1"}

func newStore() *Store {
	s := NewStore(kv.NewMemory())
	s.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestStore_SetIfBetter(t *testing.T) {
	type step struct {
		value       int64
		wantScore   int64
		wantApplied bool
	}
	tests := []struct {
		name  string
		order Order
		steps []step
	}{
		{
			name:  "ascending 10 then 7 is noop",
			order: Ascending,
			steps: []step{{10, 10, true}, {7, 10, false}},
		},
		{
			name:  "ascending 10 then 15",
			order: Ascending,
			steps: []step{{10, 10, true}, {15, 15, true}},
		},
		{
			name:  "ascending equal is noop",
			order: Ascending,
			steps: []step{{10, 10, true}, {10, 10, false}},
		},
		{
			name:  "descending keeps lowest",
			order: Descending,
			steps: []step{{30, 30, true}, {45, 30, false}, {12, 12, true}},
		},
		{
			name:  "negative first score",
			order: Ascending,
			steps: []step{{-5, -5, true}, {-6, -5, false}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore()
			for i, st := range tt.steps {
				got, applied, err := s.SetIfBetter(context.Background(), subj, st.value, tt.order)
				if err != nil {
					t.Fatalf("step %d: SetIfBetter() error = %v", i, err)
				}
				if applied != st.wantApplied || got.Score != st.wantScore {
					t.Errorf("step %d: SetIfBetter(%d) = (%d, %v), want (%d, %v)",
						i, st.value, got.Score, applied, st.wantScore, st.wantApplied)
				}
			}
		})
	}
}

func TestStore_ForceSetAndIncrement(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	e, err := s.Increment(ctx, subj, 3)
	if err != nil || e.Score != 3 {
		t.Fatalf("Increment() on absent = %d, %v; want 3", e.Score, err)
	}
	e, err = s.ForceSet(ctx, subj, 1)
	if err != nil || e.Score != 1 {
		t.Fatalf("ForceSet() = %d, %v; want 1", e.Score, err)
	}
	e, err = s.Increment(ctx, subj, -4)
	if err != nil || e.Score != -3 {
		t.Fatalf("Increment(-4) = %d, %v; want -3", e.Score, err)
	}
	if !e.UpdatedAt.Equal(s.now()) {
		t.Errorf("UpdatedAt = %v", e.UpdatedAt)
	}

	if _, err := s.Increment(ctx, subj, 0); !errors.Is(err, ErrInvalidDelta) {
		t.Errorf("Increment(0) error = %v", err)
	}
	if _, err := s.ForceSet(ctx, Subject{Game: "snake"}, 1); !errors.Is(err, ErrInvalidSubject) {
		t.Errorf("ForceSet(no user) error = %v", err)
	}
}

func TestStore_Advance(t *testing.T) {
	type step struct {
		day         string
		continued   bool
		wantScore   int64
		wantApplied bool
	}
	tests := []struct {
		name  string
		prior int64
		steps []step
	}{
		{
			name:  "continued day increments prior",
			prior: 10,
			steps: []step{{"2024-06-01", true, 11, true}},
		},
		{
			name:  "broken streak restarts at one",
			prior: 10,
			steps: []step{{"2024-06-01", false, 1, true}},
		},
		{
			name: "same day counts once",
			steps: []step{
				{"2024-06-01", false, 1, true},
				{"2024-06-01", true, 1, false},
				{"2024-06-02", true, 2, true},
			},
		},
		{
			name: "earlier day is ignored",
			steps: []step{
				{"2024-06-03", false, 1, true},
				{"2024-06-02", false, 1, false},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			if tt.prior > 0 {
				if _, err := s.ForceSet(ctx, subj, tt.prior); err != nil {
					t.Fatal(err)
				}
			}
			for i, st := range tt.steps {
				got, applied, err := s.Advance(ctx, subj, st.day, st.continued)
				if err != nil {
					t.Fatalf("step %d: Advance() error = %v", i, err)
				}
				if applied != st.wantApplied || got.Score != st.wantScore {
					t.Errorf("step %d: Advance(%s) = (%d, %v), want (%d, %v)",
						i, st.day, got.Score, applied, st.wantScore, st.wantApplied)
				}
			}
		})
	}
}

func TestStore_ClaimReward(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	if ok, err := s.ClaimReward(ctx, subj, "2024-06-01"); err != nil || ok {
		t.Fatalf("ClaimReward() on absent row = %v, %v; want false", ok, err)
	}
	if _, _, err := s.Advance(ctx, subj, "2024-06-01", false); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.ClaimReward(ctx, subj, "2024-06-01"); err != nil || !ok {
		t.Fatalf("first ClaimReward() = %v, %v; want true", ok, err)
	}
	if ok, _ := s.ClaimReward(ctx, subj, "2024-06-01"); ok {
		t.Fatalf("second ClaimReward() claimed again")
	}
	if err := s.ReleaseReward(ctx, subj, "2024-06-01"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.ClaimReward(ctx, subj, "2024-06-01"); !ok {
		t.Fatalf("ClaimReward() after release not claimed")
	}
	e, _, err := s.Get(ctx, subj)
	if err != nil {
		t.Fatal(err)
	}
	if e.LastDay != "2024-06-01" || e.RewardedDay != "2024-06-01" {
		t.Errorf("Get() = %+v", e)
	}
}

func TestStore_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Increment(ctx, subj, 1); err != nil {
				t.Errorf("Increment() error = %v", err)
			}
		}()
	}
	wg.Wait()
	e, ok, err := s.Get(ctx, subj)
	if err != nil || !ok || e.Score != 50 {
		t.Errorf("Get() = %d, %v, %v; want 50", e.Score, ok, err)
	}
}

func TestStore_RetryableErrorPropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mock.NewMockStore(ctrl)
	store.EXPECT().
		Update(gomock.Any(), kv.Key{Partition: "GAME#snake", Sort: "USER#u1"}, gomock.Any()).
		Return(kv.UpdateResult{}, kv.Retryable("update", errors.New("throttled")))

	_, _, err := NewStore(store).SetIfBetter(context.Background(), subj, 5, Ascending)
	if !kv.IsRetryable(err) {
		t.Errorf("SetIfBetter() error = %v, want retryable", err)
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	for i, u := range []string{"a", "b", "c", "d", "e"} {
		if _, err := s.ForceSet(ctx, Subject{Game: "snake", User: u}, int64(i*10)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.List(ctx, "snake", 2, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 5 {
		t.Errorf("List() = %d entries, want 5", len(got))
	}
	if _, err := s.List(ctx, "snake", 2, 2); !errors.Is(err, ErrTooManyEntries) {
		t.Errorf("List() over ceiling error = %v", err)
	}
}
