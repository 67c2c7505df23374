package logs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/vitalhearts/core/internal/domain/cursor"
	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/gateways/kv/mock"
)

var day = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, a *Appender, user string, typ Type, n int) []Entry {
	t.Helper()
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := a.Append(context.Background(), user, typ, day.Add(time.Duration(i)*time.Minute), "test",
			SubEntry{Kind: KindFood, Amount: 1})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestReader_ReadPages(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	a := NewAppender(store, nil)
	written := seed(t, a, "u1", TypeDataEntry, 5)
	seed(t, a, "u2", TypeDataEntry, 3)

	r := NewReader(store, 2, 10)
	rng := TimeRange(day, day.Add(time.Hour))

	var got []Entry
	token := ""
	pages := 0
	for {
		p, err := r.Read(ctx, "u1", TypeDataEntry, rng, 2, token)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		pages++
		got = append(got, p.Entries...)
		if p.NextCursor == "" {
			break
		}
		token = p.NextCursor
	}

	if len(got) != len(written) {
		t.Fatalf("read %d entries, want %d", len(got), len(written))
	}
	for i := range got {
		if got[i].SortKey != written[i].SortKey {
			t.Errorf("entry %d sort key = %s, want %s", i, got[i].SortKey, written[i].SortKey)
		}
		if !got[i].At.Equal(written[i].At) {
			t.Errorf("entry %d at = %v, want %v", i, got[i].At, written[i].At)
		}
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
}

func TestReader_ShortPageWithCursorIsNotExhaustion(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mock.NewMockStore(ctrl)
	last := kv.Position{"pk": TypeGlucose.Partition("u1"), "sk": "00000000000000000005"}
	store.EXPECT().
		Query(gomock.Any(), gomock.Any()).
		Return(kv.QueryResult{Items: nil, LastKey: last}, nil)

	p, err := NewReader(store, 10, 10).Read(context.Background(), "u1", TypeGlucose, Range{}, 10, "")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(p.Entries) != 0 || p.NextCursor == "" {
		t.Errorf("Read() = %+v, want empty page with cursor", p)
	}
}

func TestReader_DescendingChat(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	a := NewAppender(store, nil)
	written := seed(t, a, "u1", TypeChat, 3)

	entries, err := NewReader(store, 2, 10).ReadAll(ctx, "u1", TypeChat, Range{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(entries) != 3 || entries[0].SortKey != written[2].SortKey {
		t.Errorf("chat not newest first: %+v", entries)
	}
}

func TestReader_ReadAllCeiling(t *testing.T) {
	store := kv.NewMemory()
	seed(t, NewAppender(store, nil), "u1", TypeDataEntry, 7)

	_, err := NewReader(store, 2, 3).ReadAll(context.Background(), "u1", TypeDataEntry, Range{})
	if !errors.Is(err, ErrRangeTooLarge) {
		t.Errorf("ReadAll() error = %v, want ErrRangeTooLarge", err)
	}

	entries, err := NewReader(store, 2, 4).ReadAll(context.Background(), "u1", TypeDataEntry, Range{})
	if err != nil || len(entries) != 7 {
		t.Errorf("ReadAll() = %d entries, %v; want 7, nil", len(entries), err)
	}
}

func TestReader_PropagatesStoreErrorUnwrapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mock.NewMockStore(ctrl)
	storeErr := kv.Retryable("query", errors.New("throttled"))

	first := store.EXPECT().
		Query(gomock.Any(), gomock.Any()).
		Return(kv.QueryResult{
			Items:   []kv.Item{{"pk": "LOG#dataEntry#u1", "sk": "1", "at": int64(0), "entries": []any{}}},
			LastKey: kv.Position{"pk": "LOG#dataEntry#u1", "sk": "1"},
		}, nil)
	store.EXPECT().
		Query(gomock.Any(), gomock.Any()).
		After(first).
		Return(kv.QueryResult{}, storeErr)

	entries, err := NewReader(store, 1, 10).ReadAll(context.Background(), "u1", TypeDataEntry, Range{})
	if err != storeErr {
		t.Errorf("ReadAll() error = %v, want the store error itself", err)
	}
	if entries != nil {
		t.Errorf("ReadAll() returned partial entries %v", entries)
	}
}

func TestReader_RejectsForeignCursor(t *testing.T) {
	store := kv.NewMemory()
	r := NewReader(store, 10, 10)
	rng := Range{Start: "00000000000000000100", End: "00000000000000000200"}

	tests := []struct {
		name string
		pos  kv.Position
	}{
		{"other user", kv.Position{"pk": TypeDataEntry.Partition("u2"), "sk": "00000000000000000150"}},
		{"other log", kv.Position{"pk": TypeChat.Partition("u1"), "sk": "00000000000000000150"}},
		{"outside range", kv.Position{"pk": TypeDataEntry.Partition("u1"), "sk": "00000000000000000300"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, _ := cursor.Encode(tt.pos)
			_, err := r.Read(context.Background(), "u1", TypeDataEntry, rng, 10, token)
			if !errors.Is(err, cursor.ErrInvalidCursor) {
				t.Errorf("Read() error = %v, want ErrInvalidCursor", err)
			}
		})
	}

	if _, err := r.Read(context.Background(), "u1", TypeDataEntry, rng, 10, "garbage!"); !errors.Is(err, cursor.ErrInvalidCursor) {
		t.Errorf("Read() with garbage token error = %v", err)
	}
}

func TestReader_CanceledBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewReader(kv.NewMemory(), 1, 1).ReadAll(ctx, "u1", TypeDataEntry, Range{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ReadAll() error = %v, want context.Canceled", err)
	}
}
