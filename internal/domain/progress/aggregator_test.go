package progress

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/vitalhearts/core/internal/domain/logs"
	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/gateways/kv/mock"
)

var (
	windowStart = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.Add(24*time.Hour - time.Millisecond)
)

func TestAggregator_FoodEntryScenario(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	appender := logs.NewAppender(store, nil)
	agg := NewAggregator(logs.NewReader(store, 10, 10), time.UTC)
	task := Task{Type: TaskFoodEntry, Target: 2}

	got, err := agg.ComputeProgress(ctx, task, "u1", windowStart, windowEnd)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatalf("ComputeProgress() with no entries = %v, want 0", got)
	}

	for i := 0; i < 2; i++ {
		at := windowStart.Add(time.Duration(8+i) * time.Hour)
		if _, err := appender.Append(ctx, "u1", logs.TypeDataEntry, at, "app", logs.SubEntry{Kind: logs.KindFood, Amount: 1}); err != nil {
			t.Fatal(err)
		}
	}
	got, err = agg.ComputeProgress(ctx, task, "u1", windowStart, windowEnd)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("ComputeProgress() after two entries = %v, want 1", got)
	}
}

func TestAggregator_WindowBounds(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	appender := logs.NewAppender(store, nil)
	agg := NewAggregator(logs.NewReader(store, 2, 10), time.UTC)

	for _, at := range []time.Time{
		windowStart.Add(-time.Minute),
		windowStart,
		windowStart.Add(12 * time.Hour),
		windowEnd,
		windowEnd.Add(time.Minute),
	} {
		if _, err := appender.Append(ctx, "u1", logs.TypeGlucose, at, "cgm", logs.SubEntry{Kind: logs.KindGlucose, Amount: 110}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := agg.Measure(ctx, Task{Type: TaskGlucoseReading, Target: 10}, "u1", windowStart, windowEnd)
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Errorf("Measure() = %d, want 3 entries inside the window", got)
	}
}

func TestReduce(t *testing.T) {
	entries := []logs.Entry{
		{At: windowStart.Add(1 * time.Hour), Entries: []logs.SubEntry{{Kind: logs.KindFood, Amount: 1}, {Kind: logs.KindWater, Amount: 250}}},
		{At: windowStart.Add(2 * time.Hour), Entries: []logs.SubEntry{{Kind: logs.KindWater, Amount: 500}, {Kind: logs.KindExercise, Amount: 30}}},
		{At: windowStart.Add(26 * time.Hour), Entries: []logs.SubEntry{{Kind: logs.KindFood, Amount: 1}, {Kind: logs.KindWater, Amount: -100}}},
	}
	tests := []struct {
		task TaskType
		want int64
	}{
		{TaskFoodEntry, 2},
		{TaskWaterIntake, 750},
		{TaskExerciseMinutes, 30},
		{TaskLoggingDays, 2},
		{TaskGlucoseReading, 3},
		{TaskChatMessage, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.task), func(t *testing.T) {
			if got := Reduce(Task{Type: tt.task, Target: 1}, entries, time.UTC); got != tt.want {
				t.Errorf("Reduce() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoggingDaysUsesLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	entries := []logs.Entry{
		{At: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)},
		{At: time.Date(2024, 6, 3, 16, 0, 0, 0, time.UTC)},
	}
	if got := Reduce(Task{Type: TaskLoggingDays, Target: 1}, entries, time.UTC); got != 1 {
		t.Errorf("UTC days = %d, want 1", got)
	}
	if got := Reduce(Task{Type: TaskLoggingDays, Target: 1}, entries, tokyo); got != 2 {
		t.Errorf("JST days = %d, want 2", got)
	}
}

func TestRatio(t *testing.T) {
	tests := []struct {
		name   string
		target int64
		amount int64
		want   float64
	}{
		{"nothing", 4, 0, 0},
		{"half", 4, 2, 0.5},
		{"exact", 4, 4, 1},
		{"clamped high", 4, 9, 1},
		{"clamped low", 4, -3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ratio(Task{Type: TaskFoodEntry, Target: tt.target}, tt.amount); got != tt.want {
				t.Errorf("Ratio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTaskType(t *testing.T) {
	tests := []struct {
		in         string
		want       TaskType
		wantErr    error
		suggestion string
	}{
		{in: "foodEntry", want: TaskFoodEntry},
		{in: "chatMessage", want: TaskChatMessage},
		{in: "water", wantErr: ErrUnknownTaskType, suggestion: `"waterIntake"`},
		{in: "glucose", wantErr: ErrUnknownTaskType, suggestion: `"glucoseReading"`},
		{in: "zzz", wantErr: ErrUnknownTaskType},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTaskType(tt.in)
			if !errors.Is(err, tt.wantErr) || got != tt.want {
				t.Fatalf("ParseTaskType(%q) = %q, %v", tt.in, got, err)
			}
			if tt.suggestion != "" && !strings.Contains(err.Error(), tt.suggestion) {
				t.Errorf("error %q lacks suggestion %s", err, tt.suggestion)
			}
		})
	}
}

func TestAggregator_InvalidTask(t *testing.T) {
	agg := NewAggregator(logs.NewReader(kv.NewMemory(), 0, 0), nil)
	tests := []struct {
		name string
		task Task
		want error
	}{
		{"zero target", Task{Type: TaskFoodEntry}, ErrInvalidTarget},
		{"unknown type", Task{Type: "sleepHours", Target: 1}, ErrUnknownTaskType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := agg.ComputeProgress(context.Background(), tt.task, "u1", windowStart, windowEnd)
			if !errors.Is(err, tt.want) {
				t.Errorf("ComputeProgress() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAggregator_PageFailureReturnsNoRatio(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mock.NewMockStore(ctrl)
	sk := logs.TimeRange(windowStart, windowEnd).Start
	first := kv.QueryResult{
		Items:   []kv.Item{{kv.AttrPartition: "LOG#dataEntry#u1", kv.AttrSort: sk, "at": windowStart.UnixMilli(), "entries": []any{}}},
		LastKey: kv.Position{kv.AttrPartition: "LOG#dataEntry#u1", kv.AttrSort: sk},
	}
	gomock.InOrder(
		store.EXPECT().Query(gomock.Any(), gomock.Any()).Return(first, nil),
		store.EXPECT().Query(gomock.Any(), gomock.Any()).Return(kv.QueryResult{}, kv.Retryable("query", errors.New("throttled"))),
	)
	agg := NewAggregator(logs.NewReader(store, 1, 10), time.UTC)
	got, err := agg.ComputeProgress(context.Background(), Task{Type: TaskFoodEntry, Target: 1}, "u1", windowStart, windowEnd)
	if !kv.IsRetryable(err) || got != 0 {
		t.Errorf("ComputeProgress() = %v, %v; want retryable error", got, err)
	}
}
